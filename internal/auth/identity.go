package auth

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jkaninda/credbroker/internal/lease"
)

// Default key templates for caller-scoped credentials.
const (
	DefaultStaticTemplate  = "users/{user}/{service}"
	DefaultDynamicTemplate = "{user}"
)

var (
	// ErrInvalidIdentity is returned when a caller identity token fails verification.
	ErrInvalidIdentity = errors.New("invalid identity token")
	// ErrInvalidKeyPart is returned when a user or service name cannot be placed in a key.
	ErrInvalidKeyPart = errors.New("invalid key component")
)

var keyPart = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// IdentityConfig configures caller identity verification.
type IdentityConfig struct {
	Secret          string // HMAC key for HS256/384/512 tokens.
	PublicKeyFile   string // PEM RSA or ECDSA public key.
	Issuer          string // Required iss claim, if set.
	Audience        string // Required aud claim, if set.
	StaticTemplate  string // Default: DefaultStaticTemplate.
	DynamicTemplate string // Default: DefaultDynamicTemplate.
}

// Identity verifies caller JWTs and maps the caller to credential keys, so
// each user reads users/<user>/<service> and dynamic role <user>.
type Identity struct {
	key     any
	parser  *jwt.Parser
	static  string
	dynamic string
}

// NewIdentity loads the verification key and builds the token parser.
func NewIdentity(cfg IdentityConfig) (*Identity, error) {
	var (
		key     any
		methods []string
	)
	switch {
	case cfg.Secret != "" && cfg.PublicKeyFile != "":
		return nil, errors.New("identity: set exactly one of secret or public_key_file")
	case cfg.Secret != "":
		key = []byte(cfg.Secret)
		methods = []string{"HS256", "HS384", "HS512"}
	case cfg.PublicKeyFile != "":
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity: reading public key: %w", err)
		}
		if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
			key = rsaKey
			methods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
		} else if ecKey, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
			key = ecKey
			methods = []string{"ES256", "ES384", "ES512"}
		} else {
			return nil, fmt.Errorf("identity: %s is not an RSA or ECDSA public key", cfg.PublicKeyFile)
		}
	default:
		return nil, errors.New("identity: secret or public_key_file is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	id := &Identity{
		key:     key,
		parser:  jwt.NewParser(opts...),
		static:  cfg.StaticTemplate,
		dynamic: cfg.DynamicTemplate,
	}
	if id.static == "" {
		id.static = DefaultStaticTemplate
	}
	if id.dynamic == "" {
		id.dynamic = DefaultDynamicTemplate
	}
	if !strings.Contains(id.static, "{user}") || !strings.Contains(id.dynamic, "{user}") {
		return nil, errors.New("identity: key templates must contain {user}")
	}
	return id, nil
}

// Username verifies token and returns its preferred_username, or sub when
// preferred_username is absent.
func (i *Identity) Username(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, err := i.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	name, _ := claims["preferred_username"].(string)
	if name == "" {
		name, _ = claims.GetSubject()
	}
	if name == "" {
		return "", fmt.Errorf("%w: no preferred_username or sub claim", ErrInvalidIdentity)
	}
	if !keyPart.MatchString(name) {
		return "", fmt.Errorf("%w: username %q", ErrInvalidKeyPart, name)
	}
	return name, nil
}

// Key returns the credential key for user. Static kinds use the static
// template and require a service; dynamic leases use the dynamic template.
func (i *Identity) Key(user string, kind lease.Kind, service string) (string, error) {
	if !keyPart.MatchString(user) {
		return "", fmt.Errorf("%w: username %q", ErrInvalidKeyPart, user)
	}
	tmpl := i.dynamic
	if kind.Static() {
		tmpl = i.static
	}
	if strings.Contains(tmpl, "{service}") && !keyPart.MatchString(service) {
		return "", fmt.Errorf("%w: service %q", ErrInvalidKeyPart, service)
	}
	return strings.NewReplacer("{user}", user, "{service}", service).Replace(tmpl), nil
}

// Resolve verifies token and returns the caller's username and the key for
// service under kind.
func (i *Identity) Resolve(token string, kind lease.Kind, service string) (user, key string, err error) {
	user, err = i.Username(token)
	if err != nil {
		return "", "", err
	}
	key, err = i.Key(user, kind, service)
	if err != nil {
		return "", "", err
	}
	return user, key, nil
}
