// Package auth turns configured identity material into login requests for
// the secret store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/kubernetes"
	"github.com/hashicorp/vault/api/auth/userpass"

	"github.com/jkaninda/credbroker/internal/store"
)

// DefaultServiceAccountTokenPath is where Kubernetes projects the pod token.
const DefaultServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// ErrMissingCredential is returned when the configured method lacks its secret material.
var ErrMissingCredential = errors.New("missing login credential")

// Source produces the identity credential the session manager logs in with.
type Source interface {
	LoginRequest(ctx context.Context) (store.LoginRequest, error)
	Method() string
}

// Config selects an auth method and its inputs.
type Config struct {
	Method          string // token, approle, jwt, kubernetes, userpass
	Mount           string // Default: method name.
	Role            string // jwt, kubernetes
	Token           string // token
	RoleID          string // approle
	SecretID        string // approle
	SecretIDFile    string // approle; read on every login.
	WrappedSecretID bool   // approle; the secret ID is a response-wrapping token.
	JWT             string // jwt (inline)
	JWTFile         string // jwt, kubernetes
	Username        string // userpass
	Password        string // userpass
}

// New validates cfg and returns a Source for it.
func New(cfg Config) (Source, error) {
	if cfg.Method == "" {
		return nil, fmt.Errorf("auth method is required")
	}
	if cfg.Method == "token" {
		if cfg.Token == "" {
			return nil, fmt.Errorf("token auth: %w: token", ErrMissingCredential)
		}
		return &source{method: cfg.Method, mount: cfg.Mount, token: cfg.Token}, nil
	}

	m, err := newAuthMethod(cfg)
	if err != nil {
		return nil, err
	}
	return &source{method: cfg.Method, mount: cfg.Mount, auth: m}, nil
}

func newAuthMethod(cfg Config) (vault.AuthMethod, error) {
	switch cfg.Method {
	case "approle":
		if cfg.RoleID == "" {
			return nil, fmt.Errorf("approle auth: %w: role_id", ErrMissingCredential)
		}
		if cfg.SecretID == "" && cfg.SecretIDFile == "" {
			return nil, fmt.Errorf("approle auth: %w: secret_id or secret_id_file", ErrMissingCredential)
		}
		secretID := &approle.SecretID{FromString: cfg.SecretID}
		if cfg.SecretIDFile != "" {
			secretID = &approle.SecretID{FromFile: cfg.SecretIDFile}
		}
		var opts []approle.LoginOption
		if cfg.Mount != "" {
			opts = append(opts, approle.WithMountPath(cfg.Mount))
		}
		if cfg.WrappedSecretID {
			opts = append(opts, approle.WithWrappingToken())
		}
		m, err := approle.NewAppRoleAuth(cfg.RoleID, secretID, opts...)
		if err != nil {
			return nil, fmt.Errorf("approle auth: %w", err)
		}
		return m, nil

	case "jwt":
		if cfg.JWT == "" && cfg.JWTFile == "" {
			return nil, fmt.Errorf("jwt auth: %w: jwt or jwt_file", ErrMissingCredential)
		}
		if cfg.Role == "" {
			return nil, fmt.Errorf("jwt auth: role is required")
		}
		mount := cfg.Mount
		if mount == "" {
			mount = "jwt"
		}
		return &jwtAuth{mount: mount, role: cfg.Role, token: cfg.JWT, tokenFile: cfg.JWTFile}, nil

	case "kubernetes":
		if cfg.Role == "" {
			return nil, fmt.Errorf("kubernetes auth: role is required")
		}
		path := cfg.JWTFile
		if path == "" {
			path = DefaultServiceAccountTokenPath
		}
		opts := []kubernetes.LoginOption{kubernetes.WithServiceAccountTokenPath(path)}
		if cfg.Mount != "" {
			opts = append(opts, kubernetes.WithMountPath(cfg.Mount))
		}
		m, err := kubernetes.NewKubernetesAuth(cfg.Role, opts...)
		if err != nil {
			return nil, fmt.Errorf("kubernetes auth: %w", err)
		}
		return m, nil

	case "userpass":
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("userpass auth: %w: username and password", ErrMissingCredential)
		}
		var opts []userpass.LoginOption
		if cfg.Mount != "" {
			opts = append(opts, userpass.WithMountPath(cfg.Mount))
		}
		m, err := userpass.NewUserpassAuth(cfg.Username, &userpass.Password{FromString: cfg.Password}, opts...)
		if err != nil {
			return nil, fmt.Errorf("userpass auth: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported auth method %q", cfg.Method)
}

type source struct {
	method string
	mount  string
	token  string
	auth   vault.AuthMethod
}

func (s *source) Method() string { return s.method }

// LoginRequest returns the request for the configured method. Token and
// secret ID files are read by the auth method on every login, so rotated
// values are picked up.
func (s *source) LoginRequest(_ context.Context) (store.LoginRequest, error) {
	return store.LoginRequest{Method: s.method, Mount: s.mount, Token: s.token, Auth: s.auth}, nil
}

// jwtAuth logs in to a jwt/oidc auth mount with a service JWT.
type jwtAuth struct {
	mount     string
	role      string
	token     string
	tokenFile string
}

func (a *jwtAuth) Login(ctx context.Context, client *vault.Client) (*vault.Secret, error) {
	token, err := a.jwt()
	if err != nil {
		return nil, err
	}
	path := "auth/" + strings.Trim(a.mount, "/") + "/login"
	secret, err := client.Logical().WriteWithContext(ctx, path, map[string]any{
		"role": a.role,
		"jwt":  token,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to log in with jwt auth: %w", err)
	}
	return secret, nil
}

func (a *jwtAuth) jwt() (string, error) {
	if a.tokenFile == "" {
		return a.token, nil
	}
	data, err := os.ReadFile(a.tokenFile)
	if err != nil {
		return "", fmt.Errorf("reading jwt file %s: %w", a.tokenFile, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("jwt file %s: %w", a.tokenFile, ErrMissingCredential)
	}
	return token, nil
}
