package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	vault "github.com/hashicorp/vault/api"
)

// loginRecorder is a fake secret store that records login calls.
type loginRecorder struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func (l *loginRecorder) last() (string, map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.paths) == 0 {
		return "", nil
	}
	return l.paths[len(l.paths)-1], l.bodies[len(l.bodies)-1]
}

func newLoginServer(t *testing.T) (*vault.Client, *loginRecorder) {
	t.Helper()
	rec := &loginRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"auth": map[string]any{"client_token": "s.test", "lease_duration": 60, "renewable": true},
		})
	}))
	t.Cleanup(srv.Close)

	cfg := vault.DefaultConfig()
	cfg.Address = srv.URL
	cfg.MaxRetries = 0
	client, err := vault.NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.ClearToken()
	return client, rec
}

func login(t *testing.T, src Source, client *vault.Client) error {
	t.Helper()
	req, err := src.LoginRequest(context.Background())
	if err != nil {
		t.Fatalf("LoginRequest: %v", err)
	}
	if req.Auth == nil {
		t.Fatalf("%s source has no auth method", src.Method())
	}
	_, err = req.Auth.Login(context.Background(), client)
	return err
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"token ok", Config{Method: "token", Token: "s.x"}, false},
		{"token missing", Config{Method: "token"}, true},
		{"approle ok", Config{Method: "approle", RoleID: "r", SecretID: "s"}, false},
		{"approle secret file", Config{Method: "approle", RoleID: "r", SecretIDFile: "/run/secret-id"}, false},
		{"approle missing role", Config{Method: "approle", SecretID: "s"}, true},
		{"approle missing secret", Config{Method: "approle", RoleID: "r"}, true},
		{"jwt ok", Config{Method: "jwt", Role: "user", JWT: "a.b.c"}, false},
		{"jwt no role", Config{Method: "jwt", JWT: "a.b.c"}, true},
		{"jwt no token", Config{Method: "jwt", Role: "user"}, true},
		{"kubernetes default file", Config{Method: "kubernetes", Role: "app"}, false},
		{"userpass missing password", Config{Method: "userpass", Username: "alice"}, true},
		{"empty", Config{}, true},
		{"aws unsupported", Config{Method: "aws"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	_, err := New(Config{Method: "token"})
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
}

func TestLoginRequest_Token(t *testing.T) {
	src, err := New(Config{Method: "token", Token: "s.root"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, _ := src.LoginRequest(context.Background())
	if req.Token != "s.root" || req.Auth != nil {
		t.Errorf("unexpected token request: %+v", req)
	}
}

func TestLoginRequest_AppRole(t *testing.T) {
	client, rec := newLoginServer(t)
	src, err := New(Config{Method: "approle", Mount: "approle-prod", RoleID: "rid", SecretID: "sid"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, _ := src.LoginRequest(context.Background())
	if req.MountPath() != "approle-prod" {
		t.Errorf("MountPath = %q", req.MountPath())
	}
	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	path, body := rec.last()
	if path != "/v1/auth/approle-prod/login" {
		t.Errorf("path = %q", path)
	}
	if body["role_id"] != "rid" || body["secret_id"] != "sid" {
		t.Errorf("body = %v", body)
	}
}

func TestLoginRequest_AppRoleSecretIDFile(t *testing.T) {
	client, rec := newLoginServer(t)
	path := filepath.Join(t.TempDir(), "secret-id")
	if err := os.WriteFile(path, []byte("sid-from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	src, err := New(Config{Method: "approle", RoleID: "rid", SecretID: "ignored", SecretIDFile: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, body := rec.last(); body["secret_id"] != "sid-from-file" {
		t.Errorf("secret_id = %v, want value from file", body["secret_id"])
	}
}

func TestLoginRequest_KubernetesTokenReread(t *testing.T) {
	client, rec := newLoginServer(t)
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first.jwt.token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	src, err := New(Config{Method: "kubernetes", Role: "app", JWTFile: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, body := rec.last()
	if p != "/v1/auth/kubernetes/login" {
		t.Errorf("path = %q", p)
	}
	if body["jwt"] != "first.jwt.token" || body["role"] != "app" {
		t.Errorf("body = %v", body)
	}

	if err := os.WriteFile(path, []byte("second.jwt.token"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, body := rec.last(); body["jwt"] != "second.jwt.token" {
		t.Errorf("rotated token not picked up: %v", body["jwt"])
	}
}

func TestLoginRequest_JWTFile(t *testing.T) {
	client, rec := newLoginServer(t)
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("svc.jwt.token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	src, err := New(Config{Method: "jwt", Mount: "oidc", Role: "broker", JWTFile: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, body := rec.last()
	if p != "/v1/auth/oidc/login" || body["jwt"] != "svc.jwt.token" || body["role"] != "broker" {
		t.Errorf("path=%q body=%v", p, body)
	}

	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := login(t, src, client); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential for empty file, got %v", err)
	}
}

func TestLoginRequest_Userpass(t *testing.T) {
	client, rec := newLoginServer(t)
	src, err := New(Config{Method: "userpass", Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := login(t, src, client); err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, body := rec.last()
	if p != "/v1/auth/userpass/login/alice" || body["password"] != "pw" {
		t.Errorf("path=%q body=%v", p, body)
	}
}
