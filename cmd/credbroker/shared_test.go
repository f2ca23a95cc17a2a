package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv("CREDBROKER_CONFIG", "/etc/credbroker/env.yaml")
	if got := resolveConfigPath("/opt/flag.yaml"); got != "/opt/flag.yaml" {
		t.Errorf("flag should win over env, got %q", got)
	}
	if got := resolveConfigPath(""); got != "/etc/credbroker/env.yaml" {
		t.Errorf("env path = %q", got)
	}

	t.Setenv("CREDBROKER_CONFIG", "")
	if got := resolveConfigPath(""); got != "" {
		t.Errorf("missing default file should give env-only config, got %q", got)
	}

	def := filepath.Join(home, ".credbroker", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(def), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(def, []byte("store: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(""); got != def {
		t.Errorf("default path = %q, want %q", got, def)
	}
}
