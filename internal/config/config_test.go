package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernelbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Callbacks.RecordLimit != 1000 || cfg.Callbacks.PullLimit != 100 {
		t.Errorf("callbacks = %+v, want 1000/100", cfg.Callbacks)
	}
	if cfg.Kernel.StartupTimeout != 120*time.Second {
		t.Errorf("startup_timeout = %v, want 120s", cfg.Kernel.StartupTimeout)
	}
	if cfg.Kernel.RetryBackoff != 5*time.Second {
		t.Errorf("retry_backoff = %v, want 5s", cfg.Kernel.RetryBackoff)
	}
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled by default")
	}
	if !strings.HasPrefix(cfg.Storage.DBPath, home) {
		t.Errorf("db_path = %q, want under %q", cfg.Storage.DBPath, home)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
server:
  port: 9090
callbacks:
  record_limit: 50
kernel:
  startup_timeout: 30s
sandbox:
  image: python:3.11-slim
  network: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Callbacks.RecordLimit != 50 {
		t.Errorf("record_limit = %d", cfg.Callbacks.RecordLimit)
	}
	if cfg.Callbacks.PullLimit != 100 {
		t.Errorf("pull_limit should keep its default, got %d", cfg.Callbacks.PullLimit)
	}
	if cfg.Kernel.StartupTimeout != 30*time.Second {
		t.Errorf("startup_timeout = %v", cfg.Kernel.StartupTimeout)
	}
	if !cfg.Sandbox.Network || cfg.Sandbox.Image != "python:3.11-slim" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BEARER_TOKEN", "s3cret")
	t.Setenv("CALLBACK_PULL_LIMIT", "7")
	t.Setenv("VM_BUILD", "build-42")
	t.Setenv("API_PORT", "8181")

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.BearerToken != "s3cret" || !cfg.AuthEnabled() {
		t.Errorf("bearer_token = %q", cfg.Auth.BearerToken)
	}
	if cfg.Callbacks.PullLimit != 7 {
		t.Errorf("pull_limit = %d, want 7", cfg.Callbacks.PullLimit)
	}
	if cfg.Server.Version != "build-42" {
		t.Errorf("version = %q", cfg.Server.Version)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadExpandsTokenReference(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MY_TOKEN", "from-env")
	path := writeConfig(t, "auth:\n  bearer_token: ${MY_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.BearerToken != "from-env" {
		t.Errorf("bearer_token = %q, want from-env", cfg.Auth.BearerToken)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero record limit", "callbacks:\n  record_limit: 0\n", "record_limit"},
		{"negative pull limit", "callbacks:\n  pull_limit: -1\n", "pull_limit"},
		{"image not allowed", "sandbox:\n  image: ubuntu:latest\n", "sandbox.image"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
