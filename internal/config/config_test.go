package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AVZONE", "eu1")
	t.Setenv("SCANNERS_IMAGE_PREFIX", "registry.local/scanners/")
	t.Setenv("SCANNERS_HELPER_IMAGE", "")
	t.Setenv("SCANNERS_OUTPUT_ROOT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HelperImage != "registry.local/scanners/helper:85" {
		t.Errorf("HelperImage = %q", cfg.HelperImage)
	}
	if cfg.OutputRoot != "/scanners_eu1/output" {
		t.Errorf("OutputRoot = %q", cfg.OutputRoot)
	}
	if cfg.ProxyName() != "squid-eu1" {
		t.Errorf("ProxyName() = %q", cfg.ProxyName())
	}
	if cfg.Docker.APIVersion != "1.41" {
		t.Errorf("APIVersion = %q", cfg.Docker.APIVersion)
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("LOG_LEVEL", "info")
	path := filepath.Join(t.TempDir(), "scanners.yaml")
	content := `
lock_backend: postgres
log_level: debug
docker:
  timeout: 5s
  registry_auth:
    registry.local:
      username: bot
      password: hunter2
proxy:
  port: 8080
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LockBackend != "postgres" {
		t.Errorf("LockBackend = %q", cfg.LockBackend)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.Docker.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Docker.Timeout)
	}
	if got := cfg.Docker.RegistryAuth["registry.local"].Username; got != "bot" {
		t.Errorf("registry username = %q", got)
	}
	if cfg.Proxy.Port != 8080 {
		t.Errorf("Proxy.Port = %d", cfg.Proxy.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"lock backend", "LOCK_BACKEND", "etcd"},
		{"log format", "LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("Load() expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Minute},
		{"45", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.val)
		if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}
