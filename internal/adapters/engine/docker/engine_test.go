package docker

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"

	"surface.scanners/internal/config"
	"surface.scanners/internal/core/ports"
)

func TestSummary_TrimsName(t *testing.T) {
	s := summary(types.Container{ID: "0123456789abcdef", Names: []string{"/scanner-eu1-4-nmap-1700000000"}, State: "running"})
	if s.Name != "scanner-eu1-4-nmap-1700000000" {
		t.Errorf("Name = %q", s.Name)
	}
	if s.ShortID() != "0123456789ab" {
		t.Errorf("ShortID() = %q", s.ShortID())
	}
}

func TestFormatSince(t *testing.T) {
	ts := time.Date(2023, 5, 1, 10, 0, 0, 1000, time.UTC)
	if got, want := formatSince(ts), fmt.Sprintf("%d.000001000", ts.Unix()); got != want {
		t.Errorf("formatSince() = %q, want %q", got, want)
	}
}

func TestRegistryHost(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"registry.local/scanners/nmap:latest", "registry.local"},
		{"localhost:5000/nmap", "localhost:5000"},
		{"library/ubuntu", ""},
		{"ubuntu:22.04", ""},
	}
	for _, tt := range tests {
		if got := registryHost(tt.ref); got != tt.want {
			t.Errorf("registryHost(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestMapError(t *testing.T) {
	conflict := mapError("create", errdefs.Conflict(errors.New("name in use")))
	if !errors.Is(conflict, ports.ErrNameConflict) {
		t.Errorf("conflict not mapped: %v", conflict)
	}
	missing := mapError("inspect", errdefs.NotFound(errors.New("no such container")))
	if !errors.Is(missing, ports.ErrNotFound) {
		t.Errorf("not found not mapped: %v", missing)
	}
	other := mapError("list", errors.New("connection refused"))
	if errors.Is(other, ports.ErrNotFound) || errors.Is(other, ports.ErrNameConflict) {
		t.Errorf("unexpected mapping: %v", other)
	}
}

func TestWriteSecretFile_WritesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tls", "ca.pem")
	first := base64.StdEncoding.EncodeToString([]byte("first"))

	written, err := writeSecretFile(first, path)
	if err != nil || !written {
		t.Fatalf("writeSecretFile() = %v, %v", written, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}

	second := base64.StdEncoding.EncodeToString([]byte("second"))
	written, err = writeSecretFile(second, path)
	if err != nil || written {
		t.Fatalf("second writeSecretFile() = %v, %v", written, err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "first" {
		t.Errorf("content = %q, want first", got)
	}
}

func TestWriteSecretFile_RewritesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	written, err := writeSecretFile(base64.StdEncoding.EncodeToString([]byte("key")), path)
	if err != nil || !written {
		t.Fatalf("writeSecretFile() = %v, %v", written, err)
	}
}

func TestEncodeAuth(t *testing.T) {
	auth := encodeAuth(map[string]config.RegistryAuth{"registry.local": {Username: "bot", Password: "pw"}})
	if auth["registry.local"] == "" {
		t.Error("expected encoded credentials for registry.local")
	}
}
