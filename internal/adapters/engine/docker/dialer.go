// Package docker talks to rootbox dockerd over the Docker Engine API.
package docker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"surface.scanners/internal/config"
	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

// Dialer opens version-pinned engine clients for rootboxes.
type Dialer struct {
	cfg config.DockerConfig

	tlsOnce sync.Once
	tlsErr  error
}

func NewDialer(cfg config.DockerConfig) *Dialer {
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, host *domain.TargetHost) (ports.Engine, error) {
	if host.Address == "" {
		return nil, fmt.Errorf("rootbox %s has no address", host.Name)
	}
	port := host.DockerdPort
	if port == 0 {
		port = 80
	}

	opts := []client.Opt{
		client.WithHost(fmt.Sprintf("tcp://%s:%d", host.Address, port)),
		// pinned to skip the version negotiation round trip
		client.WithVersion(d.cfg.APIVersion),
	}
	if host.DockerdTLS {
		if err := d.writeTLSFiles(); err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLSClientConfig(d.cfg.CACertPath, d.cfg.ClientCertPath, d.cfg.ClientKeyPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", host.Name, err)
	}
	return &Engine{
		cli:             cli,
		timeout:         d.cfg.Timeout,
		transferTimeout: d.cfg.TransferTimeout,
		auth:            encodeAuth(d.cfg.RegistryAuth),
	}, nil
}

func (d *Dialer) writeTLSFiles() error {
	d.tlsOnce.Do(func() {
		for _, f := range []struct{ content, path string }{
			{d.cfg.CACert, d.cfg.CACertPath},
			{d.cfg.ClientKey, d.cfg.ClientKeyPath},
			{d.cfg.ClientCert, d.cfg.ClientCertPath},
		} {
			if _, err := writeSecretFile(f.content, f.path); err != nil {
				d.tlsErr = err
				return
			}
		}
	})
	return d.tlsErr
}

// writeSecretFile decodes b64 into path unless path already holds data.
// It reports whether the file was written.
func writeSecretFile(b64, path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("missing TLS file path")
	}
	if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() && st.Size() > 0 {
		return false, nil
	}
	if b64 == "" {
		return false, fmt.Errorf("missing TLS material for %s", path)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return false, fmt.Errorf("decode TLS material for %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, err
	}
	return true, os.Chmod(path, 0o600)
}

func encodeAuth(auths map[string]config.RegistryAuth) map[string]string {
	out := make(map[string]string, len(auths))
	for host, a := range auths {
		enc, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      a.Username,
			Password:      a.Password,
			ServerAddress: host,
		})
		if err != nil {
			continue
		}
		out[host] = enc
	}
	return out
}

// registryHost returns the registry part of an image reference, or "" for Docker Hub.
func registryHost(ref string) string {
	i := strings.IndexRune(ref, '/')
	if i < 0 {
		return ""
	}
	first := ref[:i]
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return ""
}
