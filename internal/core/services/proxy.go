package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/ports"
)

const proxyContainerPort = "3128/tcp"

type ProxyConfig struct {
	Name     string
	Image    string
	Tag      string
	Username string
	Password string
	HostPort int
}

// ProxyService starts the egress proxy container on rootboxes.
type ProxyService struct {
	hosts  ports.TargetHostRepository
	dialer ports.EngineDialer
	cfg    ProxyConfig
}

func NewProxyService(hosts ports.TargetHostRepository, dialer ports.EngineDialer, cfg ProxyConfig) *ProxyService {
	return &ProxyService{hosts: hosts, dialer: dialer, cfg: cfg}
}

// Start runs the proxy on every named rootbox. All names are resolved first.
// An existing proxy is kept unless recreate is set.
func (p *ProxyService) Start(ctx context.Context, names []string, recreate bool) error {
	seen := map[string]bool{}
	var hosts []*domain.TargetHost
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		host, err := p.hosts.GetTargetHostByName(ctx, name)
		if err != nil {
			return err
		}
		hosts = append(hosts, host)
	}

	var errs []error
	for _, host := range hosts {
		if err := p.startOn(ctx, host, recreate); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *ProxyService) spec() ports.ContainerSpec {
	return ports.ContainerSpec{
		Image: p.cfg.Image + ":" + p.cfg.Tag,
		Name:  p.cfg.Name,
		Env: map[string]string{
			"SCANNER_USERNAME": p.cfg.Username,
			"SCANNER_PASSWORD": p.cfg.Password,
		},
		PortBindings: map[string]string{proxyContainerPort: strconv.Itoa(p.cfg.HostPort)},
	}
}

func (p *ProxyService) startOn(ctx context.Context, host *domain.TargetHost, recreate bool) error {
	engine, err := p.dialer.Dial(ctx, host)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.PullImage(ctx, p.cfg.Image, p.cfg.Tag); err != nil {
		logger.Warn("failed to pull image", "rootbox", host.Name, "image", p.cfg.Image, "error", err)
	}

	err = p.run(ctx, engine, host)
	if !errors.Is(err, ports.ErrNameConflict) {
		return err
	}
	logger.Warn("already running", "rootbox", host.Name, "container", p.cfg.Name)
	if !recreate {
		return nil
	}
	// the engine accepts the name wherever an id is expected
	if err := engine.Remove(ctx, p.cfg.Name); err != nil {
		return err
	}
	return p.run(ctx, engine, host)
}

func (p *ProxyService) run(ctx context.Context, engine ports.Engine, host *domain.TargetHost) error {
	id, err := engine.CreateContainer(ctx, p.spec())
	if err != nil {
		return err
	}
	if err := engine.Start(ctx, id); err != nil {
		return err
	}
	logger.Info("Started proxy", "rootbox", host.Name, "container", p.cfg.Name)
	return nil
}
