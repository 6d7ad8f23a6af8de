package services

import (
	"context"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

// RootboxContainers is the running containers of one rootbox.
type RootboxContainers struct {
	Rootbox    string                    `json:"rootbox"`
	Active     bool                      `json:"active"`
	Containers []domain.ContainerSummary `json:"containers"`
	Error      string                    `json:"error,omitempty"`
}

type Inventory struct {
	hosts  ports.TargetHostRepository
	dialer ports.EngineDialer
}

func NewInventory(hosts ports.TargetHostRepository, dialer ports.EngineDialer) *Inventory {
	return &Inventory{hosts: hosts, dialer: dialer}
}

// Check lists running containers of one rootbox, or of every rootbox when name is empty.
// An unreachable rootbox is reported in its entry.
func (i *Inventory) Check(ctx context.Context, name string) ([]RootboxContainers, error) {
	var hosts []*domain.TargetHost
	if name != "" {
		host, err := i.hosts.GetTargetHostByName(ctx, name)
		if err != nil {
			return nil, err
		}
		hosts = []*domain.TargetHost{host}
	} else {
		all, err := i.hosts.ListTargetHosts(ctx)
		if err != nil {
			return nil, err
		}
		hosts = all
	}

	out := make([]RootboxContainers, 0, len(hosts))
	for _, host := range hosts {
		entry := RootboxContainers{Rootbox: host.Name, Active: host.Active, Containers: []domain.ContainerSummary{}}
		containers, err := i.list(ctx, host)
		if err != nil {
			entry.Error = err.Error()
		}
		for _, c := range containers {
			c.ID = c.ShortID()
			entry.Containers = append(entry.Containers, c)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (i *Inventory) list(ctx context.Context, host *domain.TargetHost) ([]domain.ContainerSummary, error) {
	engine, err := i.dialer.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	return engine.ListContainers(ctx, false)
}
