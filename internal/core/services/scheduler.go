package services

import (
	"context"
	"time"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/naming"
	"surface.scanners/internal/core/ports"
)

// Scheduler keeps continuously running scanners alive on their rootboxes.
type Scheduler struct {
	scanners   ports.JobDefinitionRepository
	dialer     ports.EngineDialer
	dispatcher *Dispatcher
	naming     naming.Scheme
}

func NewScheduler(scanners ports.JobDefinitionRepository, dialer ports.EngineDialer, dispatcher *Dispatcher, scheme naming.Scheme) *Scheduler {
	return &Scheduler{
		scanners:   scanners,
		dialer:     dialer,
		dispatcher: dispatcher,
		naming:     scheme,
	}
}

type hostJobs struct {
	host *domain.TargetHost
	jobs []*domain.JobDefinition
}

// EnsureRunning dispatches every continuous scanner, optionally of one rootbox,
// that has no container yet. Each rootbox is listed once.
func (s *Scheduler) EnsureRunning(ctx context.Context, rootbox string) error {
	jobs, err := s.scanners.ListContinuous(ctx, rootbox)
	if err != nil {
		return err
	}

	var groups []*hostJobs
	byHost := map[uint]*hostJobs{}
	for _, job := range jobs {
		if job.TargetHost == nil {
			logger.Error("scanner cannot be started without a rootbox", "scanner", job.Name)
			continue
		}
		if !job.TargetHost.Active {
			logger.Error("scanner cannot be started as rootbox is not active", "scanner", job.Name, "rootbox", job.TargetHost.Name)
			continue
		}
		g, ok := byHost[job.TargetHost.ID]
		if !ok {
			g = &hostJobs{host: job.TargetHost}
			byHost[job.TargetHost.ID] = g
			groups = append(groups, g)
		}
		g.jobs = append(g.jobs, job)
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			return nil
		}
		s.ensureHost(ctx, g)
	}
	return nil
}

func (s *Scheduler) ensureHost(ctx context.Context, g *hostJobs) {
	log := logger.With("rootbox", g.host.Name)

	engine, err := s.dialer.Dial(ctx, g.host)
	if err != nil {
		log.Warn("rootbox unreachable", "error", err)
		return
	}
	defer engine.Close()

	running, err := engine.ListContainers(ctx, false)
	if err != nil {
		log.Warn("listing containers failed", "error", err)
		return
	}
	for _, job := range g.jobs {
		if hasRun(s.naming, running, job) {
			log.Debug("already running", "scanner", job.Name)
			continue
		}
		if _, err := s.dispatcher.DispatchOn(ctx, engine, g.host, job); err != nil {
			log.Error("dispatch failed", "scanner", job.Name, "error", err)
		}
	}
}

// Run calls EnsureRunning every delay until ctx is done.
func (s *Scheduler) Run(ctx context.Context, rootbox string, delay time.Duration, runOnce bool) error {
	for {
		if err := s.EnsureRunning(ctx, rootbox); err != nil {
			logger.Error("continuous run check failed", "error", err)
		}
		metrics.RecordSweep("continuous")
		if runOnce {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
