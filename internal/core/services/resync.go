package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"surface.scanners/internal/core/circuitbreaker"
	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/core/tracing"
)

type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseResults Phase = "results"
)

var AllPhases = []Phase{PhaseResults, PhaseRunning}

type ResyncOptions struct {
	Rootboxes []string
	Delay     time.Duration
	RunOnce   bool
	Phases    []Phase
	// Parallel bounds how many rootboxes are synced at once; 0 or 1 is sequential.
	Parallel int
}

func (o ResyncOptions) has(p Phase) bool {
	return len(o.Phases) == 0 || slices.Contains(o.Phases, p)
}

// Resync periodically reconciles containers and fetches results of every active rootbox.
type Resync struct {
	hosts      ports.TargetHostRepository
	dialer     ports.EngineDialer
	reconciler *Reconciler
	fetcher    *ResultFetcher
	breakers   *circuitbreaker.Set
}

func NewResync(hosts ports.TargetHostRepository, dialer ports.EngineDialer, reconciler *Reconciler, fetcher *ResultFetcher, breakers *circuitbreaker.Set) *Resync {
	return &Resync{
		hosts:      hosts,
		dialer:     dialer,
		reconciler: reconciler,
		fetcher:    fetcher,
		breakers:   breakers,
	}
}

// Run sweeps until ctx is done, or once with RunOnce.
func (s *Resync) Run(ctx context.Context, opts ResyncOptions) error {
	for {
		s.Sweep(ctx, opts)
		metrics.RecordSweep("resync")
		if opts.RunOnce {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.Delay):
		}
	}
}

// Sweep processes every selected rootbox once. Host failures are logged.
func (s *Resync) Sweep(ctx context.Context, opts ResyncOptions) {
	hosts, err := s.hosts.ListActiveTargetHosts(ctx, opts.Rootboxes)
	if err != nil {
		logger.Error("listing rootboxes failed", "error", err)
		return
	}
	warnMissing(opts.Rootboxes, hosts)

	if opts.Parallel <= 1 {
		for _, host := range hosts {
			if ctx.Err() != nil {
				return
			}
			s.syncHost(ctx, host, opts)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for _, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.syncHost(gctx, host, opts)
			return nil
		})
	}
	_ = g.Wait()
}

func warnMissing(names []string, hosts []*domain.TargetHost) {
	for _, name := range names {
		if !slices.ContainsFunc(hosts, func(h *domain.TargetHost) bool { return h.Name == name }) {
			logger.Warn("rootbox not found or not active", "rootbox", name)
		}
	}
}

// syncHost runs the phases of one rootbox. A started host is finished even
// when ctx is cancelled.
func (s *Resync) syncHost(ctx context.Context, host *domain.TargetHost, opts ResyncOptions) {
	ctx = context.WithoutCancel(ctx)
	log := logger.With("rootbox", host.Name)
	log.Debug("Processing rootbox")

	err := s.breakers.Get(host.Name).Execute(ctx, func(ctx context.Context) error {
		engine, err := s.dialer.Dial(ctx, host)
		if err != nil {
			return err
		}
		defer engine.Close()

		var errs []error
		if opts.has(PhaseRunning) {
			errs = append(errs, s.phase(ctx, host, PhaseRunning, func(ctx context.Context) error {
				return s.reconciler.Reconcile(ctx, host, engine)
			}))
		}
		if opts.has(PhaseResults) {
			errs = append(errs, s.phase(ctx, host, PhaseResults, func(ctx context.Context) error {
				return s.fetcher.Fetch(ctx, host, engine)
			}))
		}
		return errors.Join(errs...)
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		log.Warn("rootbox skipped, circuit open")
	case err != nil:
		log.Warn("resync failed, retrying next pass", "error", err)
	}
}

func (s *Resync) phase(ctx context.Context, host *domain.TargetHost, phase Phase, fn func(context.Context) error) error {
	ctx, span := tracing.StartHostSpan(ctx, string(phase), host.Name)
	start := time.Now()
	err := fn(ctx)
	metrics.RecordHostPass(host.Name, string(phase), time.Since(start), err)
	tracing.End(span, err)
	return err
}
