package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/naming"
	"surface.scanners/internal/core/ports"
)

type ReconcilerStore interface {
	ports.JobDefinitionRepository
	ports.JobRunRepository
}

// Reconciler mirrors rootbox containers into scan logs.
type Reconciler struct {
	store  ReconcilerStore
	logs   *LogCollector
	naming naming.Scheme
	events ports.RunEventPublisher
	// scanners caches definition lookups by id, misses included
	scanners *expirable.LRU[uint, *domain.JobDefinition]
}

func NewReconciler(store ReconcilerStore, logs *LogCollector, scheme naming.Scheme, events ports.RunEventPublisher) *Reconciler {
	return &Reconciler{
		store:    store,
		logs:     logs,
		naming:   scheme,
		events:   events,
		scanners: expirable.NewLRU[uint, *domain.JobDefinition](256, nil, time.Minute),
	}
}

// Reconcile walks every container of host. Only a failed listing aborts the pass;
// per-container failures are logged.
func (r *Reconciler) Reconcile(ctx context.Context, host *domain.TargetHost, engine ports.Engine) error {
	containers, err := engine.ListContainers(ctx, true)
	if err != nil {
		return fmt.Errorf("list containers on %s: %w", host.Name, err)
	}
	for _, c := range containers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		parsed, ok := r.naming.Parse(c.Name)
		if !ok {
			continue
		}
		r.reconcileContainer(ctx, host, engine, c, parsed)
	}
	return nil
}

func (r *Reconciler) reconcileContainer(ctx context.Context, host *domain.TargetHost, engine ports.Engine, c domain.ContainerSummary, parsed naming.Parsed) {
	log := logger.With("rootbox", host.Name, "run", parsed.RunName())

	job, err := r.scanner(ctx, parsed.JobID)
	if err != nil {
		log.Error("scanner lookup failed", "scanner_id", parsed.JobID, "error", err)
		return
	}
	if job == nil {
		log.Warn("container does not match any scanner", "scanner_id", parsed.JobID)
	}

	state, known := domain.ParseRunState(c.State)
	if !known {
		log.Warn("unknown container state", "state", c.State)
	}
	run := &domain.JobRun{
		Name:         parsed.RunName(),
		TargetHostID: &host.ID,
		State:        state,
	}
	if job != nil {
		run.JobDefinitionID = &job.ID
	}
	created, err := r.store.UpsertJobRun(ctx, run)
	if err != nil {
		log.Error("scan log upsert failed", "error", err)
		return
	}
	metrics.RecordRunObserved(string(run.State))
	if created {
		log.Debug("started")
	}

	if _, err := r.logs.Collect(ctx, run, engine, c.ID); err != nil {
		// removing now would lose the output for good
		log.Error("log collection failed", "error", err)
		r.publish(ctx, run, host, log)
		return
	}

	if state.Terminal() {
		if err := r.finish(ctx, run, engine, c.ID); err != nil {
			log.Error("finishing exited run failed", "error", err)
		} else {
			log.Debug("exited, removed", "exit_code", *run.ExitCode)
		}
	}
	r.publish(ctx, run, host, log)
}

// finish records the exit code, then removes the container. This is the only
// place containers of runs are removed.
func (r *Reconciler) finish(ctx context.Context, run *domain.JobRun, engine ports.Engine, containerID string) error {
	code, err := engine.ExitCode(ctx, containerID)
	if err != nil {
		return err
	}
	if err := r.store.SetExitCode(ctx, run.ID, code); err != nil {
		return fmt.Errorf("store exit code: %w", err)
	}
	run.ExitCode = &code
	if err := engine.Remove(ctx, containerID); err != nil {
		return err
	}
	metrics.RecordContainerRemoved()
	return nil
}

func (r *Reconciler) scanner(ctx context.Context, id uint) (*domain.JobDefinition, error) {
	if job, ok := r.scanners.Get(id); ok {
		return job, nil
	}
	job, err := r.store.GetJobDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	r.scanners.Add(id, job)
	return job, nil
}

func (r *Reconciler) publish(ctx context.Context, run *domain.JobRun, host *domain.TargetHost, log *slog.Logger) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishRunUpdate(ctx, run, host.Name); err != nil {
		log.Warn("publishing run event failed", "error", err)
	}
}
