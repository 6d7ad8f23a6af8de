package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/shlex"

	"surface.scanners/internal/core/archive"
	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/naming"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/inputs"
)

const (
	inputArchivePath = "input/input.txt"
	inputMountedPath = "/input/input.txt"
)

type DispatchStatus string

const (
	DispatchStarted        DispatchStatus = "started"
	DispatchSkippedEmpty   DispatchStatus = "skipped_empty_input"
	DispatchAlreadyRunning DispatchStatus = "already_running"
	DispatchDryRun         DispatchStatus = "dry_run"
)

type DispatchOptions struct {
	// Host overrides the scanner's rootbox.
	Host         *domain.TargetHost
	CheckRunning bool
	DryRun       bool
}

type DispatchResult struct {
	Status        DispatchStatus `json:"status"`
	Rootbox       string         `json:"rootbox"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name,omitempty"`
	Inputs        int            `json:"inputs"`
}

type DispatcherConfig struct {
	Naming      naming.Scheme
	ImagePrefix string
	OutputRoot  string
}

type Dispatcher struct {
	dialer ports.EngineDialer
	inputs *inputs.Registry
	cfg    DispatcherConfig
	now    func() time.Time
}

func NewDispatcher(dialer ports.EngineDialer, inputRegistry *inputs.Registry, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		dialer: dialer,
		inputs: inputRegistry,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Dispatch starts one run of job on its rootbox, or on opts.Host when set.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.JobDefinition, opts DispatchOptions) (*DispatchResult, error) {
	host := opts.Host
	if host == nil {
		host = job.TargetHost
	}
	if host == nil {
		return nil, fmt.Errorf("%w: scanner %s has no rootbox", ports.ErrUnknownRootbox, job.Name)
	}
	if !host.Active {
		return nil, fmt.Errorf("%w: %s", ports.ErrHostInactive, host.Name)
	}

	payload, count, err := d.buildInput(ctx, job)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		logger.Info("Skipping scanner with empty input", "scanner", job.Name, "rootbox", host.Name)
		metrics.RecordDispatch(string(DispatchSkippedEmpty))
		return &DispatchResult{Status: DispatchSkippedEmpty, Rootbox: host.Name}, nil
	}

	engine, err := d.dialer.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	if opts.CheckRunning {
		running, err := d.isRunning(ctx, engine, job)
		if err != nil {
			return nil, err
		}
		if running {
			logger.Warn("Already running", "scanner", job.Name, "rootbox", host.Name)
			metrics.RecordDispatch(string(DispatchAlreadyRunning))
			return &DispatchResult{Status: DispatchAlreadyRunning, Rootbox: host.Name, Inputs: count}, nil
		}
	}

	return d.start(ctx, engine, host, job, payload, count, opts.DryRun)
}

// DispatchOn starts job through an already open engine. The caller owns
// the running check.
func (d *Dispatcher) DispatchOn(ctx context.Context, engine ports.Engine, host *domain.TargetHost, job *domain.JobDefinition) (*DispatchResult, error) {
	payload, count, err := d.buildInput(ctx, job)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		logger.Info("Skipping scanner with empty input", "scanner", job.Name, "rootbox", host.Name)
		metrics.RecordDispatch(string(DispatchSkippedEmpty))
		return &DispatchResult{Status: DispatchSkippedEmpty, Rootbox: host.Name}, nil
	}
	return d.start(ctx, engine, host, job, payload, count, false)
}

func (d *Dispatcher) isRunning(ctx context.Context, engine ports.Engine, job *domain.JobDefinition) (bool, error) {
	containers, err := engine.ListContainers(ctx, false)
	if err != nil {
		return false, err
	}
	return hasRun(d.cfg.Naming, containers, job), nil
}

func hasRun(scheme naming.Scheme, containers []domain.ContainerSummary, job *domain.JobDefinition) bool {
	for _, c := range containers {
		if scheme.Matches(c.Name, job.ID, job.Image) {
			return true
		}
	}
	return false
}

// buildInput returns the gzip tar holding the scanner input and its item count.
func (d *Dispatcher) buildInput(ctx context.Context, job *domain.JobDefinition) ([]byte, int, error) {
	gen, ok := d.inputs.Lookup(job.Input)
	if !ok && job.Input != "" {
		logger.Warn("Unknown input, scanner gets no input", "scanner", job.Name, "input", job.Input)
	}
	data, count, err := inputs.Collect(ctx, gen)
	if err != nil {
		return nil, 0, fmt.Errorf("generate input %s for %s: %w", job.Input, job.Name, err)
	}
	if count == 0 {
		return nil, 0, nil
	}
	tgz, err := archive.TarGz(archive.File{Name: inputArchivePath, Content: data})
	if err != nil {
		return nil, 0, fmt.Errorf("input archive for %s: %w", job.Name, err)
	}
	return tgz, count, nil
}

func (d *Dispatcher) command(job *domain.JobDefinition) ([]string, error) {
	args, err := shlex.Split(job.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("extra args of %s: %w", job.Name, err)
	}
	return append(args, inputMountedPath), nil
}

func (d *Dispatcher) start(ctx context.Context, engine ports.Engine, host *domain.TargetHost, job *domain.JobDefinition, payload []byte, count int, dry bool) (*DispatchResult, error) {
	cmd, err := d.command(job)
	if err != nil {
		return nil, err
	}
	env, err := job.Environment()
	if err != nil {
		logger.Error("An error occurred while parsing the environment variables", "scanner", job.Name, "error", err)
	}

	ts := d.now()
	name := d.cfg.Naming.ContainerName(job.ID, job.Image, ts)
	spec := ports.ContainerSpec{
		Image:      job.ImageRef(d.cfg.ImagePrefix) + ":" + job.Tag(),
		Name:       name,
		Command:    cmd,
		Env:        env,
		Privileged: true,
		Binds:      []string{naming.OutputDir(d.cfg.OutputRoot, job.ID, job.Image, ts) + ":/output/:rw"},
	}
	if dry {
		logger.Info("Dry run", "scanner", job.Name, "rootbox", host.Name, "container", name, "image", spec.Image, "command", cmd, "inputs", count)
		metrics.RecordDispatch(string(DispatchDryRun))
		return &DispatchResult{Status: DispatchDryRun, Rootbox: host.Name, ContainerName: name, Inputs: count}, nil
	}

	if err := engine.PullImage(ctx, job.ImageRef(d.cfg.ImagePrefix), job.Tag()); err != nil {
		// best effort tag refresh, the local image is used instead
		logger.Warn("failed to pull image", "scanner", job.Name, "rootbox", host.Name, "error", err)
	}

	id, err := engine.CreateContainer(ctx, spec)
	if err != nil {
		metrics.RecordDispatch("failed")
		return nil, err
	}
	if err := engine.PutArchive(ctx, id, "/", bytes.NewReader(payload)); err != nil {
		metrics.RecordDispatch("failed")
		return nil, errors.Join(err, discard(ctx, engine, id))
	}
	if err := engine.Start(ctx, id); err != nil {
		metrics.RecordDispatch("failed")
		return nil, errors.Join(err, discard(ctx, engine, id))
	}

	logger.Info("Scanner started", "scanner", job.Name, "rootbox", host.Name, "container", name, "inputs", count)
	metrics.RecordDispatch(string(DispatchStarted))
	return &DispatchResult{
		Status:        DispatchStarted,
		Rootbox:       host.Name,
		ContainerID:   id,
		ContainerName: name,
		Inputs:        count,
	}, nil
}

// discard removes a container that never started so it is not picked up as a run.
func discard(ctx context.Context, engine ports.Engine, id string) error {
	if err := engine.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove unstarted container: %w", err)
	}
	return nil
}
