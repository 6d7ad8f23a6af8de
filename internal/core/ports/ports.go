package ports

import (
	"context"
	"errors"
	"io"
	"time"

	"surface.scanners/internal/core/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNameConflict   = errors.New("container name already in use")
	ErrHostInactive   = errors.New("rootbox is not active")
	ErrUnknownScanner = errors.New("unknown scanner")
	ErrUnknownRootbox = errors.New("unknown rootbox")
	ErrLockLost       = errors.New("lock lost")
)

type TargetHostRepository interface {
	// ListActiveTargetHosts returns active rootboxes, restricted to names when non-empty.
	ListActiveTargetHosts(ctx context.Context, names []string) ([]*domain.TargetHost, error)
	GetTargetHostByName(ctx context.Context, name string) (*domain.TargetHost, error)
	ListTargetHosts(ctx context.Context) ([]*domain.TargetHost, error)
}

type JobDefinitionRepository interface {
	// GetJobDefinition returns nil, nil when id does not exist.
	GetJobDefinition(ctx context.Context, id uint) (*domain.JobDefinition, error)
	GetJobDefinitionByName(ctx context.Context, name string) (*domain.JobDefinition, error)
	// ListContinuous returns continuously running scanners with their rootbox preloaded,
	// restricted to one rootbox name when non-empty.
	ListContinuous(ctx context.Context, rootbox string) ([]*domain.JobDefinition, error)
	ListJobDefinitions(ctx context.Context) ([]*domain.JobDefinition, error)
}

type JobRunRepository interface {
	// UpsertJobRun creates or updates the run keyed by run.Name and bumps LastSeen.
	// run is refreshed with the stored row.
	UpsertJobRun(ctx context.Context, run *domain.JobRun) (created bool, err error)
	SetExitCode(ctx context.Context, runID uint, code int) error
}

type OutputLineRepository interface {
	// LastOutputTimestamp returns the newest stored timestamp for the run.
	LastOutputTimestamp(ctx context.Context, runID uint) (time.Time, bool, error)
	BulkInsertOutput(ctx context.Context, lines []*domain.JobOutputLine) error
}

type RawResultRepository interface {
	CreateRawResult(ctx context.Context, result *domain.RawResult) error
}

// Store is the local state consumed by the orchestration loops.
type Store interface {
	TargetHostRepository
	JobDefinitionRepository
	JobRunRepository
	OutputLineRepository
	RawResultRepository
}

// ContainerSpec describes a container to create on a rootbox.
type ContainerSpec struct {
	Image      string
	Name       string
	Command    []string
	Env        map[string]string
	Privileged bool
	Binds      []string
	// PortBindings maps container port ("3128/tcp") to host port ("1080").
	PortBindings map[string]string
}

type LogsOptions struct {
	Since      time.Time
	Timestamps bool
	Stdout     bool
	Stderr     bool
}

// Engine is a connection to one rootbox dockerd.
type Engine interface {
	ListContainers(ctx context.Context, all bool) ([]domain.ContainerSummary, error)
	PullImage(ctx context.Context, image, tag string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	PutArchive(ctx context.Context, containerID, path string, archive io.Reader) error
	Start(ctx context.Context, containerID string) error
	Wait(ctx context.Context, containerID string) (int64, error)
	Logs(ctx context.Context, containerID string, opts LogsOptions) ([]byte, error)
	ExitCode(ctx context.Context, containerID string) (int, error)
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, containerID string) error
	Close() error
}

// EngineDialer opens an Engine for a rootbox.
type EngineDialer interface {
	Dial(ctx context.Context, host *domain.TargetHost) (Engine, error)
}

// Locker guards a singleton loop.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done. The returned context
	// derives from ctx and is cancelled with ErrLockLost once the lock is no
	// longer held; the guarded work must run under it.
	Lock(ctx context.Context, name string) (held context.Context, release func(), err error)
}

type RunEventPublisher interface {
	PublishRunUpdate(ctx context.Context, run *domain.JobRun, rootbox string) error
}
