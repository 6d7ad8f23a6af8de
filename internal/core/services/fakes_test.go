package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

// recorder keeps the order of calls across fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.list() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) index(call string) int {
	for i, c := range r.list() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeEngine struct {
	rec *recorder

	mu         sync.Mutex
	containers []domain.ContainerSummary
	listErr    error
	pullErr    error
	createErr  error
	logs       map[string][]byte
	logsErr    error
	logsOpts   map[string]ports.LogsOptions
	exitCodes  map[string]int
	// helperOut maps a helper command ("list", "clean") to its output.
	helperOut map[string]string
	archive   []byte
	created   map[string]ports.ContainerSpec
	order     []string
	puts      map[string][]byte
	nextID    int
	closed    int
}

func newFakeEngine(rec *recorder) *fakeEngine {
	return &fakeEngine{
		rec:       rec,
		logs:      map[string][]byte{},
		logsOpts:  map[string]ports.LogsOptions{},
		exitCodes: map[string]int{},
		helperOut: map[string]string{},
		created:   map[string]ports.ContainerSpec{},
		puts:      map[string][]byte{},
	}
}

func (e *fakeEngine) ListContainers(ctx context.Context, all bool) ([]domain.ContainerSummary, error) {
	e.rec.add("list")
	if e.listErr != nil {
		return nil, e.listErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ContainerSummary
	for _, c := range e.containers {
		if all || c.State == "running" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *fakeEngine) PullImage(ctx context.Context, image, tag string) error {
	e.rec.add("pull:%s:%s", image, tag)
	return e.pullErr
}

func (e *fakeEngine) CreateContainer(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	e.rec.add("create:%s", spec.Name)
	if e.createErr != nil {
		err := e.createErr
		e.createErr = nil
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("c%d", e.nextID)
	e.created[id] = spec
	e.order = append(e.order, id)
	return id, nil
}

func (e *fakeEngine) PutArchive(ctx context.Context, id, path string, r io.Reader) error {
	e.rec.add("put:%s:%s", id, path)
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.puts[id] = data
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Start(ctx context.Context, id string) error {
	e.rec.add("start:%s", id)
	return nil
}

func (e *fakeEngine) Wait(ctx context.Context, id string) (int64, error) {
	e.rec.add("wait:%s", id)
	return 0, nil
}

func (e *fakeEngine) Logs(ctx context.Context, id string, opts ports.LogsOptions) ([]byte, error) {
	e.rec.add("logs:%s", id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logsOpts[id] = opts
	if spec, ok := e.created[id]; ok {
		if len(spec.Command) == 0 {
			return nil, nil
		}
		return []byte(e.helperOut[spec.Command[0]]), nil
	}
	if e.logsErr != nil {
		return nil, e.logsErr
	}
	return e.logs[id], nil
}

func (e *fakeEngine) ExitCode(ctx context.Context, id string) (int, error) {
	e.rec.add("exitcode:%s", id)
	return e.exitCodes[id], nil
}

func (e *fakeEngine) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error) {
	e.rec.add("getarchive:%s:%s", id, path)
	return io.NopCloser(bytes.NewReader(e.archive)), nil
}

func (e *fakeEngine) Remove(ctx context.Context, id string) error {
	e.rec.add("remove:%s", id)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

// created specs in creation order
func (e *fakeEngine) specs() []ports.ContainerSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ports.ContainerSpec, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.created[id])
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	engines map[string]*fakeEngine
	errs    map[string]error
	dials   map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{engines: map[string]*fakeEngine{}, errs: map[string]error{}, dials: map[string]int{}}
}

func (d *fakeDialer) Dial(ctx context.Context, host *domain.TargetHost) (ports.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[host.Name]++
	if err := d.errs[host.Name]; err != nil {
		return nil, err
	}
	e, ok := d.engines[host.Name]
	if !ok {
		return nil, fmt.Errorf("no engine for %s", host.Name)
	}
	return e, nil
}

type memStore struct {
	rec *recorder

	mu      sync.Mutex
	hosts   []*domain.TargetHost
	jobs    map[uint]*domain.JobDefinition
	runs    map[string]*domain.JobRun
	nextRun uint
	lines   []*domain.JobOutputLine
	results []*domain.RawResult
	lookups int
}

var _ ports.Store = (*memStore)(nil)

func newMemStore(rec *recorder) *memStore {
	return &memStore{rec: rec, jobs: map[uint]*domain.JobDefinition{}, runs: map[string]*domain.JobRun{}}
}

func (s *memStore) ListActiveTargetHosts(ctx context.Context, names []string) ([]*domain.TargetHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TargetHost
	for _, h := range s.hosts {
		if !h.Active {
			continue
		}
		if len(names) > 0 && !contains(names, h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *memStore) GetTargetHostByName(ctx context.Context, name string) (*domain.TargetHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		if h.Name == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ports.ErrUnknownRootbox, name)
}

func (s *memStore) ListTargetHosts(ctx context.Context) ([]*domain.TargetHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.TargetHost(nil), s.hosts...), nil
}

func (s *memStore) GetJobDefinition(ctx context.Context, id uint) (*domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.jobs[id], nil
}

func (s *memStore) GetJobDefinitionByName(ctx context.Context, name string) (*domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ports.ErrUnknownScanner, name)
}

func (s *memStore) ListContinuous(ctx context.Context, rootbox string) ([]*domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.JobDefinition
	for _, j := range s.jobs {
		if !j.ContinuouslyRunning {
			continue
		}
		if rootbox != "" && (j.TargetHost == nil || j.TargetHost.Name != rootbox) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *memStore) ListJobDefinitions(ctx context.Context) ([]*domain.JobDefinition, error) {
	return s.ListContinuous(ctx, "")
}

func (s *memStore) UpsertJobRun(ctx context.Context, run *domain.JobRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	stored, ok := s.runs[run.Name]
	if !ok {
		s.nextRun++
		stored = &domain.JobRun{ID: s.nextRun, Name: run.Name, FirstSeen: now}
		s.runs[run.Name] = stored
	}
	stored.JobDefinitionID = run.JobDefinitionID
	stored.TargetHostID = run.TargetHostID
	stored.State = run.State
	stored.LastSeen = now
	*run = *stored
	return !ok, nil
}

func (s *memStore) SetExitCode(ctx context.Context, runID uint, code int) error {
	s.rec.add("setexit:%d", code)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == runID {
			c := code
			r.ExitCode = &c
			return nil
		}
	}
	return errors.New("no such run")
}

func (s *memStore) LastOutputTimestamp(ctx context.Context, runID uint) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, l := range s.lines {
		if l.JobRunID == runID && (!found || l.Timestamp.After(last)) {
			last, found = l.Timestamp, true
		}
	}
	return last, found, nil
}

func (s *memStore) BulkInsertOutput(ctx context.Context, lines []*domain.JobOutputLine) error {
	s.rec.add("insert:%d", len(lines))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
	return nil
}

func (s *memStore) CreateRawResult(ctx context.Context, r *domain.RawResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}
