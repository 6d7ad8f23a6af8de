package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"surface.scanners/internal/core/archive"
	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/naming"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/parsers"
)

const (
	helperMark      = "MARK\n"
	helperOutput    = "/output"
	deleteListName  = "todel.txt"
	deleteListPath  = "/" + deleteListName
	resultsArchived = "output"
)

var (
	ErrHelperOutput     = errors.New("unexpected helper output")
	ErrInvalidResultDir = errors.New("invalid scanner directory")
	ErrUnknownResultJob = errors.New("invalid scanner id")
)

// ParseError is a result directory whose parsing failed.
type ParseError struct {
	Dir string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Dir, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type ResultFetcherConfig struct {
	HelperImage string
	// OutputRoot is the rootbox directory holding every scanner output.
	OutputRoot string
	// WorkDir holds the temporary download directories.
	WorkDir string
}

// ResultFetcher downloads scanner outputs from rootboxes and hands them to parsers.
type ResultFetcher struct {
	scanners ports.JobDefinitionRepository
	parsers  *parsers.Registry
	cfg      ResultFetcherConfig
}

func NewResultFetcher(scanners ports.JobDefinitionRepository, parserRegistry *parsers.Registry, cfg ResultFetcherConfig) *ResultFetcher {
	return &ResultFetcher{scanners: scanners, parsers: parserRegistry, cfg: cfg}
}

func (f *ResultFetcher) bind(mode string) string {
	return strings.TrimSuffix(f.cfg.OutputRoot, "/") + "/:" + helperOutput + ":" + mode
}

// Fetch downloads, parses, then deletes on the rootbox exactly the files it downloaded.
func (f *ResultFetcher) Fetch(ctx context.Context, host *domain.TargetHost, engine ports.Engine) error {
	log := logger.With("rootbox", host.Name)

	listing, err := f.runHelper(ctx, engine, []string{"list"}, "ro")
	if err != nil {
		return fmt.Errorf("failed listing output files: %w", err)
	}
	if !strings.HasPrefix(listing, helperMark) {
		log.Error("failed listing output files", "output", listing)
		return fmt.Errorf("list: %w", ErrHelperOutput)
	}
	// the listing only tells whether there is anything to fetch; deletion
	// covers what the download actually returned
	if strings.TrimSpace(listing[len(helperMark):]) == "" {
		return nil
	}

	tmp, err := os.MkdirTemp(f.cfg.WorkDir, "scanners_results_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	files, err := f.download(ctx, engine, tmp)
	if err != nil {
		return err
	}
	metrics.RecordResultFiles(len(files))
	if len(files) == 0 {
		return nil
	}

	outDir := filepath.Join(tmp, resultsArchived)
	entries, err := os.ReadDir(outDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := f.ParseResultsDir(ctx, host, filepath.Join(outDir, e.Name())); err != nil {
			log.Error("parser failed", "error", err)
		}
	}

	return f.clean(ctx, engine, files, log)
}

func (f *ResultFetcher) download(ctx context.Context, engine ports.Engine, dest string) ([]string, error) {
	id, err := engine.CreateContainer(ctx, ports.ContainerSpec{
		Image: f.cfg.HelperImage,
		Binds: []string{f.bind("ro")},
	})
	if err != nil {
		return nil, err
	}
	defer removeHelper(ctx, engine, id)

	rc, err := engine.GetArchive(ctx, id, helperOutput+"/")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	files, err := archive.Extract(rc, dest)
	if err != nil {
		return nil, fmt.Errorf("extract results: %w", err)
	}
	return files, nil
}

func (f *ResultFetcher) clean(ctx context.Context, engine ports.Engine, files []string, log *slog.Logger) error {
	list := strings.Join(files, "\n") + "\n"
	tgz, err := archive.TarGz(archive.File{Name: deleteListName, Content: []byte(list)})
	if err != nil {
		return err
	}

	id, err := engine.CreateContainer(ctx, ports.ContainerSpec{
		Image:   f.cfg.HelperImage,
		Command: []string{"clean", deleteListPath},
		Binds:   []string{f.bind("rw")},
	})
	if err != nil {
		return fmt.Errorf("cleanup container: %w", err)
	}
	defer removeHelper(ctx, engine, id)

	if err := engine.PutArchive(ctx, id, "/", bytes.NewReader(tgz)); err != nil {
		return err
	}
	out, err := runAndLog(ctx, engine, id)
	if err != nil {
		return err
	}
	if out != helperMark {
		// local results stay; the files are listed again next pass
		log.Error("output cleanup weird output", "output", out)
	}
	return nil
}

// runHelper runs the helper image with cmd and returns its output.
func (f *ResultFetcher) runHelper(ctx context.Context, engine ports.Engine, cmd []string, mode string) (string, error) {
	id, err := engine.CreateContainer(ctx, ports.ContainerSpec{
		Image:   f.cfg.HelperImage,
		Command: cmd,
		Binds:   []string{f.bind(mode)},
	})
	if err != nil {
		return "", err
	}
	defer removeHelper(ctx, engine, id)
	return runAndLog(ctx, engine, id)
}

func runAndLog(ctx context.Context, engine ports.Engine, id string) (string, error) {
	if err := engine.Start(ctx, id); err != nil {
		return "", err
	}
	if _, err := engine.Wait(ctx, id); err != nil {
		return "", err
	}
	out, err := engine.Logs(ctx, id, ports.LogsOptions{Stdout: true, Stderr: true})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func removeHelper(ctx context.Context, engine ports.Engine, id string) {
	if err := engine.Remove(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn("removing helper container failed", "container", id, "error", err)
	}
}

// ParseResultsDir parses one "{id}_{image}" directory. Every non-empty timestamp
// subdirectory goes to the scanner's parser; a failing one does not stop the others.
func (f *ResultFetcher) ParseResultsDir(ctx context.Context, host *domain.TargetHost, dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	base := filepath.Base(dir)
	id, ok := naming.ParseResultDirName(base)
	if !ok {
		return &ParseError{Dir: dir, Err: fmt.Errorf("%w: %s", ErrInvalidResultDir, base)}
	}
	job, err := f.scanners.GetJobDefinition(ctx, id)
	if err != nil {
		return &ParseError{Dir: dir, Err: err}
	}
	if job == nil {
		return &ParseError{Dir: dir, Err: fmt.Errorf("%w: %d (%s)", ErrUnknownResultJob, id, base)}
	}

	parser, ok := parsers.Resolve(f.parsers, job.Parser)
	if !ok {
		logger.Warn("Unknown parser, results ignored", "scanner", job.Name, "parser", job.Parser)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &ParseError{Dir: dir, Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		content, err := os.ReadDir(sub)
		if err != nil {
			errs = append(errs, &ParseError{Dir: sub, Err: err})
			continue
		}
		if len(content) == 0 {
			continue
		}
		logger.Info("Processing results", "scanner", job.Name, "dir", sub)
		req := parsers.Request{Host: host, Job: job, Timestamp: e.Name(), Dir: sub}
		if err := parser.Parse(ctx, req); err != nil {
			metrics.RecordParseFailure(job.Parser)
			errs = append(errs, &ParseError{Dir: sub, Err: err})
		}
	}
	return errors.Join(errs...)
}
