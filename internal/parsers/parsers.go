// Package parsers turns a scanner's result directory into stored records.
package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/core/registry"
)

const (
	RawKey   = "RAW"
	JSONLKey = "JSONL"
)

// Request is one timestamp directory of one scanner.
type Request struct {
	Host      *domain.TargetHost
	Job       *domain.JobDefinition
	Timestamp string
	Dir       string
}

type Parser interface {
	Parse(ctx context.Context, req Request) error
}

type ParserFunc func(ctx context.Context, req Request) error

func (f ParserFunc) Parse(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Noop ignores results.
var Noop Parser = ParserFunc(func(context.Context, Request) error { return nil })

type Registry = registry.Registry[Parser]

// NewRegistry returns a registry with the built-in RAW and JSONL parsers.
func NewRegistry(results ports.RawResultRepository) *Registry {
	r := registry.New[Parser]("parser", Noop)
	r.MustRegister(RawKey, "Raw results", Raw(results))
	r.MustRegister(JSONLKey, "JSON lines", JSONLines(results))
	return r
}

// Resolve maps an empty key to RAW. ok is false when a non-empty key is unknown.
func Resolve(r *Registry, key string) (Parser, bool) {
	if key == "" {
		key = RawKey
	}
	return r.Lookup(key)
}

// resultFiles lists regular files of dir and of its direct subdirectories.
func resultFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		target := filepath.Join(dir, e.Name())
		switch {
		case e.Type().IsRegular():
			files = append(files, target)
		case e.IsDir():
			nested, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			for _, n := range nested {
				if n.Type().IsRegular() {
					files = append(files, filepath.Join(target, n.Name()))
				}
			}
		}
	}
	return files, nil
}

func save(ctx context.Context, results ports.RawResultRepository, req Request, file string, content []byte) error {
	res := &domain.RawResult{
		Active:     true,
		FileName:   filepath.Base(file),
		RawResults: string(content),
	}
	if req.Job != nil {
		res.JobDefinitionID = &req.Job.ID
	}
	if req.Host != nil {
		res.TargetHostID = &req.Host.ID
	}
	if err := results.CreateRawResult(ctx, res); err != nil {
		return fmt.Errorf("store %s: %w", file, err)
	}
	return nil
}

// Raw stores every result file as a RawResult.
func Raw(results ports.RawResultRepository) Parser {
	return ParserFunc(func(ctx context.Context, req Request) error {
		files, err := resultFiles(req.Dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			if err := save(ctx, results, req, f, content); err != nil {
				return err
			}
		}
		return nil
	})
}

// JSONLines stores result files after checking every non-blank line is JSON.
// Nothing is stored for a directory containing an invalid file.
func JSONLines(results ports.RawResultRepository) Parser {
	return ParserFunc(func(ctx context.Context, req Request) error {
		files, err := resultFiles(req.Dir)
		if err != nil {
			return err
		}
		contents := make([][]byte, len(files))
		for i, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			if err := validateJSONLines(content); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(f), err)
			}
			contents[i] = content
		}
		for i, f := range files {
			if err := save(ctx, results, req, f, contents[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateJSONLines(content []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return fmt.Errorf("line %d is not valid JSON", n)
		}
	}
	return sc.Err()
}
