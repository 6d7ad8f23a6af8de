// Package inputs provides the generators that produce a scanner's input lines.
package inputs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"surface.scanners/internal/core/registry"
)

// Generator produces input items, one emit call per item.
type Generator interface {
	Generate(ctx context.Context, emit func(item string) error) error
}

type GeneratorFunc func(ctx context.Context, emit func(item string) error) error

func (f GeneratorFunc) Generate(ctx context.Context, emit func(item string) error) error {
	return f(ctx, emit)
}

// Empty yields nothing. Scanners without a known input resolve to it.
var Empty Generator = GeneratorFunc(func(context.Context, func(string) error) error { return nil })

// Registry is the input registry type.
type Registry = registry.Registry[Generator]

func NewRegistry() *Registry {
	return registry.New[Generator]("input", Empty)
}

// Static yields items in order.
func Static(items ...string) Generator {
	return GeneratorFunc(func(ctx context.Context, emit func(string) error) error {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	})
}

// File yields the non-blank lines of path, read on every Generate.
func File(path string) Generator {
	return GeneratorFunc(func(ctx context.Context, emit func(string) error) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input %s: %w", path, err)
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return sc.Err()
	})
}

// RegisterDir registers every NAME.txt in dir as input NAME (upper-cased).
// A missing dir registers nothing.
func RegisterDir(r *Registry, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		key := strings.ToUpper(strings.TrimSuffix(filepath.Base(m), ".txt"))
		if err := r.Register(key, fmt.Sprintf("File %s", filepath.Base(m)), File(m)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Collect materialises g as a newline-terminated payload.
func Collect(ctx context.Context, g Generator) ([]byte, int, error) {
	var b strings.Builder
	count := 0
	err := g.Generate(ctx, func(item string) error {
		b.WriteString(item)
		b.WriteByte('\n')
		count++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return []byte(b.String()), count, nil
}
