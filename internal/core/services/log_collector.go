package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
	"surface.scanners/internal/core/ports"
)

// cursorStep is added to the newest stored timestamp to form the exclusive "since" bound.
const cursorStep = time.Microsecond

// maxLogLine is the longest log line stored; longer lines are dropped.
const maxLogLine = 4 * 1024 * 1024

type LogCollector struct {
	lines ports.OutputLineRepository
}

func NewLogCollector(lines ports.OutputLineRepository) *LogCollector {
	return &LogCollector{lines: lines}
}

// Collect stores the log lines of containerID newer than the run's cursor
// and returns how many were stored.
func (c *LogCollector) Collect(ctx context.Context, run *domain.JobRun, engine ports.Engine, containerID string) (int, error) {
	last, hasLast, err := c.lines.LastOutputTimestamp(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("log cursor of %s: %w", run.Name, err)
	}
	opts := ports.LogsOptions{Timestamps: true, Stdout: true, Stderr: true}
	if hasLast {
		opts.Since = last.Add(cursorStep)
	}

	data, err := engine.Logs(ctx, containerID, opts)
	if err != nil {
		return 0, fmt.Errorf("logs of %s: %w", run.Name, err)
	}

	log := logger.With("run", run.Name)
	var (
		batch     []*domain.JobOutputLine
		malformed int
	)
	for rest := data; len(rest) > 0; {
		var line []byte
		line, rest, _ = bytes.Cut(rest, []byte("\n"))
		if len(line) > maxLogLine {
			malformed++
			log.Error("log line too long, skipped", "bytes", len(line), "prefix", string(line[:64]))
			continue
		}
		raw := strings.TrimRight(string(line), "\r")
		if raw == "" {
			continue
		}
		ts, text, err := parseLogLine(raw)
		if err != nil {
			malformed++
			log.Error("invalid time string", "line", raw, "error", err)
			continue
		}
		// the engine may resend lines at the cursor when its since filter is coarser than ours
		if hasLast && !ts.After(last) {
			continue
		}
		log.Debug(text, "at", ts)
		batch = append(batch, &domain.JobOutputLine{JobRunID: run.ID, Timestamp: ts, Line: text})
	}

	if err := c.lines.BulkInsertOutput(ctx, batch); err != nil {
		return 0, fmt.Errorf("store logs of %s: %w", run.Name, err)
	}
	metrics.RecordLogLines(len(batch), malformed)
	return len(batch), nil
}

// parseLogLine splits "<RFC3339Nano UTC> text". Timestamps keep microsecond precision.
func parseLogLine(line string) (time.Time, string, error) {
	stamp, text, _ := strings.Cut(line, " ")
	if !strings.HasSuffix(stamp, "Z") {
		return time.Time{}, "", fmt.Errorf("timestamp %q is not UTC", stamp)
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts.UTC().Truncate(time.Microsecond), text, nil
}
