// Package metrics holds the Prometheus collectors of the scanner loops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanners_dispatch_total",
			Help: "Scanner dispatches by outcome",
		},
		[]string{"status"},
	)

	runsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanners_runs_observed_total",
			Help: "Scanner containers seen by the reconciler, by state",
		},
		[]string{"state"},
	)

	containersRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanners_containers_removed_total",
			Help: "Exited scanner containers removed from rootboxes",
		},
	)

	logLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanners_log_lines_total",
			Help: "Container log lines stored",
		},
	)

	logLinesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanners_log_lines_malformed_total",
			Help: "Container log lines skipped because of a bad timestamp",
		},
	)

	resultFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanners_result_files_total",
			Help: "Result files downloaded from rootboxes",
		},
	)

	parseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanners_parse_failures_total",
			Help: "Result directories whose parser failed",
		},
		[]string{"parser"},
	)

	hostPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanners_host_pass_duration_seconds",
			Help:    "Duration of one phase for one rootbox",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	hostPassErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanners_host_pass_errors_total",
			Help: "Failed phases per rootbox",
		},
		[]string{"rootbox", "phase"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanners_breaker_state",
			Help: "Circuit breaker state per rootbox (0 closed, 1 half-open, 2 open)",
		},
		[]string{"rootbox"},
	)

	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanners_sweeps_total",
			Help: "Completed loop sweeps",
		},
		[]string{"loop"},
	)
)

func RecordDispatch(status string) {
	dispatchTotal.WithLabelValues(status).Inc()
}

func RecordRunObserved(state string) {
	runsObserved.WithLabelValues(state).Inc()
}

func RecordContainerRemoved() {
	containersRemoved.Inc()
}

func RecordLogLines(stored, malformed int) {
	logLinesTotal.Add(float64(stored))
	logLinesMalformed.Add(float64(malformed))
}

func RecordResultFiles(n int) {
	resultFilesTotal.Add(float64(n))
}

func RecordParseFailure(parser string) {
	parseFailures.WithLabelValues(parser).Inc()
}

// RecordHostPass records one phase of one rootbox.
func RecordHostPass(rootbox, phase string, d time.Duration, err error) {
	hostPassDuration.WithLabelValues(phase).Observe(d.Seconds())
	if err != nil {
		hostPassErrors.WithLabelValues(rootbox, phase).Inc()
	}
}

func SetBreakerState(rootbox string, state int) {
	breakerState.WithLabelValues(rootbox).Set(float64(state))
}

func RecordSweep(loop string) {
	sweepsTotal.WithLabelValues(loop).Inc()
}
