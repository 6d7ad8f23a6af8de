package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/metrics"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type Settings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when a breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

// DefaultSettings trips once at least 3 passes ran and 60% of them failed.
var DefaultSettings = Settings{
	MaxRequests:  1,
	Interval:     10 * time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  3,
	FailureRatio: 0.6,
}

// minTimeout bounds how often an open breaker lets a trial pass through.
const minTimeout = 10 * time.Second

// ForDelay sizes the open period to a few loop ticks, so a tripped rootbox
// is tried again after skipping at most three passes.
func ForDelay(delay time.Duration) Settings {
	s := DefaultSettings
	if delay <= 0 {
		return s
	}
	s.Timeout = 3 * delay
	if s.Timeout < minTimeout {
		s.Timeout = minTimeout
	}
	return s
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a new circuit breaker with the given settings
func New(name string, s Settings) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "rootbox", name, "from", from.String(), "to", to.String())
			metrics.SetBreakerState(name, int(to))
		},
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs the function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Set keeps one breaker per rootbox name.
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*CircuitBreaker
}

func NewSet(s Settings) *Set {
	return &Set{settings: s, breakers: make(map[string]*CircuitBreaker)}
}

func (s *Set) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[name]
	if !ok {
		cb = New(name, s.settings)
		s.breakers[name] = cb
	}
	return cb
}

// States returns the state of every known breaker.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State().String()
	}
	return out
}
