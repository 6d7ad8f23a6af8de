package services

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"surface.scanners/internal/core/circuitbreaker"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth is the outcome of one dependency check.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport covers the run store, the run event bus and the rootboxes
// skipped by an open breaker.
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
	Rootboxes  map[string]string          `json:"rootboxes,omitempty"`
	Skipped    []string                   `json:"skipped_rootboxes,omitempty"`
}

const healthCheckTimeout = 5 * time.Second

type HealthService struct {
	db       *gorm.DB
	redis    *redis.Client
	breakers *circuitbreaker.Set
	version  string
}

// NewHealthService checks the store and, when not nil, the event bus and the
// rootbox breakers.
func NewHealthService(db *gorm.DB, redisClient *redis.Client, breakers *circuitbreaker.Set, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{db: db, redis: redisClient, breakers: breakers, version: version}
}

// CheckHealth is unhealthy without the store, and degraded when events cannot
// be published or a rootbox is skipped.
func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
	degrade := func() {
		if report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	report.Components["store"] = check(ctx, s.pingStore)
	if report.Components["store"].Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	if s.redis != nil {
		report.Components["events"] = check(ctx, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
		if report.Components["events"].Status != HealthStatusHealthy {
			degrade()
		}
	}

	if s.breakers != nil {
		report.Rootboxes = s.breakers.States()
		for name, state := range report.Rootboxes {
			if state == gobreaker.StateOpen.String() {
				report.Skipped = append(report.Skipped, name)
			}
		}
		sort.Strings(report.Skipped)
		if len(report.Skipped) > 0 {
			degrade()
		}
	}
	return report
}

// pingStore checks the pool and a round trip through gorm.
func (s *HealthService) pingStore(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

func check(ctx context.Context, fn func(context.Context) error) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	h := ComponentHealth{Status: HealthStatusHealthy}
	if err := fn(ctx); err != nil {
		h.Status = HealthStatusUnhealthy
		h.Message = err.Error()
	}
	h.Latency = time.Since(start).String()
	h.CheckedAt = time.Now()
	return h
}

// SimpleHealthCheck maps the report onto a load balancer status code.
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	switch s.CheckHealth(ctx).Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
