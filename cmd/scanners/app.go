package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"surface.scanners/internal/adapters/engine/docker"
	http_handler "surface.scanners/internal/adapters/handler/http"
	lockredis "surface.scanners/internal/adapters/lock/redis"
	redis_adapter "surface.scanners/internal/adapters/queue/redis"
	"surface.scanners/internal/adapters/repository/pg"
	"surface.scanners/internal/config"
	"surface.scanners/internal/core/circuitbreaker"
	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/naming"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/core/services"
	"surface.scanners/internal/core/tracing"
	"surface.scanners/internal/inputs"
	"surface.scanners/internal/parsers"
)

const version = "0.1.0"

// app holds the adapters shared by every command.
type app struct {
	cfg      *config.Config
	repo     *pg.Repository
	redis    *redis.Client
	events   ports.RunEventPublisher
	locker   ports.Locker
	dialer   *docker.Dialer
	scheme   naming.Scheme
	inputs   *inputs.Registry
	parsers  *parsers.Registry
	breakers *circuitbreaker.Set

	shutdownTracing func(context.Context) error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		dialer:   docker.NewDialer(cfg.Docker),
		scheme:   naming.Scheme{Zone: cfg.AvailabilityZone},
		breakers: circuitbreaker.NewSet(circuitbreaker.DefaultSettings),
	}

	if cfg.EnableTracing {
		shutdown, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			a.shutdownTracing = shutdown
		}
	}

	repo, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = repo

	if cfg.RedisURL != "" {
		client, err := redis_adapter.NewClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.events = redis_adapter.NewRedisAdapter(client)
	}

	switch cfg.LockBackend {
	case "redis":
		if a.redis == nil {
			a.Close()
			return nil, errors.New("redis lock backend needs REDIS_URL")
		}
		a.locker = lockredis.NewLocker(a.redis, 0, 0)
	case "postgres":
		a.locker = pg.NewAdvisoryLocker(repo.DB(), 0)
	default:
		a.locker = lockredis.NopLocker{}
	}

	a.inputs = inputs.NewRegistry()
	if cfg.InputDir != "" {
		n, err := inputs.RegisterDir(a.inputs, cfg.InputDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Debug("file inputs registered", "dir", cfg.InputDir, "count", n)
	}
	a.parsers = parsers.NewRegistry(repo)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.repo != nil {
		if sqlDB, err := a.repo.DB().DB(); err == nil {
			sqlDB.Close()
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shutdown tracing", "error", err)
		}
	}
}

// withLock runs fn while holding the lock named after cmd. Rootbox filters are
// not part of the name, so a filtered and an unfiltered run never overlap. fn
// runs under the held context and is cancelled when the lock is lost.
func (a *app) withLock(cmd *cobra.Command, fn func(context.Context) error) error {
	held, release, err := a.locker.Lock(cmd.Context(), cmd.Name())
	if err != nil {
		return err
	}
	defer release()

	err = fn(held)
	if cause := context.Cause(held); errors.Is(cause, ports.ErrLockLost) {
		return fmt.Errorf("%s: %w", cmd.Name(), cause)
	}
	return err
}

// serveOps starts the ops server when an address is configured. The returned
// function stops it.
func (a *app) serveOps() func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}
	srv := http_handler.NewServer(a.health(), a.inventory())
	go func() {
		if err := srv.Run(a.cfg.MetricsAddr); err != nil {
			logger.Error("ops server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func (a *app) dispatcher() *services.Dispatcher {
	return services.NewDispatcher(a.dialer, a.inputs, services.DispatcherConfig{
		Naming:      a.scheme,
		ImagePrefix: a.cfg.ImagePrefix,
		OutputRoot:  a.cfg.OutputRoot,
	})
}

func (a *app) fetcher() *services.ResultFetcher {
	return services.NewResultFetcher(a.repo, a.parsers, services.ResultFetcherConfig{
		HelperImage: a.cfg.HelperImage,
		OutputRoot:  a.cfg.OutputRoot,
		WorkDir:     a.cfg.WorkDir,
	})
}

func (a *app) resync() *services.Resync {
	reconciler := services.NewReconciler(a.repo, services.NewLogCollector(a.repo), a.scheme, a.events)
	return services.NewResync(a.repo, a.dialer, reconciler, a.fetcher(), a.breakers)
}

func (a *app) scheduler() *services.Scheduler {
	return services.NewScheduler(a.repo, a.dialer, a.dispatcher(), a.scheme)
}

func (a *app) inventory() *services.Inventory {
	return services.NewInventory(a.repo, a.dialer)
}

func (a *app) proxy() *services.ProxyService {
	return services.NewProxyService(a.repo, a.dialer, services.ProxyConfig{
		Name:     a.cfg.ProxyName(),
		Image:    a.cfg.Proxy.Image,
		Tag:      a.cfg.Proxy.Tag,
		Username: a.cfg.Proxy.Username,
		Password: a.cfg.Proxy.Password,
		HostPort: a.cfg.Proxy.Port,
	})
}

func (a *app) health() *services.HealthService {
	return services.NewHealthService(a.repo.DB(), a.redis, a.breakers, version)
}
