// Package redis implements singleton locks on top of Redis SET NX.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/ports"
)

const keyPrefix = "scanners:lock:"

// release and refresh only touch the key while it still holds our token
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type Locker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

var _ ports.Locker = (*Locker)(nil)

func NewLocker(client *redis.Client, ttl, retryDelay time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Locker{client: client, ttl: ttl, retryDelay: retryDelay}
}

// Lock blocks until the named lock is held. The held context is cancelled
// with ports.ErrLockLost when another token owns the key, or when refreshes
// have failed for a full ttl and the key may have expired.
func (l *Locker) Lock(ctx context.Context, name string) (context.Context, func(), error) {
	key := keyPrefix + name
	token := uuid.NewString()
	log := logger.With("lock", name)

	waiting := false
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			log.Info("error acquiring redis lock", "error", err)
		}
		if ok {
			break
		}
		if !waiting && err == nil {
			log.Info("waiting for other process to release lock")
			waiting = true
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	log.Debug("acquired redis lock")

	held, lost := context.WithCancelCause(ctx)
	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.refresh(refreshCtx, key, token, lost, log)
	}()

	return held, func() {
		stop()
		<-done
		lost(nil)
		if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Info("error releasing redis lock", "error", err)
			return
		}
		log.Debug("released redis lock")
	}, nil
}

func (l *Locker) refresh(ctx context.Context, key, token string, lost context.CancelCauseFunc, log *slog.Logger) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("error refreshing redis lock", "error", err)
				if time.Since(lastOK) >= l.ttl {
					log.Error("redis lock expired while refresh failed", "key", key)
					lost(ports.ErrLockLost)
					return
				}
				continue
			}
			if n == 0 {
				log.Error("redis lock lost", "key", key)
				lost(ports.ErrLockLost)
				return
			}
			lastOK = time.Now()
		}
	}
}

// NopLocker never blocks.
type NopLocker struct{}

func (NopLocker) Lock(ctx context.Context, _ string) (context.Context, func(), error) {
	held, cancel := context.WithCancel(ctx)
	return held, cancel, nil
}
