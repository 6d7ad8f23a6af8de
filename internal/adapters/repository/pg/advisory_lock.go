package pg

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/ports"
)

// AdvisoryLocker holds named locks with pg_advisory_lock on a dedicated session.
type AdvisoryLocker struct {
	db         *gorm.DB
	retryDelay time.Duration
}

var _ ports.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(db *gorm.DB, retryDelay time.Duration) *AdvisoryLocker {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &AdvisoryLocker{db: db, retryDelay: retryDelay}
}

// lockKey maps a lock name onto the bigint key space of advisory locks.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Lock blocks until the advisory lock is held. The lock lives as long as its
// session, so the held context is cancelled with ports.ErrLockLost once the
// session stops answering.
func (l *AdvisoryLocker) Lock(ctx context.Context, name string) (context.Context, func(), error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("database pool: %w", err)
	}
	key := lockKey(name)
	log := logger.With("lock", name)

	waiting := false
	for {
		conn, locked, err := tryLock(ctx, sqlDB, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			log.Info("error getting pg_try_advisory_lock", "error", err)
		}
		if locked {
			log.Debug("acquired pg_advisory_lock")
			return l.hold(ctx, conn, key, log)
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
}

func (l *AdvisoryLocker) hold(ctx context.Context, conn *sql.Conn, key int64, log *slog.Logger) (context.Context, func(), error) {
	held, lost := context.WithCancelCause(ctx)
	watchCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.retryDelay)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if err := conn.PingContext(watchCtx); err != nil && watchCtx.Err() == nil {
					log.Error("pg_advisory_lock session lost", "error", err)
					lost(ports.ErrLockLost)
					return
				}
			}
		}
	}()

	return held, func() {
		stop()
		<-done
		lost(nil)
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			log.Info("error releasing pg_advisory_lock", "error", err)
		} else {
			log.Debug("released pg_advisory_lock")
		}
		conn.Close()
	}, nil
}

// tryLock returns the session holding the lock when locked is true.
func tryLock(ctx context.Context, db *sql.DB, key int64) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, err
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}
