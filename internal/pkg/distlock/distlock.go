// Package distlock provides the per-campaign run lock that keeps two
// processes from sending the same newsletter title at once.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking mutual-exclusion lock shared across processes.
// A single instance guards one key and is used by one goroutine.
type DistLock interface {
	// Acquire tries to take the lock without waiting. It reports whether the
	// lock is now held.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
	// Extend renews a held lock. It returns ErrNotOwner when the lock was
	// lost since Acquire.
	Extend(ctx context.Context) error
}

// NewLock picks a backend for key. Redis is preferred when a client is given;
// otherwise a PostgreSQL advisory lock is used. With neither, it returns nil.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return nil
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock. Advisory
// locks are session scoped, so the lock pins one pooled connection from
// Acquire until Release; a dropped connection releases it.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock derives a stable 64-bit lock ID from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte("newsletter:" + key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d already held by this instance", l.lockID)
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("get connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend checks that the pinned session is still alive. Advisory locks have
// no expiry, so a live session still holds the lock.
func (l *PGAdvisoryLock) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotOwner
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotOwner, err)
	}
	return nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
