package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const unlockTimeout = 5 * time.Second

// AdvisoryLocker serializes work on one key with a session-level
// pg_advisory_lock. The lock lives on a dedicated connection, not in a
// transaction, so it can be held across slow non-database work.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// advisoryKey folds a uuid into the int64 key space of pg_advisory_lock.
func advisoryKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:]))
}

// WithLock runs fn while holding the advisory lock for key. The locked
// connection is placed in the context under DBConnKey, so repositories and
// TxRunner.Do inside fn reuse it instead of taking a second pool connection.
func (l *AdvisoryLocker) WithLock(ctx context.Context, key uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}

	k := advisoryKey(key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", k); err != nil {
		conn.Release()
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock($1)", k); err != nil {
			// closing the session is the only other way to drop the lock
			_ = conn.Hijack().Close(uctx)
			return
		}
		conn.Release()
	}()

	return fn(context.WithValue(ctx, DBConnKey, conn))
}
