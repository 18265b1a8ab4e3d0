// Package idempotency implements the per-service idempotency ledger.
// Postgres is the system of record — an
// insert-or-conflict on idempotency_key is the mutual-exclusion primitive
// with a Redis existence cache in front of it so the common repeat-ack
// case (an already-completed key redelivered) doesn't round-trip Postgres.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the outcome of attempting to begin processing under a key.
type State int

const (
	// Fresh means the key was unseen; the ledger now holds it in_progress
	// and the caller should proceed to invoke the handler.
	Fresh State = iota
	// AlreadyCompleted means a prior delivery finished successfully; the
	// caller should ack without re-invoking the handler.
	AlreadyCompleted
	// InProgressElsewhere means another worker currently holds the key; the
	// caller should nack-requeue with backoff.
	InProgressElsewhere
)

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"

	completedCacheTTL = 24 * time.Hour
)

// Ledger is the Postgres+Redis backed idempotency store.
type Ledger struct {
	db     *sql.DB
	redis  *redis.Client
	prefix string
}

func NewLedger(db *sql.DB, redisClient *redis.Client, servicePrefix string) *Ledger {
	return &Ledger{db: db, redis: redisClient, prefix: servicePrefix}
}

func (l *Ledger) cacheKey(key string) string { return fmt.Sprintf("idem:%s:%s", l.prefix, key) }

// TryBegin attempts to claim key for processing.
func (l *Ledger) TryBegin(ctx context.Context, key string) (State, error) {
	if l.redis != nil {
		exists, err := l.redis.Exists(ctx, l.cacheKey(key)).Result()
		if err == nil && exists > 0 {
			return AlreadyCompleted, nil
		}
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_events (idempotency_key, status, first_seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, statusInProgress)
	if err != nil {
		return Fresh, fmt.Errorf("insert idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Fresh, nil
	}

	var status string
	err = l.db.QueryRowContext(ctx, `SELECT status FROM processed_events WHERE idempotency_key = $1`, key).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between the failed insert and this read (cleared by
		// another worker's TransientFailure path) — safe to retry as fresh.
		return l.TryBegin(ctx, key)
	}
	if err != nil {
		return Fresh, fmt.Errorf("read idempotency status: %w", err)
	}

	if status == statusCompleted {
		if l.redis != nil {
			l.redis.Set(ctx, l.cacheKey(key), "1", completedCacheTTL)
		}
		return AlreadyCompleted, nil
	}
	return InProgressElsewhere, nil
}

// Complete marks key completed and populates the fast-path cache.
func (l *Ledger) Complete(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE processed_events SET status = $2, completed_at = NOW() WHERE idempotency_key = $1
	`, key, statusCompleted)
	if err != nil {
		return fmt.Errorf("mark idempotency key completed: %w", err)
	}
	if l.redis != nil {
		l.redis.Set(ctx, l.cacheKey(key), "1", completedCacheTTL)
	}
	return nil
}

// Clear releases an in_progress claim so a future delivery can re-attempt
// the handler.
func (l *Ledger) Clear(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE idempotency_key = $1 AND status = $2
	`, key, statusInProgress)
	if err != nil {
		return fmt.Errorf("clear idempotency key: %w", err)
	}
	return nil
}

// Schema is the DDL for the ledger table.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	idempotency_key TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	first_seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at    TIMESTAMPTZ
);
`
