// Package outbox implements the transactional outbox (C3): a producer writes
// domain state and one or more outbox rows in a single local transaction; a
// background Publisher later drains rows to the broker.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Row is one outbox_messages record.
type Row struct {
	ID              int64
	Queue           string
	EventType       string
	CorrelationID   string
	Payload         []byte
	CreatedAt       time.Time
	PublishedAt     *time.Time
	PublishAttempts int
	NextAttemptAt   time.Time
}

// Store is the Postgres-backed outbox table access. InsertTx is always
// called with the caller's own domain-write transaction so the outbox row
// and the domain mutation commit atomically.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// InsertTx appends a row inside tx, the same transaction as the domain
// mutation it describes.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte) error {
	return s.InsertDelayedTx(ctx, tx, queue, eventType, correlationID, payload, time.Now())
}

// InsertDelayedTx is InsertTx with an explicit earliest-publish time, used by
// the payment retry scheduler to durably delay a RetryPayment event without
// holding an in-process timer across a restart.
func (s *Store) InsertDelayedTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte, notBefore time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (queue, event_type, correlation_id, payload, created_at, publish_attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, NOW(), 0, $5)
	`, queue, eventType, correlationID, payload, notBefore)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// ClaimBatch selects up to batchSize unpublished, due rows using
// SELECT ... FOR UPDATE SKIP LOCKED. The row locks last only until this
// claim transaction commits, which happens before the rows are published, so
// a second publisher instance polling before MarkPublished can claim and
// publish the same rows again.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int) ([]*Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, queue, event_type, correlation_id, payload, created_at, publish_attempts, next_attempt_at
		FROM outbox_messages
		WHERE published_at IS NULL AND next_attempt_at <= NOW()
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	var out []*Row
	for rows.Next() {
		r := &Row{}
		if err := rows.Scan(&r.ID, &r.Queue, &r.EventType, &r.CorrelationID, &r.Payload, &r.CreatedAt, &r.PublishAttempts, &r.NextAttemptAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return out, nil
}

// MarkPublished records a successful broker handoff.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_messages SET published_at = NOW() WHERE id = $1`, id)
	return err
}

// MarkFailed increments publish_attempts and schedules the next attempt.
// Never deletes or marks a row terminal — the publisher retries indefinitely
// The publisher retries indefinitely and never drops a row.
func (s *Store) MarkFailed(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET publish_attempts = publish_attempts + 1, next_attempt_at = $2
		WHERE id = $1
	`, id, nextAttemptAt)
	return err
}

// Schema is the DDL for the outbox table, executed by services at startup in
// a migration-free style (no migration tooling in scope).
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id               BIGSERIAL PRIMARY KEY,
	queue            TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	correlation_id   TEXT NOT NULL,
	payload          BYTEA NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	published_at     TIMESTAMPTZ,
	publish_attempts INT NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_messages (next_attempt_at) WHERE published_at IS NULL;
`
