package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kyungseok/booking-saga-go/services/booking/internal/domain"
)

var ErrNotFound = errors.New("booking not found")

// BookingRepository persists the Booking aggregate under optimistic
// concurrency (version column).
type BookingRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, b *domain.Booking) error
	FindByID(ctx context.Context, id string) (*domain.Booking, error)
	// UpdateWithVersionTx persists b's new fields inside tx — the same
	// transaction that appends any outbox row the transition emits — and
	// succeeds only if the row's current version still matches
	// expectedVersion; on success it bumps the stored version. Returns false
	// (no error) on a lost-update conflict so callers can re-read and retry.
	UpdateWithVersionTx(ctx context.Context, tx *sql.Tx, b *domain.Booking, expectedVersion int64) (bool, error)
}

type bookingRepository struct {
	db *sql.DB
}

func NewBookingRepository(db *sql.DB) BookingRepository {
	return &bookingRepository{db: db}
}

func (r *bookingRepository) CreateTx(ctx context.Context, tx *sql.Tx, b *domain.Booking) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO bookings (id, user_id, item_ref, amount, status, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version
	`, b.ID, b.UserID, b.ItemRef, b.Amount, b.Status, b.CreatedAt).Scan(&b.Version)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *bookingRepository) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	b := &domain.Booking{ID: id}
	var reason sql.NullString
	var confirmedAt, cancelledAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, item_ref, amount, status, cancellation_reason, created_at, confirmed_at, cancelled_at, version
		FROM bookings WHERE id = $1
	`, id).Scan(&b.UserID, &b.ItemRef, &b.Amount, &b.Status, &reason, &b.CreatedAt, &confirmedAt, &cancelledAt, &b.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}

	if reason.Valid {
		b.CancellationReason = reason.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		b.ConfirmedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}
	return b, nil
}

func (r *bookingRepository) UpdateWithVersionTx(ctx context.Context, tx *sql.Tx, b *domain.Booking, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = $1, cancellation_reason = $2, confirmed_at = $3, cancelled_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, b.Status, nullableString(b.CancellationReason), b.ConfirmedAt, b.CancelledAt, b.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		b.Version = expectedVersion + 1
		return true, nil
	}
	return false, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Schema is the DDL for the bookings table.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	item_ref            TEXT NOT NULL,
	amount              BIGINT NOT NULL,
	status              TEXT NOT NULL,
	cancellation_reason TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	confirmed_at        TIMESTAMPTZ,
	cancelled_at        TIMESTAMPTZ,
	version             BIGINT NOT NULL DEFAULT 1
);
`
