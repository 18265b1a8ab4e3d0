package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kyungseok/booking-saga-go/services/payment/internal/domain"
)

var ErrNotFound = errors.New("payment not found")

// PaymentRepository persists the Payment aggregate, one row per booking
// (retries accumulate on the same row rather than forking).
type PaymentRepository interface {
	FindOrCreateTx(ctx context.Context, tx *sql.Tx, bookingID string, amount int64) (*domain.Payment, error)
	FindByBookingID(ctx context.Context, bookingID string) (*domain.Payment, error)
	MarkSucceededTx(ctx context.Context, tx *sql.Tx, p *domain.Payment, transactionID string) error
	MarkAttemptFailedTx(ctx context.Context, tx *sql.Tx, p *domain.Payment, reason string, final bool) error
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// FindOrCreateTx returns the existing Payment row for bookingID, or inserts a
// fresh PENDING one if none exists yet.
func (r *paymentRepository) FindOrCreateTx(ctx context.Context, tx *sql.Tx, bookingID string, amount int64) (*domain.Payment, error) {
	p, err := r.scanByBooking(ctx, tx.QueryRowContext(ctx, `
		SELECT id, booking_id, amount, status, attempt_count, transaction_id, last_reason, created_at, resolved_at
		FROM payments WHERE booking_id = $1 FOR UPDATE
	`, bookingID))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p = &domain.Payment{BookingID: bookingID, Amount: amount, Status: domain.StatusPending}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO payments (booking_id, amount, status, attempt_count, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		RETURNING id, created_at
	`, bookingID, amount, domain.StatusPending).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

func (r *paymentRepository) FindByBookingID(ctx context.Context, bookingID string) (*domain.Payment, error) {
	return r.scanByBooking(ctx, r.db.QueryRowContext(ctx, `
		SELECT id, booking_id, amount, status, attempt_count, transaction_id, last_reason, created_at, resolved_at
		FROM payments WHERE booking_id = $1
	`, bookingID))
}

func (r *paymentRepository) scanByBooking(ctx context.Context, row *sql.Row) (*domain.Payment, error) {
	p := &domain.Payment{}
	var txID, reason sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&p.ID, &p.BookingID, &p.Amount, &p.Status, &p.AttemptCount, &txID, &reason, &p.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if txID.Valid {
		p.TransactionID = txID.String
	}
	if reason.Valid {
		p.LastReason = reason.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return p, nil
}

func (r *paymentRepository) MarkSucceededTx(ctx context.Context, tx *sql.Tx, p *domain.Payment, transactionID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, attempt_count = attempt_count + 1, transaction_id = $2, resolved_at = NOW()
		WHERE id = $3
	`, domain.StatusSucceeded, transactionID, p.ID)
	if err != nil {
		return fmt.Errorf("mark payment succeeded: %w", err)
	}
	p.Status = domain.StatusSucceeded
	p.AttemptCount++
	p.TransactionID = transactionID
	return nil
}

// MarkAttemptFailedTx records one failed attempt. If final, the payment
// transitions to the terminal FAILED status; otherwise it stays PENDING for
// a future RetryPayment delivery.
func (r *paymentRepository) MarkAttemptFailedTx(ctx context.Context, tx *sql.Tx, p *domain.Payment, reason string, final bool) error {
	status := domain.StatusPending
	if final {
		status = domain.StatusFailed
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, attempt_count = attempt_count + 1, last_reason = $2,
			resolved_at = CASE WHEN $3 THEN NOW() ELSE resolved_at END
		WHERE id = $4
	`, status, reason, final, p.ID)
	if err != nil {
		return fmt.Errorf("mark payment attempt failed: %w", err)
	}
	p.Status = status
	p.AttemptCount++
	p.LastReason = reason
	return nil
}

// Schema is the DDL for the payments table.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	id             BIGSERIAL PRIMARY KEY,
	booking_id     TEXT NOT NULL UNIQUE,
	amount         BIGINT NOT NULL,
	status         TEXT NOT NULL,
	attempt_count  INT NOT NULL DEFAULT 0,
	transaction_id TEXT,
	last_reason    TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at    TIMESTAMPTZ
);
`
