package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kyungseok/booking-saga-go/services/inventory/internal/domain"
)

var ErrNotFound = errors.New("inventory record not found")
var ErrInsufficientStock = errors.New("insufficient available stock")
var ErrVersionConflict = errors.New("inventory version conflict")
var ErrAlreadyResolved = errors.New("reservation already resolved")

// InventoryRepository persists Item and Reservation rows under row-level
// locking, with a single `FOR UPDATE` plus an optimistic-version update on
// the `inventory_items` table. Every mutating method takes the caller's
// transaction so the service layer can append an outbox row in the same
// commit, mirroring booking's repository.CreateTx.
type InventoryRepository interface {
	// ReserveTx locks itemRef's row, checks available >= qty, and atomically
	// decrements available / increments reserved, inserting a HELD
	// reservation row. Returns ErrInsufficientStock (a business outcome, not
	// an infra error) if stock is short.
	ReserveTx(ctx context.Context, tx *sql.Tx, bookingID, itemRef string, qty int64, expiresAt time.Time) (*domain.Reservation, error)
	FindReservationByBooking(ctx context.Context, bookingID string) (*domain.Reservation, error)
	// ConfirmTx marks a HELD reservation CONFIRMED and consumes the held
	// stock: reserved decreases by qty and nothing returns to available.
	ConfirmTx(ctx context.Context, tx *sql.Tx, reservationID string) error
	// ReleaseTx marks a HELD reservation RELEASED and returns its qty to
	// available on the item row, returning the resolved reservation.
	ReleaseTx(ctx context.Context, tx *sql.Tx, reservationID string) (*domain.Reservation, error)
	// DueForExpiry lists HELD reservation IDs whose TTL has passed.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

type inventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) InventoryRepository {
	return &inventoryRepository{db: db}
}

func (r *inventoryRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *inventoryRepository) ReserveTx(ctx context.Context, tx *sql.Tx, bookingID, itemRef string, qty int64, expiresAt time.Time) (*domain.Reservation, error) {
	var available, version int64
	err := tx.QueryRowContext(ctx, `
		SELECT available, version FROM inventory_items WHERE item_ref = $1 FOR UPDATE
	`, itemRef).Scan(&available, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock inventory item: %w", err)
	}

	if available < qty {
		return nil, ErrInsufficientStock
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available - $1, reserved = reserved + $1, version = version + 1
		WHERE item_ref = $2 AND version = $3
	`, qty, itemRef, version)
	if err != nil {
		return nil, fmt.Errorf("decrement available: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return nil, ErrVersionConflict
	}

	reservation := &domain.Reservation{
		BookingID: bookingID,
		ItemRef:   itemRef,
		Qty:       qty,
		Status:    domain.ReservationHeld,
		ExpiresAt: expiresAt,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO inventory_reservations (booking_id, item_ref, qty, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		RETURNING id, created_at
	`, bookingID, itemRef, qty, domain.ReservationHeld, expiresAt).Scan(&reservation.ID, &reservation.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return reservation, nil
}

func (r *inventoryRepository) FindReservationByBooking(ctx context.Context, bookingID string) (*domain.Reservation, error) {
	res := &domain.Reservation{}
	var resolvedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, booking_id, item_ref, qty, status, created_at, expires_at, resolved_at
		FROM inventory_reservations WHERE booking_id = $1
	`, bookingID).Scan(&res.ID, &res.BookingID, &res.ItemRef, &res.Qty, &res.Status, &res.CreatedAt, &res.ExpiresAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		res.ResolvedAt = &t
	}
	return res, nil
}

func (r *inventoryRepository) ConfirmTx(ctx context.Context, tx *sql.Tx, reservationID string) error {
	var itemRef string
	var qty int64
	err := tx.QueryRowContext(ctx, `
		SELECT item_ref, qty FROM inventory_reservations
		WHERE id = $1 AND status = $2
		FOR UPDATE
	`, reservationID, domain.ReservationHeld).Scan(&itemRef, &qty)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyResolved
	}
	if err != nil {
		return fmt.Errorf("lock reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_items SET reserved = reserved - $1, version = version + 1
		WHERE item_ref = $2
	`, qty, itemRef); err != nil {
		return fmt.Errorf("consume reserved stock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_reservations SET status = $1, resolved_at = NOW() WHERE id = $2
	`, domain.ReservationConfirmed, reservationID); err != nil {
		return fmt.Errorf("confirm reservation: %w", err)
	}
	return nil
}

func (r *inventoryRepository) ReleaseTx(ctx context.Context, tx *sql.Tx, reservationID string) (*domain.Reservation, error) {
	reservation := &domain.Reservation{ID: reservationID}
	err := tx.QueryRowContext(ctx, `
		SELECT booking_id, item_ref, qty FROM inventory_reservations
		WHERE id = $1 AND status = $2
		FOR UPDATE
	`, reservationID, domain.ReservationHeld).Scan(&reservation.BookingID, &reservation.ItemRef, &reservation.Qty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlreadyResolved // already resolved; release is idempotent
	}
	if err != nil {
		return nil, fmt.Errorf("lock reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_items SET available = available + $1, reserved = reserved - $1, version = version + 1
		WHERE item_ref = $2
	`, reservation.Qty, reservation.ItemRef); err != nil {
		return nil, fmt.Errorf("restore available: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_reservations SET status = $1, resolved_at = NOW() WHERE id = $2
	`, domain.ReservationReleased, reservationID); err != nil {
		return nil, fmt.Errorf("mark reservation released: %w", err)
	}
	reservation.Status = domain.ReservationReleased
	return reservation, nil
}

// DueForExpiry lists HELD reservation IDs whose TTL has passed. The caller
// resolves each one in its own ReleaseTx transaction so a single
// contended row cannot stall the sweep.
func (r *inventoryRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM inventory_reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, domain.ReservationHeld, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Schema is the DDL for the inventory tables.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	item_ref  TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	total     BIGINT NOT NULL,
	available BIGINT NOT NULL,
	reserved  BIGINT NOT NULL DEFAULT 0,
	version   BIGINT NOT NULL DEFAULT 1,
	CONSTRAINT stock_within_capacity CHECK (available >= 0 AND reserved >= 0 AND available + reserved <= total)
);

CREATE TABLE IF NOT EXISTS inventory_reservations (
	id          BIGSERIAL PRIMARY KEY,
	booking_id  TEXT NOT NULL,
	item_ref    TEXT NOT NULL REFERENCES inventory_items(item_ref),
	qty         BIGINT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_reservations_booking ON inventory_reservations (booking_id);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON inventory_reservations (status, expires_at) WHERE status = 'HELD';
`
