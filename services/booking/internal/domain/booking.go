// Package domain holds the Booking aggregate and its state machine.
package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Booking is the authoritative booking record.
type Booking struct {
	ID                  string
	UserID              string
	ItemRef             string
	Amount              int64
	Status              Status
	CancellationReason  string
	CreatedAt           time.Time
	ConfirmedAt         *time.Time
	CancelledAt         *time.Time
	Version             int64
}

// IsTerminal reports whether the booking can no longer transition.
func (b *Booking) IsTerminal() bool {
	return b.Status == StatusConfirmed || b.Status == StatusCancelled
}

// Confirm transitions PENDING → CONFIRMED. Calling it on an already
// CONFIRMED booking is a no-op (duplicate event); calling it on CANCELLED
// is a domain invariant violation the caller must treat as a reconciliation
// case, not retry.
func (b *Booking) Confirm(now time.Time) error {
	switch b.Status {
	case StatusConfirmed:
		return nil
	case StatusCancelled:
		return fmt.Errorf("booking %s already cancelled, cannot confirm", b.ID)
	}
	b.Status = StatusConfirmed
	b.ConfirmedAt = &now
	return nil
}

// Cancel transitions PENDING → CANCELLED. A no-op if already CANCELLED for
// the same idempotent-delivery reason; an error if CONFIRMED.
func (b *Booking) Cancel(reason string, now time.Time) error {
	switch b.Status {
	case StatusCancelled:
		return nil
	case StatusConfirmed:
		return fmt.Errorf("booking %s already confirmed, cannot cancel", b.ID)
	}
	b.Status = StatusCancelled
	b.CancellationReason = reason
	b.CancelledAt = &now
	return nil
}
