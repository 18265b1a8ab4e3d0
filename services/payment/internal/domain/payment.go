// Package domain holds the Payment aggregate and its attempt ledger.
package domain

import "time"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Payment tracks one charge attempt sequence against a booking. A single
// Payment row accumulates AttemptCount across RetryPayment deliveries; it
// never forks into multiple rows for the same booking.
type Payment struct {
	ID            string
	BookingID     string
	Amount        int64
	Status        Status
	AttemptCount  int
	TransactionID string
	LastReason    string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSucceeded || p.Status == StatusFailed
}
