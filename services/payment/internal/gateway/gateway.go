// Package gateway defines the outbound payment gateway port and a
// deterministic fake used by tests and local development — real gateway
// integration is out of scope.
package gateway

import (
	"context"
	"fmt"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
)

// Result is a successful charge's outcome.
type Result struct {
	TransactionID string
}

// Gateway charges a booking's amount. Implementations classify failures via
// apperrors: a timeout or 5xx is Transient (retryable), a decline is a
// Business outcome returned as *DeclinedError, anything else Permanent.
type Gateway interface {
	Charge(ctx context.Context, bookingID string, amount int64) (*Result, error)
}

// DeclinedError signals the gateway explicitly declined the charge — a
// Business outcome the service turns into PaymentFailed, not an infra retry.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string { return fmt.Sprintf("payment declined: %s", e.Reason) }

// FakeGateway is a deterministic, in-memory Gateway for tests and local
// development: it declines bookings whose amount is
// divisible by 13 (a fixed, reproducible failure rule) and succeeds
// otherwise.
type FakeGateway struct{}

func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

func (g *FakeGateway) Charge(ctx context.Context, bookingID string, amount int64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeGatewayTimeout, "context cancelled before charge", err)
	}
	if amount <= 0 {
		return nil, apperrors.PermanentErr(apperrors.CodeGatewayError, "non-positive charge amount", nil)
	}
	if amount%13 == 0 {
		return nil, &DeclinedError{Reason: "issuer declined"}
	}
	return &Result{TransactionID: "fake-txn-" + bookingID}, nil
}
