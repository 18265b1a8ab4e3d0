// Package events defines the canonical event envelope and the saga's event
// types (C1). All events that cross the broker are wrapped in Envelope;
// Encode/Decode are the versioned codec contract.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is a stable event type discriminator.
type Type string

const (
	BookingCreated             Type = "BookingCreated"
	BookingCancelled           Type = "BookingCancelled"
	InventoryReserved          Type = "InventoryReserved"
	InventoryReservationFailed Type = "InventoryReservationFailed"
	InventoryReleased          Type = "InventoryReleased"
	PaymentSucceeded           Type = "PaymentSucceeded"
	PaymentFailed              Type = "PaymentFailed"
	RetryPayment               Type = "RetryPayment"
	// RefundRequested is the reconciliation event emitted when PaymentSucceeded
	// arrives for an already-CANCELLED booking.
	RefundRequested Type = "RefundRequested"
)

// Queue returns the stable queue name an event of this type is published on.
func (t Type) Queue() string {
	switch t {
	case BookingCreated:
		return "booking_created"
	case BookingCancelled:
		return "bookingcancelled"
	case InventoryReserved:
		return "inventory_reserved"
	case InventoryReservationFailed:
		return "inventory_reservation_failed"
	case InventoryReleased:
		return "inventory_released"
	case PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed:
		return "payment_failed"
	case RetryPayment:
		return "retry_payment"
	case RefundRequested:
		return "refund_requested"
	default:
		return string(t)
	}
}

// DLQ returns the dead-letter queue bound to this event's primary queue.
func (t Type) DLQ() string {
	return t.Queue() + "_dlq"
}

// SchemaVersion is bumped whenever a required field is added or removed from
// a payload type below. Readers on an older version still decode a
// newer-version payload: unknown fields are preserved via json.RawMessage
// round-tripping in Envelope.Payload.
const SchemaVersion = 1

// Envelope is the wire type for every event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	EventType     Type            `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode marshals payload into an Envelope's wire bytes. Marshal failures are
// permanent, never-retryable conditions.
func Encode(eventID, correlationID string, eventType Type, occurredAt time.Time, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{
		EventID:       eventID,
		CorrelationID: correlationID,
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		OccurredAt:    occurredAt,
		Payload:       body,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode unmarshals wire bytes into an Envelope and validates required
// envelope-level fields are present. A missing event_id, correlation_id, or
// event_type is a decode failure — classified permanent by callers.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" || env.CorrelationID == "" || env.EventType == "" {
		return nil, fmt.Errorf("decode envelope: missing required field(s)")
	}
	return &env, nil
}

// BookingID peeks at the booking_id field every saga payload carries,
// without committing to a full payload type. Consumers use it to build
// domain-level idempotency keys that survive event-id churn. Returns ""
// when the payload has no booking_id.
func (e *Envelope) BookingID() string {
	var p struct {
		BookingID string `json:"booking_id"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.BookingID
}

// DecodePayload unmarshals the envelope's payload into dst. Malformed JSON or
// a type mismatch is returned as an error, which callers classify permanent
// exactly like a malformed envelope. Fields absent from the payload are left
// at their zero values and are not reported as errors.
func (e *Envelope) DecodePayload(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload for %s: %w", e.EventType, err)
	}
	return nil
}

// --- Event payloads ---

type BookingCreatedPayload struct {
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	ItemRef   string `json:"item_ref"`
	Amount    int64  `json:"amount"`
	Qty       int    `json:"qty"`
}

type BookingCancelledPayload struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

type InventoryReservedPayload struct {
	BookingID     string    `json:"booking_id"`
	ReservationID string    `json:"reservation_id"`
	ItemRef       string    `json:"item_ref"`
	Amount        int64     `json:"amount"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type InventoryReservationFailedPayload struct {
	BookingID string `json:"booking_id"`
	ItemRef   string `json:"item_ref"`
	Reason    string `json:"reason"`
}

type InventoryReleasedPayload struct {
	BookingID string `json:"booking_id"`
	ItemRef   string `json:"item_ref"`
	Qty       int    `json:"qty"`
}

type PaymentSucceededPayload struct {
	BookingID     string `json:"booking_id"`
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

type PaymentFailedPayload struct {
	BookingID    string `json:"booking_id"`
	PaymentID    string `json:"payment_id"`
	Reason       string `json:"reason"`
	AttemptCount int    `json:"attempt_count"`
	Final        bool   `json:"final"`
}

type RetryPaymentPayload struct {
	BookingID string    `json:"booking_id"`
	Attempt   int       `json:"attempt"`
	RetryAt   time.Time `json:"retry_at"`
}

type RefundRequestedPayload struct {
	BookingID string `json:"booking_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}
