// Package handler wires the Booking Saga Coordinator's inbound surfaces —
// broker subscriptions and the HTTP edge — to the service layer.
package handler

import (
	"context"

	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/services/booking/internal/service"
)

// EventHandler registers the booking service's event reactions against the
// consumer runtime: InventoryReservationFailed, PaymentSucceeded,
// PaymentFailed.
type EventHandler struct {
	svc            service.BookingService
	runtime        *consumer.Runtime
	prefetch       int
}

func NewEventHandler(svc service.BookingService, runtime *consumer.Runtime, prefetch int) *EventHandler {
	return &EventHandler{svc: svc, runtime: runtime, prefetch: prefetch}
}

// bookingIDKey derives an idempotency key scoped to the booking and the
// transition being applied, so a duplicate delivery of the same event type
// for the same booking is recognized even if event_id differs (e.g. a
// republish after a decode fix upstream). Falls back to event_id when the
// payload carries no booking_id.
func bookingIDKey(suffix string) consumer.KeyFunc {
	return func(env *events.Envelope) string {
		if id := env.BookingID(); id != "" {
			return id + ":" + suffix
		}
		return ""
	}
}

// RegisterAll subscribes every booking-owned queue. Call once during startup.
func (h *EventHandler) RegisterAll(ctx context.Context) error {
	registrations := []consumer.Registration{
		{
			Queue:    events.InventoryReservationFailed.Queue(),
			Prefetch: h.prefetch,
			KeyFunc:  bookingIDKey("INVENTORY_RESERVATION_FAILED"),
			Handle:   h.svc.HandleInventoryReservationFailed,
		},
		{
			Queue:    events.PaymentSucceeded.Queue(),
			Prefetch: h.prefetch,
			KeyFunc:  bookingIDKey("PAYMENT_SUCCEEDED"),
			Handle:   h.svc.HandlePaymentSucceeded,
		},
		{
			Queue:    events.PaymentFailed.Queue(),
			Prefetch: h.prefetch,
			KeyFunc: func(env *events.Envelope) string {
				var p events.PaymentFailedPayload
				if err := env.DecodePayload(&p); err != nil || !p.Final {
					return "" // event_id, so a non-final failure never completes the PAYMENT_FAILED key
				}
				return bookingIDKey("PAYMENT_FAILED")(env)
			},
			Handle: h.svc.HandlePaymentFailed,
		},
	}

	for _, reg := range registrations {
		if err := h.runtime.Register(ctx, reg); err != nil {
			return err
		}
	}
	return nil
}
