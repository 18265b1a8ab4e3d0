package handler

import (
	"context"

	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/services/payment/internal/service"
)

type EventHandler struct {
	svc      service.PaymentService
	runtime  *consumer.Runtime
	prefetch int
}

func NewEventHandler(svc service.PaymentService, runtime *consumer.Runtime, prefetch int) *EventHandler {
	return &EventHandler{svc: svc, runtime: runtime, prefetch: prefetch}
}

// key scopes idempotency to (booking_id, transition) — the domain key —
// falling back to event_id when the payload carries no booking_id.
func key(suffix string) consumer.KeyFunc {
	return func(env *events.Envelope) string {
		if id := env.BookingID(); id != "" {
			return id + ":" + suffix
		}
		return ""
	}
}

func (h *EventHandler) RegisterAll(ctx context.Context) error {
	registrations := []consumer.Registration{
		{
			Queue:    events.InventoryReserved.Queue(),
			Prefetch: h.prefetch,
			KeyFunc:  key("CHARGE"),
			Handle:   h.svc.HandleInventoryReserved,
		},
		{
			// RetryPayment deliveries are keyed by event_id (the default),
			// not by booking: each retry attempt is a distinct idempotency
			// unit since several may legitimately occur for one booking.
			Queue:    events.RetryPayment.Queue(),
			Prefetch: h.prefetch,
			Handle:   h.svc.HandleRetryPayment,
		},
	}

	for _, reg := range registrations {
		if err := h.runtime.Register(ctx, reg); err != nil {
			return err
		}
	}
	return nil
}
