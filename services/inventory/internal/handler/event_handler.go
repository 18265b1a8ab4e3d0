package handler

import (
	"context"

	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/services/inventory/internal/service"
)

type EventHandler struct {
	svc      service.InventoryService
	runtime  *consumer.Runtime
	prefetch int
}

func NewEventHandler(svc service.InventoryService, runtime *consumer.Runtime, prefetch int) *EventHandler {
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
			Queue:    events.BookingCreated.Queue(),
			Prefetch: h.prefetch,
			KeyFunc:  key("RESERVE"),
			Handle:   h.svc.HandleBookingCreated,
		},
		{
			Queue:    events.PaymentSucceeded.Queue(),
			Prefetch: h.prefetch,
			KeyFunc:  key("CONFIRM"),
			Handle:   h.svc.HandlePaymentSucceeded,
		},
		{
			Queue:    events.PaymentFailed.Queue(),
			Prefetch: h.prefetch,
			KeyFunc: func(env *events.Envelope) string {
				var p events.PaymentFailedPayload
				if err := env.DecodePayload(&p); err != nil || !p.Final {
					return "" // event_id, so a non-final failure never completes the RELEASE key
				}
				return key("RELEASE")(env)
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
