// Package consumer implements the idempotent consumer runtime (C4): decode,
// idempotency check, handler dispatch under a soft timeout, and ack/nack/DLQ
// disposition.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/common/broker"
	"github.com/kyungseok/booking-saga-go/common/correlation"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/common/idempotency"
)

// Outcome is the result a domain handler reports to the runtime.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

// HandlerFunc is a user-supplied domain handler. It must not ack/nack
// directly — the runtime owns disposition.
type HandlerFunc func(ctx context.Context, env *events.Envelope) Outcome

// KeyFunc derives the idempotency key for an envelope. Handlers with a
// natural domain key (preferred — survives event-id churn) should return
// e.g. bookingID+":RESERVE"; returning "" falls back to event_id.
type KeyFunc func(env *events.Envelope) string

// Registration binds a queue to a handler.
type Registration struct {
	Queue    string
	Prefetch int
	KeyFunc  KeyFunc
	Handle   HandlerFunc
}

// Ledger is the idempotency store the runtime serializes deliveries
// through; *idempotency.Ledger is the production implementation.
type Ledger interface {
	TryBegin(ctx context.Context, key string) (idempotency.State, error)
	Complete(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
}

// Runtime dispatches deliveries from a broker.Consumer through the
// idempotency ledger to domain handlers.
type Runtime struct {
	consumer       broker.Consumer
	ledger         Ledger
	maxRequeue     int
	handlerTimeout time.Duration
	logger         *zap.Logger
}

func NewRuntime(c broker.Consumer, ledger Ledger, maxRequeue int, handlerTimeout time.Duration, logger *zap.Logger) *Runtime {
	return &Runtime{consumer: c, ledger: ledger, maxRequeue: maxRequeue, handlerTimeout: handlerTimeout, logger: logger}
}

// Register subscribes reg.Handle against reg.Queue.
func (r *Runtime) Register(ctx context.Context, reg Registration) error {
	return r.consumer.Subscribe(ctx, reg.Queue, broker.SubscribeOptions{Prefetch: reg.Prefetch}, func(ctx context.Context, d *broker.Delivery) {
		r.dispatch(ctx, reg, d)
	})
}

func (r *Runtime) dispatch(ctx context.Context, reg Registration, d *broker.Delivery) {
	env, err := events.Decode(d.Body)
	if err != nil {
		r.logger.Error("operational alert: message routed to DLQ",
			zap.String("reason", "decode failure"),
			zap.String("queue", reg.Queue),
			zap.String("dlq", reg.Queue+"_dlq"),
			zap.Int("delivery_count", d.DeliveryCount),
			zap.Error(err),
		)
		_ = d.Nack(false)
		return
	}

	ctx = correlation.WithID(ctx, env.CorrelationID)
	log := correlation.Logger(ctx, r.logger)

	key := ""
	if reg.KeyFunc != nil {
		key = reg.KeyFunc(env)
	}
	if key == "" {
		key = env.EventID
	}

	state, err := r.ledger.TryBegin(ctx, key)
	if err != nil {
		log.Warn("idempotency ledger unavailable, requeueing", zap.Error(err))
		_ = d.Nack(true)
		return
	}

	switch state {
	case idempotency.AlreadyCompleted:
		log.Debug("duplicate delivery, acking", zap.String("key", key))
		_ = d.Ack()
		return
	case idempotency.InProgressElsewhere:
		log.Debug("key in progress elsewhere, requeueing", zap.String("key", key))
		_ = d.Nack(true)
		return
	}

	outcome := r.invoke(ctx, reg, env)

	switch outcome {
	case Success:
		if err := r.ledger.Complete(ctx, key); err != nil {
			log.Error("failed to mark ledger completed", zap.Error(err))
		}
		_ = d.Ack()

	case TransientFailure:
		if err := r.ledger.Clear(ctx, key); err != nil {
			log.Error("failed to clear in-progress ledger entry", zap.Error(err))
		}
		if d.DeliveryCount < r.maxRequeue {
			_ = d.Nack(true)
		} else {
			r.alert(log, "requeue budget exhausted", reg.Queue, env, key, d.DeliveryCount)
			_ = d.Nack(false)
		}

	case PermanentFailure:
		if err := r.ledger.Clear(ctx, key); err != nil {
			log.Error("failed to clear in-progress ledger entry", zap.Error(err))
		}
		r.alert(log, "permanent failure", reg.Queue, env, key, d.DeliveryCount)
		_ = d.Nack(false)
	}
}

// alert emits the structured operational record that accompanies every DLQ
// routing, carrying enough metadata for an operator to locate and replay the
// message.
func (r *Runtime) alert(log *zap.Logger, reason, queue string, env *events.Envelope, key string, deliveryCount int) {
	log.Error("operational alert: message routed to DLQ",
		zap.String("reason", reason),
		zap.String("queue", queue),
		zap.String("dlq", queue+"_dlq"),
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.String("idempotency_key", key),
		zap.Int("delivery_count", deliveryCount),
	)
}

// invoke runs the handler under the configured soft timeout; exceeding it
// is treated as a transient failure so the delivery gets requeued.
func (r *Runtime) invoke(ctx context.Context, reg Registration, env *events.Envelope) Outcome {
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- reg.Handle(hctx, env)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-hctx.Done():
		return TransientFailure
	}
}
