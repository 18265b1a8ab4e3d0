// Package broker defines the broker adapter contract (C2): publish with
// durable semantics, subscribe with manual acknowledgment, prefetch control,
// and per-queue DLQ routing. Redelivery policy (how many times, and when to
// give up) belongs to the idempotent consumer runtime, not this package.
package broker

import "context"

// Publisher delivers envelopes to a named queue/exchange with durable
// semantics, returning only once the broker has confirmed receipt.
type Publisher interface {
	// Publish sends body (already-encoded envelope bytes) keyed by key to
	// queue. Implementations return a *errors.DomainError classified
	// Transient (BrokerUnavailable) or Permanent (EncodeError).
	Publish(ctx context.Context, queue string, key string, body []byte) error
	Close() error
}

// SubscribeOptions configures a consumer registration.
type SubscribeOptions struct {
	// Prefetch bounds the number of deliveries handled concurrently before
	// acknowledgment; 10 is a reasonable default.
	Prefetch int
	// DLQ is the dead-letter destination bound to this queue. Defaults to
	// "<queue>_dlq" when empty.
	DLQ string
}

// Delivery is one message handed to a subscriber, with manual ack/nack.
type Delivery struct {
	Queue         string
	Key           string
	Body          []byte
	DeliveryCount int // redelivery count; authoritative when the broker supplies it

	ackFn  func() error
	nackFn func(requeue bool) error
}

// NewDelivery builds a Delivery with explicit ack/nack callbacks. Broker
// implementations outside this package (and in-memory brokers in tests) use
// it to hand messages to a Handler.
func NewDelivery(queue, key string, body []byte, deliveryCount int, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Queue: queue, Key: key, Body: body, DeliveryCount: deliveryCount, ackFn: ack, nackFn: nack}
}

// Ack acknowledges successful processing; the broker will not redeliver.
func (d *Delivery) Ack() error { return d.ackFn() }

// Nack signals failed processing. requeue=true makes the message
// redeliverable (subject to the consumer runtime's MAX_REQUEUE policy);
// requeue=false routes it to the bound DLQ.
func (d *Delivery) Nack(requeue bool) error { return d.nackFn(requeue) }

// Handler processes one Delivery and is responsible for calling Ack or Nack
// exactly once. The idempotent consumer runtime (C4) is the canonical
// Handler implementation; it never leaves a Delivery un-acked.
type Handler func(ctx context.Context, d *Delivery)

// Consumer registers handlers against durable, DLQ-backed queues.
type Consumer interface {
	Subscribe(ctx context.Context, queue string, opts SubscribeOptions, handler Handler) error
	Close() error
}
