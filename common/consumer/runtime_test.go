package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/common/broker"
	"github.com/kyungseok/booking-saga-go/common/correlation"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/common/idempotency"
)

type fakeLedger struct {
	state     idempotency.State
	keys      []string
	completed []string
	cleared   []string
}

func (f *fakeLedger) TryBegin(_ context.Context, key string) (idempotency.State, error) {
	f.keys = append(f.keys, key)
	return f.state, nil
}

func (f *fakeLedger) Complete(_ context.Context, key string) error {
	f.completed = append(f.completed, key)
	return nil
}

func (f *fakeLedger) Clear(_ context.Context, key string) error {
	f.cleared = append(f.cleared, key)
	return nil
}

type disposition struct {
	acked   bool
	nacked  bool
	requeue bool
}

func newDelivery(t *testing.T, body []byte, deliveryCount int, d *disposition) *broker.Delivery {
	t.Helper()
	return broker.NewDelivery("q", "k", body, deliveryCount,
		func() error { d.acked = true; return nil },
		func(requeue bool) error { d.nacked = true; d.requeue = requeue; return nil },
	)
}

func encodeEvent(t *testing.T, eventID string) []byte {
	t.Helper()
	body, err := events.Encode(eventID, "corr-1", events.BookingCreated, time.Now(), events.BookingCreatedPayload{BookingID: "b-1"})
	require.NoError(t, err)
	return body
}

func newTestRuntime(ledger Ledger) *Runtime {
	return NewRuntime(nil, ledger, 3, time.Second, zap.NewNop())
}

func TestDispatchDecodeErrorGoesToDLQ(t *testing.T) {
	ledger := &fakeLedger{}
	r := newTestRuntime(ledger)
	var d disposition

	r.dispatch(context.Background(), Registration{Queue: "q"}, newDelivery(t, []byte("not json"), 1, &d))

	assert.True(t, d.nacked)
	assert.False(t, d.requeue)
	assert.Empty(t, ledger.keys, "ledger must not be consulted for undecodable messages")
}

func TestDispatchSuccessCompletesAndAcks(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.Fresh}
	r := newTestRuntime(ledger)
	var d disposition

	var handlerCorrelation string
	reg := Registration{
		Queue:   "q",
		KeyFunc: func(env *events.Envelope) string { return env.BookingID() + ":RESERVE" },
		Handle: func(ctx context.Context, env *events.Envelope) Outcome {
			handlerCorrelation = correlation.FromContext(ctx)
			return Success
		},
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 1, &d))

	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, []string{"b-1:RESERVE"}, ledger.keys)
	assert.Equal(t, []string{"b-1:RESERVE"}, ledger.completed)
	assert.Equal(t, "corr-1", handlerCorrelation, "correlation id must flow into the handler context")
}

func TestDispatchKeyFallsBackToEventID(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.Fresh}
	r := newTestRuntime(ledger)
	var d disposition

	reg := Registration{
		Queue:  "q",
		Handle: func(context.Context, *events.Envelope) Outcome { return Success },
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-77"), 1, &d))
	assert.Equal(t, []string{"evt-77"}, ledger.keys)
}

func TestDispatchDuplicateAcksWithoutHandler(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.AlreadyCompleted}
	r := newTestRuntime(ledger)
	var d disposition

	invoked := false
	reg := Registration{
		Queue:  "q",
		Handle: func(context.Context, *events.Envelope) Outcome { invoked = true; return Success },
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 2, &d))

	assert.True(t, d.acked)
	assert.False(t, invoked)
	assert.Empty(t, ledger.completed)
}

func TestDispatchInProgressElsewhereRequeues(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.InProgressElsewhere}
	r := newTestRuntime(ledger)
	var d disposition

	reg := Registration{
		Queue:  "q",
		Handle: func(context.Context, *events.Envelope) Outcome { return Success },
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 1, &d))

	assert.True(t, d.nacked)
	assert.True(t, d.requeue)
}

func TestDispatchTransientFailureRequeuesUntilMax(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.Fresh}
	r := newTestRuntime(ledger)

	reg := Registration{
		Queue:  "q",
		Handle: func(context.Context, *events.Envelope) Outcome { return TransientFailure },
	}

	var below disposition
	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 2, &below))
	assert.True(t, below.nacked)
	assert.True(t, below.requeue)
	assert.Equal(t, []string{"evt-1"}, ledger.cleared, "in_progress claim must be released for the next delivery")

	var atMax disposition
	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 3, &atMax))
	assert.True(t, atMax.nacked)
	assert.False(t, atMax.requeue, "exhausted redelivery budget routes to DLQ")
}

func TestDispatchPermanentFailureGoesToDLQ(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.Fresh}
	r := newTestRuntime(ledger)
	var d disposition

	reg := Registration{
		Queue:  "q",
		Handle: func(context.Context, *events.Envelope) Outcome { return PermanentFailure },
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 1, &d))

	assert.True(t, d.nacked)
	assert.False(t, d.requeue)
	assert.Equal(t, []string{"evt-1"}, ledger.cleared)
	assert.Empty(t, ledger.completed)
}

func TestDispatchHandlerTimeoutIsTransient(t *testing.T) {
	ledger := &fakeLedger{state: idempotency.Fresh}
	r := NewRuntime(nil, ledger, 3, 20*time.Millisecond, zap.NewNop())
	var d disposition

	reg := Registration{
		Queue: "q",
		Handle: func(ctx context.Context, _ *events.Envelope) Outcome {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return Success
		},
	}

	r.dispatch(context.Background(), reg, newDelivery(t, encodeEvent(t, "evt-1"), 1, &d))

	assert.True(t, d.nacked)
	assert.True(t, d.requeue)
}
