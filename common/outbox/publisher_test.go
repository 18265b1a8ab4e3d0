package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
	"github.com/kyungseok/booking-saga-go/common/retry"
)

type recordingBroker struct {
	mu        sync.Mutex
	published []string // queue names in publish order
	failKeys  map[string]bool
}

func (b *recordingBroker) Publish(_ context.Context, queue, key string, _ []byte) error {
	if b.failKeys[key] {
		return apperrors.TransientErr(apperrors.CodeBrokerUnavailable, "broker down", nil)
	}
	b.mu.Lock()
	b.published = append(b.published, queue)
	b.mu.Unlock()
	return nil
}

func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func newTestPublisher(t *testing.T, b *recordingBroker) (*Publisher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	store := NewStore(db)
	backoff := retry.Backoff{Base: 2 * time.Second, Cap: 60 * time.Second}
	return NewPublisher(store, b, zap.NewNop(), time.Second, 10, backoff), mock
}

func row(id int64, queue, correlationID string, attempts int) *Row {
	return &Row{ID: id, Queue: queue, CorrelationID: correlationID, Payload: []byte(`{}`), PublishAttempts: attempts}
}

func TestPublishBatchMarksRowsPublished(t *testing.T) {
	b := &recordingBroker{}
	p, mock := newTestPublisher(t, b)

	mock.ExpectExec("UPDATE outbox_messages SET published_at").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_messages SET published_at").
		WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.publishBatch(context.Background(), []*Row{
		row(1, "booking_created", "corr-1", 0),
		row(2, "inventory_reserved", "corr-1", 0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"booking_created", "inventory_reserved"}, b.queues())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatchStopsCorrelationGroupOnFailure(t *testing.T) {
	// A transient failure on one row must not let a later row of the same
	// correlation id overtake it, while unrelated correlation ids proceed.
	b := &recordingBroker{failKeys: map[string]bool{"corr-1": true}}
	p, mock := newTestPublisher(t, b)

	mock.ExpectExec("SET publish_attempts = publish_attempts").
		WithArgs(int64(1), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_messages SET published_at").
		WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.publishBatch(context.Background(), []*Row{
		row(1, "booking_created", "corr-1", 0),
		row(2, "booking_cancelled", "corr-1", 0),
		row(3, "inventory_reserved", "corr-2", 0),
	})
	require.Error(t, err)

	// Row 2 was never attempted; row 3's correlation group was unaffected.
	assert.Equal(t, []string{"inventory_reserved"}, b.queues())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishOneFailureSchedulesRetryNeverDrops(t *testing.T) {
	b := &recordingBroker{failKeys: map[string]bool{"corr-1": true}}
	p, mock := newTestPublisher(t, b)

	mock.ExpectExec("SET publish_attempts = publish_attempts").
		WithArgs(int64(5), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.publishOne(context.Background(), row(5, "payment_failed", "corr-1", 3))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWakeIsNonBlocking(t *testing.T) {
	p, _ := newTestPublisher(t, &recordingBroker{})
	// Repeated wakes with no listener must not block the producer.
	p.Wake()
	p.Wake()
	p.Wake()
}

func TestStartDrainsOnWake(t *testing.T) {
	b := &recordingBroker{}
	p, mock := newTestPublisher(t, b)
	now := time.Now()

	claim := func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, queue, event_type").
			WillReturnRows(sqlmock.NewRows([]string{"id", "queue", "event_type", "correlation_id", "payload", "created_at", "publish_attempts", "next_attempt_at"}).
				AddRow(1, "booking_created", "BookingCreated", "corr-1", []byte(`{}`), now, 0, now))
		mock.ExpectCommit()
		mock.ExpectExec("UPDATE outbox_messages SET published_at").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	claim()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	p.Wake()
	assert.Eventually(t, func() bool { return len(b.queues()) >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
