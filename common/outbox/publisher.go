package outbox

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/common/broker"
	"github.com/kyungseok/booking-saga-go/common/retry"
)

// Publisher is the background worker that drains outbox rows to the broker.
// One instance runs per producing service process; the store's claim does not
// keep a second instance from publishing the same rows (see Store.ClaimBatch).
type Publisher struct {
	store        *Store
	broker       broker.Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	backoff      retry.Backoff
	wake         chan struct{}
}

func NewPublisher(store *Store, pub broker.Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize int, backoff retry.Backoff) *Publisher {
	return &Publisher{
		store:        store,
		broker:       pub,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		backoff:      backoff,
		wake:         make(chan struct{}, 1),
	}
}

// Wake is an in-process signal that lets a producer nudge the publisher to
// drain immediately after an insert, instead of waiting out poll_interval.
func (p *Publisher) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the publisher loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started", zap.Duration("poll_interval", p.pollInterval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			p.drain(ctx)
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	rows, err := p.store.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim outbox batch", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	if err := p.publishBatch(ctx, rows); err != nil {
		p.logger.Error("errors publishing outbox batch", zap.Error(err))
	}
}

// publishBatch publishes rows FIFO per correlation_id: if a row fails
// transiently, no later row sharing its correlation_id is attempted this
// round, preserving causal order for that transaction. Rows
// under different correlation_ids are independent and all get a chance.
func (p *Publisher) publishBatch(ctx context.Context, rows []*Row) error {
	var order []string
	groups := map[string][]*Row{}
	for _, r := range rows {
		if _, ok := groups[r.CorrelationID]; !ok {
			order = append(order, r.CorrelationID)
		}
		groups[r.CorrelationID] = append(groups[r.CorrelationID], r)
	}

	var result *multierror.Error
	for _, cid := range order {
		for _, row := range groups[cid] {
			if err := p.publishOne(ctx, row); err != nil {
				result = multierror.Append(result, err)
				break // stop this correlation group; keep FIFO for next poll
			}
		}
	}
	return result.ErrorOrNil()
}

func (p *Publisher) publishOne(ctx context.Context, row *Row) error {
	err := p.broker.Publish(ctx, row.Queue, row.CorrelationID, row.Payload)
	if err != nil {
		// Never dropped: always scheduled for another attempt.
		next := time.Now().Add(p.backoff.Next(row.PublishAttempts + 1))
		if markErr := p.store.MarkFailed(ctx, row.ID, next); markErr != nil {
			p.logger.Error("failed to record publish failure", zap.Int64("outbox_id", row.ID), zap.Error(markErr))
		}
		p.logger.Warn("outbox publish failed, will retry",
			zap.Int64("outbox_id", row.ID), zap.String("queue", row.Queue), zap.Time("next_attempt_at", next), zap.Error(err))
		return err
	}

	if err := p.store.MarkPublished(ctx, row.ID); err != nil {
		p.logger.Error("failed to mark outbox row published", zap.Int64("outbox_id", row.ID), zap.Error(err))
		return err
	}
	return nil
}
