package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/retry"
	"github.com/kyungseok/booking-saga-go/services/payment/internal/domain"
	"github.com/kyungseok/booking-saga-go/services/payment/internal/gateway"
	"github.com/kyungseok/booking-saga-go/services/payment/internal/repository"
)

// OutboxAppender matches common/outbox.Store's insert methods.
type OutboxAppender interface {
	InsertTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte) error
	InsertDelayedTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte, notBefore time.Time) error
}

type Waker interface{ Wake() }

// PaymentService is the payment processing component (C7): it charges a
// booking once InventoryReserved lands, retries a bounded number of times on
// gateway failure via a durably-scheduled RetryPayment event, and reports
// PaymentSucceeded/PaymentFailed back into the saga.
type PaymentService interface {
	HandleInventoryReserved(ctx context.Context, env *events.Envelope) consumer.Outcome
	HandleRetryPayment(ctx context.Context, env *events.Envelope) consumer.Outcome
}

type paymentService struct {
	repo           repository.PaymentRepository
	gateway        gateway.Gateway
	outbox         OutboxAppender
	waker          Waker
	limiter        *rate.Limiter
	maxAttempts    int
	gatewayTimeout time.Duration
	backoff        retry.Backoff
	logger         *zap.Logger
}

func NewPaymentService(repo repository.PaymentRepository, gw gateway.Gateway, outbox OutboxAppender, waker Waker, maxAttempts int, gatewayTimeout time.Duration, backoff retry.Backoff, logger *zap.Logger) PaymentService {
	return &paymentService{
		repo:           repo,
		gateway:        gw,
		outbox:         outbox,
		waker:          waker,
		limiter:        rate.NewLimiter(rate.Limit(20), 5), // 20 req/s sustained, burst of 5
		maxAttempts:    maxAttempts,
		gatewayTimeout: gatewayTimeout,
		backoff:        backoff,
		logger:         logger,
	}
}

func (s *paymentService) HandleInventoryReserved(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.InventoryReservedPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode InventoryReserved failed", zap.Error(err))
		return consumer.PermanentFailure
	}
	return s.attempt(ctx, p.BookingID, p.Amount, env.CorrelationID)
}

func (s *paymentService) HandleRetryPayment(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.RetryPaymentPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode RetryPayment failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	existing, err := s.repo.FindByBookingID(ctx, p.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("RetryPayment for unknown booking, ignoring", zap.String("booking_id", p.BookingID))
		return consumer.Success
	}
	if err != nil {
		return consumer.TransientFailure
	}
	return s.attempt(ctx, p.BookingID, existing.Amount, env.CorrelationID)
}

// attempt is the single charge-attempt path shared by the initial trigger
// and every retry. It reads/creates the Payment row in one short
// transaction (releasing the row lock before the external gateway call),
// then records the outcome — and the domain events it causes — in a second
// transaction.
func (s *paymentService) attempt(ctx context.Context, bookingID string, amount int64, correlationID string) consumer.Outcome {
	tx1, err := s.repo.BeginTx(ctx)
	if err != nil {
		return consumer.TransientFailure
	}
	payment, err := s.repo.FindOrCreateTx(ctx, tx1, bookingID, amount)
	if err != nil {
		tx1.Rollback()
		return consumer.TransientFailure
	}
	if payment.IsTerminal() {
		tx1.Commit()
		return consumer.Success // duplicate trigger after resolution; ack
	}
	if err := tx1.Commit(); err != nil {
		return consumer.TransientFailure
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return consumer.TransientFailure
	}

	result, chargeErr := s.charge(ctx, bookingID, amount)

	tx2, err := s.repo.BeginTx(ctx)
	if err != nil {
		return consumer.TransientFailure
	}
	defer tx2.Rollback()

	if chargeErr == nil {
		if err := s.repo.MarkSucceededTx(ctx, tx2, payment, result.TransactionID); err != nil {
			return consumer.TransientFailure
		}
		now := time.Now()
		payload, err := events.Encode(uuid.New().String(), correlationID, events.PaymentSucceeded, now, events.PaymentSucceededPayload{
			BookingID:     bookingID,
			PaymentID:     payment.ID,
			TransactionID: result.TransactionID,
		})
		if err != nil {
			return consumer.PermanentFailure
		}
		if err := s.outbox.InsertTx(ctx, tx2, events.PaymentSucceeded.Queue(), string(events.PaymentSucceeded), correlationID, payload); err != nil {
			return consumer.TransientFailure
		}
		if err := tx2.Commit(); err != nil {
			return consumer.TransientFailure
		}
		s.wake()
		s.logger.Info("payment succeeded", zap.String("booking_id", bookingID))
		return consumer.Success
	}

	return s.recordFailure(ctx, tx2, payment, bookingID, correlationID, chargeErr)
}

// charge invokes the gateway under a hard deadline. A success the gateway
// reports only after the deadline has passed is not trusted: the charge is
// recorded failed and retried.
func (s *paymentService) charge(ctx context.Context, bookingID string, amount int64) (*gateway.Result, error) {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	result, err := s.gateway.Charge(gctx, bookingID, amount)
	if err == nil && gctx.Err() != nil {
		return nil, apperrors.TransientErr(apperrors.CodeGatewayTimeout, "gateway deadline exceeded", gctx.Err())
	}
	return result, err
}

func (s *paymentService) recordFailure(ctx context.Context, tx *sql.Tx, payment *domain.Payment, bookingID, correlationID string, chargeErr error) consumer.Outcome {
	var declined *gateway.DeclinedError
	isDeclined := errors.As(chargeErr, &declined)

	// A decline is retried like any other failed attempt until the attempt
	// budget is exhausted; only an infrastructure failure classified
	// permanent short-circuits the remaining attempts.
	var de *apperrors.DomainError
	permanentInfra := errors.As(chargeErr, &de) && de.Class == apperrors.Permanent
	nextAttempt := payment.AttemptCount + 1
	final := nextAttempt >= s.maxAttempts || permanentInfra

	reason := chargeErr.Error()
	if isDeclined {
		reason = declined.Reason
	}

	if err := s.repo.MarkAttemptFailedTx(ctx, tx, payment, reason, final); err != nil {
		return consumer.TransientFailure
	}

	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), correlationID, events.PaymentFailed, now, events.PaymentFailedPayload{
		BookingID:    bookingID,
		PaymentID:    payment.ID,
		Reason:       reason,
		AttemptCount: payment.AttemptCount,
		Final:        final,
	})
	if err != nil {
		return consumer.PermanentFailure
	}
	if err := s.outbox.InsertTx(ctx, tx, events.PaymentFailed.Queue(), string(events.PaymentFailed), correlationID, payload); err != nil {
		return consumer.TransientFailure
	}

	if !final {
		retryAt := time.Now().Add(s.backoff.Next(payment.AttemptCount))
		retryPayload, err := events.Encode(uuid.New().String(), correlationID, events.RetryPayment, now, events.RetryPaymentPayload{
			BookingID: bookingID,
			Attempt:   payment.AttemptCount,
			RetryAt:   retryAt,
		})
		if err != nil {
			return consumer.PermanentFailure
		}
		if err := s.outbox.InsertDelayedTx(ctx, tx, events.RetryPayment.Queue(), string(events.RetryPayment), correlationID, retryPayload, retryAt); err != nil {
			return consumer.TransientFailure
		}
	}

	if err := tx.Commit(); err != nil {
		return consumer.TransientFailure
	}
	s.wake()

	if apperrors.IsTransient(chargeErr) {
		s.logger.Warn("payment attempt failed transiently, scheduled retry",
			zap.String("booking_id", bookingID), zap.Int("attempt", payment.AttemptCount), zap.Bool("final", final))
	} else {
		s.logger.Warn("payment declined",
			zap.String("booking_id", bookingID), zap.String("reason", reason), zap.Bool("final", final))
	}
	return consumer.Success
}

func (s *paymentService) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
