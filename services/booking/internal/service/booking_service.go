package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/services/booking/internal/domain"
	"github.com/kyungseok/booking-saga-go/services/booking/internal/repository"
)

const maxVersionRetries = 3

// OutboxAppender is the subset of common/outbox.Store the service needs,
// kept as an interface so unit tests can substitute an in-memory fake.
type OutboxAppender interface {
	InsertTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte) error
}

// Waker lets the service nudge the outbox publisher immediately after a
// commit instead of waiting out poll_interval.
type Waker interface{ Wake() }

type CreateBookingCommand struct {
	UserID  string
	ItemRef string
	Amount  int64
	// CorrelationID is supplied by the HTTP edge (header) or generated there;
	// the core only ever propagates it verbatim.
	CorrelationID string
}

type CreateBookingResult struct {
	BookingID string
	Status    domain.Status
}

// BookingService is the Booking Saga Coordinator (C5).
type BookingService interface {
	CreateBooking(ctx context.Context, cmd CreateBookingCommand) (*CreateBookingResult, error)
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	RetryPayment(ctx context.Context, bookingID string) error

	HandleInventoryReservationFailed(ctx context.Context, env *events.Envelope) consumer.Outcome
	HandlePaymentSucceeded(ctx context.Context, env *events.Envelope) consumer.Outcome
	HandlePaymentFailed(ctx context.Context, env *events.Envelope) consumer.Outcome
}

type bookingService struct {
	db         *sql.DB
	bookingRepo repository.BookingRepository
	outbox     OutboxAppender
	waker      Waker
	maxPaymentAttempts int
	logger     *zap.Logger
}

func NewBookingService(db *sql.DB, repo repository.BookingRepository, outbox OutboxAppender, waker Waker, maxPaymentAttempts int, logger *zap.Logger) BookingService {
	return &bookingService{
		db:         db,
		bookingRepo: repo,
		outbox:     outbox,
		waker:      waker,
		maxPaymentAttempts: maxPaymentAttempts,
		logger:     logger,
	}
}

func (s *bookingService) CreateBooking(ctx context.Context, cmd CreateBookingCommand) (*CreateBookingResult, error) {
	if cmd.Amount <= 0 {
		return nil, apperrors.BusinessErr(apperrors.CodeInvalidCommand, "amount must be positive")
	}
	if cmd.ItemRef == "" || cmd.UserID == "" {
		return nil, apperrors.BusinessErr(apperrors.CodeInvalidCommand, "user_id and item_ref are required")
	}

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := time.Now()
	b := &domain.Booking{
		ID:        uuid.New().String(),
		UserID:    cmd.UserID,
		ItemRef:   cmd.ItemRef,
		Amount:    cmd.Amount,
		Status:    domain.StatusPending,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeDatabaseError, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.bookingRepo.CreateTx(ctx, tx, b); err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeDatabaseError, "create booking", err)
	}

	payload, err := events.Encode(uuid.New().String(), correlationID, events.BookingCreated, now, events.BookingCreatedPayload{
		BookingID: b.ID,
		UserID:    b.UserID,
		ItemRef:   b.ItemRef,
		Amount:    b.Amount,
		Qty:       1,
	})
	if err != nil {
		return nil, apperrors.PermanentErr(apperrors.CodeEncodeError, "encode BookingCreated", err)
	}

	if err := s.outbox.InsertTx(ctx, tx, events.BookingCreated.Queue(), string(events.BookingCreated), correlationID, payload); err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeDatabaseError, "insert outbox row", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeDatabaseError, "commit transaction", err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}

	s.logger.Info("booking created", zap.String("booking_id", b.ID), zap.String("correlation_id", correlationID))
	return &CreateBookingResult{BookingID: b.ID, Status: b.Status}, nil
}

func (s *bookingService) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := s.bookingRepo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.BusinessErr(apperrors.CodeBookingNotFound, "booking not found")
	}
	if err != nil {
		return nil, apperrors.TransientErr(apperrors.CodeDatabaseError, "find booking", err)
	}
	return b, nil
}

// RetryPayment is an operator affordance: it re-emits a RetryPayment
// event for the payment service to pick up. It only requires the booking be
// PENDING here — the payment service itself still owns the authoritative
// "is this attempt FAILED non-final" check, since only it holds payment
// state.
func (s *bookingService) RetryPayment(ctx context.Context, bookingID string) error {
	b, err := s.bookingRepo.FindByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.BusinessErr(apperrors.CodeBookingNotFound, "booking not found")
	}
	if err != nil {
		return apperrors.TransientErr(apperrors.CodeDatabaseError, "find booking", err)
	}
	if b.Status != domain.StatusPending {
		return apperrors.BusinessErr(apperrors.CodeInvalidCommand, "booking is not PENDING")
	}

	correlationID := uuid.New().String()
	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), correlationID, events.RetryPayment, now, events.RetryPaymentPayload{
		BookingID: b.ID,
		Attempt:   0,
		RetryAt:   now,
	})
	if err != nil {
		return apperrors.PermanentErr(apperrors.CodeEncodeError, "encode RetryPayment", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.TransientErr(apperrors.CodeDatabaseError, "begin transaction", err)
	}
	defer tx.Rollback()
	if err := s.outbox.InsertTx(ctx, tx, events.RetryPayment.Queue(), string(events.RetryPayment), correlationID, payload); err != nil {
		return apperrors.TransientErr(apperrors.CodeDatabaseError, "insert outbox row", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.TransientErr(apperrors.CodeDatabaseError, "commit transaction", err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	return nil
}

func (s *bookingService) HandleInventoryReservationFailed(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.InventoryReservationFailedPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode InventoryReservationFailed failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		b, err := s.bookingRepo.FindByID(ctx, p.BookingID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("booking not found for InventoryReservationFailed", zap.String("booking_id", p.BookingID))
			return consumer.Success // nothing to do; ack
		}
		if err != nil {
			return consumer.TransientFailure
		}

		if b.Status != domain.StatusPending {
			return consumer.Success // duplicate or late delivery; ack
		}

		now := time.Now()
		reason := "inventory: " + p.Reason
		if err := b.Cancel(reason, now); err != nil {
			return consumer.Success
		}

		payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.BookingCancelled, now, events.BookingCancelledPayload{
			BookingID: b.ID,
			Reason:    reason,
		})
		if err != nil {
			return consumer.PermanentFailure
		}

		// The status transition and the BookingCancelled outbox row commit
		// together: either the booking is cancelled and the event will be
		// published, or neither happened.
		ok, err := s.updateAndEmit(ctx, b, events.BookingCancelled, env.CorrelationID, payload)
		if err != nil {
			return consumer.TransientFailure
		}
		if !ok {
			continue // lost update; re-read and retry
		}

		s.logger.Info("booking cancelled due to inventory reservation failure", zap.String("booking_id", b.ID))
		return consumer.Success
	}

	return consumer.TransientFailure
}

// updateAndEmit applies b's pending transition under optimistic concurrency
// and, when payload is non-nil, appends the outbox row in the same
// transaction. Returns false on a version conflict.
func (s *bookingService) updateAndEmit(ctx context.Context, b *domain.Booking, eventType events.Type, correlationID string, payload []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := s.bookingRepo.UpdateWithVersionTx(ctx, tx, b, b.Version)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if payload != nil {
		if err := s.outbox.InsertTx(ctx, tx, eventType.Queue(), string(eventType), correlationID, payload); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if payload != nil && s.waker != nil {
		s.waker.Wake()
	}
	return true, nil
}

func (s *bookingService) HandlePaymentSucceeded(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.PaymentSucceededPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode PaymentSucceeded failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		b, err := s.bookingRepo.FindByID(ctx, p.BookingID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("booking not found for PaymentSucceeded", zap.String("booking_id", p.BookingID))
			return consumer.Success
		}
		if err != nil {
			return consumer.TransientFailure
		}

		if b.Status == domain.StatusConfirmed {
			return consumer.Success // duplicate; ack
		}

		if b.Status == domain.StatusCancelled {
			// Late PaymentSucceeded for a CANCELLED booking — reconciliation
			// case: log and emit a RefundRequested
			// event; refund execution is out of core.
			s.logger.Warn("PaymentSucceeded for already-cancelled booking, emitting reconciliation event",
				zap.String("booking_id", b.ID))
			now := time.Now()
			payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.RefundRequested, now, events.RefundRequestedPayload{
				BookingID: b.ID,
				PaymentID: p.PaymentID,
				Reason:    "payment succeeded after booking was cancelled",
			})
			if err != nil {
				return consumer.PermanentFailure
			}
			if err := s.emitOutbox(ctx, events.RefundRequested.Queue(), string(events.RefundRequested), env.CorrelationID, payload); err != nil {
				return consumer.TransientFailure
			}
			return consumer.Success
		}

		now := time.Now()
		if err := b.Confirm(now); err != nil {
			return consumer.Success
		}

		ok, err := s.updateAndEmit(ctx, b, "", env.CorrelationID, nil)
		if err != nil {
			return consumer.TransientFailure
		}
		if !ok {
			continue
		}

		s.logger.Info("booking confirmed", zap.String("booking_id", b.ID))
		return consumer.Success
	}

	return consumer.TransientFailure
}

func (s *bookingService) HandlePaymentFailed(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.PaymentFailedPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode PaymentFailed failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	if !p.Final && p.AttemptCount < s.maxPaymentAttempts {
		return consumer.Success // the payment service will retry; ack without change
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		b, err := s.bookingRepo.FindByID(ctx, p.BookingID)
		if errors.Is(err, repository.ErrNotFound) {
			return consumer.Success
		}
		if err != nil {
			return consumer.TransientFailure
		}

		if b.IsTerminal() {
			return consumer.Success
		}

		now := time.Now()
		reason := "payment: " + p.Reason
		if err := b.Cancel(reason, now); err != nil {
			return consumer.Success
		}

		payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.BookingCancelled, now, events.BookingCancelledPayload{
			BookingID: b.ID,
			Reason:    reason,
		})
		if err != nil {
			return consumer.PermanentFailure
		}

		ok, err := s.updateAndEmit(ctx, b, events.BookingCancelled, env.CorrelationID, payload)
		if err != nil {
			return consumer.TransientFailure
		}
		if !ok {
			continue
		}

		s.logger.Info("booking cancelled due to payment failure", zap.String("booking_id", b.ID))
		return consumer.Success
	}

	return consumer.TransientFailure
}

func (s *bookingService) emitOutbox(ctx context.Context, queue, eventType, correlationID string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.outbox.InsertTx(ctx, tx, queue, eventType, correlationID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	return nil
}
