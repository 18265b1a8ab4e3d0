package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/services/inventory/internal/domain"
	"github.com/kyungseok/booking-saga-go/services/inventory/internal/repository"
)

// OutboxAppender matches common/outbox.Store's InsertTx signature.
type OutboxAppender interface {
	InsertTx(ctx context.Context, tx *sql.Tx, queue, eventType, correlationID string, payload []byte) error
}

type Waker interface{ Wake() }

// InventoryService reserves stock ahead of payment, confirms on
// PaymentSucceeded, and releases on final PaymentFailed or TTL expiry.
type InventoryService interface {
	HandleBookingCreated(ctx context.Context, env *events.Envelope) consumer.Outcome
	HandlePaymentSucceeded(ctx context.Context, env *events.Envelope) consumer.Outcome
	HandlePaymentFailed(ctx context.Context, env *events.Envelope) consumer.Outcome
	// SweepExpired releases up to 100 reservations past their TTL per call
	// and emits InventoryReleased for each one it releases.
	SweepExpired(ctx context.Context) error
}

type inventoryService struct {
	repo           repository.InventoryRepository
	outbox         OutboxAppender
	waker          Waker
	reservationTTL time.Duration
	logger         *zap.Logger
}

func NewInventoryService(repo repository.InventoryRepository, outbox OutboxAppender, waker Waker, reservationTTL time.Duration, logger *zap.Logger) InventoryService {
	return &inventoryService{repo: repo, outbox: outbox, waker: waker, reservationTTL: reservationTTL, logger: logger}
}

func (s *inventoryService) HandleBookingCreated(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.BookingCreatedPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode BookingCreated failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	if _, err := s.repo.FindReservationByBooking(ctx, p.BookingID); err == nil {
		return consumer.Success // already reserved for this booking; duplicate delivery
	} else if !errors.Is(err, repository.ErrNotFound) {
		return consumer.TransientFailure
	}

	qty := int64(p.Qty)
	if qty <= 0 {
		qty = 1
	}
	expiresAt := time.Now().Add(s.reservationTTL)

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return consumer.TransientFailure
	}
	defer tx.Rollback()

	reservation, err := s.repo.ReserveTx(ctx, tx, p.BookingID, p.ItemRef, qty, expiresAt)
	switch {
	case errors.Is(err, repository.ErrInsufficientStock), errors.Is(err, repository.ErrNotFound):
		return s.emitReservationFailedTx(ctx, tx, env, p, reasonFor(err))
	case errors.Is(err, repository.ErrVersionConflict):
		return consumer.TransientFailure // contended row; runtime will requeue
	case err != nil:
		return consumer.TransientFailure
	}

	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.InventoryReserved, now, events.InventoryReservedPayload{
		BookingID:     p.BookingID,
		ReservationID: reservation.ID,
		ItemRef:       p.ItemRef,
		Amount:        p.Amount,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return consumer.PermanentFailure
	}
	if err := s.outbox.InsertTx(ctx, tx, events.InventoryReserved.Queue(), string(events.InventoryReserved), env.CorrelationID, payload); err != nil {
		return consumer.TransientFailure
	}
	if err := tx.Commit(); err != nil {
		return consumer.TransientFailure
	}
	s.wake()

	s.logger.Info("inventory reserved", zap.String("booking_id", p.BookingID), zap.String("reservation_id", reservation.ID))
	return consumer.Success
}

func (s *inventoryService) emitReservationFailedTx(ctx context.Context, tx *sql.Tx, env *events.Envelope, p events.BookingCreatedPayload, reason string) consumer.Outcome {
	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.InventoryReservationFailed, now, events.InventoryReservationFailedPayload{
		BookingID: p.BookingID,
		ItemRef:   p.ItemRef,
		Reason:    reason,
	})
	if err != nil {
		return consumer.PermanentFailure
	}
	if err := s.outbox.InsertTx(ctx, tx, events.InventoryReservationFailed.Queue(), string(events.InventoryReservationFailed), env.CorrelationID, payload); err != nil {
		return consumer.TransientFailure
	}
	if err := tx.Commit(); err != nil {
		return consumer.TransientFailure
	}
	s.wake()
	s.logger.Warn("inventory reservation failed", zap.String("booking_id", p.BookingID), zap.String("reason", reason))
	return consumer.Success
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, repository.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, repository.ErrNotFound):
		return "item not found"
	default:
		return "reservation failed"
	}
}

func (s *inventoryService) HandlePaymentSucceeded(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.PaymentSucceededPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode PaymentSucceeded failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	reservation, err := s.repo.FindReservationByBooking(ctx, p.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("no reservation found for PaymentSucceeded", zap.String("booking_id", p.BookingID))
		return consumer.Success
	}
	if err != nil {
		return consumer.TransientFailure
	}
	if reservation.Status != domain.ReservationHeld {
		return consumer.Success // already confirmed or released; duplicate
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return consumer.TransientFailure
	}
	defer tx.Rollback()

	if err := s.repo.ConfirmTx(ctx, tx, reservation.ID); err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			return consumer.Success // lost the race to a concurrent resolution; treat as settled
		}
		return consumer.TransientFailure
	}
	if err := tx.Commit(); err != nil {
		return consumer.TransientFailure
	}

	s.logger.Info("inventory reservation confirmed", zap.String("booking_id", p.BookingID), zap.String("reservation_id", reservation.ID))
	return consumer.Success
}

func (s *inventoryService) HandlePaymentFailed(ctx context.Context, env *events.Envelope) consumer.Outcome {
	var p events.PaymentFailedPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Error("decode PaymentFailed failed", zap.Error(err))
		return consumer.PermanentFailure
	}

	if !p.Final {
		return consumer.Success // payment will still retry; stock stays held
	}

	reservation, err := s.repo.FindReservationByBooking(ctx, p.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return consumer.Success
	}
	if err != nil {
		return consumer.TransientFailure
	}
	if reservation.Status != domain.ReservationHeld {
		return consumer.Success
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return consumer.TransientFailure
	}
	defer tx.Rollback()

	released, err := s.repo.ReleaseTx(ctx, tx, reservation.ID)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			return consumer.Success
		}
		return consumer.TransientFailure
	}

	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), env.CorrelationID, events.InventoryReleased, now, events.InventoryReleasedPayload{
		BookingID: p.BookingID,
		ItemRef:   released.ItemRef,
		Qty:       int(released.Qty),
	})
	if err != nil {
		return consumer.PermanentFailure
	}
	if err := s.outbox.InsertTx(ctx, tx, events.InventoryReleased.Queue(), string(events.InventoryReleased), env.CorrelationID, payload); err != nil {
		return consumer.TransientFailure
	}
	if err := tx.Commit(); err != nil {
		return consumer.TransientFailure
	}
	s.wake()

	s.logger.Info("inventory released after final payment failure", zap.String("booking_id", p.BookingID))
	return consumer.Success
}

// SweepExpired is invoked on a cron cadence (inventory.sweep_interval)
// rather than from the broker.
func (s *inventoryService) SweepExpired(ctx context.Context) error {
	ids, err := s.repo.DueForExpiry(ctx, time.Now(), 100)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.releaseOneExpired(ctx, id); err != nil {
			s.logger.Error("failed to release expired reservation", zap.String("reservation_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *inventoryService) releaseOneExpired(ctx context.Context, reservationID string) error {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	released, err := s.repo.ReleaseTx(ctx, tx, reservationID)
	if errors.Is(err, repository.ErrAlreadyResolved) {
		return nil // resolved by a concurrent event delivery before the sweep reached it
	}
	if err != nil {
		return err
	}

	correlationID := uuid.New().String()
	now := time.Now()
	payload, err := events.Encode(uuid.New().String(), correlationID, events.InventoryReleased, now, events.InventoryReleasedPayload{
		BookingID: released.BookingID,
		ItemRef:   released.ItemRef,
		Qty:       int(released.Qty),
	})
	if err != nil {
		return err
	}
	if err := s.outbox.InsertTx(ctx, tx, events.InventoryReleased.Queue(), string(events.InventoryReleased), correlationID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.wake()
	s.logger.Info("reservation expired and released", zap.String("booking_id", released.BookingID), zap.String("reservation_id", reservationID))
	return nil
}

func (s *inventoryService) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
