package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/common/consumer"
	"github.com/kyungseok/booking-saga-go/common/events"
	"github.com/kyungseok/booking-saga-go/services/inventory/internal/domain"
	"github.com/kyungseok/booking-saga-go/services/inventory/internal/repository"
)

// fakeInvRepo keeps items and reservations in memory, mirroring the SQL
// repository's locking semantics serially. Transactions come from a sqlmock
// database so the service's begin/commit discipline is still exercised.
type fakeInvRepo struct {
	db           *sql.DB
	items        map[string]*domain.Item
	reservations map[string]*domain.Reservation // by reservation id
	byBooking    map[string]string              // booking id -> reservation id
	nextID       int
}

func newFakeInvRepo(db *sql.DB) *fakeInvRepo {
	return &fakeInvRepo{
		db:           db,
		items:        map[string]*domain.Item{},
		reservations: map[string]*domain.Reservation{},
		byBooking:    map[string]string{},
	}
}

func (f *fakeInvRepo) addItem(itemRef string, total, available int64) {
	f.items[itemRef] = &domain.Item{ItemRef: itemRef, Total: total, Available: available, Version: 1}
}

func (f *fakeInvRepo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return f.db.BeginTx(ctx, nil)
}

func (f *fakeInvRepo) ReserveTx(_ context.Context, _ *sql.Tx, bookingID, itemRef string, qty int64, expiresAt time.Time) (*domain.Reservation, error) {
	item, ok := f.items[itemRef]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if item.Available < qty {
		return nil, repository.ErrInsufficientStock
	}
	item.Available -= qty
	item.Reserved += qty
	item.Version++

	f.nextID++
	res := &domain.Reservation{
		ID:        fmt.Sprintf("res-%d", f.nextID),
		BookingID: bookingID,
		ItemRef:   itemRef,
		Qty:       qty,
		Status:    domain.ReservationHeld,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	f.reservations[res.ID] = res
	f.byBooking[bookingID] = res.ID
	return res, nil
}

func (f *fakeInvRepo) FindReservationByBooking(_ context.Context, bookingID string) (*domain.Reservation, error) {
	id, ok := f.byBooking[bookingID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f.reservations[id]
	return &cp, nil
}

func (f *fakeInvRepo) ConfirmTx(_ context.Context, _ *sql.Tx, reservationID string) error {
	res, ok := f.reservations[reservationID]
	if !ok || res.Status != domain.ReservationHeld {
		return repository.ErrAlreadyResolved
	}
	item := f.items[res.ItemRef]
	item.Reserved -= res.Qty
	item.Version++
	res.Status = domain.ReservationConfirmed
	now := time.Now()
	res.ResolvedAt = &now
	return nil
}

func (f *fakeInvRepo) ReleaseTx(_ context.Context, _ *sql.Tx, reservationID string) (*domain.Reservation, error) {
	res, ok := f.reservations[reservationID]
	if !ok || res.Status != domain.ReservationHeld {
		return nil, repository.ErrAlreadyResolved
	}
	item := f.items[res.ItemRef]
	item.Available += res.Qty
	item.Reserved -= res.Qty
	item.Version++
	res.Status = domain.ReservationReleased
	now := time.Now()
	res.ResolvedAt = &now
	cp := *res
	return &cp, nil
}

func (f *fakeInvRepo) DueForExpiry(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	for id, res := range f.reservations {
		if res.IsExpired(now) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type outboxEntry struct {
	queue         string
	correlationID string
	payload       []byte
}

type fakeOutbox struct{ entries []outboxEntry }

func (f *fakeOutbox) InsertTx(_ context.Context, _ *sql.Tx, queue, _, correlationID string, payload []byte) error {
	f.entries = append(f.entries, outboxEntry{queue, correlationID, payload})
	return nil
}

type fakeWaker struct{ wakes int }

func (f *fakeWaker) Wake() { f.wakes++ }

type invFixture struct {
	svc    InventoryService
	repo   *fakeInvRepo
	outbox *fakeOutbox
	mock   sqlmock.Sqlmock
}

func newInvFixture(t *testing.T, ttl time.Duration) *invFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := newFakeInvRepo(db)
	outbox := &fakeOutbox{}
	svc := NewInventoryService(repo, outbox, &fakeWaker{}, ttl, zap.NewNop())
	return &invFixture{svc: svc, repo: repo, outbox: outbox, mock: mock}
}

func makeEnvelope(t *testing.T, eventType events.Type, payload interface{}) *events.Envelope {
	t.Helper()
	data, err := events.Encode("evt-1", "corr-1", eventType, time.Now(), payload)
	require.NoError(t, err)
	env, err := events.Decode(data)
	require.NoError(t, err)
	return env
}

func decodeEnvelope(t *testing.T, payload []byte) *events.Envelope {
	t.Helper()
	env, err := events.Decode(payload)
	require.NoError(t, err)
	return env
}

func TestHandleBookingCreatedReservesStock(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	env := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{
		BookingID: "b-1", UserID: "u-1", ItemRef: "ROOM-101", Amount: 500, Qty: 1,
	})
	outcome := f.svc.HandleBookingCreated(context.Background(), env)
	assert.Equal(t, consumer.Success, outcome)

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(0), item.Available)
	assert.Equal(t, int64(1), item.Reserved)

	res, err := f.repo.FindReservationByBooking(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationHeld, res.Status)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), res.ExpiresAt, time.Minute)

	require.Len(t, f.outbox.entries, 1)
	assert.Equal(t, "inventory_reserved", f.outbox.entries[0].queue)
	out := decodeEnvelope(t, f.outbox.entries[0].payload)
	assert.Equal(t, "corr-1", out.CorrelationID)

	var p events.InventoryReservedPayload
	require.NoError(t, out.DecodePayload(&p))
	assert.Equal(t, "b-1", p.BookingID)
	assert.Equal(t, int64(500), p.Amount)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleBookingCreatedInsufficientStockEmitsFailure(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 0)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	env := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-2", ItemRef: "ROOM-101", Qty: 1})
	outcome := f.svc.HandleBookingCreated(context.Background(), env)
	assert.Equal(t, consumer.Success, outcome, "a business outcome is not an infra failure")

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(0), item.Available)
	assert.Equal(t, int64(0), item.Reserved, "no stock moves on a failed reservation")

	_, err := f.repo.FindReservationByBooking(context.Background(), "b-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.Len(t, f.outbox.entries, 1)
	assert.Equal(t, "inventory_reservation_failed", f.outbox.entries[0].queue)

	var p events.InventoryReservationFailedPayload
	require.NoError(t, decodeEnvelope(t, f.outbox.entries[0].payload).DecodePayload(&p))
	assert.Equal(t, "insufficient", p.Reason)
}

func TestHandleBookingCreatedUnknownItemEmitsFailure(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	env := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-3", ItemRef: "NOPE", Qty: 1})
	assert.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), env))

	require.Len(t, f.outbox.entries, 1)
	var p events.InventoryReservationFailedPayload
	require.NoError(t, decodeEnvelope(t, f.outbox.entries[0].payload).DecodePayload(&p))
	assert.Equal(t, "item not found", p.Reason)
}

func TestHandleBookingCreatedDuplicateAcksWithoutSecondReservation(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 2, 2)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	env := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), env))

	// Redelivery: no new transaction, no stock movement, no second event.
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), env))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(1), item.Available)
	assert.Equal(t, int64(1), item.Reserved)
	assert.Len(t, f.outbox.entries, 1)
}

func TestNoOversellUnderCompetingBookings(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)

	// Two bookings race for the last unit; exactly one wins.
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	first := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	second := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-2", ItemRef: "ROOM-101", Qty: 1})

	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), first))
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), second))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(0), item.Available)
	assert.Equal(t, int64(1), item.Reserved)
	assert.GreaterOrEqual(t, item.Total, item.Available+item.Reserved)

	require.Len(t, f.outbox.entries, 2)
	assert.Equal(t, "inventory_reserved", f.outbox.entries[0].queue)
	assert.Equal(t, "inventory_reservation_failed", f.outbox.entries[1].queue)
}

func TestHandlePaymentSucceededConsumesHeldStock(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	created := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), created))

	paid := makeEnvelope(t, events.PaymentSucceeded, events.PaymentSucceededPayload{BookingID: "b-1"})
	assert.Equal(t, consumer.Success, f.svc.HandlePaymentSucceeded(context.Background(), paid))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(0), item.Available, "sold stock never returns to available")
	assert.Equal(t, int64(0), item.Reserved, "confirmation consumes the hold")

	res, _ := f.repo.FindReservationByBooking(context.Background(), "b-1")
	assert.Equal(t, domain.ReservationConfirmed, res.Status)
	assert.Len(t, f.outbox.entries, 1, "confirmation emits nothing")
}

func TestHandlePaymentSucceededDuplicateAcks(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	created := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), created))

	paid := makeEnvelope(t, events.PaymentSucceeded, events.PaymentSucceededPayload{BookingID: "b-1"})
	require.Equal(t, consumer.Success, f.svc.HandlePaymentSucceeded(context.Background(), paid))
	assert.Equal(t, consumer.Success, f.svc.HandlePaymentSucceeded(context.Background(), paid))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(0), item.Reserved, "the duplicate must not double-consume")
}

func TestHandlePaymentFailedFinalReleasesStock(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	created := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), created))

	failed := makeEnvelope(t, events.PaymentFailed, events.PaymentFailedPayload{BookingID: "b-1", Final: true, Reason: "declined"})
	assert.Equal(t, consumer.Success, f.svc.HandlePaymentFailed(context.Background(), failed))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(1), item.Available, "stock returns to the pool")
	assert.Equal(t, int64(0), item.Reserved)

	res, _ := f.repo.FindReservationByBooking(context.Background(), "b-1")
	assert.Equal(t, domain.ReservationReleased, res.Status)

	require.Len(t, f.outbox.entries, 2)
	assert.Equal(t, "inventory_released", f.outbox.entries[1].queue)
}

func TestHandlePaymentFailedNonFinalKeepsHold(t *testing.T) {
	f := newInvFixture(t, 15*time.Minute)
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	created := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), created))

	failed := makeEnvelope(t, events.PaymentFailed, events.PaymentFailedPayload{BookingID: "b-1", Final: false, Reason: "declined", AttemptCount: 1})
	assert.Equal(t, consumer.Success, f.svc.HandlePaymentFailed(context.Background(), failed))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(1), item.Reserved, "stock stays held while payment retries")
}

func TestSweepExpiredReleasesOverdueReservations(t *testing.T) {
	f := newInvFixture(t, -time.Minute) // every reservation is born expired
	f.repo.addItem("ROOM-101", 1, 1)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	created := makeEnvelope(t, events.BookingCreated, events.BookingCreatedPayload{BookingID: "b-1", ItemRef: "ROOM-101", Qty: 1})
	require.Equal(t, consumer.Success, f.svc.HandleBookingCreated(context.Background(), created))

	require.NoError(t, f.svc.SweepExpired(context.Background()))

	item := f.repo.items["ROOM-101"]
	assert.Equal(t, int64(1), item.Available, "the sweeper recovers stock even when PaymentFailed is lost")
	assert.Equal(t, int64(0), item.Reserved)

	require.Len(t, f.outbox.entries, 2)
	assert.Equal(t, "inventory_released", f.outbox.entries[1].queue)

	// A second sweep finds nothing to do.
	require.NoError(t, f.svc.SweepExpired(context.Background()))
	assert.Len(t, f.outbox.entries, 2)
}
