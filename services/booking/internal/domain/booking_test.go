package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingBooking() *Booking {
	return &Booking{ID: "b-1", UserID: "u-1", ItemRef: "ROOM-101", Amount: 500, Status: StatusPending, Version: 1}
}

func TestConfirmFromPending(t *testing.T) {
	b := pendingBooking()
	now := time.Now()

	require.NoError(t, b.Confirm(now))
	assert.Equal(t, StatusConfirmed, b.Status)
	require.NotNil(t, b.ConfirmedAt)
	assert.True(t, b.ConfirmedAt.Equal(now))
	assert.True(t, b.IsTerminal())
}

func TestConfirmIsIdempotent(t *testing.T) {
	b := pendingBooking()
	require.NoError(t, b.Confirm(time.Now()))
	first := b.ConfirmedAt

	require.NoError(t, b.Confirm(time.Now().Add(time.Hour)))
	assert.Equal(t, first, b.ConfirmedAt, "duplicate confirm must not move the timestamp")
}

func TestConfirmAfterCancelIsRejected(t *testing.T) {
	b := pendingBooking()
	require.NoError(t, b.Cancel("inventory: insufficient", time.Now()))

	assert.Error(t, b.Confirm(time.Now()))
	assert.Equal(t, StatusCancelled, b.Status, "terminal state must not change")
}

func TestCancelFromPending(t *testing.T) {
	b := pendingBooking()
	now := time.Now()

	require.NoError(t, b.Cancel("payment: declined", now))
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, "payment: declined", b.CancellationReason)
	require.NotNil(t, b.CancelledAt)
	assert.True(t, b.IsTerminal())
}

func TestCancelIsIdempotent(t *testing.T) {
	b := pendingBooking()
	require.NoError(t, b.Cancel("inventory: insufficient", time.Now()))

	require.NoError(t, b.Cancel("other reason", time.Now()))
	assert.Equal(t, "inventory: insufficient", b.CancellationReason, "duplicate cancel must not rewrite the reason")
}

func TestCancelAfterConfirmIsRejected(t *testing.T) {
	b := pendingBooking()
	require.NoError(t, b.Confirm(time.Now()))

	assert.Error(t, b.Cancel("late failure", time.Now()))
	assert.Equal(t, StatusConfirmed, b.Status)
}

func TestPendingIsNotTerminal(t *testing.T) {
	assert.False(t, pendingBooking().IsTerminal())
}
