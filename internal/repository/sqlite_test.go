package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/database"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", time.Second)
	require.NoError(t, err)
	st, err := NewSQLiteStore(context.Background(), db, model.DefaultGraceWindow)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// forceSlotHolder rewrites a slot's claimant directly, producing states the
// booking flow never does.
func (s *SQLiteStore) forceSlotHolder(ctx context.Context, slotID, reservationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE time_slots SET status = 'reserved', reservation_id = ? WHERE id = ?`,
		reservationID, slotID,
	)
	return err
}

// seedReservation books a fresh slot at created with a 30 minute grace window.
func seedReservation(t *testing.T, st *SQLiteStore, created time.Time) *model.Reservation {
	t.Helper()
	ctx := context.Background()
	roomID, err := st.AddRoom(ctx, "The Lost Temple")
	require.NoError(t, err)
	slot, err := st.AddSlot(ctx, roomID, created.Add(24*time.Hour))
	require.NoError(t, err)
	res, err := st.Reserve(ctx, model.ReserveRequest{
		SlotID:        slot.ID,
		CustomerName:  "Ana",
		CustomerEmail: "ana@example.com",
		CustomerPhone: "600000000",
		NumPeople:     4,
	}, created)
	require.NoError(t, err)
	return res
}

func TestReserve_ClaimsSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	res := seedReservation(t, st, t0)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.Equal(t, t0.Add(30*time.Minute), res.ExpiresAt)
	assert.Equal(t, "The Lost Temple", res.RoomName)
	assert.InDelta(t, 100.0, res.TotalPrice, 0.001)

	slot, err := st.GetSlot(ctx, res.SlotID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotReserved, slot.Status)
	assert.Equal(t, res.ID, slot.ReservationID)

	_, err = st.Reserve(ctx, model.ReserveRequest{SlotID: res.SlotID, CustomerName: "Bo", CustomerEmail: "bo@example.com", NumPeople: 2}, t0)
	assert.ErrorIs(t, err, model.ErrSlotUnavailable)

	_, err = st.Reserve(ctx, model.ReserveRequest{SlotID: "missing", CustomerName: "Bo", CustomerEmail: "bo@example.com", NumPeople: 2}, t0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListExpired_FiltersByStatusAndDeadline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	older := seedReservation(t, st, t0.Add(-time.Hour))
	expired := seedReservation(t, st, t0)
	paid := seedReservation(t, st, t0)
	require.NoError(t, st.MarkPaid(ctx, paid.ID))
	fresh := seedReservation(t, st, t0.Add(20*time.Minute))

	ids, err := st.ListExpired(ctx, t0.Add(31*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID, expired.ID}, ids)
	assert.NotContains(t, ids, fresh.ID)

	ids, err = st.ListExpired(ctx, t0.Add(31*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, ids)

	ids, err = st.ListExpired(ctx, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, ids)
}

func TestCancelExpired_ReleasesSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r1 := seedReservation(t, st, t0)

	got, err := st.CancelExpired(ctx, r1.ID, t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCancelled, got.Outcome)
	assert.False(t, got.SlotMismatch)
	assert.Equal(t, model.StatusCancelled, got.Reservation.Status)
	assert.Equal(t, "ana@example.com", got.Reservation.CustomerEmail)

	res, err := st.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Status)

	slot, err := st.GetSlot(ctx, r1.SlotID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotAvailable, slot.Status)
	assert.Empty(t, slot.ReservationID)

	again, err := st.CancelExpired(ctx, r1.ID, t0.Add(32*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyResolved, again.Outcome)
}

func TestCancelExpired_PaidWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r2 := seedReservation(t, st, t0)
	require.NoError(t, st.MarkPaid(ctx, r2.ID))

	got, err := st.CancelExpired(ctx, r2.ID, t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyResolved, got.Outcome)

	res, err := st.Get(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, res.Status)

	slot, err := st.GetSlot(ctx, r2.SlotID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotReserved, slot.Status)
	assert.Equal(t, r2.ID, slot.ReservationID)
}

func TestCancelExpired_NotYetExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := seedReservation(t, st, t0)

	got, err := st.CancelExpired(ctx, r.ID, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyResolved, got.Outcome)

	res, err := st.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Status)
}

func TestCancelExpired_SlotClaimedByOther(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := seedReservation(t, st, t0)
	require.NoError(t, st.forceSlotHolder(ctx, r.SlotID, "someone-else"))

	got, err := st.CancelExpired(ctx, r.ID, t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCancelled, got.Outcome)
	assert.True(t, got.SlotMismatch)
	assert.Equal(t, "someone-else", got.SlotReservationID)

	slot, err := st.GetSlot(ctx, r.SlotID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotReserved, slot.Status)
	assert.Equal(t, "someone-else", slot.ReservationID)
}

func TestCancelExpired_Unknown(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CancelExpired(context.Background(), "missing", t0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMarkPaid(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := seedReservation(t, st, t0)

	_, err := st.CancelExpired(ctx, r.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.ErrorIs(t, st.MarkPaid(ctx, r.ID), model.ErrNotPending)
	assert.ErrorIs(t, st.MarkPaid(ctx, "missing"), model.ErrNotFound)
}

func TestInconsistencies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	healthy := seedReservation(t, st, t0)
	broken := seedReservation(t, st, t0)
	require.NoError(t, st.forceSlotHolder(ctx, broken.SlotID, "ghost"))

	got, err := st.Inconsistencies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, in := range got {
		assert.Equal(t, broken.SlotID, in.SlotID)
		assert.NotEqual(t, healthy.SlotID, in.SlotID)
	}

	problems := []string{got[0].Problem, got[1].Problem}
	assert.Contains(t, problems, "reserved slot has no reservation")
	assert.Contains(t, problems, "live reservation does not hold its slot")
}
