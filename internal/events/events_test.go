package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

func TestNewCancelledEvent(t *testing.T) {
	slotAt := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	at := time.Date(2026, 4, 30, 12, 31, 0, 0, time.FixedZone("CET", 3600))
	r := model.Reservation{
		ID:            "r1",
		RoomID:        "room-1",
		RoomName:      "Asylum",
		SlotID:        "slot-1",
		SlotStartsAt:  slotAt,
		CustomerName:  "Ana",
		CustomerEmail: "ana@example.com",
		ExpiresAt:     at.Add(-time.Minute),
	}

	ev := NewCancelledEvent(r, at)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeReservationCancelled, got["type"])
	assert.Equal(t, "r1", got["reservation_id"])
	assert.Equal(t, "Asylum", got["room_name"])
	assert.Equal(t, "slot-1", got["slot_id"])
	assert.Equal(t, "2026-05-01T20:00:00Z", got["slot_starts_at"])
	assert.Equal(t, "2026-04-30T11:31:00Z", got["cancelled_at"])
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishCancelled(context.Background(), model.Reservation{}, time.Now()))
	p.Close()
}
