// Package events publishes reservation lifecycle events for other services
// (notifications, analytics). Publishing is best effort: the reservation state
// in the store is the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

const TypeReservationCancelled = "reservation.cancelled"

// Publisher emits events about cancelled reservations.
type Publisher interface {
	PublishCancelled(ctx context.Context, r model.Reservation, at time.Time) error
	Close()
}

// CancelledEvent is the wire payload of a reservation.cancelled event.
type CancelledEvent struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservation_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	RoomID        string    `json:"room_id"`
	RoomName      string    `json:"room_name"`
	SlotID        string    `json:"slot_id"`
	SlotStartsAt  time.Time `json:"slot_starts_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

// NewCancelledEvent builds the payload for r cancelled at at.
func NewCancelledEvent(r model.Reservation, at time.Time) CancelledEvent {
	return CancelledEvent{
		Type:          TypeReservationCancelled,
		ReservationID: r.ID,
		CustomerName:  r.CustomerName,
		CustomerEmail: r.CustomerEmail,
		RoomID:        r.RoomID,
		RoomName:      r.RoomName,
		SlotID:        r.SlotID,
		SlotStartsAt:  r.SlotStartsAt,
		ExpiresAt:     r.ExpiresAt,
		CancelledAt:   at.UTC(),
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) PublishCancelled(context.Context, model.Reservation, time.Time) error { return nil }

func (Nop) Close() {}

// NATSPublisher publishes events as JSON on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. The connection reconnects on its own;
// publishes during an outage are buffered by the client.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("escape-room-expiry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) PublishCancelled(_ context.Context, r model.Reservation, at time.Time) error {
	data, err := json.Marshal(NewCancelledEvent(r, at))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Header.Set("Event-Type", TypeReservationCancelled)
	msg.Header.Set(nats.MsgIdHdr, r.ID)
	msg.Data = data
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.Drain()
}
