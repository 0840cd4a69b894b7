// Package model defines the core domain types for escape room reservations.
package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrSlotUnavailable is returned when a slot is already claimed by another reservation.
var ErrSlotUnavailable = errors.New("time slot is not available")

// ErrNotPending is returned when a reservation is no longer awaiting payment.
var ErrNotPending = errors.New("reservation is not pending")

// DefaultGraceWindow is how long a reservation stays pending before it expires.
const DefaultGraceWindow = 30 * time.Minute

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusPaid      ReservationStatus = "paid"
	StatusCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// SlotStatus is the booking state of a time slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotReserved  SlotStatus = "reserved"
)

// TimeSlot is a bookable time range in one room.
type TimeSlot struct {
	ID            string     `json:"id"`
	RoomID        string     `json:"room_id"`
	StartsAt      time.Time  `json:"starts_at"`
	Status        SlotStatus `json:"status"`
	ReservationID string     `json:"reservation_id,omitempty"`
}

// Reservation holds a slot for a customer until it is paid or expires.
type Reservation struct {
	ID            string            `json:"id"`
	RoomID        string            `json:"room_id"`
	RoomName      string            `json:"room_name"`
	SlotID        string            `json:"slot_id"`
	SlotStartsAt  time.Time         `json:"slot_starts_at"`
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email"`
	CustomerPhone string            `json:"customer_phone"`
	NumPeople     int               `json:"num_people"`
	TotalPrice    float64           `json:"total_price"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// IsExpired reports whether the reservation is still pending past its deadline.
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// ReserveRequest is the payload the booking flow uses to claim a slot.
type ReserveRequest struct {
	SlotID        string `json:"slot_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	NumPeople     int    `json:"num_people"`
}

// TotalPrice returns the price for a party: 30 per person up to three people,
// 25 per person above that.
func (r ReserveRequest) TotalPrice() float64 {
	if r.NumPeople <= 3 {
		return float64(r.NumPeople) * 30
	}
	return float64(r.NumPeople) * 25
}

// Outcome is the result of one cancellation attempt.
type Outcome string

const (
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeFailed          Outcome = "failed"
)

// Cancellation reports what a single cancellation transaction did.
type Cancellation struct {
	Reservation Reservation
	Outcome     Outcome
	// SlotMismatch is set when the slot was claimed by a different reservation
	// and was therefore left untouched.
	SlotMismatch      bool
	SlotReservationID string
}

// Summary counts the outcomes of one sweep.
type Summary struct {
	RunID           string        `json:"run_id"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration_ns"`
	Candidates      int           `json:"candidates"`
	Cancelled       int           `json:"cancelled"`
	AlreadyResolved int           `json:"already_resolved"`
	Failed          int           `json:"failed"`
	SlotMismatches  int           `json:"slot_mismatches"`
}

// Add records one outcome.
func (s *Summary) Add(o Outcome) {
	switch o {
	case OutcomeCancelled:
		s.Cancelled++
	case OutcomeAlreadyResolved:
		s.AlreadyResolved++
	default:
		s.Failed++
	}
}

// Inconsistency describes a reservation/slot pair that breaks the
// reserved-iff-live-reservation rule.
type Inconsistency struct {
	SlotID        string `json:"slot_id"`
	ReservationID string `json:"reservation_id,omitempty"`
	Problem       string `json:"problem"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
