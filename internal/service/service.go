// Package service sits between the ops HTTP handlers and the expiry sweeper
// and reservation store.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

// ErrInvalid marks a request rejected by validation.
var ErrInvalid = errors.New("invalid request")

// Sweeper is the part of expiry.Sweeper the service drives.
type Sweeper interface {
	Sweep(ctx context.Context) (model.Summary, error)
	Preview(ctx context.Context) ([]model.Reservation, error)
	LastSummary() (model.Summary, bool)
	Running() bool
}

// Store is the read side of the reservation store.
type Store interface {
	Get(ctx context.Context, id string) (*model.Reservation, error)
	Inconsistencies(ctx context.Context) ([]model.Inconsistency, error)
}

// ReservationService orchestrates sweeps and the read-only reservation
// queries the ops API exposes.
type ReservationService struct {
	sweeper Sweeper
	store   Store
}

// NewReservationService constructs a ReservationService.
func NewReservationService(sweeper Sweeper, store Store) *ReservationService {
	return &ReservationService{sweeper: sweeper, store: store}
}

// RunSweep runs one sweep now. It returns expiry.ErrSweepInProgress unchanged
// when the worker is already sweeping.
func (s *ReservationService) RunSweep(ctx context.Context) (model.Summary, error) {
	return s.sweeper.Sweep(ctx)
}

// LastSummary returns the most recent sweep summary, if any.
func (s *ReservationService) LastSummary() (model.Summary, bool) {
	return s.sweeper.LastSummary()
}

// SweepRunning reports whether a sweep is in progress.
func (s *ReservationService) SweepRunning() bool {
	return s.sweeper.Running()
}

// PreviewExpired lists what the next sweep would cancel.
func (s *ReservationService) PreviewExpired(ctx context.Context) ([]model.Reservation, error) {
	return s.sweeper.Preview(ctx)
}

// Inconsistencies reports slots whose status disagrees with their reservations.
func (s *ReservationService) Inconsistencies(ctx context.Context) ([]model.Inconsistency, error) {
	return s.store.Inconsistencies(ctx)
}

// GetReservation returns a single reservation by id.
func (s *ReservationService) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: reservation id is required", ErrInvalid)
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}
