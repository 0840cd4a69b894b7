// Package repository implements reservation and time slot persistence.
//
// Two stores share one contract: PostgresStore (pgx, row locks with
// SELECT ... FOR UPDATE) for production and SQLiteStore (database/sql,
// guarded conditional updates) for single-node setups and tests.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/config"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/database"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

// Store is everything the expiry worker, the ops API and the booking flow need
// from persistence.
type Store interface {
	// ListExpired returns ids of pending reservations whose deadline is before
	// now, oldest deadline first. limit <= 0 means no limit.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// CancelExpired cancels one expired reservation and releases its slot in a
	// single transaction.
	CancelExpired(ctx context.Context, id string, now time.Time) (model.Cancellation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)

	AddRoom(ctx context.Context, name string) (string, error)
	AddSlot(ctx context.Context, roomID string, startsAt time.Time) (*model.TimeSlot, error)
	GetSlot(ctx context.Context, id string) (*model.TimeSlot, error)
	// Reserve books a slot as a pending reservation expiring after the store's
	// grace window.
	Reserve(ctx context.Context, req model.ReserveRequest, now time.Time) (*model.Reservation, error)
	MarkPaid(ctx context.Context, id string) error

	Inconsistencies(ctx context.Context) ([]model.Inconsistency, error)
	Close()
}

// Open connects the store selected by cfg.Driver. grace is the payment window
// given to reservations created through the store.
func Open(ctx context.Context, cfg config.StoreConfig, grace time.Duration, log logx.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool, grace), nil
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := NewSQLiteStore(ctx, db, grace)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func graceOrDefault(grace time.Duration) time.Duration {
	if grace <= 0 {
		return model.DefaultGraceWindow
	}
	return grace
}

// inconsistenciesQuery lists slots whose status disagrees with their
// reservations. It is plain SQL understood by both drivers.
const inconsistenciesQuery = `
SELECT ts.id, COALESCE(ts.reservation_id, ''),
       CASE WHEN r.id IS NULL THEN 'reserved slot has no reservation'
            ELSE 'reserved slot held by ' || r.status || ' reservation' END
FROM time_slots ts
LEFT JOIN reservations r ON r.id = ts.reservation_id
WHERE ts.status = 'reserved'
  AND (r.id IS NULL OR r.status NOT IN ('pending', 'paid'))
UNION ALL
SELECT r.slot_id, r.id, 'live reservation does not hold its slot'
FROM reservations r
JOIN time_slots ts ON ts.id = r.slot_id
WHERE r.status IN ('pending', 'paid')
  AND (ts.status <> 'reserved' OR ts.reservation_id IS NULL OR ts.reservation_id <> r.id)
ORDER BY 1, 2`
