package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore keeps reservations in a local SQLite database.
//
// SQLite has no row locks; a write transaction holds the database lock from its
// first write, so every state change below is a conditional UPDATE whose
// affected-row count tells us whether the expected precondition still held.
type SQLiteStore struct {
	db    *sql.DB
	grace time.Duration
}

// NewSQLiteStore wraps db and creates the schema if needed. grace is the
// payment window Reserve gives new reservations; <= 0 means
// model.DefaultGraceWindow.
func NewSQLiteStore(ctx context.Context, db *sql.DB, grace time.Duration) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, grace: graceOrDefault(grace)}, nil
}

func (s *SQLiteStore) Close() { _ = s.db.Close() }

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getReservation(ctx context.Context, q querier, id string) (*model.Reservation, error) {
	var (
		r                          model.Reservation
		slotAt, created, expiresAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT r.id, r.room_id, rm.name, r.slot_id, ts.starts_at,
		        r.customer_name, r.customer_email, r.customer_phone,
		        r.num_people, r.total_price, r.status, r.created_at, r.expires_at
		 FROM reservations r
		 JOIN time_slots ts ON ts.id = r.slot_id
		 JOIN rooms rm ON rm.id = r.room_id
		 WHERE r.id = ?`,
		id,
	).Scan(
		&r.ID, &r.RoomID, &r.RoomName, &r.SlotID, &slotAt,
		&r.CustomerName, &r.CustomerEmail, &r.CustomerPhone,
		&r.NumPeople, &r.TotalPrice, &r.Status, &created, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.SlotStartsAt = fromMillis(slotAt)
	r.CreatedAt = fromMillis(created)
	r.ExpiresAt = fromMillis(expiresAt)
	return &r, nil
}

// ListExpired selects candidates with a single statement.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM reservations
		 WHERE status = 'pending' AND expires_at < ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelExpired cancels one reservation and releases its slot atomically.
func (s *SQLiteStore) CancelExpired(ctx context.Context, id string, now time.Time) (model.Cancellation, error) {
	var out model.Cancellation

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Guarded write first: it takes the write lock and re-checks the status in
	// one step.
	result, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'cancelled'
		 WHERE id = ? AND status = 'pending' AND expires_at < ?`,
		id, toMillis(now),
	)
	if err != nil {
		return out, fmt.Errorf("cancel reservation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return out, fmt.Errorf("cancel reservation %s: %w", id, err)
	}

	res, err := s.getReservation(ctx, tx, id)
	if err != nil {
		return out, fmt.Errorf("reload reservation %s: %w", id, err)
	}
	out.Reservation = *res

	if n == 0 {
		out.Outcome = model.OutcomeAlreadyResolved
		return out, nil
	}

	var holder sql.NullString
	if err = tx.QueryRowContext(ctx,
		`SELECT reservation_id FROM time_slots WHERE id = ?`,
		res.SlotID,
	).Scan(&holder); err != nil {
		return out, fmt.Errorf("read slot %s: %w", res.SlotID, err)
	}

	if holder.Valid && holder.String == id {
		if _, err = tx.ExecContext(ctx,
			`UPDATE time_slots SET status = 'available', reservation_id = NULL
			 WHERE id = ? AND reservation_id = ?`,
			res.SlotID, id,
		); err != nil {
			return out, fmt.Errorf("release slot %s: %w", res.SlotID, err)
		}
	} else {
		out.SlotMismatch = true
		out.SlotReservationID = holder.String
	}

	if err = tx.Commit(); err != nil {
		return out, fmt.Errorf("commit transaction: %w", err)
	}
	out.Outcome = model.OutcomeCancelled
	return out, nil
}

// Get returns a single reservation or model.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Reservation, error) {
	return s.getReservation(ctx, s.db, id)
}

// AddRoom inserts a room and returns its id.
func (s *SQLiteStore) AddRoom(ctx context.Context, name string) (string, error) {
	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO rooms (id, name) VALUES (?, ?)`, id, name); err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}
	return id, nil
}

// AddSlot inserts an available slot for a room.
func (s *SQLiteStore) AddSlot(ctx context.Context, roomID string, startsAt time.Time) (*model.TimeSlot, error) {
	slot := &model.TimeSlot{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		StartsAt: fromMillis(toMillis(startsAt)),
		Status:   model.SlotAvailable,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO time_slots (id, room_id, starts_at, status) VALUES (?, ?, ?, ?)`,
		slot.ID, slot.RoomID, toMillis(slot.StartsAt), string(slot.Status),
	); err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	return slot, nil
}

// GetSlot returns a single slot or model.ErrNotFound.
func (s *SQLiteStore) GetSlot(ctx context.Context, id string) (*model.TimeSlot, error) {
	var (
		slot     model.TimeSlot
		startsAt int64
		holder   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, starts_at, status, reservation_id FROM time_slots WHERE id = ?`,
		id,
	).Scan(&slot.ID, &slot.RoomID, &startsAt, &slot.Status, &holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	slot.StartsAt = fromMillis(startsAt)
	slot.ReservationID = holder.String
	return &slot, nil
}

// Reserve claims an available slot and creates a pending reservation for it
// that expires after the store's grace window.
func (s *SQLiteStore) Reserve(ctx context.Context, req model.ReserveRequest, now time.Time) (*model.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now = fromMillis(toMillis(now))
	id := uuid.New().String()

	result, err := tx.ExecContext(ctx,
		`UPDATE time_slots SET status = 'reserved', reservation_id = ?
		 WHERE id = ? AND status = 'available'`,
		id, req.SlotID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	} else if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_slots WHERE id = ?`, req.SlotID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check slot: %w", err)
		}
		if exists == 0 {
			return nil, model.ErrNotFound
		}
		return nil, model.ErrSlotUnavailable
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO reservations
		   (id, room_id, slot_id, customer_name, customer_email, customer_phone,
		    num_people, total_price, status, created_at, expires_at)
		 SELECT ?, room_id, id, ?, ?, ?, ?, ?, 'pending', ?, ?
		 FROM time_slots WHERE id = ?`,
		id, req.CustomerName, req.CustomerEmail, req.CustomerPhone,
		req.NumPeople, req.TotalPrice(), toMillis(now), toMillis(now.Add(s.grace)),
		req.SlotID,
	); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	res, err := s.getReservation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

// MarkPaid moves a pending reservation to paid. It never touches a cancelled one.
func (s *SQLiteStore) MarkPaid(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET status = 'paid' WHERE id = ? AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return model.ErrNotPending
	}
	return nil
}

// Inconsistencies reports slot/reservation pairs that disagree.
func (s *SQLiteStore) Inconsistencies(ctx context.Context) ([]model.Inconsistency, error) {
	rows, err := s.db.QueryContext(ctx, inconsistenciesQuery)
	if err != nil {
		return nil, fmt.Errorf("check consistency: %w", err)
	}
	defer rows.Close()

	var out []model.Inconsistency
	for rows.Next() {
		var in model.Inconsistency
		if err := rows.Scan(&in.SlotID, &in.ReservationID, &in.Problem); err != nil {
			return nil, fmt.Errorf("scan inconsistency: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
