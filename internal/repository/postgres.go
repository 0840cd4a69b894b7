package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore is the production store.
type PostgresStore struct {
	db    *pgxpool.Pool
	grace time.Duration
}

// NewPostgresStore constructs a PostgresStore. grace is the payment window
// Reserve gives new reservations; <= 0 means model.DefaultGraceWindow.
func NewPostgresStore(db *pgxpool.Pool, grace time.Duration) *PostgresStore {
	return &PostgresStore{db: db, grace: graceOrDefault(grace)}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.db.Close() }

const pgReservationColumns = `
	r.id, r.room_id, rm.name, r.slot_id, ts.starts_at,
	r.customer_name, r.customer_email, r.customer_phone,
	r.num_people, r.total_price, r.status, r.created_at, r.expires_at`

func scanPgReservation(row pgx.Row) (*model.Reservation, error) {
	var r model.Reservation
	err := row.Scan(
		&r.ID, &r.RoomID, &r.RoomName, &r.SlotID, &r.SlotStartsAt,
		&r.CustomerName, &r.CustomerEmail, &r.CustomerPhone,
		&r.NumPeople, &r.TotalPrice, &r.Status, &r.CreatedAt, &r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ListExpired runs as one statement, so every candidate comes from the same
// snapshot even under READ COMMITTED.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM reservations
		 WHERE status = 'pending' AND expires_at < $1
		 ORDER BY expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan expired reservation: %w", err)
	}
	return ids, nil
}

// CancelExpired performs the cancel-and-release inside one transaction.
//
// The reservation row is locked with SELECT ... FOR UPDATE before its status is
// re-checked, so a payment confirmation that commits first is always seen and a
// confirmation that arrives later blocks until this transaction finishes and
// then finds the row no longer pending.
func (s *PostgresStore) CancelExpired(ctx context.Context, id string, now time.Time) (model.Cancellation, error) {
	var out model.Cancellation

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := scanPgReservation(tx.QueryRow(ctx,
		`SELECT `+pgReservationColumns+`
		 FROM reservations r
		 JOIN time_slots ts ON ts.id = r.slot_id
		 JOIN rooms rm ON rm.id = r.room_id
		 WHERE r.id = $1
		 FOR UPDATE OF r`,
		id,
	))
	if err != nil {
		return out, fmt.Errorf("lock reservation %s: %w", id, err)
	}
	out.Reservation = *res

	if !res.IsExpired(now) {
		out.Outcome = model.OutcomeAlreadyResolved
		return out, nil
	}

	if _, err = tx.Exec(ctx,
		`UPDATE reservations SET status = 'cancelled' WHERE id = $1`,
		id,
	); err != nil {
		return out, fmt.Errorf("cancel reservation %s: %w", id, err)
	}

	var holder *string
	if err = tx.QueryRow(ctx,
		`SELECT reservation_id FROM time_slots WHERE id = $1 FOR UPDATE`,
		res.SlotID,
	).Scan(&holder); err != nil {
		return out, fmt.Errorf("lock slot %s: %w", res.SlotID, err)
	}

	if holder != nil && *holder == id {
		if _, err = tx.Exec(ctx,
			`UPDATE time_slots SET status = 'available', reservation_id = NULL WHERE id = $1`,
			res.SlotID,
		); err != nil {
			return out, fmt.Errorf("release slot %s: %w", res.SlotID, err)
		}
	} else {
		out.SlotMismatch = true
		if holder != nil {
			out.SlotReservationID = *holder
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("commit transaction: %w", err)
	}

	out.Reservation.Status = model.StatusCancelled
	out.Outcome = model.OutcomeCancelled
	return out, nil
}

// Get returns a single reservation or model.ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := scanPgReservation(s.db.QueryRow(ctx,
		`SELECT `+pgReservationColumns+`
		 FROM reservations r
		 JOIN time_slots ts ON ts.id = r.slot_id
		 JOIN rooms rm ON rm.id = r.room_id
		 WHERE r.id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// AddRoom inserts a room and returns its id.
func (s *PostgresStore) AddRoom(ctx context.Context, name string) (string, error) {
	id := uuid.New().String()
	if _, err := s.db.Exec(ctx, `INSERT INTO rooms (id, name) VALUES ($1, $2)`, id, name); err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}
	return id, nil
}

// AddSlot inserts an available slot for a room.
func (s *PostgresStore) AddSlot(ctx context.Context, roomID string, startsAt time.Time) (*model.TimeSlot, error) {
	slot := &model.TimeSlot{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		StartsAt: startsAt.UTC(),
		Status:   model.SlotAvailable,
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO time_slots (id, room_id, starts_at, status) VALUES ($1, $2, $3, $4)`,
		slot.ID, slot.RoomID, slot.StartsAt, slot.Status,
	); err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	return slot, nil
}

// GetSlot returns a single slot or model.ErrNotFound.
func (s *PostgresStore) GetSlot(ctx context.Context, id string) (*model.TimeSlot, error) {
	var (
		slot   model.TimeSlot
		holder *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, room_id, starts_at, status, reservation_id FROM time_slots WHERE id = $1`,
		id,
	).Scan(&slot.ID, &slot.RoomID, &slot.StartsAt, &slot.Status, &holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	if holder != nil {
		slot.ReservationID = *holder
	}
	return &slot, nil
}

// Reserve claims an available slot and creates a pending reservation for it.
// The slot row is locked so two concurrent bookings cannot both claim it.
func (s *PostgresStore) Reserve(ctx context.Context, req model.ReserveRequest, now time.Time) (*model.Reservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		slot     model.TimeSlot
		roomName string
	)
	err = tx.QueryRow(ctx,
		`SELECT ts.id, ts.room_id, ts.starts_at, ts.status, rm.name
		 FROM time_slots ts
		 JOIN rooms rm ON rm.id = ts.room_id
		 WHERE ts.id = $1
		 FOR UPDATE OF ts`,
		req.SlotID,
	).Scan(&slot.ID, &slot.RoomID, &slot.StartsAt, &slot.Status, &roomName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("lock slot: %w", err)
	}
	if slot.Status != model.SlotAvailable {
		return nil, model.ErrSlotUnavailable
	}

	now = now.UTC()
	res := &model.Reservation{
		ID:            uuid.New().String(),
		RoomID:        slot.RoomID,
		RoomName:      roomName,
		SlotID:        slot.ID,
		SlotStartsAt:  slot.StartsAt,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		NumPeople:     req.NumPeople,
		TotalPrice:    req.TotalPrice(),
		Status:        model.StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.grace),
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO reservations
		   (id, room_id, slot_id, customer_name, customer_email, customer_phone,
		    num_people, total_price, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.RoomID, res.SlotID, res.CustomerName, res.CustomerEmail, res.CustomerPhone,
		res.NumPeople, res.TotalPrice, res.Status, res.CreatedAt, res.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE time_slots SET status = 'reserved', reservation_id = $2 WHERE id = $1`,
		slot.ID, res.ID,
	); err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

// MarkPaid moves a pending reservation to paid. It never touches a cancelled one.
func (s *PostgresStore) MarkPaid(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE reservations SET status = 'paid' WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return model.ErrNotPending
	}
	return nil
}

// Inconsistencies reports slot/reservation pairs that disagree.
func (s *PostgresStore) Inconsistencies(ctx context.Context) ([]model.Inconsistency, error) {
	rows, err := s.db.Query(ctx, inconsistenciesQuery)
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
