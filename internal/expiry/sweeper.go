// Package expiry cancels pending reservations whose payment window has passed
// and releases their time slots.
//
// A Sweeper runs one sweep at a time: select every expired candidate, then
// cancel each one in its own store transaction. A failure on one candidate is
// logged and counted but never stops the others. A sweep requested while
// another is running is dropped, not queued; the next one re-selects
// everything still expired, so nothing is lost.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/events"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("expiry sweep already running")

// ErrSelectorFailure wraps store errors that abort a whole sweep.
var ErrSelectorFailure = errors.New("select expired reservations")

// Store is the part of the reservation store a sweep needs.
type Store interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	CancelExpired(ctx context.Context, id string, now time.Time) (model.Cancellation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
}

// Options tunes a Sweeper. Zero values are usable.
type Options struct {
	// BatchSize caps candidates per sweep; 0 means no cap.
	BatchSize int
	// Concurrency is how many candidates are cancelled in parallel (min 1).
	Concurrency int
	// MaxPerSecond throttles cancellations; 0 disables the throttle.
	MaxPerSecond float64
	// ItemTimeout bounds one cancellation transaction; 0 means no bound.
	ItemTimeout time.Duration

	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Sweeper is the run coordinator for expiry sweeps.
type Sweeper struct {
	store   Store
	log     logx.Logger
	opt     Options
	limiter *rate.Limiter

	running atomic.Bool

	mu   sync.Mutex
	last *model.Summary
}

// New constructs a Sweeper.
func New(store Store, log logx.Logger, opt Options) *Sweeper {
	if opt.Concurrency < 1 {
		opt.Concurrency = 1
	}
	if opt.Publisher == nil {
		opt.Publisher = events.Nop{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	s := &Sweeper{
		store: store,
		log:   log.With(logx.String("comp", "expiry")),
		opt:   opt,
	}
	if opt.MaxPerSecond > 0 {
		burst := max(int(opt.MaxPerSecond), 1)
		s.limiter = rate.NewLimiter(rate.Limit(opt.MaxPerSecond), burst)
	}
	return s
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Wait blocks until no sweep is running or ctx ends. Manual sweeps are not
// tracked by the worker, so shutdown calls Wait before the store is closed.
func (s *Sweeper) Wait(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// LastSummary returns the summary of the last completed sweep.
func (s *Sweeper) LastSummary() (model.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return model.Summary{}, false
	}
	return *s.last, true
}

// Sweep runs one expiry sweep. It returns ErrSweepInProgress without doing any
// work when another sweep holds the lock, and an error wrapping
// ErrSelectorFailure when candidates cannot be selected. Per-candidate
// failures only show up in the summary.
func (s *Sweeper) Sweep(ctx context.Context) (model.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("sweep already running, tick skipped")
		s.opt.Metrics.SweepSkipped()
		return model.Summary{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	began := time.Now()
	now := s.opt.Now()
	sum := model.Summary{RunID: uuid.NewString(), StartedAt: now}
	log := s.log.With(logx.String("run_id", sum.RunID))
	log.Debug("sweep started", logx.Time("now", now))

	ids, err := s.store.ListExpired(ctx, now, s.opt.BatchSize)
	if err != nil {
		log.Error("sweep aborted: cannot select expired reservations", logx.Err(err))
		s.opt.Metrics.SweepFailed()
		return sum, fmt.Errorf("%w: %w", ErrSelectorFailure, err)
	}
	sum.Candidates = len(ids)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opt.Concurrency)
	for i, id := range ids {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				log.Warn("sweep interrupted, remaining candidates left for next sweep",
					logx.Int("remaining", len(ids)-i),
					logx.Err(err),
				)
				break
			}
		}
		id := id
		g.Go(func() error {
			c := s.cancelOne(ctx, log, id, now)
			mu.Lock()
			sum.Add(c.Outcome)
			if c.SlotMismatch {
				sum.SlotMismatches++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = time.Since(began)
	s.mu.Lock()
	last := sum
	s.last = &last
	s.mu.Unlock()
	s.opt.Metrics.SweepFinished(sum)

	fields := []logx.Field{
		logx.Int("candidates", sum.Candidates),
		logx.Int("cancelled", sum.Cancelled),
		logx.Int("already_resolved", sum.AlreadyResolved),
		logx.Int("failed", sum.Failed),
		logx.Int("slot_mismatches", sum.SlotMismatches),
		logx.Duration("took", sum.Duration),
	}
	if sum.Candidates == 0 {
		log.Debug("no expired reservations found", fields...)
	} else {
		log.Info("sweep finished", fields...)
	}
	return sum, nil
}

// cancelOne runs the cancellation transaction for one candidate and turns
// every error, including a panic, into a failed outcome.
func (s *Sweeper) cancelOne(ctx context.Context, log logx.Logger, id string, now time.Time) (out model.Cancellation) {
	log = log.With(logx.String("reservation_id", id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("failed to cancel expired reservation", logx.Any("panic", r))
			out = model.Cancellation{Outcome: model.OutcomeFailed}
		}
	}()

	if s.opt.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opt.ItemTimeout)
		defer cancel()
	}

	c, err := s.store.CancelExpired(ctx, id, now)
	if err != nil {
		log.Error("failed to cancel expired reservation", logx.Err(err))
		return model.Cancellation{Outcome: model.OutcomeFailed}
	}

	switch c.Outcome {
	case model.OutcomeAlreadyResolved:
		log.Debug("reservation already resolved, skipped", logx.String("status", string(c.Reservation.Status)))
	case model.OutcomeCancelled:
		r := c.Reservation
		if c.SlotMismatch {
			log.Warn("slot claimed by another reservation, left untouched",
				logx.String("slot_id", r.SlotID),
				logx.String("slot_reservation_id", c.SlotReservationID),
			)
		}
		log.Info("cancelled expired reservation",
			logx.String("customer_name", r.CustomerName),
			logx.String("customer_email", r.CustomerEmail),
			logx.String("room", r.RoomName),
			logx.String("slot_id", r.SlotID),
			logx.Time("slot_starts_at", r.SlotStartsAt),
			logx.Time("expired_at", r.ExpiresAt),
		)
		if err := s.opt.Publisher.PublishCancelled(ctx, r, now); err != nil {
			log.Warn("failed to publish cancellation event", logx.Err(err))
		}
	default:
		log.Error("unexpected cancellation outcome", logx.String("outcome", string(c.Outcome)))
		c.Outcome = model.OutcomeFailed
	}
	return c
}

// Preview lists what the next sweep would cancel without changing anything.
func (s *Sweeper) Preview(ctx context.Context) ([]model.Reservation, error) {
	ids, err := s.store.ListExpired(ctx, s.opt.Now(), s.opt.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSelectorFailure, err)
	}
	out := make([]model.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("get reservation %s: %w", id, err)
		}
		out = append(out, *r)
	}
	return out, nil
}
