package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// fakeStore is an in-memory reservation store with fault injection hooks.
type fakeStore struct {
	mu           sync.Mutex
	reservations map[string]*model.Reservation
	slots        map[string]*model.TimeSlot

	listErr     error
	listCalls   atomic.Int32
	cancelErr   map[string]error
	beforeLock  func(id string) // runs before the transaction takes its lock
	cancelPanic string
	hangOn      string // CancelExpired for this id waits for its context to end
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reservations: map[string]*model.Reservation{},
		slots:        map[string]*model.TimeSlot{},
		cancelErr:    map[string]error{},
	}
}

// reserve creates a pending reservation at created holding a fresh slot.
func (f *fakeStore) reserve(id string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slotID := "slot-" + id
	f.slots[slotID] = &model.TimeSlot{ID: slotID, Status: model.SlotReserved, ReservationID: id}
	f.reservations[id] = &model.Reservation{
		ID:            id,
		SlotID:        slotID,
		RoomName:      "Asylum",
		CustomerName:  "Customer " + id,
		CustomerEmail: id + "@example.com",
		Status:        model.StatusPending,
		CreatedAt:     created,
		ExpiresAt:     created.Add(model.DefaultGraceWindow),
	}
}

func (f *fakeStore) markPaid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.reservations[id]; r.Status == model.StatusPending {
		r.Status = model.StatusPaid
	}
}

func (f *fakeStore) status(id string) (model.ReservationStatus, model.SlotStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reservations[id]
	return r.Status, f.slots[r.SlotID].Status
}

func (f *fakeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, r := range f.reservations {
		if r.Status == model.StatusPending && r.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) CancelExpired(ctx context.Context, id string, now time.Time) (model.Cancellation, error) {
	if id == f.hangOn {
		<-ctx.Done()
		return model.Cancellation{}, ctx.Err()
	}
	if f.beforeLock != nil {
		f.beforeLock(id)
	}
	if id == f.cancelPanic {
		panic("driver exploded")
	}
	if err := f.cancelErr[id]; err != nil {
		return model.Cancellation{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return model.Cancellation{}, model.ErrNotFound
	}
	if !r.IsExpired(now) {
		return model.Cancellation{Reservation: *r, Outcome: model.OutcomeAlreadyResolved}, nil
	}
	r.Status = model.StatusCancelled
	out := model.Cancellation{Reservation: *r, Outcome: model.OutcomeCancelled}
	slot := f.slots[r.SlotID]
	if slot.ReservationID == id {
		slot.Status = model.SlotAvailable
		slot.ReservationID = ""
	} else {
		out.SlotMismatch = true
		out.SlotReservationID = slot.ReservationID
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) PublishCancelled(_ context.Context, r model.Reservation, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, r.ID)
	return p.err
}

func (p *recordingPublisher) Close() {}

func newSweeper(store Store, now time.Time, opt Options) *Sweeper {
	opt.Now = func() time.Time { return now }
	if opt.Metrics == nil {
		opt.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return New(store, logx.Nop(), opt)
}

func TestSweep_CancelsExpiredAndReleasesSlot(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)

	sum, err := newSweeper(store, t0.Add(31*time.Minute), Options{}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Candidates)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Zero(t, sum.Failed)
	rs, ss := store.status("r1")
	assert.Equal(t, model.StatusCancelled, rs)
	assert.Equal(t, model.SlotAvailable, ss)
}

func TestSweep_PaidReservationUntouched(t *testing.T) {
	store := newFakeStore()
	store.reserve("r2", t0)
	store.markPaid("r2")

	sum, err := newSweeper(store, t0.Add(31*time.Minute), Options{}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.Candidates)
	assert.Zero(t, sum.Cancelled)
	rs, ss := store.status("r2")
	assert.Equal(t, model.StatusPaid, rs)
	assert.Equal(t, model.SlotReserved, ss)
}

func TestSweep_NotYetExpiredIgnored(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)

	sum, err := newSweeper(store, t0.Add(29*time.Minute), Options{}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.Candidates)
	rs, _ := store.status("r1")
	assert.Equal(t, model.StatusPending, rs)
}

func TestSweep_ForcedStoreErrorRetriedNextSweep(t *testing.T) {
	store := newFakeStore()
	store.reserve("r3", t0)
	store.cancelErr["r3"] = errors.New("could not serialize access")
	s := newSweeper(store, t0.Add(31*time.Minute), Options{})

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Cancelled)
	rs, ss := store.status("r3")
	assert.Equal(t, model.StatusPending, rs)
	assert.Equal(t, model.SlotReserved, ss)

	delete(store.cancelErr, "r3")
	sum, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Zero(t, sum.Failed)
	rs, ss = store.status("r3")
	assert.Equal(t, model.StatusCancelled, rs)
	assert.Equal(t, model.SlotAvailable, ss)
}

func TestSweep_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	store.reserve("r2", t0)
	s := newSweeper(store, t0.Add(time.Hour), Options{})

	first, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Cancelled)

	second, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Candidates)
	assert.Zero(t, second.Cancelled)
}

func TestSweep_PaymentWinsRaceAfterSelection(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	// Payment commits after the candidate was selected but before the
	// cancellation transaction re-checks the status.
	store.beforeLock = func(id string) { store.markPaid(id) }

	sum, err := newSweeper(store, t0.Add(31*time.Minute), Options{}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Candidates)
	assert.Equal(t, 1, sum.AlreadyResolved)
	assert.Zero(t, sum.Cancelled)
	assert.Zero(t, sum.Failed)
	rs, ss := store.status("r1")
	assert.Equal(t, model.StatusPaid, rs)
	assert.Equal(t, model.SlotReserved, ss)
}

func TestSweep_FailureIsolatedPerCandidate(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			store := newFakeStore()
			store.reserve("a", t0)
			store.reserve("b", t0)
			store.reserve("c", t0)
			store.cancelErr["a"] = errors.New("connection reset by peer")
			store.cancelPanic = "c"

			sum, err := newSweeper(store, t0.Add(time.Hour), Options{Concurrency: concurrency}).Sweep(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 3, sum.Candidates)
			assert.Equal(t, 1, sum.Cancelled)
			assert.Equal(t, 2, sum.Failed)
			rs, ss := store.status("b")
			assert.Equal(t, model.StatusCancelled, rs)
			assert.Equal(t, model.SlotAvailable, ss)
			rs, _ = store.status("a")
			assert.Equal(t, model.StatusPending, rs)
		})
	}
}

func TestSweep_ItemTimeoutFailsOnlyHungCandidate(t *testing.T) {
	store := newFakeStore()
	for _, id := range []string{"r1", "r2", "r3"} {
		store.reserve(id, t0)
	}
	store.hangOn = "r2"

	start := time.Now()
	sum, err := newSweeper(store, t0.Add(31*time.Minute), Options{
		Concurrency: 3,
		ItemTimeout: 20 * time.Millisecond,
	}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, 3, sum.Candidates)
	assert.Equal(t, 2, sum.Cancelled)
	assert.Equal(t, 1, sum.Failed)
	rs, ss := store.status("r2")
	assert.Equal(t, model.StatusPending, rs)
	assert.Equal(t, model.SlotReserved, ss)
	for _, id := range []string{"r1", "r3"} {
		rs, _ := store.status(id)
		assert.Equal(t, model.StatusCancelled, rs, id)
	}
}

func TestSweeper_WaitBlocksUntilSweepEnds(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	entered := make(chan struct{})
	release := make(chan struct{})
	store.beforeLock = func(string) {
		close(entered)
		<-release
	}
	s := newSweeper(store, t0.Add(31*time.Minute), Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Sweep(context.Background())
	}()
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
	assert.False(t, s.Running())
	<-done
}

func TestSweep_SlowSweepBlocksConcurrentTick(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)

	entered := make(chan struct{})
	release := make(chan struct{})
	store.beforeLock = func(string) {
		close(entered)
		<-release
	}
	s := newSweeper(store, t0.Add(time.Hour), Options{})

	done := make(chan model.Summary)
	go func() {
		sum, _ := s.Sweep(context.Background())
		done <- sum
	}()

	<-entered
	assert.True(t, s.Running())

	sum, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Zero(t, sum.Candidates)
	assert.Equal(t, int32(1), store.listCalls.Load(), "skipped tick must not query the store")

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Cancelled)
	assert.False(t, s.Running())
}

func TestSweep_SelectorFailureAbortsSweep(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	dbDown := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	store.listErr = dbDown
	s := newSweeper(store, t0.Add(time.Hour), Options{})

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelectorFailure)
	assert.ErrorIs(t, err, dbDown)
	_, ok := s.LastSummary()
	assert.False(t, ok)

	// The lock is released and the next tick recovers.
	store.listErr = nil
	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)
}

func TestSweep_SlotMismatchCountedNotFailed(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	store.slots["slot-r1"].ReservationID = "r9"

	sum, err := newSweeper(store, t0.Add(time.Hour), Options{}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, 1, sum.SlotMismatches)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, model.SlotReserved, store.slots["slot-r1"].Status)
	assert.Equal(t, "r9", store.slots["slot-r1"].ReservationID)
}

func TestSweep_BatchSize(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.reserve(fmt.Sprintf("r%d", i), t0)
	}
	s := newSweeper(store, t0.Add(time.Hour), Options{BatchSize: 3})

	first, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Cancelled)

	second, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Cancelled)
}

func TestSweep_PublishesCancelledOnly(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	store.reserve("r2", t0)
	store.beforeLock = func(id string) {
		if id == "r2" {
			store.markPaid(id)
		}
	}
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}

	sum, err := newSweeper(store, t0.Add(time.Hour), Options{Publisher: pub}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Cancelled, "publish errors do not fail the cancellation")
	assert.Equal(t, []string{"r1"}, pub.ids)
}

func TestSweep_Throttled(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	store.reserve("r2", t0)

	sum, err := newSweeper(store, t0.Add(time.Hour), Options{MaxPerSecond: 1000}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Cancelled)
}

func TestSweep_LastSummary(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	s := newSweeper(store, t0.Add(time.Hour), Options{})

	_, ok := s.LastSummary()
	assert.False(t, ok)

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)

	last, ok := s.LastSummary()
	require.True(t, ok)
	assert.Equal(t, sum.RunID, last.RunID)
	assert.Equal(t, t0.Add(time.Hour), last.StartedAt)
	assert.NotEmpty(t, last.RunID)
}

func TestPreview_DoesNotMutate(t *testing.T) {
	store := newFakeStore()
	store.reserve("r1", t0)
	store.reserve("r2", t0.Add(time.Hour))
	s := newSweeper(store, t0.Add(31*time.Minute), Options{})

	got, err := s.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	rs, ss := store.status("r1")
	assert.Equal(t, model.StatusPending, rs)
	assert.Equal(t, model.SlotReserved, ss)
}
