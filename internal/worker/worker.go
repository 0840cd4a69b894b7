// Package worker hosts the periodic expiry sweep.
//
// A Host owns one cron trigger. It is created by the process entry point and
// either started in the background next to the ops HTTP server (embedded mode)
// or run in the foreground by the dedicated worker binary. Only one Host may
// run against a given store: deployments that run the dedicated worker must
// disable the embedded one (worker.embedded: false). The Host does not check
// this across processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/expiry"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

// ErrRegisterTrigger is returned by Start when the trigger cannot be registered.
var ErrRegisterTrigger = errors.New("register expiry trigger")

// Sweeper runs one expiry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (model.Summary, error)
}

// Config identifies and paces the job.
type Config struct {
	JobID    string
	Interval time.Duration
	// Schedule is an optional cron expression ("*/2 * * * *", "@hourly").
	// When set it replaces Interval.
	Schedule   string
	RunOnStart bool
}

// Host owns the cron trigger that runs expiry sweeps. The zero value is not
// usable; construct it with New.
type Host struct {
	cfg     Config
	sweeper Sweeper
	log     logx.Logger

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID

	// startRuns tracks the RunOnStart sweep, which cron does not track.
	startRuns sync.WaitGroup
}

// New constructs a Host. Nothing runs until Start or Run.
func New(cfg Config, sweeper Sweeper, log logx.Logger) *Host {
	return &Host{
		cfg:     cfg,
		sweeper: sweeper,
		log:     log.With(logx.String("comp", "worker"), logx.String("job_id", cfg.JobID)),
	}
}

// every fires at a fixed interval; unlike cron.Every it keeps sub-second
// precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Start registers the trigger and returns immediately. Sweeps run on a context
// detached from ctx's cancellation so that shutting down never aborts a
// cancellation transaction half way; use Stop to drain them.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil {
		return nil
	}

	// Overlapping ticks still reach the Sweeper, whose lock drops them and
	// counts them as skipped.
	clog := cronLogger{log: h.log}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)

	jobCtx := context.WithoutCancel(ctx)
	job := cron.FuncJob(func() { h.runSweep(jobCtx) })

	var (
		id  cron.EntryID
		err error
	)
	switch {
	case strings.TrimSpace(h.cfg.Schedule) != "":
		id, err = c.AddJob(h.cfg.Schedule, job)
	case h.cfg.Interval > 0:
		id = c.Schedule(every(h.cfg.Interval), job)
	default:
		err = fmt.Errorf("interval must be > 0, got %s", h.cfg.Interval)
	}
	if err != nil {
		h.log.Error("failed to register expiry trigger", logx.Err(err))
		return fmt.Errorf("%w %q: %w", ErrRegisterTrigger, h.cfg.JobID, err)
	}

	h.c = c
	h.entry = id
	c.Start()

	if h.cfg.RunOnStart {
		wrapped := c.Entry(id).WrappedJob
		h.startRuns.Add(1)
		go func() {
			defer h.startRuns.Done()
			wrapped.Run()
		}()
	}

	h.log.Info("expiry worker started",
		logx.Duration("interval", h.cfg.Interval),
		logx.String("schedule", h.cfg.Schedule),
		logx.Time("next_run", c.Entry(id).Next),
	)
	return nil
}

// Run starts the Host and blocks until ctx is cancelled, then stops it,
// waiting up to stopTimeout for an in-flight sweep.
func (h *Host) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return h.Stop(stopCtx)
}

// Stop deregisters the trigger so no new sweep begins, then waits for a sweep
// already in progress to finish or for ctx to expire, whichever is first.
// Stopping a Host that is not running is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	c, id := h.c, h.entry
	h.c = nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}

	c.Remove(id)
	cronDone := c.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		h.startRuns.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("expiry worker stopped")
		return nil
	case <-ctx.Done():
		h.log.Warn("expiry worker stop timed out, sweep still running", logx.Err(ctx.Err()))
		return fmt.Errorf("wait for in-flight sweep: %w", ctx.Err())
	}
}

// Running reports whether the trigger is registered.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c != nil
}

// Next returns the next scheduled fire time, or the zero time when stopped.
func (h *Host) Next() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c == nil {
		return time.Time{}
	}
	return h.c.Entry(h.entry).Next
}

func (h *Host) runSweep(ctx context.Context) {
	_, err := h.sweeper.Sweep(ctx)
	switch {
	case err == nil:
	case errors.Is(err, expiry.ErrSweepInProgress):
		h.log.Debug("tick dropped, sweep in progress")
	default:
		// The sweeper has already logged the cause; the next tick retries.
		h.log.Debug("sweep ended with error", logx.Err(err))
	}
}

// cronLogger routes cron's own logging into logx. Cron's info lines fire on
// every tick so they go to debug.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(key, kv[i+1]))
	}
	return out
}
