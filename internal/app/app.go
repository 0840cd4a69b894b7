// Package app wires configuration into the store, sweeper and worker shared
// by the ops server and the dedicated worker binary.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/config"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/events"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/expiry"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/repository"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/worker"
)

// App holds the dependencies shared by the ops server and cmd/worker.
type App struct {
	Config    *config.Config
	Log       logx.Logger
	Store     repository.Store
	Publisher events.Publisher
	Registry  *prometheus.Registry
	Sweeper   *expiry.Sweeper
}

// New connects the store and the optional NATS publisher and builds the
// sweeper. Callers must Close the App.
func New(ctx context.Context, cfg *config.Config, log logx.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Publisher: events.Nop{}}

	st, err := repository.Open(ctx, cfg.Store, cfg.Expiry.GraceWindow, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	log.Info("store connected", logx.String("driver", cfg.Store.Driver))

	if cfg.Events.NatsURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NatsURL, cfg.Events.Subject)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("events: %w", err)
		}
		a.Publisher = pub
		log.Info("publishing cancellation events", logx.String("subject", cfg.Events.Subject))
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Sweeper = expiry.New(st, log, expiry.Options{
		BatchSize:    cfg.Expiry.BatchSize,
		Concurrency:  cfg.Expiry.Concurrency,
		MaxPerSecond: cfg.Expiry.MaxPerSecond,
		ItemTimeout:  cfg.Expiry.ItemTimeout,
		Publisher:    a.Publisher,
		Metrics:      metrics.New(a.Registry),
	})
	return a, nil
}

// NewWorker builds the worker host for the configured trigger.
func (a *App) NewWorker() *worker.Host {
	w := a.Config.Worker
	return worker.New(worker.Config{
		JobID:      w.JobID,
		Interval:   w.Interval,
		Schedule:   w.Schedule,
		RunOnStart: w.RunOnStart,
	}, a.Sweeper, a.Log)
}

// Close releases the publisher and the store.
func (a *App) Close() {
	a.Publisher.Close()
	a.Store.Close()
}
