// cmd/main.go is the ops server entry point. It serves the operational API
// and, when worker.embedded is set, runs the expiry worker in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/app"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/config"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/handler"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/service"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logx.New(logx.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Error("ops server exited", logx.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Connect store and build the sweeper ───────────────────────────
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// ── 2. Embedded worker ───────────────────────────────────────────────
	var host *worker.Host
	if cfg.Worker.Embedded {
		host = a.NewWorker()
		if err := host.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Info("embedded worker disabled, expecting a dedicated worker process")
	}

	// ── 3. Build the router ──────────────────────────────────────────────
	svc := service.NewReservationService(a.Sweeper, a.Store)
	var status handler.WorkerStatus
	if host != nil {
		status = host
	}
	ops := handler.NewOpsHandler(svc, status, log)
	metrics := promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      ops.Routes(metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// ── 4. Serve until a signal arrives ──────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful http shutdown failed", logx.Err(err))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Worker.StopTimeout)
	defer cancelStop()
	if host != nil {
		if err := host.Stop(stopCtx); err != nil {
			log.Warn("worker did not stop cleanly", logx.Err(err))
		}
	}
	// A sweep started through POST /sweeps may outlive the HTTP request.
	if err := a.Sweeper.Wait(stopCtx); err != nil {
		log.Warn("manual sweep still running at shutdown", logx.Err(err))
	}
	log.Info("ops server stopped")
	return serveErr
}
