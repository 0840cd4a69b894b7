// cmd/worker runs the expiry worker as a dedicated process. Run it with
// worker.embedded set to false on every ops server sharing the same store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/app"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/config"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
		once       = flag.Bool("once", false, "run a single sweep and exit")
		dryRun     = flag.Bool("dry-run", false, "print reservations the next sweep would cancel and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logx.New(logx.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		stop()
		os.Exit(1)
	}

	code := 0
	switch {
	case *dryRun:
		err = preview(ctx, a, os.Stdout)
	case *once:
		var sum model.Summary
		sum, err = a.Sweeper.Sweep(context.WithoutCancel(ctx))
		if err == nil {
			err = printJSON(os.Stdout, sum)
		}
	default:
		err = a.NewWorker().Run(ctx, cfg.Worker.StopTimeout)
	}
	if err != nil {
		log.Error("worker exited", logx.Err(err))
		code = 1
	}
	a.Close()
	stop()
	os.Exit(code)
}

func preview(ctx context.Context, a *app.App, w io.Writer) error {
	list, err := a.Sweeper.Preview(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		a.Log.Info("no expired reservations found")
	}
	return printJSON(w, list)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
