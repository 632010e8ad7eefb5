package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/fetch"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/worker"
)

// WorkerFlags configures the fetch pool and the reconciler.
type WorkerFlags struct {
	WorkerID          string        `help:"identifier recorded on claims, defaults to hostname:pid" env:"CLIPDROP_WORKER_ID"`
	Concurrency       int           `help:"jobs fetched in parallel" default:"1" env:"CLIPDROP_CONCURRENCY"`
	PollSeconds       float64       `help:"seconds to wait when the queue is empty" default:"2" env:"CLIPDROP_POLL_SECONDS,WORKER_POLL_SECONDS"`
	DownloadsDir      string        `help:"directory fetched files are written to" default:"downloads" env:"CLIPDROP_DOWNLOADS_DIR,DOWNLOADS_DIR"`
	Downloader        string        `help:"yt-dlp binary" default:"yt-dlp" env:"CLIPDROP_YTDLP"`
	DownloaderArgs    []string      `help:"extra arguments passed to yt-dlp before the URL"`
	FetchTimeout      time.Duration `help:"limit for a single fetch, zero disables" default:"15m"`
	ClaimTimeout      time.Duration `help:"age after which a running job is considered stale" default:"30m"`
	ReconcileInterval time.Duration `help:"interval between stale job passes" default:"1m"`
}

func (w *WorkerFlags) validate() error {
	if w.Concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1, got %d", w.Concurrency)
	}
	if w.PollSeconds < worker.MinPollInterval.Seconds() {
		return fmt.Errorf("--poll-seconds must be at least %.1f, got %g", worker.MinPollInterval.Seconds(), w.PollSeconds)
	}
	return nil
}

func (w *WorkerFlags) fetcher(debug bool) *fetch.YtDlp {
	f := fetch.NewYtDlp(w.DownloadsDir)
	f.Binary = w.Downloader
	f.Debug = debug
	f.Timeout = w.FetchTimeout
	f.ExtraArgs = w.DownloaderArgs
	return f
}

func (w *WorkerFlags) pool(st store.JobStore, notifier worker.Notifier, debug bool) (*worker.Pool, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	return worker.NewPool(st, w.fetcher(debug), notifier, worker.Config{
		WorkerID:     w.WorkerID,
		Concurrency:  w.Concurrency,
		PollInterval: time.Duration(w.PollSeconds * float64(time.Second)),
	}), nil
}

func (w *WorkerFlags) reconciler(st store.JobStore, notifier worker.Notifier) *worker.Reconciler {
	return worker.NewReconciler(st, notifier, w.ClaimTimeout, w.ReconcileInterval)
}

type WorkerCmd struct {
	Worker    WorkerFlags    `embed:""`
	Store     StoreFlags     `embed:""`
	Delivery  DeliveryFlags  `embed:""`
	Telemetry TelemetryFlags `embed:""`

	Once bool `help:"reconcile, process at most one job and exit"`
}

func (c *WorkerCmd) Run(ctx context.Context, globals *Globals) error {
	_, closeLog, err := globals.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().Str("version", globals.Version).Msg("Starting clipdrop worker")

	shutdownTelemetry := c.Telemetry.setup(ctx, "clipdrop-worker", globals.Version)
	defer shutdownTelemetry()

	st, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	n, err := c.Delivery.notifier(st)
	if err != nil {
		return fmt.Errorf("failed to configure delivery: %w", err)
	}
	notifier, _ := eventTargets(n)

	pool, err := c.Worker.pool(st, notifier, globals.Debug)
	if err != nil {
		return err
	}
	reconciler := c.Worker.reconciler(st, notifier)

	if c.Once {
		if _, err := reconciler.RunOnce(ctx); err != nil {
			return err
		}
		processed, err := pool.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().Bool("processed", processed).Msg("Single pass complete")
		return nil
	}

	return runAll(ctx,
		pool.Run,
		reconciler.Run,
	)
}
