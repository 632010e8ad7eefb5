// Package worker claims pending jobs, runs the fetch and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/1204al/clipdrop-bot/internal/delivery"
	"github.com/1204al/clipdrop-bot/internal/fetch"
	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
)

const (
	DefaultPollInterval = 2 * time.Second
	MinPollInterval     = 200 * time.Millisecond
)

// Notifier fans job transitions out to subscribers.
type Notifier interface {
	Fanout(ctx context.Context, j *models.Job, status models.EventStatus) delivery.FanoutResult
}

// Config configures a Pool.
type Config struct {
	// WorkerID identifies claims made by this pool. Slots append their index.
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
}

// DefaultWorkerID returns hostname:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Pool runs a bounded number of claim, fetch and record loops.
type Pool struct {
	store    store.JobStore
	fetcher  fetch.Fetcher
	notifier Notifier
	cfg      Config
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// NewPool creates a pool. A nil notifier disables event delivery.
func NewPool(st store.JobStore, fetcher fetch.Fetcher, notifier Notifier, cfg Config) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.PollInterval = max(cfg.PollInterval, MinPollInterval)

	return &Pool{
		store:    st,
		fetcher:  fetcher,
		notifier: notifier,
		cfg:      cfg,
		metrics:  telemetry.GetMetrics(),
		tracer:   telemetry.Tracer(),
	}
}

// Run processes jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().
		Str("worker_id", p.cfg.WorkerID).
		Int("concurrency", p.cfg.Concurrency).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for slot := range p.cfg.Concurrency {
		workerID := p.slotID(slot)
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	log.Info().Str("worker_id", p.cfg.WorkerID).Msg("Worker pool stopped")
	return err
}

func (p *Pool) slotID(slot int) string {
	if p.cfg.Concurrency == 1 {
		return p.cfg.WorkerID
	}
	return fmt.Sprintf("%s/%d", p.cfg.WorkerID, slot)
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		processed, err := p.process(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Error processing job")
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce processes at most one job and reports whether one was claimed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	return p.process(ctx, p.cfg.WorkerID)
}

func (p *Pool) process(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	j, err := p.store.ClaimNext(ctx, workerID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyClaimed) {
			// another worker won, move on to the next pending job
			return false, nil
		}
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if j == nil {
		return false, nil
	}

	p.execute(ctx, j)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, j *models.Job) {
	lease := store.LeaseOf(j)
	logger := log.With().
		Str("job_id", j.ID).
		Str("resource_key", j.ResourceKey).
		Str("worker_id", lease.WorkerID).
		Int("attempt", lease.Attempt).
		Logger()

	platform := metric.WithAttributes(attribute.String("platform", j.Platform))
	p.metrics.JobsClaimedTotal.Add(ctx, 1, platform)
	logger.Info().Msg("Job claimed")

	ctx, span := p.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.platform", j.Platform),
		attribute.Int("job.attempt", lease.Attempt),
	))
	defer span.End()

	started := p.fanoutAsync(ctx, j, models.EventStarted)

	start := time.Now()
	result, fetchErr := p.fetcher.Fetch(ctx, j)
	p.metrics.FetchDuration.Record(ctx, time.Since(start).Seconds(), platform)

	// the outcome is recorded even when the pool is shutting down
	writeCtx := context.WithoutCancel(ctx)

	var updated *models.Job
	var err error
	if fetchErr == nil {
		updated, err = p.store.Complete(writeCtx, lease, result)
	} else {
		category, permanent := fetch.Classify(fetchErr)
		span.RecordError(fetchErr)
		logger.Warn().Err(fetchErr).Str("category", category).Bool("permanent", permanent).Msg("Fetch failed")
		updated, err = p.store.Fail(writeCtx, lease, store.Failure{
			Reason:    fetchErr.Error(),
			Category:  category,
			Permanent: permanent,
		})
	}
	<-started

	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			logger.Warn().Msg("Claim lease lost before the outcome was recorded, discarding")
			span.SetStatus(codes.Error, "lease lost")
			return
		}
		logger.Error().Err(err).Msg("Failed to record job outcome")
		span.SetStatus(codes.Error, err.Error())
		return
	}

	switch updated.State {
	case models.StateDone:
		p.metrics.JobsCompletedTotal.Add(ctx, 1, platform)
		logger.Info().Str("file_path", updated.Result.FilePath).Msg("Job done")
	case models.StateFailed:
		p.metrics.JobsFailedTotal.Add(ctx, 1, platform)
		span.SetStatus(codes.Error, updated.Error)
		logger.Info().Str("error", updated.Error).Msg("Job failed")
	case models.StatePending:
		p.metrics.JobsRequeuedTotal.Add(ctx, 1, platform)
		logger.Info().Int("attempts", updated.Attempts).Int("max_attempts", updated.MaxAttempts).Msg("Job requeued for retry")
		return
	}

	if status, ok := models.EventStatusFor(updated.State); ok && p.notifier != nil {
		p.notifier.Fanout(writeCtx, updated, status)
	}
}

// fanoutAsync delivers status in the background. The returned channel is
// closed once delivery finished.
func (p *Pool) fanoutAsync(ctx context.Context, j *models.Job, status models.EventStatus) <-chan struct{} {
	done := make(chan struct{})
	if p.notifier == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		p.notifier.Fanout(context.WithoutCancel(ctx), j, status)
	}()
	return done
}
