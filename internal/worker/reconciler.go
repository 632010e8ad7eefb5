package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
)

const (
	DefaultClaimTimeout      = 30 * time.Minute
	DefaultReconcileInterval = time.Minute
)

// Reconciler reverts running jobs whose worker stopped reporting.
type Reconciler struct {
	store    store.JobStore
	notifier Notifier
	timeout  time.Duration
	interval time.Duration
	metrics  *telemetry.Metrics
}

// NewReconciler creates a reconciler treating claims older than timeout as
// stale. A nil notifier disables event delivery.
func NewReconciler(st store.JobStore, notifier Notifier, timeout, interval time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		store:    st,
		notifier: notifier,
		timeout:  timeout,
		interval: interval,
		metrics:  telemetry.GetMetrics(),
	}
}

// RunOnce performs a single pass and returns the reverted jobs. Jobs that
// exhausted their attempts are failed and fanned out.
func (r *Reconciler) RunOnce(ctx context.Context) ([]*models.Job, error) {
	jobs, err := r.store.ReconcileStale(ctx, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile stale jobs: %w", err)
	}

	for _, j := range jobs {
		r.metrics.JobsReconciledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(j.State))))
		log.Warn().
			Str("job_id", j.ID).
			Str("resource_key", j.ResourceKey).
			Str("state", string(j.State)).
			Int("attempts", j.Attempts).
			Msg("Reconciled stale job")

		if j.State == models.StateFailed && r.notifier != nil {
			r.notifier.Fanout(ctx, j, models.EventFailed)
		}
	}
	return jobs, nil
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("claim_timeout", r.timeout).Dur("interval", r.interval).Msg("Reconciler starting")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Reconcile pass failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
