package store

import (
	"context"
	"errors"
	"time"

	"github.com/1204al/clipdrop-bot/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("claim lease no longer held")
	ErrStoreClosed = errors.New("store is closed")
)

// JobStore is the durable source of truth for jobs. Implementations guard the
// create-or-join decision and the claim with one serialization point so at most
// one non-terminal job exists per resource key.
type JobStore interface {
	// EnqueueBatch resolves each resource atomically: it joins the active job
	// for the resource key or creates a new pending job. Results are returned
	// in input order. A backend that commits resource by resource returns the
	// results committed before a failure together with the error.
	EnqueueBatch(ctx context.Context, resources []models.Resource, sub models.Subscriber) ([]EnqueueResult, error)

	// ClaimNext claims the oldest pending job. It returns nil, nil when there is
	// nothing to claim.
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)

	// Claim claims a specific pending job, returning models.ErrAlreadyClaimed
	// when another worker won or the job is no longer pending.
	Claim(ctx context.Context, jobID, workerID string) (*models.Job, error)

	// Complete records a successful fetch for a job held under lease.
	Complete(ctx context.Context, lease Lease, result models.Result) (*models.Job, error)

	// Fail records a failed attempt for a job held under lease. The returned
	// snapshot is pending when the job was re-queued.
	Fail(ctx context.Context, lease Lease, failure Failure) (*models.Job, error)

	// ReconcileStale reverts running jobs claimed longer than olderThan ago.
	// Jobs whose attempt budget is spent become failed.
	ReconcileStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error)

	// RecordNotification stores delivery bookkeeping without changing state.
	RecordNotification(ctx context.Context, jobID, eventID, callbackErr string) (*models.Job, error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// History returns every persisted snapshot for a job in append order.
	History(ctx context.Context, jobID string) ([]*models.Job, error)

	Close() error
}

// EnqueueResult is the outcome of one create-or-join.
type EnqueueResult struct {
	Job    *models.Job
	Joined bool
}

// Lease identifies one claim of a job. A worker whose job was reconciled and
// re-claimed no longer holds the lease and cannot write its result.
type Lease struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// LeaseOf returns the lease held by the claimer of j.
func LeaseOf(j *models.Job) Lease {
	return Lease{JobID: j.ID, WorkerID: j.ClaimedBy, Attempt: j.Attempts}
}

// Holds reports whether l is the current claim of j.
func (l Lease) Holds(j *models.Job) bool {
	return j.State == models.StateRunning && j.ClaimedBy == l.WorkerID && j.Attempts == l.Attempt
}

// Failure describes a failed fetch attempt.
type Failure struct {
	Reason    string
	Category  string
	Permanent bool
}

// StaleReason is the failure reason recorded by reconciliation.
const StaleReason = "stale: worker did not report a result before the claim timeout"
