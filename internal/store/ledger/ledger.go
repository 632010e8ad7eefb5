// Package ledger is the in-process engine shared by the memory and journal
// stores. It materializes the latest snapshot per job, owns the dedup index
// and turns each store operation into the records that must be appended.
//
// A Ledger is not safe for concurrent use. Callers hold their serialization
// point across the ledger call and the append of the returned records.
package ledger

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/dedup"
	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
)

const DefaultMaxAttempts = 2

// Ledger holds the materialized view of the job log.
type Ledger struct {
	jobs    map[string]*models.Job
	pending map[string]struct{}
	running map[string]struct{}
	index   *dedup.Index

	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAttempts sets the attempt budget given to newly created jobs.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) { l.maxAttempts = max(1, n) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		jobs:        make(map[string]*models.Job),
		pending:     make(map[string]struct{}),
		running:     make(map[string]struct{}),
		index:       dedup.New(),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply installs snapshot j as the latest record for its job. It is used both
// when replaying a log and after every operation.
func (l *Ledger) Apply(j *models.Job) {
	if prev, ok := l.jobs[j.ID]; ok {
		if prev.State.IsTerminal() && !j.State.IsTerminal() {
			log.Warn().Str("job_id", j.ID).Str("state", string(j.State)).
				Msg("Ignoring record that regresses a terminal job")
			return
		}
		if prev.ResourceKey != j.ResourceKey {
			l.index.Release(prev.ResourceKey, prev.ID)
		}
	}

	l.jobs[j.ID] = j
	delete(l.pending, j.ID)
	delete(l.running, j.ID)

	switch j.State {
	case models.StatePending:
		l.pending[j.ID] = struct{}{}
	case models.StateRunning:
		l.running[j.ID] = struct{}{}
	}

	if j.State.IsActive() {
		if err := l.index.Register(j.ResourceKey, j.ID); err != nil {
			// Two active jobs for one key can only come from a damaged log.
			// The later record wins so the key is never blocked forever.
			log.Warn().Err(err).Str("job_id", j.ID).Msg("Replacing active job in dedup index")
			if holder, ok := l.index.Lookup(j.ResourceKey); ok {
				l.index.Release(j.ResourceKey, holder)
			}
			_ = l.index.Register(j.ResourceKey, j.ID)
		}
	} else {
		l.index.Release(j.ResourceKey, j.ID)
	}
}

// Get returns a copy of the latest snapshot for id.
func (l *Ledger) Get(id string) (*models.Job, bool) {
	j, ok := l.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Len returns the number of known jobs.
func (l *Ledger) Len() int {
	return len(l.jobs)
}

// Latest returns a copy of every job's latest snapshot ordered by creation.
func (l *Ledger) Latest() []*models.Job {
	out := make([]*models.Job, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, byCreation)
	return out
}

// Enqueue performs create-or-join for every resource and returns the results
// in input order together with the records to append.
func (l *Ledger) Enqueue(resources []models.Resource, sub models.Subscriber) ([]store.EnqueueResult, []*models.Job) {
	now := l.now()
	results := make([]store.EnqueueResult, 0, len(resources))
	var records []*models.Job

	for _, res := range resources {
		if id, ok := l.index.Lookup(res.ResourceKey); ok {
			j := l.jobs[id].Clone()
			if j.AddSubscriber(sub, now) {
				l.Apply(j)
				records = append(records, j.Clone())
			}
			results = append(results, store.EnqueueResult{Job: j.Clone(), Joined: true})
			continue
		}

		j := models.NewJob(l.newID(), res, sub, l.maxAttempts, now)
		l.Apply(j)
		records = append(records, j.Clone())
		results = append(results, store.EnqueueResult{Job: j.Clone()})
	}

	return results, records
}

// ClaimNext claims the oldest pending job, or returns nil when none is pending.
func (l *Ledger) ClaimNext(workerID string) *models.Job {
	var oldest *models.Job
	for id := range l.pending {
		j := l.jobs[id]
		if oldest == nil || byCreation(j, oldest) < 0 {
			oldest = j
		}
	}
	if oldest == nil {
		return nil
	}
	claimed, err := l.Claim(oldest.ID, workerID)
	if err != nil {
		// pending set and snapshot disagree; should not happen
		log.Error().Err(err).Str("job_id", oldest.ID).Msg("Failed to claim pending job")
		return nil
	}
	return claimed
}

// Claim moves a specific pending job to running.
func (l *Ledger) Claim(id, workerID string) (*models.Job, error) {
	j, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := j.Claim(workerID, l.now()); err != nil {
		return nil, err
	}
	l.Apply(j)
	return j.Clone(), nil
}

// Complete records success for the job held under lease.
func (l *Ledger) Complete(lease store.Lease, result models.Result) (*models.Job, error) {
	j, err := l.leased(lease)
	if err != nil {
		return nil, err
	}
	if err := j.Complete(result, l.now()); err != nil {
		return nil, err
	}
	l.Apply(j)
	return j.Clone(), nil
}

// Fail records a failed attempt for the job held under lease.
func (l *Ledger) Fail(lease store.Lease, failure store.Failure) (*models.Job, error) {
	j, err := l.leased(lease)
	if err != nil {
		return nil, err
	}
	if _, err := j.Fail(failure.Reason, failure.Category, failure.Permanent, l.now()); err != nil {
		return nil, err
	}
	l.Apply(j)
	return j.Clone(), nil
}

// ReconcileStale reverts running jobs claimed before now-olderThan.
func (l *Ledger) ReconcileStale(olderThan time.Duration) []*models.Job {
	now := l.now()
	cutoff := now.Add(-olderThan)

	var stale []*models.Job
	for id := range l.running {
		j := l.jobs[id]
		if j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	slices.SortFunc(stale, byCreation)

	records := make([]*models.Job, 0, len(stale))
	for _, prev := range stale {
		j := prev.Clone()
		if _, err := j.Revert(store.StaleReason, now); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to revert stale job")
			continue
		}
		l.Apply(j)
		records = append(records, j.Clone())
	}
	return records
}

// RecordNotification stores delivery bookkeeping for a job.
func (l *Ledger) RecordNotification(id, eventID, callbackErr string) (*models.Job, error) {
	j, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	j.RecordNotification(eventID, callbackErr, l.now())
	l.Apply(j)
	return j.Clone(), nil
}

// lookup returns a mutable copy of the latest snapshot.
func (l *Ledger) lookup(id string) (*models.Job, error) {
	j, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

func (l *Ledger) leased(lease store.Lease) (*models.Job, error) {
	j, err := l.lookup(lease.JobID)
	if err != nil {
		return nil, err
	}
	if !lease.Holds(j) {
		return nil, fmt.Errorf("%w: job %s is %s (claimed_by=%s attempt=%d)",
			store.ErrLeaseLost, j.ID, j.State, j.ClaimedBy, j.Attempts)
	}
	return j, nil
}

func byCreation(a, b *models.Job) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
