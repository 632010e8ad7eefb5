package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/store/ledger"
)

var _ store.JobStore = (*JobStore)(nil)

// JobStore implements store.JobStore in memory. A single mutex is the
// serialization point for index mutation and record append.
type JobStore struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	history map[string][]*models.Job
	closed  bool
}

// NewJobStore creates a new in-memory job store
func NewJobStore(opts ...ledger.Option) *JobStore {
	return &JobStore{
		ledger:  ledger.New(opts...),
		history: make(map[string][]*models.Job),
	}
}

func (s *JobStore) EnqueueBatch(ctx context.Context, resources []models.Resource, sub models.Subscriber) ([]store.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	results, records := s.ledger.Enqueue(resources, sub)
	s.append(records...)

	for _, r := range results {
		log.Debug().Str("job_id", r.Job.ID).Str("resource_key", r.Job.ResourceKey).
			Bool("joined", r.Joined).Msg("Enqueued resource")
	}
	return results, nil
}

func (s *JobStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j := s.ledger.ClaimNext(workerID)
	if j == nil {
		return nil, nil
	}
	s.append(j)
	return j, nil
}

func (s *JobStore) Claim(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j, err := s.ledger.Claim(jobID, workerID)
	if err != nil {
		return nil, err
	}
	s.append(j)
	return j, nil
}

func (s *JobStore) Complete(ctx context.Context, lease store.Lease, result models.Result) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j, err := s.ledger.Complete(lease, result)
	if err != nil {
		return nil, err
	}
	s.append(j)
	return j, nil
}

func (s *JobStore) Fail(ctx context.Context, lease store.Lease, failure store.Failure) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j, err := s.ledger.Fail(lease, failure)
	if err != nil {
		return nil, err
	}
	s.append(j)
	return j, nil
}

func (s *JobStore) ReconcileStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	records := s.ledger.ReconcileStale(olderThan)
	s.append(records...)
	return records, nil
}

func (s *JobStore) RecordNotification(ctx context.Context, jobID, eventID, callbackErr string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j, err := s.ledger.RecordNotification(jobID, eventID, callbackErr)
	if err != nil {
		return nil, err
	}
	s.append(j)
	return j, nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	j, ok := s.ledger.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return j, nil
}

func (s *JobStore) History(ctx context.Context, jobID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	records, ok := s.history[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	out := make([]*models.Job, 0, len(records))
	for _, r := range records {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Close marks the store closed; further calls return store.ErrStoreClosed.
func (s *JobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *JobStore) check(ctx context.Context) error {
	if s.closed {
		return store.ErrStoreClosed
	}
	return ctx.Err()
}

func (s *JobStore) append(records ...*models.Job) {
	for _, r := range records {
		s.history[r.ID] = append(s.history[r.ID], r.Clone())
	}
}
