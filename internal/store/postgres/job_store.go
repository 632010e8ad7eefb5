package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
)

var _ store.JobStore = (*JobStore)(nil)

// maxJoinRetries bounds create-or-join loops where the active job for a key
// turns terminal between the insert and the join.
const maxJoinRetries = 5

// JobStore implements store.JobStore on PostgreSQL. The latest snapshot of
// each job lives in jobs; every snapshot is appended to job_records. The
// partial unique index on jobs(resource_key) is the dedup serialization point
// and row locks taken with FOR UPDATE guard every transition.
type JobStore struct {
	pool *pgxpool.Pool
	cfg  *JobStoreConfig
	now  func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ownsPool bool
}

// Open connects to PostgreSQL and creates a job store that owns the pool.
func Open(ctx context.Context, poolCfg *PoolConfig, cfg *JobStoreConfig) (*JobStore, error) {
	pool, err := openPool(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	s, err := NewJobStore(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// NewJobStore creates a PostgreSQL-backed job store on an existing pool.
func NewJobStore(ctx context.Context, pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	if cfg == nil {
		cfg = &JobStoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	s := &JobStore{
		pool:   pool,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return s, nil
}

// Close stops background tasks and closes the pool when the store owns it.
func (s *JobStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.ownsPool {
			s.pool.Close()
		}
		log.Info().Msg("PostgreSQL job store stopped")
	})
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(time.Duration(s.cfg.MonitorIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *JobStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

func (s *JobStore) closed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// EnqueueBatch performs create-or-join for each resource in its own
// transaction, so two batches never wait on each other's key order. When a
// resource fails the results committed before it are returned with the error.
func (s *JobStore) EnqueueBatch(ctx context.Context, resources []models.Resource, sub models.Subscriber) ([]store.EnqueueResult, error) {
	if s.closed() {
		return nil, store.ErrStoreClosed
	}

	results := make([]store.EnqueueResult, 0, len(resources))
	for _, res := range resources {
		r, err := s.enqueueOne(ctx, res, sub)
		if err != nil {
			return results, fmt.Errorf("failed to enqueue %s after %d of %d resources: %w",
				res.ResourceKey, len(results), len(resources), err)
		}
		log.Debug().Str("job_id", r.Job.ID).Str("resource_key", r.Job.ResourceKey).
			Bool("joined", r.Joined).Msg("Enqueued resource")
		results = append(results, r)
	}
	return results, nil
}

func (s *JobStore) enqueueOne(ctx context.Context, res models.Resource, sub models.Subscriber) (store.EnqueueResult, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	for range maxJoinRetries {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return store.EnqueueResult{}, mapPostgresError(err)
		}

		result, done, err := s.createOrJoin(ctx, tx, res, sub)
		if err != nil || !done {
			_ = tx.Rollback(ctx)
			if err != nil {
				return store.EnqueueResult{}, err
			}
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return store.EnqueueResult{}, mapPostgresError(err)
		}
		return result, nil
	}
	return store.EnqueueResult{}, fmt.Errorf("create-or-join for %s did not settle after %d tries", res.ResourceKey, maxJoinRetries)
}

// createOrJoin reports done=false when the race must be retried.
func (s *JobStore) createOrJoin(ctx context.Context, tx pgx.Tx, res models.Resource, sub models.Subscriber) (store.EnqueueResult, bool, error) {
	now := s.now()
	j := models.NewJob(uuid.Must(uuid.NewV7()).String(), res, sub, s.cfg.MaxAttempts, now)
	snapshot, err := json.Marshal(j)
	if err != nil {
		return store.EnqueueResult{}, false, fmt.Errorf("failed to marshal job: %w", err)
	}

	// the conflict target names the partial index predicate
	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO jobs (job_id, resource_key, state, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (resource_key) WHERE state IN ('pending', 'running') DO NOTHING
		RETURNING job_id
	`, j.ID, j.ResourceKey, string(j.State), snapshot, now).Scan(&insertedID)
	switch {
	case err == nil:
		if err := appendRecord(ctx, tx, j, snapshot); err != nil {
			return store.EnqueueResult{}, false, err
		}
		return store.EnqueueResult{Job: j}, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.EnqueueResult{}, false, mapPostgresError(err)
	}

	active, err := scanJob(tx.QueryRow(ctx, `
		SELECT snapshot FROM jobs
		WHERE resource_key = $1 AND state IN ('pending', 'running')
		FOR UPDATE
	`, res.ResourceKey))
	if errors.Is(err, pgx.ErrNoRows) {
		// the active job finished before we could lock it
		return store.EnqueueResult{}, false, nil
	}
	if err != nil {
		return store.EnqueueResult{}, false, err
	}

	if active.AddSubscriber(sub, now) {
		if err := saveJob(ctx, tx, active); err != nil {
			return store.EnqueueResult{}, false, err
		}
	}
	return store.EnqueueResult{Job: active, Joined: true}, true, nil
}

// ClaimNext claims the oldest pending job, skipping rows other workers hold.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	j, err := s.transition(ctx, `
		SELECT snapshot FROM jobs
		WHERE state = 'pending'
		ORDER BY created_at, job_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, nil, func(j *models.Job, now time.Time) error {
		return j.Claim(workerID, now)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("job_id", j.ID).Str("worker_id", workerID).Int("attempt", j.Attempts).Msg("Claimed job")
	return j, nil
}

func (s *JobStore) Claim(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	return s.byID(ctx, jobID, func(j *models.Job, now time.Time) error {
		return j.Claim(workerID, now)
	})
}

func (s *JobStore) Complete(ctx context.Context, lease store.Lease, result models.Result) (*models.Job, error) {
	return s.byID(ctx, lease.JobID, func(j *models.Job, now time.Time) error {
		if err := checkLease(lease, j); err != nil {
			return err
		}
		return j.Complete(result, now)
	})
}

func (s *JobStore) Fail(ctx context.Context, lease store.Lease, failure store.Failure) (*models.Job, error) {
	return s.byID(ctx, lease.JobID, func(j *models.Job, now time.Time) error {
		if err := checkLease(lease, j); err != nil {
			return err
		}
		_, err := j.Fail(failure.Reason, failure.Category, failure.Permanent, now)
		return err
	})
}

func (s *JobStore) RecordNotification(ctx context.Context, jobID, eventID, callbackErr string) (*models.Job, error) {
	return s.byID(ctx, jobID, func(j *models.Job, now time.Time) error {
		j.RecordNotification(eventID, callbackErr, now)
		return nil
	})
}

// ReconcileStale reverts running jobs claimed before now-olderThan. Rows
// locked by a concurrent transition are left for the next pass.
func (s *JobStore) ReconcileStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	if s.closed() {
		return nil, store.ErrStoreClosed
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	rows, err := tx.Query(ctx, `
		SELECT snapshot FROM jobs
		WHERE state = 'running' AND claimed_at < $1
		ORDER BY created_at, job_id
		FOR UPDATE SKIP LOCKED
	`, now.Add(-olderThan))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	stale, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	reverted := make([]*models.Job, 0, len(stale))
	for _, j := range stale {
		if _, err := j.Revert(store.StaleReason, now); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("Failed to revert stale job")
			continue
		}
		if err := saveJob(ctx, tx, j); err != nil {
			return nil, err
		}
		reverted = append(reverted, j)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}
	return reverted, nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if s.closed() {
		return nil, store.ErrStoreClosed
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT snapshot FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return j, err
}

func (s *JobStore) History(ctx context.Context, jobID string) ([]*models.Job, error) {
	if s.closed() {
		return nil, store.ErrStoreClosed
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM job_records WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return history, nil
}

func (s *JobStore) byID(ctx context.Context, jobID string, fn func(j *models.Job, now time.Time) error) (*models.Job, error) {
	j, err := s.transition(ctx, `SELECT snapshot FROM jobs WHERE job_id = $1 FOR UPDATE`, []any{jobID}, fn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return j, err
}

// transition locks the row selected by query, applies fn and saves the
// result in one transaction. pgx.ErrNoRows is returned unwrapped when the
// query selects nothing.
func (s *JobStore) transition(ctx context.Context, query string, args []any, fn func(j *models.Job, now time.Time) error) (*models.Job, error) {
	if s.closed() {
		return nil, store.ErrStoreClosed
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	j, err := scanJob(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := fn(j, s.now()); err != nil {
		return nil, err
	}
	if err := saveJob(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}
	return j, nil
}

func checkLease(lease store.Lease, j *models.Job) error {
	if !lease.Holds(j) {
		return fmt.Errorf("%w: job %s is %s (claimed_by=%s attempt=%d)",
			store.ErrLeaseLost, j.ID, j.State, j.ClaimedBy, j.Attempts)
	}
	return nil
}

// scanJob decodes the snapshot column of a single row.
func scanJob(row pgx.Row) (*models.Job, error) {
	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, mapPostgresError(err)
	}
	var j models.Job
	if err := json.Unmarshal(snapshot, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}
	return &j, nil
}

// saveJob updates the latest snapshot and appends it to the record log.
func saveJob(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	snapshot, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $2, snapshot = $3, updated_at = $4, claimed_at = $5
		WHERE job_id = $1
	`, j.ID, string(j.State), snapshot, j.UpdatedAt, j.ClaimedAt)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, j.ID)
	}
	return appendRecord(ctx, tx, j, snapshot)
}

func appendRecord(ctx context.Context, tx pgx.Tx, j *models.Job, snapshot []byte) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_records (job_id, state, snapshot) VALUES ($1, $2, $3)
	`, j.ID, string(j.State), snapshot); err != nil {
		return mapPostgresError(err)
	}

	if j.State.IsTerminal() && j.TerminalAt != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_results (job_id, state, snapshot, terminal_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id) DO UPDATE SET snapshot = EXCLUDED.snapshot
		`, j.ID, string(j.State), snapshot, *j.TerminalAt); err != nil {
			return mapPostgresError(err)
		}
	}
	return nil
}
