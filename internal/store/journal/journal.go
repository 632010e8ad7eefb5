// Package journal implements store.JobStore on append-only JSONL files.
//
// Every transition is appended to queue.jsonl as a full job snapshot wrapped
// in a checksummed envelope. Terminal snapshots are mirrored to
// results.jsonl. An exclusive flock on the lock file is held across
// replay, decision and append, so separate processes may share a directory.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/store/ledger"
)

const (
	QueueFile   = "queue.jsonl"
	ResultsFile = "results.jsonl"
	LockFile    = "queue.lock"

	DefaultCompactAfter = 10000
	minCompactAfter     = 100
)

var _ store.JobStore = (*Store)(nil)

// Config configures a journal store.
type Config struct {
	// Dir holds the journal files.
	Dir string

	// ArchiveDir receives a zstd copy of the journal before each compaction.
	// Compacted history is discarded when empty.
	ArchiveDir string

	// CompactAfter is the number of journal lines that triggers compaction.
	// The journal is also allowed to reach twice the number of jobs, so a
	// store holding more jobs than CompactAfter is not rewritten on every
	// append. Zero selects DefaultCompactAfter; negative disables compaction.
	CompactAfter int

	// RetentionDays is how long archives are kept. Zero keeps them forever.
	RetentionDays int
}

// Store is a journal backed job store.
type Store struct {
	mu   sync.Mutex
	cfg  Config
	opts []ledger.Option
	lock *fileLock

	queuePath   string
	resultsPath string

	ledger  *ledger.Ledger
	history map[string][]*models.Job

	// replay position in the queue file identified by info. seen is the file
	// size at the last scan; it exceeds offset while the file ends in a torn
	// line.
	info   os.FileInfo
	offset int64
	seen   int64
	lines  int

	closed bool
}

// Open opens or creates the journal in cfg.Dir and replays it.
func Open(cfg Config, opts ...ledger.Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("journal directory is required")
	}
	if cfg.CompactAfter == 0 {
		cfg.CompactAfter = DefaultCompactAfter
	}
	if cfg.CompactAfter > 0 {
		cfg.CompactAfter = max(cfg.CompactAfter, minCompactAfter)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	lock, err := openLock(filepath.Join(cfg.Dir, LockFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:         cfg,
		opts:        opts,
		lock:        lock,
		queuePath:   filepath.Join(cfg.Dir, QueueFile),
		resultsPath: filepath.Join(cfg.Dir, ResultsFile),
	}
	s.reset()

	if err := s.withLock(false, s.refresh); err != nil {
		_ = lock.close()
		return nil, err
	}

	log.Info().
		Str("dir", cfg.Dir).
		Int("jobs", s.ledger.Len()).
		Int("lines", s.lines).
		Msg("Journal opened")

	return s, nil
}

func (s *Store) EnqueueBatch(ctx context.Context, resources []models.Resource, sub models.Subscriber) ([]store.EnqueueResult, error) {
	var results []store.EnqueueResult
	err := s.mutate(ctx, func() ([]*models.Job, error) {
		var records []*models.Job
		results, records = s.ledger.Enqueue(resources, sub)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	var claimed *models.Job
	err := s.mutate(ctx, func() ([]*models.Job, error) {
		claimed = s.ledger.ClaimNext(workerID)
		if claimed == nil {
			return nil, nil
		}
		return []*models.Job{claimed}, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Claim(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	return s.mutateOne(ctx, func() (*models.Job, error) {
		return s.ledger.Claim(jobID, workerID)
	})
}

func (s *Store) Complete(ctx context.Context, lease store.Lease, result models.Result) (*models.Job, error) {
	return s.mutateOne(ctx, func() (*models.Job, error) {
		return s.ledger.Complete(lease, result)
	})
}

func (s *Store) Fail(ctx context.Context, lease store.Lease, failure store.Failure) (*models.Job, error) {
	return s.mutateOne(ctx, func() (*models.Job, error) {
		return s.ledger.Fail(lease, failure)
	})
}

func (s *Store) ReconcileStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	var reverted []*models.Job
	err := s.mutate(ctx, func() ([]*models.Job, error) {
		reverted = s.ledger.ReconcileStale(olderThan)
		return reverted, nil
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

func (s *Store) RecordNotification(ctx context.Context, jobID, eventID, callbackErr string) (*models.Job, error) {
	return s.mutateOne(ctx, func() (*models.Job, error) {
		return s.ledger.RecordNotification(jobID, eventID, callbackErr)
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var j *models.Job
	err := s.read(ctx, func() error {
		var ok bool
		j, ok = s.ledger.Get(jobID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return nil
	})
	return j, err
}

// History returns the snapshots of jobID present in the live journal.
// Records folded away by compaction only survive in the archive.
func (s *Store) History(ctx context.Context, jobID string) ([]*models.Job, error) {
	var out []*models.Job
	err := s.read(ctx, func() error {
		records, ok := s.history[jobID]
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		out = make([]*models.Job, 0, len(records))
		for _, r := range records {
			out = append(out, r.Clone())
		}
		return nil
	})
	return out, err
}

// Close releases the lock file. The journal stays on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.close()
}

// mutate runs op between replay and append under both the process mutex and
// the exclusive file lock.
func (s *Store) mutate(ctx context.Context, op func() ([]*models.Job, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	return s.withLock(true, func() error {
		if err := s.refresh(); err != nil {
			return err
		}
		records, err := op()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := s.persist(records); err != nil {
			// the ledger already holds the change; rebuild it from disk
			if reloadErr := s.reload(); reloadErr != nil {
				log.Error().Err(reloadErr).Msg("Failed to reload journal after append failure")
			}
			return err
		}
		s.maybeCompact()
		return nil
	})
}

func (s *Store) mutateOne(ctx context.Context, op func() (*models.Job, error)) (*models.Job, error) {
	var j *models.Job
	err := s.mutate(ctx, func() ([]*models.Job, error) {
		var err error
		j, err = op()
		if err != nil {
			return nil, err
		}
		return []*models.Job{j}, nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) read(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	return s.withLock(false, func() error {
		if err := s.refresh(); err != nil {
			return err
		}
		return fn()
	})
}

func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return store.ErrStoreClosed
	}
	return ctx.Err()
}

func (s *Store) withLock(exclusive bool, fn func() error) error {
	if err := s.lock.lock(exclusive); err != nil {
		return err
	}
	defer func() {
		if err := s.lock.unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release journal lock")
		}
	}()
	return fn()
}

func (s *Store) reset() {
	s.ledger = ledger.New(s.opts...)
	s.history = make(map[string][]*models.Job)
	s.info = nil
	s.offset = 0
	s.seen = 0
	s.lines = 0
}

// reload discards the materialized view and replays the whole journal.
func (s *Store) reload() error {
	s.reset()
	return s.refresh()
}

// refresh applies records appended since the last replay. A replaced or
// truncated file triggers a full reload.
func (s *Store) refresh() error {
	info, err := os.Stat(s.queuePath)
	if errors.Is(err, fs.ErrNotExist) {
		if s.info != nil {
			s.reset()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	if s.info != nil && (!os.SameFile(info, s.info) || info.Size() < s.offset) {
		log.Debug().Str("path", s.queuePath).Msg("Journal replaced, reloading")
		s.reset()
	}
	if s.info != nil && (info.Size() == s.offset || info.Size() == s.seen) {
		return nil
	}

	f, err := os.Open(s.queuePath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	opened, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek journal: %w", err)
	}

	res, err := scanRecords(f, s.apply)
	if err != nil {
		return err
	}
	if res.corrupt > 0 {
		log.Warn().
			Str("path", s.queuePath).
			Int64("offset", s.offset).
			Int("corrupted_records", res.corrupt).
			Msg("Skipped corrupt journal records")
	}

	if s.offset+res.consumed < opened.Size() {
		log.Debug().
			Str("path", s.queuePath).
			Int64("torn_bytes", opened.Size()-s.offset-res.consumed).
			Msg("Journal ends in a torn record")
	}

	s.info = opened
	s.offset += res.consumed
	s.seen = opened.Size()
	s.lines += res.lines
	return nil
}

func (s *Store) apply(j *models.Job) {
	s.ledger.Apply(j)
	s.history[j.ID] = append(s.history[j.ID], j.Clone())
}

// persist appends records to the queue and mirrors terminal ones to results.
func (s *Store) persist(records []*models.Job) error {
	var queue, results []byte
	for _, r := range records {
		line, err := encodeRecord(r)
		if err != nil {
			return err
		}
		queue = append(queue, line...)
		if r.State.IsTerminal() {
			results = append(results, line...)
		}
	}

	info, err := appendFile(s.queuePath, queue)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	for _, r := range records {
		s.history[r.ID] = append(s.history[r.ID], r.Clone())
	}
	s.info = info
	s.offset = info.Size()
	s.seen = s.offset
	s.lines += len(records)

	if len(results) > 0 {
		// results.jsonl is a mirror; the queue is already durable
		if _, err := appendFile(s.resultsPath, results); err != nil {
			log.Error().Err(err).Msg("Failed to append results mirror")
		}
	}
	return nil
}

func (s *Store) maybeCompact() {
	if s.cfg.CompactAfter < 0 || s.lines <= s.compactThreshold() {
		return
	}
	if err := s.compact(); err != nil {
		log.Error().Err(err).Msg("Failed to compact journal")
	}
}

// compactThreshold is the line count above which the journal is compacted.
func (s *Store) compactThreshold() int {
	return max(s.cfg.CompactAfter, 2*s.ledger.Len())
}

// Compact rewrites the journal so it holds only the latest snapshot of each
// job, and the results mirror so it holds the latest terminal snapshot. With
// an archive directory configured the previous journal is kept as a zstd
// archive first.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	return s.withLock(true, func() error {
		if err := s.refresh(); err != nil {
			return err
		}
		return s.compact()
	})
}

func (s *Store) compact() error {
	before := s.lines
	latest := s.ledger.Latest()

	if s.cfg.ArchiveDir != "" {
		if _, err := archiveJournal(s.queuePath, s.cfg.ArchiveDir, time.Now()); err != nil {
			return err
		}
	}

	if err := rewriteFile(s.queuePath, latest); err != nil {
		return err
	}
	var terminal []*models.Job
	for _, j := range latest {
		if j.State.IsTerminal() {
			terminal = append(terminal, j)
		}
	}
	if err := rewriteFile(s.resultsPath, terminal); err != nil {
		// the queue is compacted; the mirror is rebuilt on the next compaction
		log.Error().Err(err).Msg("Failed to compact results mirror")
	}
	syncDir(s.cfg.Dir)

	if err := s.reload(); err != nil {
		return err
	}

	log.Info().
		Int("lines_before", before).
		Int("lines_after", s.lines).
		Msg("Journal compacted")

	if s.cfg.ArchiveDir != "" {
		if err := CleanupArchive(s.cfg.ArchiveDir, s.cfg.RetentionDays); err != nil {
			return &ArchiveCleanupError{ArchiveDir: s.cfg.ArchiveDir, CleanupErr: err}
		}
	}
	return nil
}

// rewriteFile atomically replaces path with one record per job.
func rewriteFile(path string, jobs []*models.Job) (err error) {
	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	for _, j := range jobs {
		line, err := encodeRecord(j)
		if err != nil {
			return err
		}
		if _, err := tmp.Write(line); err != nil {
			return fmt.Errorf("failed to write %s: %w", tmpPath, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Failed to sync journal directory")
	}
}
