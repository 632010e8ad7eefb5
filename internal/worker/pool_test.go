package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/delivery"
	"github.com/1204al/clipdrop-bot/internal/fetch"
	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/store/ledger"
	"github.com/1204al/clipdrop-bot/internal/store/memory"
	"github.com/1204al/clipdrop-bot/internal/store/storetest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Deliver(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byStatus(status models.EventStatus) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedFetcher returns the queued errors in order, then succeeds.
type scriptedFetcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *scriptedFetcher) Fetch(_ context.Context, j *models.Job) (models.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return models.Result{}, err
	}
	return models.Result{FilePath: "/d/" + j.ID + ".mp4", SizeBytes: 42, Platform: j.Platform}, nil
}

type harness struct {
	store *memory.JobStore
	sink  *recordingSink
	pool  *Pool
}

func newHarness(t *testing.T, maxAttempts int, fetcher fetch.Fetcher) *harness {
	t.Helper()
	st := memory.NewJobStore(ledger.WithMaxAttempts(maxAttempts))
	t.Cleanup(func() { _ = st.Close() })
	sink := &recordingSink{}
	n := delivery.NewNotifier(sink, delivery.WithRecorder(st))
	return &harness{
		store: st,
		sink:  sink,
		pool:  NewPool(st, fetcher, n, Config{WorkerID: "w1", PollInterval: MinPollInterval}),
	}
}

func (h *harness) enqueue(t *testing.T, key string, targets ...string) *models.Job {
	t.Helper()
	var j *models.Job
	for _, target := range targets {
		res, err := h.store.EnqueueBatch(context.Background(), []models.Resource{storetest.Resource(key)}, storetest.Subscriber(target))
		require.NoError(t, err)
		j = res[0].Job
	}
	return j
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunOnceNothingPending(t *testing.T) {
	h := newHarness(t, 2, &scriptedFetcher{})
	processed, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{errs: []error{
		fetch.Transient(fetch.CategoryNetwork, errors.New("connection reset")),
		fetch.Transient(fetch.CategoryRateLimited, errors.New("HTTP Error 429")),
	}}
	h := newHarness(t, 3, fetcher)
	j := h.enqueue(t, "1", "a")

	for attempt := 1; attempt <= 2; attempt++ {
		processed, err := h.pool.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		got := h.job(t, j.ID)
		require.Equal(t, models.StatePending, got.State)
		require.Equal(t, attempt, got.Attempts)
		require.Empty(t, h.sink.byStatus(models.EventDone))
		require.Empty(t, h.sink.byStatus(models.EventFailed))
	}

	processed, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := h.job(t, j.ID)
	require.Equal(t, models.StateDone, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, "/d/"+j.ID+".mp4", got.Result.FilePath)
	require.Empty(t, got.Error)

	done := h.sink.byStatus(models.EventDone)
	require.Len(t, done, 1)
	require.Equal(t, got.Result, done[0].Payload.Result)
	require.Empty(t, h.sink.byStatus(models.EventFailed))
	require.Equal(t, done[0].EventID, got.Notification.LastEventID)

	history, err := h.store.History(ctx, j.ID)
	require.NoError(t, err)
	storetest.RequireMonotonic(t, history)
}

func TestPermanentFailure(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{fetch.Permanent(fetch.CategoryPrivate, errors.New("Private video"))}}
	h := newHarness(t, 3, fetcher)
	j := h.enqueue(t, "1", "a")

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.job(t, j.ID)
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, fetch.CategoryPrivate, got.FailureCategory)

	failed := h.sink.byStatus(models.EventFailed)
	require.Len(t, failed, 1)
	require.Equal(t, fetch.CategoryPrivate, failed[0].Payload.FailureCategory)
	require.Contains(t, failed[0].Payload.Error, "Private video")
	require.Equal(t, 1, fetcher.calls)
}

func TestAttemptsExhausted(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{
		errors.New("boom"),
		errors.New("boom again"),
	}}
	h := newHarness(t, 2, fetcher)
	j := h.enqueue(t, "1", "a")

	for range 2 {
		_, err := h.pool.RunOnce(context.Background())
		require.NoError(t, err)
	}

	got := h.job(t, j.ID)
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, fetch.CategoryUnknown, got.FailureCategory)
	require.Len(t, h.sink.byStatus(models.EventFailed), 1)

	processed, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestFanoutToEverySubscriber(t *testing.T) {
	h := newHarness(t, 2, &scriptedFetcher{})
	j := h.enqueue(t, "1", "a", "b", "c")

	_, err := h.pool.RunOnce(context.Background())
	require.NoError(t, err)

	done := h.sink.byStatus(models.EventDone)
	require.Len(t, done, 3)
	ids := map[string]struct{}{}
	for _, ev := range done {
		require.Equal(t, j.ID, ev.JobID)
		ids[ev.EventID] = struct{}{}
	}
	require.Len(t, ids, 3)
	require.Len(t, h.sink.byStatus(models.EventStarted), 3)
}

func TestLostLeaseDiscardsOutcome(t *testing.T) {
	ctx := context.Background()
	var h *harness
	fetcher := fetch.FetcherFunc(func(ctx context.Context, j *models.Job) (models.Result, error) {
		time.Sleep(5 * time.Millisecond)
		reverted, err := h.store.ReconcileStale(ctx, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, reverted, 1)
		return models.Result{FilePath: "/late.mp4"}, nil
	})
	h = newHarness(t, 2, fetcher)
	j := h.enqueue(t, "1", "a")

	processed, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got := h.job(t, j.ID)
	require.Equal(t, models.StatePending, got.State)
	require.Nil(t, got.Result)
	require.Empty(t, h.sink.byStatus(models.EventDone))
}

func TestPoolRun(t *testing.T) {
	st := memory.NewJobStore()
	defer st.Close()
	sink := &recordingSink{}

	var ids []string
	for i := range 6 {
		res, err := st.EnqueueBatch(context.Background(), []models.Resource{storetest.Resource(fmt.Sprint(i))}, storetest.Subscriber("a"))
		require.NoError(t, err)
		ids = append(ids, res[0].Job.ID)
	}

	pool := NewPool(st, &scriptedFetcher{}, delivery.NewNotifier(sink), Config{
		WorkerID:     "w",
		Concurrency:  3,
		PollInterval: MinPollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := st.GetJob(context.Background(), id)
			if err != nil || j.State != models.StateDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	require.Len(t, sink.byStatus(models.EventDone), 6)

	for _, id := range ids {
		j, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Contains(t, []string{"w/0", "w/1", "w/2"}, j.ClaimedBy)
	}
}

func TestOnlyActiveClaimIsRecorded(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	defer st.Close()

	res, err := st.EnqueueBatch(ctx, []models.Resource{storetest.Resource("1")}, storetest.Subscriber("a"))
	require.NoError(t, err)

	j, err := st.Claim(ctx, res[0].Job.ID, "other")
	require.NoError(t, err)

	pool := NewPool(st, &scriptedFetcher{}, nil, Config{WorkerID: "w"})
	processed, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, processed, "a running job is not claimable")

	_, err = st.Complete(ctx, store.Lease{JobID: j.ID, WorkerID: "w", Attempt: 1}, models.Result{})
	require.ErrorIs(t, err, store.ErrLeaseLost)
}
