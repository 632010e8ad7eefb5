// Package storetest holds behaviour tests every store.JobStore backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
)

// Factory creates a fresh, empty store whose jobs get maxAttempts attempts.
type Factory func(t *testing.T, maxAttempts int) store.JobStore

// Resource builds a test resource keyed by key.
func Resource(key string) models.Resource {
	return models.Resource{
		InputURL:    "https://x.com/u/status/" + key,
		ResourceKey: "https://x.com/u/status/" + key,
		Platform:    "x",
	}
}

// Subscriber builds a test subscriber.
func Subscriber(target string) models.Subscriber {
	return models.Subscriber{Target: target, OriginRef: "10", Kind: "group"}
}

// Run executes the full suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("concurrent enqueue of one resource creates one job", func(t *testing.T) {
		testConcurrentEnqueue(t, newStore)
	})
	t.Run("claim race has exactly one winner", func(t *testing.T) {
		testClaimRace(t, newStore)
	})
	t.Run("concurrent claim next claims every job once", func(t *testing.T) {
		testConcurrentClaimNext(t, newStore)
	})
	t.Run("history is monotonic across retries", func(t *testing.T) {
		testMonotonicHistory(t, newStore)
	})
	t.Run("terminal job releases resource key", func(t *testing.T) {
		testTerminalReleasesKey(t, newStore)
	})
	t.Run("permanent failure skips retries", func(t *testing.T) {
		testPermanentFailure(t, newStore)
	})
	t.Run("stale running job is reverted", func(t *testing.T) {
		testReconcileStale(t, newStore)
	})
	t.Run("notification bookkeeping keeps state", func(t *testing.T) {
		testRecordNotification(t, newStore)
	})
	t.Run("unknown job", func(t *testing.T) {
		testUnknownJob(t, newStore)
	})
}

func testConcurrentEnqueue(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 2)

	const callers = 24
	type outcome struct {
		id     string
		joined bool
	}
	outcomes := make([]outcome, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber(fmt.Sprintf("chat-%d", i)))
			require.NoError(t, err)
			require.Len(t, results, 1)
			outcomes[i] = outcome{id: results[0].Job.ID, joined: results[0].Joined}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, o := range outcomes {
		require.Equal(t, outcomes[0].id, o.id)
		if !o.joined {
			created++
		}
	}
	require.Equal(t, 1, created)

	j, err := st.GetJob(ctx, outcomes[0].id)
	require.NoError(t, err)
	require.Len(t, j.Subscribers, callers)
	require.Equal(t, models.StatePending, j.State)
}

func testClaimRace(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 2)

	results, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)
	jobID := results[0].Job.ID

	errs := make([]error, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = st.Claim(ctx, jobID, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, models.ErrAlreadyClaimed)
	}
	require.Equal(t, 1, wins)

	j, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateRunning, j.State)
	require.Equal(t, 1, j.Attempts)
}

func testConcurrentClaimNext(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 2)

	const jobs = 12
	for i := range jobs {
		_, err := st.EnqueueBatch(ctx, []models.Resource{Resource(fmt.Sprint(i))}, Subscriber("a"))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				j, err := st.ClaimNext(ctx, fmt.Sprintf("worker-%d", w))
				require.NoError(t, err)
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		require.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testMonotonicHistory(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 3)

	results, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)
	jobID := results[0].Job.ID

	for range 2 {
		j, err := st.ClaimNext(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, j)
		j, err = st.Fail(ctx, store.LeaseOf(j), store.Failure{Reason: "timeout", Category: "transient"})
		require.NoError(t, err)
		require.Equal(t, models.StatePending, j.State)
	}

	j, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, 3, j.Attempts)
	done, err := st.Complete(ctx, store.LeaseOf(j), models.Result{FilePath: "/tmp/a.mp4"})
	require.NoError(t, err)
	require.Equal(t, models.StateDone, done.State)
	require.Empty(t, done.Error)

	_, err = st.Complete(ctx, store.LeaseOf(j), models.Result{})
	require.Error(t, err)

	history, err := st.History(ctx, jobID)
	require.NoError(t, err)

	var states []models.State
	for _, h := range history {
		states = append(states, h.State)
	}
	require.Equal(t, []models.State{
		models.StatePending,
		models.StateRunning, models.StatePending,
		models.StateRunning, models.StatePending,
		models.StateRunning, models.StateDone,
	}, states)
	RequireMonotonic(t, history)
}

func testTerminalReleasesKey(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 1)

	first, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)

	joined, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("b"))
	require.NoError(t, err)
	require.True(t, joined[0].Joined)
	require.Equal(t, first[0].Job.ID, joined[0].Job.ID)

	j, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)

	joinedRunning, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("c"))
	require.NoError(t, err)
	require.True(t, joinedRunning[0].Joined)
	require.Equal(t, models.StateRunning, joinedRunning[0].Job.State)

	failed, err := st.Fail(ctx, store.LeaseOf(j), store.Failure{Reason: "boom", Category: "transient"})
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, failed.State)
	require.Len(t, failed.Subscribers, 3)

	fresh, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)
	require.False(t, fresh[0].Joined)
	require.NotEqual(t, first[0].Job.ID, fresh[0].Job.ID)
	require.Len(t, fresh[0].Job.Subscribers, 1)
}

func testPermanentFailure(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 5)

	_, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)

	j, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	failed, err := st.Fail(ctx, store.LeaseOf(j), store.Failure{Reason: "private video", Category: "private", Permanent: true})
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, failed.State)
	require.Equal(t, "private", failed.FailureCategory)
	require.NotNil(t, failed.TerminalAt)

	next, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Nil(t, next)
}

func testReconcileStale(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 2)

	_, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1"), Resource("2")}, Subscriber("a"))
	require.NoError(t, err)

	first, err := st.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	reverted, err := st.ReconcileStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, reverted)

	time.Sleep(20 * time.Millisecond)
	reverted, err = st.ReconcileStale(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	require.Equal(t, first.ID, reverted[0].ID)
	require.Equal(t, models.StatePending, reverted[0].State)

	again, err := st.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)

	// the reverted job and the untouched pending job are both claimable
	other, err := st.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, other)
	require.NotEqual(t, again.ID, other.ID)

	_, err = st.Complete(ctx, store.LeaseOf(first), models.Result{})
	require.ErrorIs(t, err, store.ErrLeaseLost)
}

func testRecordNotification(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 1)

	results, err := st.EnqueueBatch(ctx, []models.Resource{Resource("1")}, Subscriber("a"))
	require.NoError(t, err)
	j, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	_, err = st.Complete(ctx, store.LeaseOf(j), models.Result{FilePath: "/a"})
	require.NoError(t, err)

	updated, err := st.RecordNotification(ctx, results[0].Job.ID, "evt-1", "")
	require.NoError(t, err)
	require.Equal(t, models.StateDone, updated.State)
	require.Equal(t, "evt-1", updated.Notification.LastEventID)
	require.Equal(t, 1, updated.Notification.CallbackAttempts)

	got, err := st.GetJob(ctx, results[0].Job.ID)
	require.NoError(t, err)
	require.Equal(t, "/a", got.Result.FilePath)
	require.Equal(t, "evt-1", got.Notification.LastEventID)
}

func testUnknownJob(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t, 1)

	_, err := st.GetJob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrJobNotFound)

	_, err = st.Claim(ctx, "missing", "w")
	require.ErrorIs(t, err, store.ErrJobNotFound)

	_, err = st.RecordNotification(ctx, "missing", "e", "")
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

// RequireMonotonic fails when a terminal record is followed by a
// non-terminal one.
func RequireMonotonic(t *testing.T, history []*models.Job) {
	t.Helper()
	terminal := false
	for i, h := range history {
		if terminal {
			require.True(t, h.State.IsTerminal(), "record %d regresses to %s", i, h.State)
		}
		terminal = terminal || h.State.IsTerminal()
	}
}
