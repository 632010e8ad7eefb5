package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(clock *fakeClock, opts ...Option) *Ledger {
	n := 0
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("job-%d", n)
		}),
	}, opts...)
	return New(opts...)
}

func res(key string) models.Resource {
	return models.Resource{InputURL: key, ResourceKey: key, Platform: "x"}
}

func sub(target string) models.Subscriber {
	return models.Subscriber{Target: target, OriginRef: "1", Kind: "private"}
}

func TestLedgerEnqueue(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock)

	results, records := l.Enqueue([]models.Resource{res("a"), res("b"), res("a")}, sub("1"))
	require.Len(t, results, 3)
	require.Len(t, records, 2, "joining with the same subscriber appends nothing")
	require.False(t, results[0].Joined)
	require.False(t, results[1].Joined)
	require.True(t, results[2].Joined)
	require.Equal(t, results[0].Job.ID, results[2].Job.ID)

	results, records = l.Enqueue([]models.Resource{res("a")}, sub("2"))
	require.True(t, results[0].Joined)
	require.Len(t, records, 1)
	require.Len(t, records[0].Subscribers, 2)
}

func TestLedgerClaimOrder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock)

	l.Enqueue([]models.Resource{res("a")}, sub("1"))
	clock.Advance(time.Second)
	l.Enqueue([]models.Resource{res("b")}, sub("1"))

	first := l.ClaimNext("w1")
	require.NotNil(t, first)
	require.Equal(t, "a", first.ResourceKey)

	second := l.ClaimNext("w2")
	require.NotNil(t, second)
	require.Equal(t, "b", second.ResourceKey)

	require.Nil(t, l.ClaimNext("w3"))
}

func TestLedgerTerminalReleasesKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock)

	results, _ := l.Enqueue([]models.Resource{res("a")}, sub("1"))
	firstID := results[0].Job.ID

	j := l.ClaimNext("w1")
	_, err := l.Complete(store.LeaseOf(j), models.Result{FilePath: "/a"})
	require.NoError(t, err)

	results, _ = l.Enqueue([]models.Resource{res("a")}, sub("1"))
	require.False(t, results[0].Joined)
	require.NotEqual(t, firstID, results[0].Job.ID)
}

func TestLedgerLease(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock, WithMaxAttempts(3))

	l.Enqueue([]models.Resource{res("a")}, sub("1"))
	j := l.ClaimNext("w1")
	oldLease := store.LeaseOf(j)

	clock.Advance(time.Hour)
	reverted := l.ReconcileStale(time.Minute)
	require.Len(t, reverted, 1)
	require.Equal(t, models.StatePending, reverted[0].State)

	j2 := l.ClaimNext("w2")
	require.Equal(t, 2, j2.Attempts)

	_, err := l.Complete(oldLease, models.Result{})
	require.ErrorIs(t, err, store.ErrLeaseLost)

	done, err := l.Complete(store.LeaseOf(j2), models.Result{FilePath: "/b"})
	require.NoError(t, err)
	require.Equal(t, models.StateDone, done.State)
}

func TestLedgerReconcileExhausted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock, WithMaxAttempts(1))

	l.Enqueue([]models.Resource{res("a")}, sub("1"))
	l.ClaimNext("w1")

	clock.Advance(10 * time.Second)
	require.Empty(t, l.ReconcileStale(time.Minute), "fresh claims are left alone")

	clock.Advance(time.Hour)
	reverted := l.ReconcileStale(time.Minute)
	require.Len(t, reverted, 1)
	require.Equal(t, models.StateFailed, reverted[0].State)
	require.Equal(t, store.StaleReason, reverted[0].Error)
}

func TestLedgerApplyIgnoresRegression(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLedger(clock)

	_, records := l.Enqueue([]models.Resource{res("a")}, sub("1"))
	pending := records[0]
	j := l.ClaimNext("w1")
	_, err := l.Complete(store.LeaseOf(j), models.Result{})
	require.NoError(t, err)

	l.Apply(pending)
	got, ok := l.Get(pending.ID)
	require.True(t, ok)
	require.Equal(t, models.StateDone, got.State)
	require.Nil(t, l.ClaimNext("w1"))
}
