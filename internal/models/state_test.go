package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJob(maxAttempts int) *Job {
	return NewJob("job-1", Resource{
		InputURL:    "https://www.tiktok.com/@u/video/1",
		ResourceKey: "https://tiktok.com/@u/video/1",
		Platform:    "tiktok",
	}, Subscriber{Target: "100", OriginRef: "1", Kind: "private"}, maxAttempts, time.Now())
}

func TestStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateDone, false},
		{StatePending, StateFailed, false},
		{StateRunning, StateDone, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StatePending, true},
		{StateDone, StatePending, false},
		{StateDone, StateRunning, false},
		{StateFailed, StatePending, false},
		{StateFailed, StateDone, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	now := time.Now()

	t.Run("claim then complete", func(t *testing.T) {
		j := newTestJob(2)
		require.NoError(t, j.Claim("w1", now))
		require.Equal(t, StateRunning, j.State)
		require.Equal(t, 1, j.Attempts)
		require.Equal(t, "w1", j.ClaimedBy)
		require.NotNil(t, j.ClaimedAt)

		require.NoError(t, j.Complete(Result{FilePath: "/tmp/a.mp4"}, now))
		require.Equal(t, StateDone, j.State)
		require.NotNil(t, j.TerminalAt)
		require.Equal(t, "/tmp/a.mp4", j.Result.FilePath)
	})

	t.Run("second claim fails", func(t *testing.T) {
		j := newTestJob(2)
		require.NoError(t, j.Claim("w1", now))
		err := j.Claim("w2", now)
		require.ErrorIs(t, err, ErrAlreadyClaimed)
		require.Equal(t, "w1", j.ClaimedBy)
	})

	t.Run("transient failure requeues within budget", func(t *testing.T) {
		j := newTestJob(2)
		require.NoError(t, j.Claim("w1", now))
		next, err := j.Fail("timeout", "transient", false, now)
		require.NoError(t, err)
		require.Equal(t, StatePending, next)
		require.Equal(t, "timeout", j.Error)
		require.Nil(t, j.TerminalAt)

		require.NoError(t, j.Claim("w1", now))
		next, err = j.Fail("timeout again", "transient", false, now)
		require.NoError(t, err)
		require.Equal(t, StateFailed, next)
		require.Equal(t, "timeout again", j.Error)
	})

	t.Run("permanent failure is terminal", func(t *testing.T) {
		j := newTestJob(5)
		require.NoError(t, j.Claim("w1", now))
		next, err := j.Fail("private video", "permanent", true, now)
		require.NoError(t, err)
		require.Equal(t, StateFailed, next)
	})

	t.Run("terminal jobs reject everything", func(t *testing.T) {
		j := newTestJob(1)
		require.NoError(t, j.Claim("w1", now))
		require.NoError(t, j.Complete(Result{}, now))

		require.ErrorIs(t, j.Claim("w1", now), ErrAlreadyClaimed)
		require.ErrorIs(t, j.Complete(Result{}, now), ErrIllegalTransition)
		_, err := j.Fail("x", "transient", false, now)
		require.ErrorIs(t, err, ErrIllegalTransition)
		_, err = j.Revert("stale", now)
		require.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("complete requires running", func(t *testing.T) {
		j := newTestJob(1)
		require.ErrorIs(t, j.Complete(Result{}, now), ErrIllegalTransition)
	})
}

func TestJobAddSubscriber(t *testing.T) {
	j := newTestJob(1)

	require.False(t, j.AddSubscriber(Subscriber{Target: "100", OriginRef: "1", Kind: "group"}, time.Now()))
	require.True(t, j.AddSubscriber(Subscriber{Target: "100", OriginRef: "2"}, time.Now()))
	require.True(t, j.AddSubscriber(Subscriber{Target: "100", OriginRef: "1", ThreadRef: "7"}, time.Now()))
	require.Len(t, j.Subscribers, 3)
	require.Equal(t, "2", j.Subscribers[1].OriginRef)
}

func TestJobClone(t *testing.T) {
	j := newTestJob(1)
	c := j.Clone()
	c.Subscribers[0].Target = "changed"
	require.Equal(t, "100", j.Subscribers[0].Target)
}
