package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/models"
)

func testJob() *models.Job {
	return &models.Job{
		ID:       "job-1",
		InputURL: "https://x.com/u/status/1",
		Platform: "x",
		State:    models.StateDone,
		Attempts: 1,
		Result:   &models.Result{FilePath: "/d/x_1.mp4", SizeBytes: 10},
		Subscribers: []models.Subscriber{
			{Target: "a", OriginRef: "1", Kind: "private"},
			{Target: "b", OriginRef: "2", Kind: "group"},
			{Target: "c", OriginRef: "3", ThreadRef: "7", Kind: "group"},
		},
	}
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	ch, err := NewChannel(ChannelConfig{
		URL:           url,
		Secret:        "s3cret",
		MaxTries:      3,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return ch
}

func TestChannelDeliver(t *testing.T) {
	var got models.Event
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get(TokenHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := testJob()
	ev := models.NewEvent(j, j.Subscribers[0], models.EventDone)
	require.NoError(t, newTestChannel(t, srv.URL).Deliver(context.Background(), ev))

	require.Equal(t, "s3cret", token)
	require.Equal(t, ev, got)
}

func TestChannelRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := testJob()
	err := newTestChannel(t, srv.URL).Deliver(context.Background(), models.NewEvent(j, j.Subscribers[0], models.EventDone))
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestChannelGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantCalls int32
	}{
		{name: "exhausted retries", code: http.StatusBadGateway, wantCalls: 3},
		{name: "rate limited", code: http.StatusTooManyRequests, wantCalls: 3},
		{name: "unauthorized is permanent", code: http.StatusUnauthorized, wantCalls: 1},
		{name: "bad request is permanent", code: http.StatusBadRequest, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			j := testJob()
			ev := models.NewEvent(j, j.Subscribers[0], models.EventFailed)
			err := newTestChannel(t, srv.URL).Deliver(context.Background(), ev)

			var de *DeliveryError
			require.True(t, errors.As(err, &de))
			require.Equal(t, ev.EventID, de.EventID)
			require.Equal(t, tt.code, de.StatusCode)
			require.EqualValues(t, tt.wantCalls, de.Attempts)
			require.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestChannelTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	j := testJob()
	err := newTestChannel(t, url).Deliver(context.Background(), models.NewEvent(j, j.Subscribers[0], models.EventDone))
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 3, de.Attempts)
	require.Zero(t, de.StatusCode)
}

func TestNewChannelRequiresURL(t *testing.T) {
	_, err := NewChannel(ChannelConfig{})
	require.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	fail   map[string]bool
}

func (s *recordingSink) Deliver(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail[ev.Subscriber.Target] {
		return &DeliveryError{EventID: ev.EventID, Attempts: 1, Err: errors.New("down")}
	}
	return nil
}

type recordingRecorder struct {
	jobID, eventID, callbackErr string
	calls                       int
}

func (r *recordingRecorder) RecordNotification(_ context.Context, jobID, eventID, callbackErr string) (*models.Job, error) {
	r.calls++
	r.jobID, r.eventID, r.callbackErr = jobID, eventID, callbackErr
	return nil, nil
}

func TestFanoutOneEventPerSubscriber(t *testing.T) {
	sink := &recordingSink{}
	rec := &recordingRecorder{}
	n := NewNotifier(sink, WithRecorder(rec))

	j := testJob()
	res := n.Fanout(context.Background(), j, models.EventDone)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Delivered)
	require.Len(t, sink.events, 3)

	ids := map[string]bool{}
	for _, ev := range sink.events {
		require.Equal(t, models.EventDone, ev.Status)
		require.Equal(t, j.Result, ev.Payload.Result)
		ids[ev.EventID] = true
	}
	require.Len(t, ids, 3)

	require.Equal(t, 1, rec.calls)
	require.Equal(t, j.ID, rec.jobID)
	require.Equal(t, res.Events[2].EventID, rec.eventID)
	require.Empty(t, rec.callbackErr)
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	sink := &recordingSink{fail: map[string]bool{"b": true}}
	rec := &recordingRecorder{}
	n := NewNotifier(sink, WithRecorder(rec), WithParallelism(1))

	res := n.Fanout(context.Background(), testJob(), models.EventDone)
	require.Error(t, res.Err)
	require.Equal(t, 2, res.Delivered)
	require.Len(t, sink.events, 3)
	require.Contains(t, rec.callbackErr, "down")
}

func TestFanoutIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink)

	first := n.Fanout(context.Background(), testJob(), models.EventFailed)
	second := n.Fanout(context.Background(), testJob(), models.EventFailed)
	require.Equal(t, first.Events, second.Events)
}
