package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/1204al/clipdrop-bot/internal/models"
)

// Sink delivers one event.
type Sink interface {
	Deliver(ctx context.Context, ev models.Event) error
}

// Recorder stores delivery bookkeeping on the job.
type Recorder interface {
	RecordNotification(ctx context.Context, jobID, eventID, callbackErr string) (*models.Job, error)
}

const defaultFanoutParallelism = 4

// Notifier fans job transitions out to every subscriber.
type Notifier struct {
	sink        Sink
	recorder    Recorder
	parallelism int
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithRecorder records the outcome of every fan-out on the job.
func WithRecorder(r Recorder) NotifierOption {
	return func(n *Notifier) { n.recorder = r }
}

// WithParallelism bounds concurrent deliveries within one fan-out.
func WithParallelism(p int) NotifierOption {
	return func(n *Notifier) { n.parallelism = max(1, p) }
}

// NewNotifier creates a notifier delivering through sink.
func NewNotifier(sink Sink, opts ...NotifierOption) *Notifier {
	n := &Notifier{sink: sink, parallelism: defaultFanoutParallelism}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FanoutResult summarizes one fan-out.
type FanoutResult struct {
	Events    []models.Event
	Delivered int
	// Err joins every DeliveryError of the pass.
	Err error
}

// Deliver sends a single event.
func (n *Notifier) Deliver(ctx context.Context, ev models.Event) error {
	return n.sink.Deliver(ctx, ev)
}

// Fanout delivers one event per subscriber of j. Each delivery is independent:
// a failing subscriber never prevents delivery to the others.
func (n *Notifier) Fanout(ctx context.Context, j *models.Job, status models.EventStatus) FanoutResult {
	events := models.Events(j, status)
	errs := make([]error, len(events))

	g := new(errgroup.Group)
	g.SetLimit(n.parallelism)
	for i, ev := range events {
		g.Go(func() error {
			if err := n.sink.Deliver(ctx, ev); err != nil {
				log.Error().Err(err).
					Str("job_id", ev.JobID).
					Str("event_id", ev.EventID).
					Str("target", ev.Subscriber.Target).
					Msg("Abandoning event delivery")
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	res := FanoutResult{Events: events, Err: errors.Join(errs...)}
	for _, err := range errs {
		if err == nil {
			res.Delivered++
		}
	}

	if n.recorder != nil && len(events) > 0 {
		callbackErr := ""
		if res.Err != nil {
			callbackErr = res.Err.Error()
		}
		last := events[len(events)-1].EventID
		if _, err := n.recorder.RecordNotification(context.WithoutCancel(ctx), j.ID, last, callbackErr); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to record notification outcome")
		}
	}

	log.Info().
		Str("job_id", j.ID).
		Str("status", string(status)).
		Int("subscribers", len(events)).
		Int("delivered", res.Delivered).
		Msg("Fanned out job event")
	return res
}
