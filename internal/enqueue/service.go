// Package enqueue accepts batches of identifiers from a requester and turns
// the supported ones into jobs, joining active jobs for the same resource.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
)

// DefaultMaxPerBatch is the number of resources accepted from one request.
const DefaultMaxPerBatch = 5

// ValidationError reports a request that cannot be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNoSupportedResources is returned when no identifier in the batch is
// supported.
var ErrNoSupportedResources = &ValidationError{Field: "urls", Reason: "no supported URLs found"}

// Classifier decides whether an identifier is supported and resolves it.
type Classifier interface {
	Classify(identifier string) (models.Resource, bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(identifier string) (models.Resource, bool)

func (f ClassifierFunc) Classify(identifier string) (models.Resource, bool) {
	return f(identifier)
}

// EventSink receives the synthetic started event for subscribers that join a
// job already running.
type EventSink interface {
	Deliver(ctx context.Context, ev models.Event) error
}

// Accepted describes one resource of the batch that is now tracked by a job.
type Accepted struct {
	JobID       string       `json:"job_id"`
	State       models.State `json:"state"`
	Joined      bool         `json:"joined"`
	InputURL    string       `json:"input_url"`
	ResourceKey string       `json:"resource_key"`
	Platform    string       `json:"platform"`
}

// Batch is the outcome of one Enqueue call.
type Batch struct {
	Jobs []Accepted `json:"jobs"`
	// Found counts distinct supported resources before truncation.
	Found    int `json:"found"`
	Accepted int `json:"accepted"`
	// Rejected lists supported identifiers dropped by truncation, in input order.
	Rejected    []string `json:"rejected"`
	Unsupported int      `json:"unsupported"`
}

// Service is the enqueue path.
type Service struct {
	store       store.JobStore
	classifier  Classifier
	sink        EventSink
	maxPerBatch int
	metrics     *telemetry.Metrics

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMaxPerBatch sets the per-request resource limit.
func WithMaxPerBatch(n int) Option {
	return func(s *Service) { s.maxPerBatch = max(1, n) }
}

// WithEventSink enables started events for subscribers joining running jobs.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// NewService creates an enqueue service.
func NewService(st store.JobStore, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		store:       st,
		classifier:  classifier,
		maxPerBatch: DefaultMaxPerBatch,
		metrics:     telemetry.GetMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates, classifies, deduplicates and truncates identifiers, then
// creates or joins one job per accepted resource.
func (s *Service) Enqueue(ctx context.Context, identifiers []string, sub models.Subscriber) (*Batch, error) {
	if len(identifiers) == 0 {
		return nil, &ValidationError{Field: "urls", Reason: "at least one identifier is required"}
	}
	if sub.Target == "" {
		return nil, &ValidationError{Field: "subscriber.target", Reason: "must not be empty"}
	}
	if sub.OriginRef == "" {
		return nil, &ValidationError{Field: "subscriber.origin_ref", Reason: "must not be empty"}
	}

	batch := &Batch{Jobs: []Accepted{}, Rejected: []string{}}

	var resources []models.Resource
	seen := make(map[string]struct{})
	for _, id := range identifiers {
		res, ok := s.classifier.Classify(id)
		if !ok {
			batch.Unsupported++
			continue
		}
		if _, dup := seen[res.ResourceKey]; dup {
			continue
		}
		seen[res.ResourceKey] = struct{}{}
		resources = append(resources, res)
	}
	batch.Found = len(resources)

	if len(resources) > s.maxPerBatch {
		for _, res := range resources[s.maxPerBatch:] {
			batch.Rejected = append(batch.Rejected, res.InputURL)
		}
		resources = resources[:s.maxPerBatch]
	}

	if batch.Unsupported > 0 {
		s.metrics.LinksUnsupportedTotal.Add(ctx, int64(batch.Unsupported))
	}
	if len(batch.Rejected) > 0 {
		s.metrics.LinksRejectedTotal.Add(ctx, int64(len(batch.Rejected)))
	}

	if len(resources) == 0 {
		return nil, ErrNoSupportedResources
	}

	results, err := s.store.EnqueueBatch(ctx, resources, sub)
	if err != nil {
		for _, r := range results {
			// committed jobs still run and notify sub
			log.Warn().
				Str("job_id", r.Job.ID).
				Str("resource_key", r.Job.ResourceKey).
				Bool("joined", r.Joined).
				Msg("Resource enqueued before batch failure")
		}
		return nil, fmt.Errorf("failed to enqueue batch after %d of %d resources: %w", len(results), len(resources), err)
	}

	for i, r := range results {
		attrs := metric.WithAttributes(attribute.String("platform", r.Job.Platform))
		if r.Joined {
			s.metrics.JobsJoinedTotal.Add(ctx, 1, attrs)
		} else {
			s.metrics.JobsEnqueuedTotal.Add(ctx, 1, attrs)
		}

		batch.Jobs = append(batch.Jobs, Accepted{
			JobID:       r.Job.ID,
			State:       r.Job.State,
			Joined:      r.Joined,
			InputURL:    resources[i].InputURL,
			ResourceKey: r.Job.ResourceKey,
			Platform:    r.Job.Platform,
		})

		if r.Joined && r.Job.State == models.StateRunning {
			s.notifyStarted(ctx, r.Job, sub)
		}
	}
	batch.Accepted = len(batch.Jobs)

	log.Info().
		Str("target", sub.Target).
		Int("accepted", batch.Accepted).
		Int("rejected", len(batch.Rejected)).
		Int("unsupported", batch.Unsupported).
		Msg("Enqueued batch")

	return batch, nil
}

// notifyStarted sends the started event to a subscriber that joined a running
// job. Delivery is best-effort and does not delay the response.
func (s *Service) notifyStarted(ctx context.Context, j *models.Job, sub models.Subscriber) {
	if s.sink == nil {
		return
	}
	ev := models.NewEvent(j, sub, models.EventStarted)
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sink.Deliver(ctx, ev); err != nil {
			log.Warn().Err(err).Str("job_id", ev.JobID).Str("event_id", ev.EventID).
				Msg("Failed to deliver started event to joining subscriber")
		}
	}()
}

// Wait blocks until in-flight started events are delivered.
func (s *Service) Wait() {
	s.wg.Wait()
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
