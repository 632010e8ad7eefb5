// Package delivery pushes job events to subscribers' consumer endpoint and
// receives them on the consumer side.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
)

// TokenHeader carries the shared secret on every delivery.
const TokenHeader = "X-Internal-Token"

const (
	DefaultMaxTries      = 3
	DefaultRetryInterval = 800 * time.Millisecond
	DefaultTimeout       = 10 * time.Second

	maxErrorBody = 512
)

// DeliveryError is returned once every attempt to deliver an event failed.
type DeliveryError struct {
	EventID    string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery of event %s failed after %d attempt(s) with status %d: %v", e.EventID, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery of event %s failed after %d attempt(s): %v", e.EventID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	URL    string
	Secret string
	// MaxTries is the number of attempts per event.
	MaxTries      int
	RetryInterval time.Duration
	Timeout       time.Duration
	Client        *http.Client
}

// Channel delivers events with an HTTP POST per attempt.
type Channel struct {
	url      string
	secret   string
	maxTries int
	interval time.Duration
	client   *http.Client
	metrics  *telemetry.Metrics
}

// NewChannel creates a channel for cfg.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("delivery URL is required")
	}
	c := &Channel{
		url:      cfg.URL,
		secret:   cfg.Secret,
		maxTries: cfg.MaxTries,
		interval: cfg.RetryInterval,
		client:   cfg.Client,
		metrics:  telemetry.GetMetrics(),
	}
	if c.maxTries <= 0 {
		c.maxTries = DefaultMaxTries
	}
	if c.interval <= 0 {
		c.interval = DefaultRetryInterval
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

// statusError is a non-2xx response from the consumer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("consumer responded %d", e.code)
	}
	return fmt.Sprintf("consumer responded %d: %s", e.code, e.body)
}

// retryable reports whether a response with code may succeed on a later try.
func retryable(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Deliver posts ev, retrying transport failures and retryable statuses with
// exponential backoff.
func (c *Channel) Deliver(ctx context.Context, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	attempts := 0
	attrs := metric.WithAttributes(attribute.String("status", string(ev.Status)))

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.interval
	expo.MaxInterval = 10 * c.interval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, c.post(ctx, body)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.maxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).
				Str("event_id", ev.EventID).
				Str("job_id", ev.JobID).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Msg("Event delivery failed, retrying")
		}),
	)

	c.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		c.metrics.DeliveryErrorsTotal.Add(ctx, 1, attrs)
		de := &DeliveryError{EventID: ev.EventID, Attempts: attempts, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			de.StatusCode = se.code
		}
		return de
	}

	c.metrics.DeliveriesTotal.Add(ctx, 1, attrs)
	log.Debug().
		Str("event_id", ev.EventID).
		Str("job_id", ev.JobID).
		Str("status", string(ev.Status)).
		Int("attempts", attempts).
		Msg("Event delivered")
	return nil
}

func (c *Channel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(snippet))}
	if !retryable(resp.StatusCode) {
		return backoff.Permanent(se)
	}
	return se
}
