package commands

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/delivery"
	"github.com/1204al/clipdrop-bot/internal/logger"
	"github.com/1204al/clipdrop-bot/internal/models"
)

// EventsPath is where the reference consumer accepts job events.
const EventsPath = "/internal/job-events"

type ConsumeCmd struct {
	Addr     string `help:"address the consumer listens on" default:"127.0.0.1:8090" env:"CLIPDROP_CONSUMER_ADDR"`
	Secret   string `help:"shared secret expected in the X-Internal-Token header" default:"change-me" env:"CLIPDROP_CALLBACK_SECRET,BOT_CALLBACK_SECRET"`
	Capacity int    `help:"event ids remembered for duplicate suppression" default:"5000"`
}

func (c *ConsumeCmd) Run(ctx context.Context, globals *Globals) error {
	_, closeLog, err := globals.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().Str("version", globals.Version).Msg("Starting clipdrop event consumer")
	return c.serve(ctx)
}

func (c *ConsumeCmd) serve(ctx context.Context) error {
	if c.Secret == "" {
		return errors.New("consumer secret is required (--secret or BOT_CALLBACK_SECRET)")
	}

	mux := http.NewServeMux()
	mux.Handle(EventsPath, delivery.NewReceiver(c.Secret, delivery.NewIdempotencyTable(c.Capacity), delivery.HandlerFunc(logEvent)))

	return serve(ctx, configureHTTPServer(c.Addr, logger.Requests(log.Logger)(mux)))
}

func logEvent(_ context.Context, ev models.Event) error {
	entry := log.Info().
		Str("event_id", ev.EventID).
		Str("job_id", ev.JobID).
		Str("status", string(ev.Status)).
		Str("target", ev.Subscriber.Target)
	if ev.Payload.Result != nil {
		entry = entry.Str("file_path", ev.Payload.Result.FilePath)
	}
	if ev.Payload.FailureCategory != "" {
		entry = entry.Str("failure_category", ev.Payload.FailureCategory).Str("error", ev.Payload.Error)
	}
	entry.Msg("Job event received")
	return nil
}
