package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/enqueue"
	"github.com/1204al/clipdrop-bot/internal/links"
	"github.com/1204al/clipdrop-bot/internal/server"
	"github.com/1204al/clipdrop-bot/internal/store"
)

// APIFlags configures the HTTP API.
type APIFlags struct {
	Host        string   `help:"address the API listens on" default:"0.0.0.0" env:"CLIPDROP_HOST,SERVICE_HOST"`
	Port        int      `help:"port the API listens on" default:"8000" env:"CLIPDROP_PORT,SERVICE_PORT"`
	CORSOrigins []string `help:"allowed CORS origins, empty disables CORS" env:"CLIPDROP_CORS_ORIGINS"`
	MaxPerBatch int      `help:"supported links accepted per request" default:"5" env:"CLIPDROP_MAX_PER_BATCH"`
}

func (a *APIFlags) handler(st store.JobStore, sink enqueue.EventSink) (*server.Server, *enqueue.Service) {
	opts := []enqueue.Option{enqueue.WithMaxPerBatch(a.MaxPerBatch)}
	if sink != nil {
		opts = append(opts, enqueue.WithEventSink(sink))
	}
	svc := enqueue.NewService(st, enqueue.ClassifierFunc(links.Classify), opts...)
	return server.NewServer(st, svc), svc
}

// serveAPI runs the API until ctx is cancelled and waits for outstanding
// started events.
func (a *APIFlags) serveAPI(ctx context.Context, st store.JobStore, sink enqueue.EventSink) error {
	srv, svc := a.handler(st, sink)
	defer svc.Wait()

	httpServer := configureHTTPServer(hostPort(a.Host, a.Port), srv.Handler(log.Logger, a.CORSOrigins...))
	return serve(ctx, httpServer)
}

type ServiceCmd struct {
	API       APIFlags       `embed:""`
	Store     StoreFlags     `embed:""`
	Delivery  DeliveryFlags  `embed:""`
	Telemetry TelemetryFlags `embed:""`
}

func (s *ServiceCmd) Run(ctx context.Context, globals *Globals) error {
	_, closeLog, err := globals.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().Str("version", globals.Version).Msg("Starting clipdrop service")

	shutdownTelemetry := s.Telemetry.setup(ctx, "clipdrop-service", globals.Version)
	defer shutdownTelemetry()

	st, err := s.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	n, err := s.Delivery.notifier(st)
	if err != nil {
		return fmt.Errorf("failed to configure delivery: %w", err)
	}
	_, sink := eventTargets(n)

	return s.API.serveAPI(ctx, st, sink)
}
