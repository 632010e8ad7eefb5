package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type StackCmd struct {
	API       APIFlags       `embed:""`
	Worker    WorkerFlags    `embed:""`
	Store     StoreFlags     `embed:""`
	Delivery  DeliveryFlags  `embed:""`
	Telemetry TelemetryFlags `embed:""`

	Consumer     bool   `help:"also run the reference event consumer"`
	ConsumerAddr string `help:"address of the reference event consumer" default:"127.0.0.1:8090"`
}

func (c *StackCmd) Run(ctx context.Context, globals *Globals) error {
	_, closeLog, err := globals.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().Str("version", globals.Version).Bool("consumer", c.Consumer).Msg("Starting clipdrop stack")

	shutdownTelemetry := c.Telemetry.setup(ctx, "clipdrop", globals.Version)
	defer shutdownTelemetry()

	st, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	n, err := c.Delivery.notifier(st)
	if err != nil {
		return fmt.Errorf("failed to configure delivery: %w", err)
	}
	notifier, sink := eventTargets(n)

	pool, err := c.Worker.pool(st, notifier, globals.Debug)
	if err != nil {
		return err
	}
	reconciler := c.Worker.reconciler(st, notifier)

	runners := []func(context.Context) error{
		func(ctx context.Context) error { return c.API.serveAPI(ctx, st, sink) },
		pool.Run,
		reconciler.Run,
	}
	if c.Consumer {
		consumer := &ConsumeCmd{Addr: c.ConsumerAddr, Secret: c.Delivery.Secret}
		runners = append(runners, consumer.serve)
	}
	return runAll(ctx, runners...)
}

// runAll runs every function until one fails or ctx is cancelled.
func runAll(ctx context.Context, runners ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}
	return g.Wait()
}
