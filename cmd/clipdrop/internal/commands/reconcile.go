package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/worker"
)

type ReconcileCmd struct {
	Store    StoreFlags    `embed:""`
	Delivery DeliveryFlags `embed:""`

	ClaimTimeout time.Duration `help:"age after which a running job is considered stale" default:"30m"`
}

func (c *ReconcileCmd) Run(ctx context.Context, globals *Globals) error {
	_, closeLog, err := globals.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	n, err := c.Delivery.notifier(st)
	if err != nil {
		return fmt.Errorf("failed to configure delivery: %w", err)
	}
	notifier, _ := eventTargets(n)

	jobs, err := worker.NewReconciler(st, notifier, c.ClaimTimeout, 0).RunOnce(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("reverted", len(jobs)).Msg("Reconcile pass complete")
	return nil
}
