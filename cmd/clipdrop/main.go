package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/1204al/clipdrop-bot/cmd/clipdrop/internal/commands"
	"github.com/1204al/clipdrop-bot/internal/config"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool            `help:"Enable debug mode." env:"CLIPDROP_DEBUG,DEBUG"`
		LogFile string          `help:"Also write JSON logs to this file." env:"CLIPDROP_LOG_FILE,LOG_FILE"`
		Config  kong.ConfigFlag `help:"Load defaults from a YAML file." env:"CLIPDROP_CONFIG"`
		Version kong.VersionFlag

		Service   commands.ServiceCmd   `cmd:"" help:"Run the enqueue and job query HTTP API"`
		Worker    commands.WorkerCmd    `cmd:"" help:"Run fetch workers and the stale job reconciler"`
		Stack     commands.StackCmd     `cmd:"" help:"Run the API, workers and optionally the event consumer in one process"`
		Reconcile commands.ReconcileCmd `cmd:"" help:"Revert stale running jobs once and exit"`
		Consume   commands.ConsumeCmd   `cmd:"" help:"Run the reference event consumer"`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("clipdrop"),
		kong.Description("Deduplicating media fetch queue with at-least-once event delivery."),
		kong.Configuration(config.YAML),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, LogFile: cli.LogFile, Version: version})
	cmd.FatalIfErrorf(err)
}
