package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/delivery"
	"github.com/1204al/clipdrop-bot/internal/enqueue"
	"github.com/1204al/clipdrop-bot/internal/logger"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/store/journal"
	"github.com/1204al/clipdrop-bot/internal/store/ledger"
	memorystore "github.com/1204al/clipdrop-bot/internal/store/memory"
	postgresstore "github.com/1204al/clipdrop-bot/internal/store/postgres"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
	"github.com/1204al/clipdrop-bot/internal/worker"
)

type Globals struct {
	Debug   bool
	LogFile string
	Version string
}

// setupLogging configures the global logger and returns a function closing
// the log file, if any.
func (g *Globals) setupLogging() (zerolog.Logger, func(), error) {
	var outputs []io.Writer
	closer := func() {}
	if g.LogFile != "" {
		f, err := logger.OpenFile(g.LogFile)
		if err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("failed to open log file: %w", err)
		}
		outputs = append(outputs, f)
		closer = func() { _ = f.Close() }
	}
	l := logger.Setup(g.Debug, outputs...)
	log.Logger = l
	return l, closer, nil
}

// StoreFlags selects and configures the job store backend.
type StoreFlags struct {
	Type        string `name:"store" help:"job store backend (memory, journal or postgres)" default:"journal" enum:"memory,journal,postgres" env:"CLIPDROP_STORE"`
	MaxAttempts int    `help:"fetch attempts per job before it fails" default:"2" env:"CLIPDROP_MAX_ATTEMPTS,MAX_ATTEMPTS"`

	Journal  JournalStoreFlags  `embed:"" prefix:"journal-"`
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type JournalStoreFlags struct {
	Dir           string `help:"directory holding queue.jsonl, results.jsonl and the lock file" default:"data" env:"CLIPDROP_JOURNAL_DIR"`
	ArchiveDir    string `help:"directory for compressed journals replaced by compaction" env:"CLIPDROP_JOURNAL_ARCHIVE_DIR"`
	CompactAfter  int    `help:"records in the journal before it is compacted, negative disables" default:"10000"`
	RetentionDays int    `help:"days archived journals are kept, zero keeps them forever" default:"30"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    int32         `help:"query timeout in seconds, negative disables" default:"10"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CLIPDROP_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("--postgres-min-conns (%d) exceeds --postgres-max-conns (%d)", s.MinConns, s.MaxConns)
	}
	return nil
}

func (s *StoreFlags) validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("--max-attempts must be at least 1, got %d", s.MaxAttempts)
	}
	if s.Type == "postgres" {
		return s.Postgres.validate()
	}
	return nil
}

// open creates the configured job store.
func (s *StoreFlags) open(ctx context.Context) (store.JobStore, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	switch s.Type {
	case "memory":
		log.Info().Msg("Using in-memory job store")
		return memorystore.NewJobStore(ledger.WithMaxAttempts(s.MaxAttempts)), nil

	case "postgres":
		st, err := postgresstore.Open(ctx, &postgresstore.PoolConfig{
			ConnString:      s.Postgres.ConnString,
			MaxConns:        s.Postgres.MaxConns,
			MinConns:        s.Postgres.MinConns,
			MaxConnLifetime: s.Postgres.MaxConnLifetime,
			MaxConnIdleTime: s.Postgres.MaxConnIdleTime,
		}, &postgresstore.JobStoreConfig{
			MaxAttempts:         s.MaxAttempts,
			QueryTimeoutSeconds: s.Postgres.QueryTimeout,
			AutoMigrate:         s.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres job store: %w", err)
		}
		log.Info().Msg("Using PostgreSQL job store")
		return st, nil

	default:
		st, err := journal.Open(journal.Config{
			Dir:           s.Journal.Dir,
			ArchiveDir:    s.Journal.ArchiveDir,
			CompactAfter:  s.Journal.CompactAfter,
			RetentionDays: s.Journal.RetentionDays,
		}, ledger.WithMaxAttempts(s.MaxAttempts))
		if err != nil {
			return nil, fmt.Errorf("failed to open journal job store: %w", err)
		}
		log.Info().Str("dir", s.Journal.Dir).Msg("Using journal job store")
		return st, nil
	}
}

// DeliveryFlags configures outbound event delivery.
type DeliveryFlags struct {
	CallbackURL   string        `name:"callback-url" help:"consumer endpoint receiving job events, empty disables delivery" default:"http://127.0.0.1:8090/internal/job-events" env:"CLIPDROP_CALLBACK_URL,WORKER_BOT_CALLBACK_URL"`
	Secret        string        `name:"callback-secret" help:"shared secret sent in the X-Internal-Token header" default:"change-me" env:"CLIPDROP_CALLBACK_SECRET,BOT_CALLBACK_SECRET"`
	Attempts      int           `name:"callback-attempts" help:"delivery attempts per event" default:"3" env:"CLIPDROP_CALLBACK_ATTEMPTS"`
	RetryInterval time.Duration `name:"callback-retry-interval" help:"initial delay between delivery attempts" default:"800ms"`
	Timeout       time.Duration `name:"callback-timeout" help:"timeout of one delivery attempt" default:"10s"`
}

// notifier returns nil when delivery is disabled.
func (d *DeliveryFlags) notifier(st store.JobStore) (*delivery.Notifier, error) {
	if d.CallbackURL == "" {
		log.Warn().Msg("No callback URL configured, job events will not be delivered")
		return nil, nil
	}
	if d.Secret == "change-me" {
		log.Warn().Msg("Using the default callback secret")
	}
	ch, err := delivery.NewChannel(delivery.ChannelConfig{
		URL:           d.CallbackURL,
		Secret:        d.Secret,
		MaxTries:      d.Attempts,
		RetryInterval: d.RetryInterval,
		Timeout:       d.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return delivery.NewNotifier(ch, delivery.WithRecorder(st)), nil
}

// TelemetryFlags enables OTLP export of traces and metrics.
type TelemetryFlags struct {
	Tracing     bool    `help:"enable OpenTelemetry tracing and metrics export" default:"false" env:"CLIPDROP_TRACING"`
	SampleRatio float64 `help:"trace sampling ratio" default:"1.0" env:"CLIPDROP_TRACE_SAMPLE_RATIO"`
}

// setup initialises telemetry and returns its shutdown function.
func (t *TelemetryFlags) setup(ctx context.Context, serviceName, version string) func() {
	if !t.Tracing {
		return func() {}
	}
	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, serviceName, version, t.SampleRatio)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Info().Str("addr", srv.Addr).Msg("HTTP server stopped")
	return nil
}

func closeStore(st store.JobStore) {
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job store")
	}
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// eventTargets converts an optional notifier into the interfaces the worker
// and enqueue packages accept, keeping a disabled notifier a nil interface.
func eventTargets(n *delivery.Notifier) (worker.Notifier, enqueue.EventSink) {
	if n == nil {
		return nil, nil
	}
	return n, n
}
