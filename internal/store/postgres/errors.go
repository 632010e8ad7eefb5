package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/1204al/clipdrop-bot/internal/dedup"
	"github.com/1204al/clipdrop-bot/internal/store"
)

// activeResourceIndex is the partial unique index enforcing one non-terminal
// job per resource key.
const activeResourceIndex = "jobs_active_resource_key"

// mapPostgresError translates server errors into the store's sentinel errors.
// Errors that are not *pgconn.PgError pass through unchanged.
func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeResourceIndex:
		return fmt.Errorf("%w: %s", dedup.ErrKeyActive, pgErr.Detail)

	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		// job_records references jobs, so a missing parent is an unknown job.
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, pgErr.Detail)

	case pgerrcode.IsConnectionException(pgErr.Code),
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CrashShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow:
		return fmt.Errorf("%w: database unavailable [%s]: %s", store.ErrStoreClosed, pgErr.Code, pgErr.Message)

	case pgErr.Code == pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)
	}

	if pgErr.ConstraintName != "" {
		return fmt.Errorf("postgres error [%s] on %s: %s: %w", pgErr.Code, pgErr.ConstraintName, pgErr.Message, err)
	}
	return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
}

// startupRetryable reports whether a failed connection attempt may succeed
// once the server finishes starting.
func startupRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.CannotConnectNow || pgerrcode.IsConnectionException(pgErr.Code)
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
