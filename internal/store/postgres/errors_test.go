package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/dedup"
	"github.com/1204al/clipdrop-bot/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "active resource key",
			err:    &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: activeResourceIndex},
			target: dedup.ErrKeyActive,
		},
		{
			name:   "missing parent job",
			err:    fmt.Errorf("insert record: %w", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}),
			target: store.ErrJobNotFound,
		},
		{
			name:   "server shutting down",
			err:    &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			target: store.ErrStoreClosed,
		},
		{
			name:   "connection failure",
			err:    &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			target: store.ErrStoreClosed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, mapPostgresError(tc.err), tc.target)
		})
	}
}

func TestMapPostgresErrorPassthrough(t *testing.T) {
	require.NoError(t, mapPostgresError(nil))

	plain := errors.New("boom")
	require.Equal(t, plain, mapPostgresError(plain))

	other := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "jobs_pkey", Message: "duplicate key"}
	err := mapPostgresError(other)
	require.NotErrorIs(t, err, dedup.ErrKeyActive)
	require.ErrorContains(t, err, "jobs_pkey")

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
}

func TestStartupRetryable(t *testing.T) {
	require.True(t, startupRetryable(&pgconn.PgError{Code: pgerrcode.CannotConnectNow}))
	require.False(t, startupRetryable(&pgconn.PgError{Code: pgerrcode.InvalidPassword}))
	require.False(t, startupRetryable(errors.New("boom")))
}

func TestConfigDefaults(t *testing.T) {
	pc := &PoolConfig{ConnString: "postgres://localhost/clipdrop"}
	pc.ApplyDefaults()
	require.EqualValues(t, 10, pc.MaxConns)
	require.EqualValues(t, 1, pc.MinConns)
	require.NoError(t, pc.Validate())

	pc.MinConns = 20
	require.Error(t, pc.Validate())

	jc := &JobStoreConfig{}
	jc.ApplyDefaults()
	require.Equal(t, 2, jc.MaxAttempts)
	require.EqualValues(t, 10, jc.QueryTimeoutSeconds)

	jc = &JobStoreConfig{QueryTimeoutSeconds: -1}
	jc.ApplyDefaults()
	require.EqualValues(t, -1, jc.QueryTimeoutSeconds)
}
