//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := openPool(ctx, &PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxConns:   20,
	})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return pool, cleanup
}

func newTestStore(t *testing.T, ctx context.Context, pool *pgxpool.Pool, maxAttempts int) *JobStore {
	t.Helper()
	st, err := NewJobStore(ctx, pool, &JobStoreConfig{MaxAttempts: maxAttempts, AutoMigrate: true})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `TRUNCATE job_results, job_records, jobs`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIntegration_JobStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	storetest.Run(t, func(t *testing.T, maxAttempts int) store.JobStore {
		return newTestStore(t, ctx, pool, maxAttempts)
	})
}

func TestIntegration_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	require.NoError(t, runMigrations(ctx, pool))
	require.NoError(t, runMigrations(ctx, pool))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestIntegration_ResultsMirror(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := newTestStore(t, ctx, pool, 1)

	results, err := st.EnqueueBatch(ctx, []models.Resource{storetest.Resource("1")}, storetest.Subscriber("a"))
	require.NoError(t, err)

	j, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	_, err = st.Complete(ctx, store.LeaseOf(j), models.Result{FilePath: "/a.mp4"})
	require.NoError(t, err)

	var state string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT state FROM job_results WHERE job_id = $1`, results[0].Job.ID).Scan(&state))
	require.Equal(t, "done", state)
}

func TestIntegration_ActiveKeyIndex(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := newTestStore(t, ctx, pool, 1)

	_, err := st.EnqueueBatch(ctx, []models.Resource{storetest.Resource("1")}, storetest.Subscriber("a"))
	require.NoError(t, err)

	// a raw insert that bypasses create-or-join is rejected by the index
	_, err = pool.Exec(ctx, `
		INSERT INTO jobs (job_id, resource_key, state, snapshot, created_at, updated_at)
		VALUES ('dup', $1, 'pending', '{}', NOW(), NOW())
	`, storetest.Resource("1").ResourceKey)
	require.Error(t, err)
	require.ErrorContains(t, mapPostgresError(err), "resource key already has an active job")
}

func TestIntegration_EnqueueBatchReturnsCommittedOnFailure(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := newTestStore(t, ctx, pool, 1)

	// PostgreSQL rejects NUL bytes in text columns
	bad := models.Resource{InputURL: "https://x.com/a/status/2", ResourceKey: "bad\x00key", Platform: "twitter"}
	results, err := st.EnqueueBatch(ctx, []models.Resource{storetest.Resource("1"), bad}, storetest.Subscriber("a"))
	require.Error(t, err)
	require.ErrorContains(t, err, "after 1 of 2 resources")
	require.Len(t, results, 1)

	j, err := st.GetJob(ctx, results[0].Job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, j.State)
}
