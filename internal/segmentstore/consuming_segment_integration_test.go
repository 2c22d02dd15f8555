package segmentstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	querycore "github.com/lychee-technology/forma"
)

// startPostgres spins up a throwaway Postgres for the consuming-segment
// round trip. Skipped in short mode so the unit suite stays hermetic.
func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:password@%s:%s/postgres?sslmode=disable", host, mapped.Port())

	var pool *pgxpool.Pool
	deadline := time.Now().Add(20 * time.Second)
	for {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres did not become ready: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestConsumingSegmentRoundTripIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	_, err := pool.Exec(ctx, `CREATE TABLE events_buffer (
		city TEXT NOT NULL,
		n BIGINT NOT NULL,
		ingested_at_ms BIGINT NOT NULL
	)`)
	require.NoError(t, err)

	seg := NewConsumingSegment(
		pool,
		"events_REALTIME",
		"seg_consuming_0",
		"events_buffer",
		[]string{"city", "n"},
		[]querycore.ColumnDataType{querycore.ColumnTypeString, querycore.ColumnTypeLong},
		zap.S(),
	)

	require.NoError(t, seg.Append(ctx, []any{"A", int64(1)}))
	require.NoError(t, seg.Append(ctx, []any{"B", int64(2)}))
	require.NoError(t, seg.Append(ctx, []any{"A", int64(3)}))

	described, err := seg.Describe(ctx)
	require.NoError(t, err)
	assert.True(t, described.Mutable)
	assert.Equal(t, int64(3), described.TotalDocs)
	assert.Greater(t, described.LatestIngestionTimeMs, int64(0))
	assert.LessOrEqual(t, described.LastIndexedTimeMs, described.LatestIngestionTimeMs)

	rows, err := seg.SnapshotRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"A", int64(1)}, rows[0].Values)
}
