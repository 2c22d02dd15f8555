package segmentstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	querycore "github.com/lychee-technology/forma"
)

// ingestPool is the minimal pgx surface the consuming segment needs. It
// matches *pgxpool.Pool and the pgxmock pools used in tests.
type ingestPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConsumingSegment is the mutable, append-only realtime segment: rows land
// in a Postgres buffer table as they are ingested, and queries see them
// before any parquet flush happens. One ConsumingSegment maps to one
// (table, segment id) pair and one buffer table.
type ConsumingSegment struct {
	SegmentID string
	Table     string

	pool        ingestPool
	bufferTable string
	columns     []string
	columnTypes []querycore.ColumnDataType
	logger      *zap.SugaredLogger
}

// NewConsumingSegment builds a consuming segment over an existing pgx pool.
// bufferTable must already exist with the given columns plus an
// ingested_at_ms BIGINT column maintained by this segment.
func NewConsumingSegment(pool *pgxpool.Pool, table, segmentID, bufferTable string, columns []string, columnTypes []querycore.ColumnDataType, logger *zap.SugaredLogger) *ConsumingSegment {
	return &ConsumingSegment{
		SegmentID:   segmentID,
		Table:       table,
		pool:        pool,
		bufferTable: bufferTable,
		columns:     columns,
		columnTypes: columnTypes,
		logger:      logger,
	}
}

// newConsumingSegmentWithPool is the test seam: pgxmock satisfies
// ingestPool directly.
func newConsumingSegmentWithPool(pool ingestPool, table, segmentID, bufferTable string, columns []string, columnTypes []querycore.ColumnDataType, logger *zap.SugaredLogger) *ConsumingSegment {
	return &ConsumingSegment{
		SegmentID:   segmentID,
		Table:       table,
		pool:        pool,
		bufferTable: bufferTable,
		columns:     columns,
		columnTypes: columnTypes,
		logger:      logger,
	}
}

// Append ingests one row into the buffer, stamping its ingestion time.
func (c *ConsumingSegment) Append(ctx context.Context, values []any) error {
	if len(values) != len(c.columns) {
		return fmt.Errorf("append to %s: got %d values for %d columns", c.SegmentID, len(values), len(c.columns))
	}
	cols := make([]string, 0, len(c.columns)+1)
	marks := make([]string, 0, len(c.columns)+1)
	args := make([]any, 0, len(c.columns)+1)
	for i, col := range c.columns {
		cols = append(cols, quotePgIdent(col))
		marks = append(marks, fmt.Sprintf("$%d", i+1))
		args = append(args, values[i])
	}
	cols = append(cols, "ingested_at_ms")
	marks = append(marks, fmt.Sprintf("$%d", len(args)+1))
	args = append(args, time.Now().UnixMilli())

	sqlText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quotePgIdent(c.bufferTable), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := c.pool.Exec(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("append to consuming segment %s: %w", c.SegmentID, err)
	}
	return nil
}

// Describe snapshots the buffer into the read-only Segment handle the query
// core operates on. The snapshot takes the per-segment advisory lock when it
// is free; when another session holds it, the snapshot runs without it.
func (c *ConsumingSegment) Describe(ctx context.Context) (*querycore.Segment, error) {
	locked, err := c.tryAdvisoryLock(ctx)
	if err != nil {
		return nil, err
	}
	if locked {
		defer c.advisoryUnlock(ctx)
	}

	var totalDocs, latestIngestMs, lastIndexedMs int64
	row := c.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT count(*), coalesce(max(ingested_at_ms), 0), coalesce(min(ingested_at_ms), 0) FROM %s",
		quotePgIdent(c.bufferTable)))
	if err := row.Scan(&totalDocs, &latestIngestMs, &lastIndexedMs); err != nil {
		return nil, fmt.Errorf("describe consuming segment %s: %w", c.SegmentID, err)
	}

	cols := make(map[string]querycore.ColumnDataSource, len(c.columns))
	for i, name := range c.columns {
		// A buffer still receiving rows never advertises a dictionary:
		// min/max can be invalidated by the next append, so the pruner and
		// the dictionary-only plan must not rely on them.
		cols[name] = querycore.ColumnDataSource{
			Name:     name,
			Type:     c.columnTypes[i],
			Nullable: true,
		}
	}

	return &querycore.Segment{
		ID:                    c.SegmentID,
		TotalDocs:             totalDocs,
		Columns:               cols,
		Mutable:               true,
		LastIndexedTimeMs:     lastIndexedMs,
		LatestIngestionTimeMs: latestIngestMs,
	}, nil
}

// SnapshotRows reads the buffered rows for a scan, columns in declaration
// order.
func (c *ConsumingSegment) SnapshotRows(ctx context.Context) ([]querycore.Record, error) {
	quoted := make([]string, len(c.columns))
	for i, col := range c.columns {
		quoted[i] = quotePgIdent(col)
	}
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY ingested_at_ms",
		strings.Join(quoted, ", "), quotePgIdent(c.bufferTable)))
	if err != nil {
		return nil, fmt.Errorf("snapshot consuming segment %s: %w", c.SegmentID, err)
	}
	defer rows.Close()

	var out []querycore.Record
	for rows.Next() {
		vals := make([]any, len(c.columns))
		ptrs := make([]any, len(c.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("snapshot row: %w", err)
		}
		for i := range vals {
			vals[i] = normalizeScanValue(vals[i])
		}
		out = append(out, querycore.Record{Values: vals})
	}
	return out, rows.Err()
}

func (c *ConsumingSegment) tryAdvisoryLock(ctx context.Context) (bool, error) {
	var locked bool
	err := c.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", c.SegmentID).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("advisory lock for %s: %w", c.SegmentID, err)
	}
	return locked, nil
}

func (c *ConsumingSegment) advisoryUnlock(ctx context.Context) {
	if _, err := c.pool.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", c.SegmentID); err != nil && c.logger != nil {
		c.logger.Warnw("advisory unlock failed", "segment", c.SegmentID, "err", err)
	}
}

func quotePgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
