package segmentstore

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	querycore "github.com/lychee-technology/forma"
)

func newMockedConsumingSegment(t *testing.T) (*ConsumingSegment, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	seg := newConsumingSegmentWithPool(
		mock,
		"events_REALTIME",
		"seg_consuming_0",
		"events_buffer",
		[]string{"city", "n"},
		[]querycore.ColumnDataType{querycore.ColumnTypeString, querycore.ColumnTypeLong},
		zap.S(),
	)
	return seg, mock
}

func TestConsumingSegmentAppend(t *testing.T) {
	seg, mock := newMockedConsumingSegment(t)

	mock.ExpectExec(`INSERT INTO "events_buffer"`).
		WithArgs("A", int64(3), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := seg.Append(context.Background(), []any{"A", int64(3)})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumingSegmentAppendArityMismatch(t *testing.T) {
	seg, _ := newMockedConsumingSegment(t)
	err := seg.Append(context.Background(), []any{"A"})
	require.Error(t, err)
}

func TestConsumingSegmentDescribe(t *testing.T) {
	seg, mock := newMockedConsumingSegment(t)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs("seg_consuming_0").
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT count\(\*\)`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "max", "min"}).
			AddRow(int64(42), int64(1_700_000_500_000), int64(1_700_000_000_000)))
	mock.ExpectExec("pg_advisory_unlock").
		WithArgs("seg_consuming_0").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	s, err := seg.Describe(context.Background())
	require.NoError(t, err)

	assert.True(t, s.Mutable)
	assert.Equal(t, int64(42), s.TotalDocs)
	assert.Equal(t, int64(1_700_000_500_000), s.LatestIngestionTimeMs)
	assert.Equal(t, int64(1_700_000_000_000), s.LastIndexedTimeMs)

	// A consuming buffer never advertises a dictionary.
	assert.False(t, s.Columns["city"].HasDictionary)
	assert.False(t, s.Columns["city"].SortedDictionary)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumingSegmentSnapshotRows(t *testing.T) {
	seg, mock := newMockedConsumingSegment(t)

	mock.ExpectQuery(`SELECT "city", "n" FROM "events_buffer"`).
		WillReturnRows(pgxmock.NewRows([]string{"city", "n"}).
			AddRow("A", int64(1)).
			AddRow("B", int64(2)))

	rows, err := seg.SnapshotRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"A", int64(1)}, rows[0].Values)
	assert.Equal(t, []any{"B", int64(2)}, rows[1].Values)
	require.NoError(t, mock.ExpectationsWereMet())
}
