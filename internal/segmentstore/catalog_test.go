package segmentstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	querycore "github.com/lychee-technology/forma"
)

func testCatalog(t *testing.T, localDir string) *Catalog {
	t.Helper()
	cfg := querycore.DuckDBConfig{SegmentBucket: "analytics-segments"}
	c, err := NewCatalog(context.Background(), cfg, localDir, zap.S())
	require.NoError(t, err)
	return c
}

func TestCatalogRegisterAndHas(t *testing.T) {
	c := testCatalog(t, t.TempDir())

	assert.False(t, c.Has("events_OFFLINE", "seg_0001"))
	c.Register("events_OFFLINE", "seg_0001")
	assert.True(t, c.Has("events_OFFLINE", "seg_0001"))
	assert.Equal(t, 1, c.KnownCount())

	// Re-registering the same segment is idempotent.
	c.Register("events_OFFLINE", "seg_0001")
	assert.Equal(t, 1, c.KnownCount())
}

func TestCatalogS3Path(t *testing.T) {
	c := testCatalog(t, t.TempDir())
	assert.Equal(t,
		"s3://analytics-segments/segments/events_OFFLINE/seg_0001.parquet",
		c.S3Path("events_OFFLINE", "seg_0001"))
}

func TestCatalogResolveScanPathPrefersLocal(t *testing.T) {
	dir := t.TempDir()
	c := testCatalog(t, dir)

	// No local copy: resolve to the s3 URI.
	assert.Equal(t, c.S3Path("events_OFFLINE", "seg_0001"), c.ResolveScanPath("events_OFFLINE", "seg_0001"))

	local := filepath.Join(dir, "events_OFFLINE", "seg_0001.parquet")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("stub"), 0o644))

	assert.Equal(t, local, c.ResolveScanPath("events_OFFLINE", "seg_0001"))
}

func TestCatalogStageWithoutS3ClientFails(t *testing.T) {
	c := testCatalog(t, t.TempDir())
	_, err := c.Stage(context.Background(), "events_OFFLINE", "seg_0001")
	require.Error(t, err)
}
