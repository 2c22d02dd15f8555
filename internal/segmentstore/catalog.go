package segmentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsCreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lychee-technology/forma/internal/setutil"

	querycore "github.com/lychee-technology/forma"
)

// Catalog resolves a segment id to the parquet object backing it. Immutable
// segments live as parquet files in S3 under a fixed path template
// ("segments/<table>/<segmentId>.parquet"); the catalog tracks which ids are
// registered and can stage an object into a local scan directory for the
// DuckDB reader.
type Catalog struct {
	bucket   string
	prefix   string
	localDir string

	mu    sync.Mutex
	known *setutil.IDSet

	s3Client *s3.Client
	logger   *zap.SugaredLogger
}

// NewCatalog builds a catalog over the configured segment bucket. The S3
// client is optional: a nil client restricts the catalog to local-path
// resolution, which is what tests and single-node setups use.
func NewCatalog(ctx context.Context, cfg querycore.DuckDBConfig, localDir string, logger *zap.SugaredLogger) (*Catalog, error) {
	c := &Catalog{
		bucket:   cfg.SegmentBucket,
		prefix:   "segments",
		localDir: localDir,
		known:    setutil.NewIDSet(),
		logger:   logger,
	}
	if !cfg.EnableS3 {
		return c, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.S3Region != "" {
		awsCfg.Region = cfg.S3Region
	}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = awsCreds.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	c.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		}
	})
	return c, nil
}

// Register records a segment id as known to the catalog.
func (c *Catalog) Register(table, segmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known.Add(objectKey(c.prefix, table, segmentID))
}

// Has reports whether the catalog knows the given segment.
func (c *Catalog) Has(table, segmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known.Contains(objectKey(c.prefix, table, segmentID))
}

// KnownCount returns how many segment objects are registered.
func (c *Catalog) KnownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known.Len()
}

func objectKey(prefix, table, segmentID string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + table + "/" + segmentID + ".parquet"
}

// S3Path returns the s3:// URI DuckDB's httpfs extension can scan directly.
func (c *Catalog) S3Path(table, segmentID string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, objectKey(c.prefix, table, segmentID))
}

// LocalPath returns the staged local file path for a segment.
func (c *Catalog) LocalPath(table, segmentID string) string {
	return filepath.Join(c.localDir, table, segmentID+".parquet")
}

// ResolveScanPath returns the path the DuckDB reader should scan for a
// segment: the staged local copy when present, otherwise the s3:// URI.
func (c *Catalog) ResolveScanPath(table, segmentID string) string {
	local := c.LocalPath(table, segmentID)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return c.S3Path(table, segmentID)
}

// Stage downloads a segment's parquet object into the local scan directory,
// so repeated queries avoid re-reading S3. Returns the existing local path
// when the file is already staged; fails when it is not staged and the
// catalog has no S3 client.
func (c *Catalog) Stage(ctx context.Context, table, segmentID string) (string, error) {
	local := c.LocalPath(table, segmentID)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if c.s3Client == nil {
		return "", fmt.Errorf("segment %s/%s not staged locally and no s3 client configured", table, segmentID)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}

	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create segment file: %w", err)
	}
	defer f.Close()

	key := objectKey(c.prefix, table, segmentID)
	downloader := manager.NewDownloader(c.s3Client)
	n, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(local)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return "", fmt.Errorf("segment object %s does not exist in bucket %s", key, c.bucket)
		}
		return "", fmt.Errorf("download segment object %s: %w", key, err)
	}
	if c.logger != nil {
		c.logger.Infow("staged segment", "table", table, "segment", segmentID, "bytes", n)
	}
	return local, nil
}
