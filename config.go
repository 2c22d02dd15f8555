package querycore

import (
	"time"
)

// Config consolidates settings for the query-execution core.
type Config struct {
	WorkerPool WorkerPoolConfig `json:"workerPool"`
	PlanMaker  PlanMakerConfig  `json:"planMaker"`
	Query      QueryConfig      `json:"query"`
	Segment    SegmentConfig    `json:"segment"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// WorkerPoolConfig controls the fixed-size pool the combine node uses to
// execute per-segment plan fragments in parallel.
type WorkerPoolConfig struct {
	NumWorkers    int           `json:"numWorkers"`
	QueueCapacity int           `json:"queueCapacity"`
	PollInterval  time.Duration `json:"pollInterval"`
}

// PlanMakerConfig carries the capacities referenced by group-by planning.
type PlanMakerConfig struct {
	// MaxInitialResultHolderCapacity bounds the initial size of the result
	// holder a plan allocates before it knows the true group count.
	MaxInitialResultHolderCapacity int `json:"maxInitGroupHolderCapacity"`
	// NumGroupsLimit caps the number of distinct groups a single query may
	// produce before further groups are dropped.
	NumGroupsLimit int `json:"numGroupsLimit"`
}

// QueryConfig contains query execution settings.
type QueryConfig struct {
	DefaultTimeout    time.Duration `json:"defaultTimeout"`
	MaxTimeout        time.Duration `json:"maxTimeout"`
	MaxRowsPerSegment int           `json:"maxRowsPerSegment"`
}

// SegmentConfig contains settings for the segment store collaborator.
type SegmentConfig struct {
	DuckDB   DuckDBConfig   `json:"duckdb"`
	Postgres PostgresConfig `json:"postgres"`
	Breaker  BreakerConfig  `json:"breaker"`
}

// DuckDBConfig configures the immutable, columnar segment reader.
type DuckDBConfig struct {
	MemoryLimit   string `json:"memoryLimit"`
	Threads       int    `json:"threads"`
	EnableS3      bool   `json:"enableS3"`
	S3Endpoint    string `json:"s3Endpoint"`
	S3Region      string `json:"s3Region"`
	S3AccessKey   string `json:"s3AccessKey"`
	S3SecretKey   string `json:"s3SecretKey"`
	SegmentBucket string `json:"segmentBucket"`
}

// PostgresConfig configures the mutable, append-only consuming segment.
type PostgresConfig struct {
	DSN             string        `json:"dsn"`
	MaxConnections  int           `json:"maxConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}

// BreakerConfig configures the circuit breaker guarding segment-store calls.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	Window           time.Duration `json:"window"`
	OpenDuration     time.Duration `json:"openDuration"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	Encoding   string `json:"encoding"`
	Production bool   `json:"production"`
}

// MetricsConfig contains metrics emission settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns a Config populated with production-reasonable
// defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkerPool: WorkerPoolConfig{
			NumWorkers:    8,
			QueueCapacity: 256,
			PollInterval:  5 * time.Millisecond,
		},
		PlanMaker: PlanMakerConfig{
			MaxInitialResultHolderCapacity: 10000,
			NumGroupsLimit:                 100000,
		},
		Query: QueryConfig{
			DefaultTimeout:    10 * time.Second,
			MaxTimeout:        60 * time.Second,
			MaxRowsPerSegment: 1_000_000,
		},
		Segment: SegmentConfig{
			DuckDB: DuckDBConfig{
				MemoryLimit: "4GB",
				Threads:     4,
			},
			Postgres: PostgresConfig{
				MaxConnections:  16,
				ConnMaxLifetime: 30 * time.Minute,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Window:           30 * time.Second,
				OpenDuration:     10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the Config for internal consistency, returning a
// *ConfigError naming the first offending field.
func (c *Config) Validate() error {
	if c.WorkerPool.NumWorkers <= 0 {
		return &ConfigError{Field: "workerPool.numWorkers", Message: "must be greater than 0"}
	}
	if c.PlanMaker.MaxInitialResultHolderCapacity <= 0 {
		return &ConfigError{Field: "planMaker.maxInitGroupHolderCapacity", Message: "must be greater than 0"}
	}
	if c.PlanMaker.NumGroupsLimit < c.PlanMaker.MaxInitialResultHolderCapacity {
		return &ConfigError{Field: "planMaker.numGroupsLimit", Message: "must be greater than or equal to maxInitGroupHolderCapacity"}
	}
	if c.Query.DefaultTimeout <= 0 {
		return &ConfigError{Field: "query.defaultTimeout", Message: "must be greater than 0"}
	}
	if c.Query.MaxTimeout < c.Query.DefaultTimeout {
		return &ConfigError{Field: "query.maxTimeout", Message: "must be greater than or equal to defaultTimeout"}
	}
	if c.Segment.Breaker.FailureThreshold <= 0 {
		return &ConfigError{Field: "segment.breaker.failureThreshold", Message: "must be greater than 0"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
