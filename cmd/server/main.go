package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	querycore "github.com/lychee-technology/forma"
	"github.com/lychee-technology/forma/internal/queryexec"
	"github.com/lychee-technology/forma/internal/segmentstore"
	"github.com/lychee-technology/forma/internal/telemetry"
)

// Server is the HTTP front of the query executor.
type Server struct {
	executor *queryexec.QueryExecutor
	counters *telemetry.Counters
	mux      *http.ServeMux
}

// NewServer creates a new Server instance.
func NewServer(executor *queryexec.QueryExecutor, counters *telemetry.Counters) *Server {
	return &Server{
		executor: executor,
		counters: counters,
		mux:      http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/api/v1/query", s.handleQuery)
	s.mux.HandleFunc("/api/v1/query/stream", s.handleQueryStream)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
}

// Start starts the HTTP server on the given port.
func (s *Server) Start(port string) error {
	zap.S().Infow("starting query server", "port", port)
	return http.ListenAndServe(":"+port, s.mux)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	arrival := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}

	dt, err := s.executor.Execute(r.Context(), body, arrival)
	if err != nil {
		status := http.StatusInternalServerError
		if querycore.IsInvalidArgument(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.counters.IncQueriesExecuted()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dataTablePayload(dt)); err != nil {
		zap.S().Errorw("response serialization failed", "err", err)
	}
}

// chunkWriter streams each frame as one JSON line.
type chunkWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (c *chunkWriter) Send(dt *querycore.DataTable) error {
	if err := json.NewEncoder(c.w).Encode(dataTablePayload(dt)); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	arrival := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	observer := &chunkWriter{w: w, flusher: flusher}

	if err := s.executor.ExecuteStreaming(r.Context(), body, arrival, observer); err != nil {
		if querycore.IsInvalidArgument(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// The stream may be half-written; nothing more to salvage here.
		zap.S().Errorw("streaming query failed", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.counters.Snapshot())
}

// dataTablePayload shapes a DataTable for JSON transport.
func dataTablePayload(dt *querycore.DataTable) map[string]any {
	cols := make([]map[string]string, dt.Schema.Size())
	for i := range dt.Schema.ColumnNames {
		cols[i] = map[string]string{
			"name": dt.Schema.ColumnNames[i],
			"type": string(dt.Schema.ColumnTypes[i]),
		}
	}
	return map[string]any{
		"schema":     cols,
		"rows":       dt.Rows,
		"metadata":   dt.Metadata,
		"exceptions": dt.Exceptions,
	}
}

// tableRegistry maps tableNameWithType to its segment manager.
type tableRegistry map[string]*queryexec.SegmentManager

func (t tableRegistry) Lookup(table string) (*queryexec.SegmentManager, bool) {
	mgr, ok := t[table]
	return mgr, ok
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	cfg := querycore.DefaultConfig()
	cfg.WorkerPool.NumWorkers = getEnvInt("QUERY_WORKER_THREADS", cfg.WorkerPool.NumWorkers)
	cfg.PlanMaker.MaxInitialResultHolderCapacity = getEnvInt("MAX_INIT_GROUP_HOLDER_CAPACITY", cfg.PlanMaker.MaxInitialResultHolderCapacity)
	cfg.PlanMaker.NumGroupsLimit = getEnvInt("NUM_GROUPS_LIMIT", cfg.PlanMaker.NumGroupsLimit)
	cfg.Query.DefaultTimeout = time.Duration(getEnvInt("QUERY_TIMEOUT_MS", int(cfg.Query.DefaultTimeout.Milliseconds()))) * time.Millisecond
	cfg.Segment.DuckDB.EnableS3 = getEnv("S3_ENABLE", "") == "true"
	cfg.Segment.DuckDB.S3Endpoint = getEnv("S3_ENDPOINT", "")
	cfg.Segment.DuckDB.S3Region = getEnv("S3_REGION", "")
	cfg.Segment.DuckDB.S3AccessKey = getEnv("S3_ACCESS_KEY", "")
	cfg.Segment.DuckDB.S3SecretKey = getEnv("S3_SECRET_KEY", "")
	cfg.Segment.DuckDB.SegmentBucket = getEnv("SEGMENT_BUCKET", "")
	if err := cfg.Validate(); err != nil {
		sugar.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()

	if err := segmentstore.ValidateS3Config(cfg.Segment.DuckDB); err != nil {
		sugar.Fatalf("invalid s3 configuration: %v", err)
	}
	if err := segmentstore.S3HealthCheck(ctx, cfg.Segment.DuckDB, 5*time.Second); err != nil {
		sugar.Warnw("s3 health check failed; s3-backed segments may be unavailable", "err", err)
	}
	if dsn := getEnv("PG_DSN", ""); dsn != "" {
		// On IAM-auth clusters the DSN carries an $IAM_TOKEN placeholder in
		// place of a static password.
		if getEnv("PG_USE_IAM", "") == "true" {
			token, err := segmentstore.GenerateIAMAuthToken(ctx, getEnv("PG_ENDPOINT", ""), getEnv("S3_REGION", ""))
			if err != nil {
				sugar.Warnw("iam auth token generation failed; using PG_DSN as-is", "err", err)
			} else {
				dsn = strings.ReplaceAll(dsn, "$IAM_TOKEN", token)
			}
		}
		if err := segmentstore.PostgresHealthCheck(ctx, dsn, 5*time.Second); err != nil {
			sugar.Warnw("postgres health check failed; consuming segments may be unavailable", "err", err)
		}
	}

	segmentDir := getEnv("SEGMENT_DIR", "./segments")
	catalog, err := segmentstore.NewCatalog(ctx, cfg.Segment.DuckDB, segmentDir, sugar)
	if err != nil {
		sugar.Fatalf("failed to build segment catalog: %v", err)
	}
	breaker := segmentstore.NewCircuitBreaker(
		cfg.Segment.Breaker.FailureThreshold,
		cfg.Segment.Breaker.Window,
		cfg.Segment.Breaker.OpenDuration,
	)
	store, err := segmentstore.NewDuckDBStore(ctx, cfg.Segment.DuckDB, catalog, breaker, sugar)
	if err != nil {
		sugar.Fatalf("failed to open segment store: %v", err)
	}
	defer store.Close()

	tables, err := loadResidentSegments(ctx, segmentDir, catalog, store, sugar)
	if err != nil {
		sugar.Fatalf("failed to load resident segments: %v", err)
	}

	counters := telemetry.NewCounters()
	executor := &queryexec.QueryExecutor{
		Tables:                         tables,
		Pruner:                         queryexec.ComposePruners(queryexec.EmptyFilterPruner{}),
		Registry:                       querycore.DefaultAggregationFunctionRegistry(),
		Pool:                           queryexec.NewWorkerPool(cfg.WorkerPool.NumWorkers),
		RowSource:                      store,
		DefaultTimeoutMs:               cfg.Query.DefaultTimeout.Milliseconds(),
		NumGroupsLimit:                 cfg.PlanMaker.NumGroupsLimit,
		MaxInitialResultHolderCapacity: cfg.PlanMaker.MaxInitialResultHolderCapacity,
		Metrics:                        counters,
	}

	server := NewServer(executor, counters)
	server.RegisterRoutes()

	port := getEnv("PORT", "8080")
	if err := server.Start(port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

// loadResidentSegments walks the local segment directory
// (<dir>/<table>/<segmentId>.parquet), registers each file with the catalog
// and opens it through the store into a per-table segment manager.
func loadResidentSegments(ctx context.Context, dir string, catalog *segmentstore.Catalog, store *segmentstore.DuckDBStore, sugar *zap.SugaredLogger) (tableRegistry, error) {
	tables := tableRegistry{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			sugar.Warnw("segment directory missing; serving zero segments", "dir", dir)
			return tables, nil
		}
		return nil, err
	}
	for _, tdir := range entries {
		if !tdir.IsDir() {
			continue
		}
		table := tdir.Name()
		files, err := os.ReadDir(filepath.Join(dir, table))
		if err != nil {
			return nil, err
		}
		mgr := queryexec.NewSegmentManager()
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".parquet") {
				continue
			}
			segmentID := strings.TrimSuffix(f.Name(), ".parquet")
			catalog.Register(table, segmentID)
			seg, err := store.OpenSegment(ctx, table, segmentID)
			if err != nil {
				sugar.Warnw("skipping unreadable segment", "table", table, "segment", segmentID, "err", err)
				continue
			}
			mgr.Put(seg)
			sugar.Infow("loaded segment", "table", table, "segment", segmentID, "totalDocs", seg.TotalDocs)
		}
		tables[table] = mgr
	}
	return tables, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
