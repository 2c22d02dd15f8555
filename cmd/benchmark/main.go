// Command benchmark drives the query-execution core end to end over
// synthetic segments: it generates N segments of grouped rows, runs the
// same top-K group-by query through the front door repeatedly, and reports
// latency percentiles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	querycore "github.com/lychee-technology/forma"
	"github.com/lychee-technology/forma/internal/queryexec"
	"github.com/lychee-technology/forma/internal/queryoptimizer"
)

type options struct {
	segments   int
	rows       int
	groups     int
	limit      int
	iterations int
	workers    int
	seed       int64
}

func parseFlags() options {
	var opts options
	flag.IntVar(&opts.segments, "segments", 8, "number of synthetic segments")
	flag.IntVar(&opts.rows, "rows", 100000, "rows per segment")
	flag.IntVar(&opts.groups, "groups", 10000, "distinct group keys")
	flag.IntVar(&opts.limit, "limit", 10, "query limit (top-K)")
	flag.IntVar(&opts.iterations, "iterations", 50, "query iterations to time")
	flag.IntVar(&opts.workers, "workers", 8, "worker pool size")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed (0 uses current time)")
	flag.Parse()
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
	}
	return opts
}

// syntheticSource holds pre-aggregated per-segment group-by rows in memory
// and serves them through the executor's RowSource contract, standing in
// for the parquet-backed store so the benchmark isolates the combine node
// and the indexed-table merge path.
type syntheticSource struct {
	perSegment map[string][]querycore.Record
	schema     querycore.DataSchema
}

func (s *syntheticSource) Scan(ctx context.Context, segment *querycore.Segment, query *querycore.QueryContext, kind queryoptimizer.PlanKind) (queryexec.RowSourceResult, error) {
	rows := s.perSegment[segment.ID]
	return queryexec.RowSourceResult{
		Schema:         s.schema,
		Rows:           rows,
		NumDocsScanned: int64(len(rows)),
	}, nil
}

type tableRegistry map[string]*queryexec.SegmentManager

func (t tableRegistry) Lookup(table string) (*queryexec.SegmentManager, bool) {
	mgr, ok := t[table]
	return mgr, ok
}

func main() {
	log.SetFlags(0)
	opts := parseFlags()
	rng := rand.New(rand.NewSource(opts.seed))

	schema := querycore.DataSchema{
		ColumnNames:   []string{"g", "sum()"},
		ColumnTypes:   []querycore.ColumnDataType{querycore.ColumnTypeString, querycore.ColumnTypeLong},
		NumKeyColumns: 1,
	}

	source := &syntheticSource{perSegment: make(map[string][]querycore.Record), schema: schema}
	mgr := queryexec.NewSegmentManager()
	for i := 0; i < opts.segments; i++ {
		id := fmt.Sprintf("seg_%04d", i)
		// Pre-aggregate per segment the way a real scan would.
		seen := make(map[string]int64)
		for r := 0; r < opts.rows; r++ {
			g := fmt.Sprintf("g%06d", rng.Intn(opts.groups))
			seen[g] += int64(rng.Intn(100))
		}
		rows := make([]querycore.Record, 0, len(seen))
		for g, v := range seen {
			rows = append(rows, querycore.NewRecord(g, v))
		}
		source.perSegment[id] = rows
		mgr.Put(&querycore.Segment{ID: id, TotalDocs: int64(opts.rows)})
	}

	executor := &queryexec.QueryExecutor{
		Tables:                         tableRegistry{"bench_OFFLINE": mgr},
		Registry:                       querycore.DefaultAggregationFunctionRegistry(),
		Pool:                           queryexec.NewWorkerPool(opts.workers),
		RowSource:                      source,
		DefaultTimeoutMs:               30000,
		NumGroupsLimit:                 100000,
		MaxInitialResultHolderCapacity: 10000,
	}

	request, err := json.Marshal(map[string]any{
		"table": "bench_OFFLINE",
		"select": []map[string]any{
			{"identifier": "g"},
			{"function": "sum", "args": []map[string]any{{"identifier": "n"}}},
		},
		"groupBy": []map[string]any{{"identifier": "g"}},
		"orderBy": []map[string]any{
			{"expression": map[string]any{"function": "sum", "args": []map[string]any{{"identifier": "n"}}}, "desc": true},
		},
		"limit":   opts.limit,
		"options": map[string]string{"groupByMode": "sql", "responseFormat": "sql"},
	})
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	ctx := context.Background()
	latencies := make([]time.Duration, 0, opts.iterations)
	var lastRows int
	for i := 0; i < opts.iterations; i++ {
		start := time.Now()
		dt, err := executor.Execute(ctx, request, start)
		if err != nil {
			log.Fatalf("query failed: %v", err)
		}
		if len(dt.Exceptions) > 0 {
			log.Fatalf("query returned exception: %+v", dt.Exceptions[0])
		}
		latencies = append(latencies, time.Since(start))
		lastRows = len(dt.Rows)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	log.Printf("segments=%d rows/segment=%d groups=%d limit=%d iterations=%d workers=%d seed=%d",
		opts.segments, opts.rows, opts.groups, opts.limit, opts.iterations, opts.workers, opts.seed)
	log.Printf("result rows: %d", lastRows)
	log.Printf("p50: %v", percentile(latencies, 0.50))
	log.Printf("p90: %v", percentile(latencies, 0.90))
	log.Printf("p99: %v", percentile(latencies, 0.99))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
