package queryexec

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lychee-technology/forma/internal/groupby"
	"github.com/lychee-technology/forma/internal/queryoptimizer"

	querycore "github.com/lychee-technology/forma"
)

// RowSource is the external collaborator the plan executor delegates
// actual row-level work to: the expression/filter compiler plus the
// segment reader. It is asked to produce the
// already filtered (and, for the scan-based aggregation/group-by kinds,
// already partially aggregated) rows for one segment under one of the
// scan-requiring plan kinds. The metadata-only and dictionary-only plan
// kinds never reach this interface; those are answered directly from
// segment metadata.
type RowSource interface {
	Scan(ctx context.Context, segment *querycore.Segment, query *querycore.QueryContext, kind queryoptimizer.PlanKind) (RowSourceResult, error)
}

// RowSourceResult is what a RowSource reports for one segment.
type RowSourceResult struct {
	Schema                      querycore.DataSchema
	Rows                        []querycore.Record
	NumDocsScanned              int64
	NumEntriesScannedInFilter   int64
	NumEntriesScannedPostFilter int64
}

// LeafPlan is a plan node bound to exactly one segment, the leaf case of
// the tagged-variant plan tree.
type LeafPlan struct {
	Segment *querycore.Segment
	Kind    queryoptimizer.PlanKind
}

// BuildLeafPlans selects a plan kind per surviving segment and returns
// one LeafPlan per segment.
func BuildLeafPlans(segments []*querycore.Segment, query *querycore.QueryContext, registry *querycore.AggregationFunctionRegistry) []LeafPlan {
	plans := make([]LeafPlan, len(segments))
	for i, seg := range segments {
		plans[i] = LeafPlan{Segment: seg, Kind: queryoptimizer.SelectPlan(query, seg, registry)}
	}
	return plans
}

type leafResult struct {
	schema            querycore.DataSchema
	rows              []querycore.Record
	docsScanned       int64
	entriesInFilter   int64
	entriesPostFilter int64
}

func executeLeaf(ctx context.Context, plan LeafPlan, query *querycore.QueryContext, rowSource RowSource) (leafResult, error) {
	switch plan.Kind {
	case queryoptimizer.PlanMetadataOnlyAgg:
		return executeMetadataOnlyAgg(plan.Segment, query), nil
	case queryoptimizer.PlanDictionaryOnlyAgg:
		return executeDictionaryOnlyAgg(plan.Segment, query), nil
	default:
		if rowSource == nil {
			return leafResult{}, querycore.NewInternalError("no row source configured for plan kind "+string(plan.Kind), nil)
		}
		res, err := rowSource.Scan(ctx, plan.Segment, query, plan.Kind)
		if err != nil {
			return leafResult{}, err
		}
		return leafResult{
			schema:            res.Schema,
			rows:              res.Rows,
			docsScanned:       res.NumDocsScanned,
			entriesInFilter:   res.NumEntriesScannedInFilter,
			entriesPostFilter: res.NumEntriesScannedPostFilter,
		}, nil
	}
}

// executeMetadataOnlyAgg answers every select expression (all count()) by
// reading segment.TotalDocs directly, with no I/O beyond the handle
// already held.
func executeMetadataOnlyAgg(segment *querycore.Segment, query *querycore.QueryContext) leafResult {
	schema := aggregationOnlySchema(query)
	row := make([]any, len(query.SelectExpressions))
	for i := range row {
		row[i] = segment.TotalDocs
	}
	return leafResult{schema: schema, rows: []querycore.Record{{Values: row}}}
}

// executeDictionaryOnlyAgg answers min/max/minmaxrange selects by reading
// the sorted dictionary's endpoints directly.
func executeDictionaryOnlyAgg(segment *querycore.Segment, query *querycore.QueryContext) leafResult {
	schema := aggregationOnlySchema(query)
	row := make([]any, len(query.SelectExpressions))
	for i, e := range query.SelectExpressions {
		col := segment.Columns[e.Args[0].Identifier]
		switch e.FunctionName {
		case "min":
			row[i] = col.DictionaryMin
		case "max":
			row[i] = col.DictionaryMax
		case "minmaxrange":
			row[i] = querycore.MinMaxRange{Min: col.DictionaryMin, Max: col.DictionaryMax}
		}
	}
	return leafResult{schema: schema, rows: []querycore.Record{{Values: row}}}
}

// aggregationOnlySchema builds the 0-key-column schema for a select list
// with no group-by, naming each column "<func>()" so
// aggregationFunctionNameFor (groupby package) can resolve its merge
// function back out.
func aggregationOnlySchema(query *querycore.QueryContext) querycore.DataSchema {
	schema := querycore.DataSchema{NumKeyColumns: 0}
	for _, e := range query.SelectExpressions {
		schema.ColumnNames = append(schema.ColumnNames, e.FunctionName+"()")
		schema.ColumnTypes = append(schema.ColumnTypes, querycore.ColumnTypeDouble)
	}
	return schema
}

// WorkerPool bounds how many leaf plans execute concurrently. It is
// process-wide with a lifecycle tied to process init/teardown;
// callers construct one at startup and share it across queries.
type WorkerPool struct {
	limit int
}

// NewWorkerPool builds a pool that runs at most numWorkers leaf plans at
// once.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WorkerPool{limit: numWorkers}
}

// CombineResult is the merged outcome of every leaf plan for one query,
// ready for the front door to frame into a response DataTable.
type CombineResult struct {
	Schema                      querycore.DataSchema
	Rows                        []querycore.Record
	NumDocsScanned              int64
	NumEntriesScannedInFilter   int64
	NumEntriesScannedPostFilter int64
	NumSegmentsProcessed        int
	NumSegmentsMatched          int
	NumGroupsLimitReached       bool
	DeadlineExceeded            bool
	Err                         error
}

// queryMergeCategory decides how Combine merges leaf results, mirroring
// SelectPlan's first three rules: those rules are query-level (they
// depend only on the query, never on a particular segment), so every leaf
// plan for a given query always shares the same category even though
// rules 4-6 may pick different concrete per-segment PlanKinds within the
// aggregation-only bucket. PlanFilteredScanAgg stands in for that whole
// bucket since all three of its members merge identically.
func queryMergeCategory(query *querycore.QueryContext, registry *querycore.AggregationFunctionRegistry) queryoptimizer.PlanKind {
	if !query.IsAggregationQuery(registry) {
		return queryoptimizer.PlanSelection
	}
	if len(query.GroupByExpressions) > 0 {
		if query.GroupByMode() == querycore.GroupByModeSQL {
			return queryoptimizer.PlanGroupByOrderBy
		}
		return queryoptimizer.PlanGroupByLegacy
	}
	return queryoptimizer.PlanFilteredScanAgg
}

// Combine is the combine node: it executes one leaf plan per
// surviving segment in parallel on pool, honoring deadline, and merges
// their results according to the query's merge category. Group-by queries
// merge through a shared IndexedTable capped at numGroupsLimit;
// aggregation-only queries merge columnwise since there is exactly one row
// per leaf; plain selection concatenates. Combine never returns an error
// for a deadline miss: it reports DeadlineExceeded on the result instead,
// so the caller can emit a partial result rather than raising.
func Combine(
	ctx context.Context,
	pool *WorkerPool,
	plans []LeafPlan,
	query *querycore.QueryContext,
	registry *querycore.AggregationFunctionRegistry,
	rowSource RowSource,
	deadline time.Time,
	numGroupsLimit, maxInitialResultHolderCapacity int,
) CombineResult {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pool.limit)

	var (
		mu      sync.Mutex
		slots   = make([]*leafResult, len(plans))
		matched int
	)

	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			if gctx.Err() != nil {
				// Deadline already passed or a sibling failed: abandon this
				// leaf promptly rather than starting new work.
				return nil
			}
			res, err := executeLeaf(gctx, plan, query, rowSource)
			if err != nil {
				return err
			}
			mu.Lock()
			slots[i] = &res
			matched++
			mu.Unlock()
			return nil
		})
	}

	runErr := g.Wait()
	deadlineExceeded := ctx.Err() == context.DeadlineExceeded

	out := CombineResult{
		NumSegmentsProcessed: len(plans),
		NumSegmentsMatched:   matched,
		DeadlineExceeded:     deadlineExceeded,
	}
	if runErr != nil && !deadlineExceeded {
		// A genuine leaf failure (not a deadline miss): surfaced to the
		// front door as QUERY_EXECUTION_ERROR; the rest of the partial
		// result is still returned, partial results beat full failure.
		out.Err = runErr
	}

	// Collect finished leaves in plan (segment) order, not completion order.
	var results []leafResult
	for _, s := range slots {
		if s != nil {
			results = append(results, *s)
		}
	}
	if len(results) == 0 {
		return out
	}
	out.Schema = results[0].schema

	switch queryMergeCategory(query, registry) {
	case queryoptimizer.PlanGroupByLegacy, queryoptimizer.PlanGroupByOrderBy:
		mergeGroupBy(&out, results, query, registry, numGroupsLimit, maxInitialResultHolderCapacity)
	case queryoptimizer.PlanFilteredScanAgg:
		mergeSingleRowAggregation(&out, results, registry)
	default: // PlanSelection
		mergeSelection(&out, results, query)
	}
	return out
}

func mergeGroupBy(out *CombineResult, results []leafResult, query *querycore.QueryContext, registry *querycore.AggregationFunctionRegistry, numGroupsLimit, maxInitialResultHolderCapacity int) {
	sqlMode := query.GroupByMode() == querycore.GroupByModeSQL
	comparator := buildComparator(out.Schema, query, registry, sqlMode)
	table := groupby.NewIndexedTable(out.Schema, registry, query.Limit, maxInitialResultHolderCapacity, comparator)

	dropped := 0
	for _, res := range results {
		out.NumDocsScanned += res.docsScanned
		out.NumEntriesScannedInFilter += res.entriesInFilter
		out.NumEntriesScannedPostFilter += res.entriesPostFilter
		for _, r := range res.rows {
			if !table.UpsertBounded(r, numGroupsLimit) {
				dropped++
			}
		}
	}
	out.NumGroupsLimitReached = dropped > 0

	table.Finish(sqlMode)
	it := table.Iterator()
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		out.Rows = append(out.Rows, r)
	}
}

// buildComparator builds a RecordComparator from the query's order-by
// list when the SQL group-by pipeline is in effect. The legacy pipeline
// never ranks (Finish(false) orders rows by key string), so no comparator
// is needed there.
func buildComparator(schema querycore.DataSchema, query *querycore.QueryContext, registry *querycore.AggregationFunctionRegistry, sqlMode bool) groupby.RecordComparator {
	if !sqlMode || len(query.OrderByExpressions) == 0 {
		return nil
	}
	type target struct {
		colIdx  int
		dir     querycore.OrderDirection
		finalFn querycore.AggregationFunction
	}
	var targets []target
	for _, ob := range query.OrderByExpressions {
		name := ob.Expression.Identifier
		if ob.Expression.FunctionName != "" {
			name = ob.Expression.FunctionName + "()"
		}
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			continue
		}
		var fn querycore.AggregationFunction
		if ob.Expression.FunctionName != "" {
			fn, _ = registry.Get(ob.Expression.FunctionName)
		}
		targets = append(targets, target{colIdx: idx, dir: ob.Direction, finalFn: fn})
	}
	return func(a, b querycore.Record) int {
		for _, t := range targets {
			av, bv := a.Values[t.colIdx], b.Values[t.colIdx]
			if t.finalFn != nil && !t.finalFn.IsIntermediateResultComparable() {
				av = t.finalFn.ExtractFinalResult(av)
				bv = t.finalFn.ExtractFinalResult(bv)
			}
			c := compareOrdered(av, bv)
			if t.dir == querycore.OrderDesc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareOrdered(a, b any) int {
	switch x := a.(type) {
	case int64:
		y, _ := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case float64:
		y := toFloat64ForCompare(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		y, _ := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func toFloat64ForCompare(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// mergeSingleRowAggregation merges the one row each non-group-by
// aggregation leaf produced, columnwise, the same way IndexedTable merges
// group-by rows; there just happens to be exactly one group.
func mergeSingleRowAggregation(out *CombineResult, results []leafResult, registry *querycore.AggregationFunctionRegistry) {
	merged := results[0].rows
	for _, res := range results[1:] {
		out.NumDocsScanned += res.docsScanned
		out.NumEntriesScannedInFilter += res.entriesInFilter
		out.NumEntriesScannedPostFilter += res.entriesPostFilter
		if len(res.rows) == 0 {
			continue
		}
		if len(merged) == 0 {
			merged = res.rows
			continue
		}
		merged[0] = groupby.MergeRecords(out.Schema, registry, merged[0], res.rows[0])
	}
	out.NumDocsScanned += results[0].docsScanned
	out.NumEntriesScannedInFilter += results[0].entriesInFilter
	out.NumEntriesScannedPostFilter += results[0].entriesPostFilter
	out.Rows = merged
}

// mergeSelection concatenates rows from every leaf, in segment order,
// trimmed to the query's limit when set.
func mergeSelection(out *CombineResult, results []leafResult, query *querycore.QueryContext) {
	for _, res := range results {
		out.NumDocsScanned += res.docsScanned
		out.NumEntriesScannedInFilter += res.entriesInFilter
		out.NumEntriesScannedPostFilter += res.entriesPostFilter
		out.Rows = append(out.Rows, res.rows...)
		if query.Limit > 0 && len(out.Rows) >= query.Limit {
			out.Rows = out.Rows[:query.Limit]
			return
		}
	}
}
