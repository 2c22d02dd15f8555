package queryexec

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lychee-technology/forma/internal/queryoptimizer"

	querycore "github.com/lychee-technology/forma"
)

// Exception codes attached to a response DataTable's Exceptions list. These
// are local to this core, not a wire-compatible numbering scheme.
const (
	exceptionCodeSchedulingTimeout = 410
	exceptionCodeTableMissing      = 230
	exceptionCodeExecutionError    = 200
)

// TableRegistry resolves a tableNameWithType to the SegmentManager tracking
// that table's resident segments.
type TableRegistry interface {
	Lookup(table string) (*SegmentManager, bool)
}

// Metrics is the process-wide counters collaborator; implementations must
// be safe for concurrent use.
type Metrics interface {
	IncSchedulingTimeouts()
	IncTableMissing()
	IncExecutionErrors()
}

// NoopMetrics discards every counter increment.
type NoopMetrics struct{}

func (NoopMetrics) IncSchedulingTimeouts() {}
func (NoopMetrics) IncTableMissing()       {}
func (NoopMetrics) IncExecutionErrors()    {}

// QueryExecutor is the front door. It owns no per-request state beyond
// its collaborators and is safe for concurrent use by many in-flight
// queries; a process constructs exactly one and shares it.
type QueryExecutor struct {
	Tables                         TableRegistry
	Pruner                         SegmentPruner
	Registry                       *querycore.AggregationFunctionRegistry
	Pool                           *WorkerPool
	RowSource                      RowSource
	DefaultTimeoutMs               int64
	NumGroupsLimit                 int
	MaxInitialResultHolderCapacity int
	Metrics                        Metrics
}

// Execute runs the front-door pipeline over a raw,
// undecoded request body, treating arrival as the moment the request was
// accepted for scheduling. Execute returns a non-nil error only for the
// two fatal-to-request kinds: a malformed request (INVALID_ARGUMENT),
// which precedes any segment touch, or an internal response-framing failure
// (INTERNAL). Every other failure is attached in-band to the returned
// DataTable instead.
func (qe *QueryExecutor) Execute(ctx context.Context, raw []byte, arrival time.Time) (*querycore.DataTable, error) {
	metrics := qe.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	timers := querycore.NewTimerContext()
	timers.Start(querycore.TimerQueryProcessing)

	// Step 1: decode and normalize the request. Any failure here is
	// INVALID_ARGUMENT, fatal-to-request, without touching any segment.
	wire, err := queryoptimizer.DecodeAndValidate(raw)
	if err != nil {
		zap.S().Infow("rejected malformed query request", "error", err)
		return nil, err
	}
	query, err := queryoptimizer.Normalize(wire)
	if err != nil {
		zap.S().Infow("rejected invalid query request", "table", wire.Table, "error", err)
		return nil, err
	}

	queryID := uuid.NewString()
	logger := zap.S().With("queryId", queryID, "table", query.Table)

	// Step 2: stop the scheduler-wait timer, compute the effective
	// deadline from the per-request override or the configured default.
	timers.Stop(querycore.TimerSchedulerWait)
	queryTimeoutMs := qe.DefaultTimeoutMs
	if query.TimeoutOverrideMs > 0 {
		queryTimeoutMs = query.TimeoutOverrideMs
	}
	deadline := arrival.Add(time.Duration(queryTimeoutMs) * time.Millisecond)

	// Step 3: pre-execution scheduling check.
	if time.Now().After(deadline) {
		metrics.IncSchedulingTimeouts()
		logger.Infow("query missed its scheduling deadline before execution began")
		return qe.schedulingTimeoutResult(timers), nil
	}

	// Step 4: resolve the table-data manager.
	mgr, ok := qe.Tables.Lookup(query.Table)
	if !ok {
		metrics.IncTableMissing()
		logger.Infow("query targets a table with no segments resident on this server")
		return qe.tableMissingResult(query.Table, timers), nil
	}

	// Step 5: acquire segments. Release is unconditional on every
	// exit path from here on, including the panics a downstream plan
	// might raise.
	acquireResult := mgr.AcquireAll()
	handles := acquireResult.Handles
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	// Trace registration is paired with unregistration on every exit
	// path, like handle release above.
	var trace *traceContext
	if query.Trace {
		trace = activeTraces.register(queryID, query.Table, timers)
		defer activeTraces.unregister(queryID)
	}

	segments := make([]*querycore.Segment, len(handles))
	for i, h := range handles {
		segments[i] = h.Segment
	}

	// Step 6: walk mutable segments for freshness metadata.
	var numConsuming int
	var minIndexTimeMs, minIngestionTimeMs int64
	for _, seg := range segments {
		if !seg.Mutable {
			continue
		}
		freshness := seg.LatestIngestionTimeMs
		if freshness == 0 {
			freshness = seg.LastIndexedTimeMs
		}
		numConsuming++
		if numConsuming == 1 || seg.LastIndexedTimeMs < minIndexTimeMs {
			minIndexTimeMs = seg.LastIndexedTimeMs
		}
		if numConsuming == 1 || freshness < minIngestionTimeMs {
			minIngestionTimeMs = freshness
		}
	}
	_ = minIndexTimeMs // only the ingestion-derived freshness is surfaced

	// Step 7: sum totalDocs, prune, build the plan, execute.
	var totalDocs int64
	for _, seg := range segments {
		totalDocs += seg.TotalDocs
	}

	timers.Start(querycore.TimerSegmentPruning)
	surviving := Prune(qe.Pruner, segments, query)
	timers.Stop(querycore.TimerSegmentPruning)

	timers.Start(querycore.TimerBuildQueryPlan)
	plans := BuildLeafPlans(surviving, query, qe.Registry)
	timers.Stop(querycore.TimerBuildQueryPlan)

	timers.Start(querycore.TimerQueryPlanExecution)
	combineResult := Combine(ctx, qe.Pool, plans, query, qe.Registry, qe.RowSource, deadline, qe.NumGroupsLimit, qe.MaxInitialResultHolderCapacity)
	timers.Stop(querycore.TimerQueryPlanExecution)

	// Step 8/10: frame the response, attaching any in-band exception.
	dt := querycore.NewDataTable(combineResult.Schema)
	for _, r := range combineResult.Rows {
		dt.Rows = append(dt.Rows, r.Values)
	}

	switch {
	case combineResult.DeadlineExceeded:
		metrics.IncExecutionErrors()
		dt.AddException(exceptionCodeExecutionError, "query execution deadline exceeded before all segments completed")
		logger.Infow("query execution deadline exceeded", "numSegmentsMatched", combineResult.NumSegmentsMatched)
	case combineResult.Err != nil:
		metrics.IncExecutionErrors()
		execErr := querycore.NewQueryExecutionError("plan execution failed", combineResult.Err)
		dt.AddException(exceptionCodeExecutionError, execErr.Error())
		if querycore.IsInvalidArgument(combineResult.Err) {
			logger.Infow("query execution failed on bad input", "error", combineResult.Err)
		} else {
			logger.Errorw("query execution failed", "error", combineResult.Err)
		}
	}
	if combineResult.NumGroupsLimitReached {
		dt.Metadata["numGroupsLimitReached"] = "true"
	}

	dt.Metadata[querycore.MetaTotalDocs] = strconv.FormatInt(totalDocs, 10)
	dt.Metadata[querycore.MetaNumDocsScanned] = strconv.FormatInt(combineResult.NumDocsScanned, 10)
	dt.Metadata[querycore.MetaNumEntriesScannedInFilter] = strconv.FormatInt(combineResult.NumEntriesScannedInFilter, 10)
	dt.Metadata[querycore.MetaNumEntriesScannedPostFilter] = strconv.FormatInt(combineResult.NumEntriesScannedPostFilter, 10)
	dt.Metadata[querycore.MetaNumSegmentsProcessed] = strconv.Itoa(combineResult.NumSegmentsProcessed)
	dt.Metadata[querycore.MetaNumSegmentsMatched] = strconv.Itoa(combineResult.NumSegmentsMatched)
	dt.Metadata[querycore.MetaNumSegmentsQueried] = strconv.Itoa(len(segments))
	if numConsuming > 0 {
		dt.Metadata[querycore.MetaNumConsumingSegmentsProcessed] = strconv.Itoa(numConsuming)
		dt.Metadata[querycore.MetaMinConsumingFreshnessTimeMs] = strconv.FormatInt(minIngestionTimeMs, 10)
	}
	// Step 10: stop the query-processing timer, fill its metadata key.
	// Trace info renders after the stop so it carries the full set of
	// phase timings; the deferred unregister still runs on return.
	timers.Stop(querycore.TimerQueryProcessing)
	dt.Metadata[querycore.MetaTimeUsedMs] = strconv.FormatInt(timers.Duration(querycore.TimerQueryProcessing).Milliseconds(), 10)
	if trace != nil {
		dt.Metadata[querycore.MetaTraceInfo] = trace.render()
	}

	logger.Infow("query completed",
		"numSegmentsMatched", combineResult.NumSegmentsMatched,
		"numMissingSegments", acquireResult.NumMissingSegments,
		"timeUsedMs", timers.Duration(querycore.TimerQueryProcessing).Milliseconds(),
	)
	return dt, nil
}

func (qe *QueryExecutor) schedulingTimeoutResult(timers *querycore.TimerContext) *querycore.DataTable {
	dt := querycore.NewDataTable(querycore.DataSchema{})
	dt.AddException(exceptionCodeSchedulingTimeout, querycore.NewSchedulingTimeoutError("query missed its scheduling deadline before execution began").Error())
	timers.Stop(querycore.TimerQueryProcessing)
	dt.Metadata[querycore.MetaTimeUsedMs] = strconv.FormatInt(timers.Duration(querycore.TimerQueryProcessing).Milliseconds(), 10)
	return dt
}

func (qe *QueryExecutor) tableMissingResult(table string, timers *querycore.TimerContext) *querycore.DataTable {
	dt := querycore.NewDataTable(querycore.DataSchema{})
	dt.AddException(exceptionCodeTableMissing, querycore.NewTableMissingError(table).Error())
	timers.Stop(querycore.TimerQueryProcessing)
	dt.Metadata[querycore.MetaTimeUsedMs] = strconv.FormatInt(timers.Duration(querycore.TimerQueryProcessing).Milliseconds(), 10)
	return dt
}
