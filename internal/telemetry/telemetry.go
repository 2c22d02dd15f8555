// Package telemetry is the process-wide metrics sink: atomic counters
// for the error kinds the front door reports, plus a pluggable emitter hook
// for latency and row-count measures. Callers may register a real metrics
// backend via RegisterEmitter; by default the emitter is a no-op, so the
// core carries no hard dependency on any metrics SDK.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Emitter receives every measure the core records.
type Emitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	mu   sync.Mutex
	impl Emitter = func(ctx context.Context, name string, labels map[string]string, value any) {
		// noop by default
	}
)

// RegisterEmitter registers a custom emitter function. Service wiring can
// provide a metrics-backend emitter or a test stub; nil restores the no-op.
func RegisterEmitter(fn Emitter) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		impl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	impl = fn
}

func emit(ctx context.Context, name string, labels map[string]string, value any) {
	mu.Lock()
	fn := impl
	mu.Unlock()
	fn(ctx, name, labels, value)
}

// EmitPhaseLatency records a per-query phase latency in milliseconds.
// name: "query_phase_latency_ms" with label {"phase": "<scheduler_wait|
// pruning|plan_build|plan_execution|processing>"}
func EmitPhaseLatency(ctx context.Context, phase string, ms int64) {
	emit(ctx, "query_phase_latency_ms", map[string]string{"phase": phase}, ms)
}

// EmitSegmentRows records rows contributed per segment tier.
// name: "segment_rows_scanned" with label {"tier": "immutable"|"consuming"}
func EmitSegmentRows(ctx context.Context, tier string, rows int64) {
	emit(ctx, "segment_rows_scanned", map[string]string{"tier": tier}, rows)
}

// Counters is the atomic counter set behind the front door's Metrics
// collaborator. A process constructs exactly one at init and shares it.
type Counters struct {
	schedulingTimeouts atomic.Int64
	tableMissing       atomic.Int64
	executionErrors    atomic.Int64
	queriesExecuted    atomic.Int64
}

// NewCounters builds a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncSchedulingTimeouts() {
	n := c.schedulingTimeouts.Add(1)
	emit(context.Background(), "query_scheduling_timeouts_total", nil, n)
}

func (c *Counters) IncTableMissing() {
	n := c.tableMissing.Add(1)
	emit(context.Background(), "query_table_missing_total", nil, n)
}

func (c *Counters) IncExecutionErrors() {
	n := c.executionErrors.Add(1)
	emit(context.Background(), "query_execution_errors_total", nil, n)
}

// IncQueriesExecuted counts a query request answered with a DataTable
// (responses carrying in-band exceptions included).
func (c *Counters) IncQueriesExecuted() {
	n := c.queriesExecuted.Add(1)
	emit(context.Background(), "queries_executed_total", nil, n)
}

// Snapshot returns the current counter values for diagnostics endpoints.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"schedulingTimeouts": c.schedulingTimeouts.Load(),
		"tableMissing":       c.tableMissing.Load(),
		"executionErrors":    c.executionErrors.Load(),
		"queriesExecuted":    c.queriesExecuted.Load(),
	}
}
