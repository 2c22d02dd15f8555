package queryexec

import (
	"encoding/json"
	"sync"

	querycore "github.com/lychee-technology/forma"
)

// traceContext is the per-query trace state registered while a traced
// query is in flight. It is unregistered on every exit path, paired with
// registration the same way segment handles pair acquire with release.
type traceContext struct {
	queryID string
	table   string
	timers  *querycore.TimerContext
}

// traceRegistry tracks the traced queries currently in flight, so
// diagnostics can enumerate them and tests can assert register/unregister
// parity.
type traceRegistry struct {
	mu     sync.Mutex
	active map[string]*traceContext
}

var activeTraces = &traceRegistry{active: make(map[string]*traceContext)}

func (r *traceRegistry) register(queryID, table string, timers *querycore.TimerContext) *traceContext {
	tc := &traceContext{queryID: queryID, table: table, timers: timers}
	r.mu.Lock()
	r.active[queryID] = tc
	r.mu.Unlock()
	return tc
}

func (r *traceRegistry) unregister(queryID string) {
	r.mu.Lock()
	delete(r.active, queryID)
	r.mu.Unlock()
}

func (r *traceRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveTraceCount reports how many traced queries are currently in
// flight, for diagnostics endpoints and release-parity checks.
func ActiveTraceCount() int {
	return activeTraces.size()
}

// render serializes the trace context into the traceInfo metadata value:
// the query id plus the per-phase timings recorded so far.
func (tc *traceContext) render() string {
	phases := map[string]int64{}
	for _, p := range []querycore.TimerPhase{
		querycore.TimerSchedulerWait,
		querycore.TimerQueryProcessing,
		querycore.TimerSegmentPruning,
		querycore.TimerBuildQueryPlan,
		querycore.TimerQueryPlanExecution,
	} {
		if d := tc.timers.Duration(p); d > 0 {
			phases[string(p)] = d.Milliseconds()
		}
	}
	out, err := json.Marshal(map[string]any{
		"queryId": tc.queryID,
		"table":   tc.table,
		"phases":  phases,
	})
	if err != nil {
		return tc.queryID
	}
	return string(out)
}
