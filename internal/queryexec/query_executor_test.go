package queryexec

import (
	"context"
	"strings"
	"testing"
	"time"

	querycore "github.com/lychee-technology/forma"
)

type staticTableRegistry map[string]*SegmentManager

func (r staticTableRegistry) Lookup(table string) (*SegmentManager, bool) {
	mgr, ok := r[table]
	return mgr, ok
}

func newExecutor(tables staticTableRegistry) *QueryExecutor {
	return &QueryExecutor{
		Tables:                         tables,
		Pruner:                         EmptyFilterPruner{},
		Registry:                       querycore.DefaultAggregationFunctionRegistry(),
		Pool:                           NewWorkerPool(4),
		DefaultTimeoutMs:               10_000,
		NumGroupsLimit:                 100_000,
		MaxInitialResultHolderCapacity: 10_000,
	}
}

// TestQueryExecutor_MissingTable: a request for a table with no resident
// segments completes with an in-band table-missing exception.
func TestQueryExecutor_MissingTable(t *testing.T) {
	qe := newExecutor(staticTableRegistry{})
	req := []byte(`{"table":"nope_OFFLINE","select":[{"function":"count"}]}`)

	dt, err := qe.Execute(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if len(dt.Exceptions) != 1 || dt.Exceptions[0].ErrorCode != exceptionCodeTableMissing {
		t.Fatalf("expected a single table-missing exception, got %v", dt.Exceptions)
	}
}

// TestQueryExecutor_SchedulingTimeout: a request whose deadline has
// already elapsed by the time Execute runs.
func TestQueryExecutor_SchedulingTimeout(t *testing.T) {
	mgr := NewSegmentManager()
	mgr.Put(&querycore.Segment{ID: "seg1", TotalDocs: 10})
	qe := newExecutor(staticTableRegistry{"events": mgr})

	req := []byte(`{"table":"events","select":[{"function":"count"}],"timeoutMs":1}`)
	arrival := time.Now().Add(-10 * time.Millisecond)

	dt, err := qe.Execute(context.Background(), req, arrival)
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if len(dt.Exceptions) != 1 || dt.Exceptions[0].ErrorCode != exceptionCodeSchedulingTimeout {
		t.Fatalf("expected a single scheduling-timeout exception, got %v", dt.Exceptions)
	}
	if mgr.RefCount("seg1") != 0 {
		t.Fatalf("expected no segment acquisitions to leak past a pre-execution timeout, got refcount %d", mgr.RefCount("seg1"))
	}
}

// TestQueryExecutor_MalformedRequest exercises step 1: decode failure is
// fatal-to-request and never touches any table or segment.
func TestQueryExecutor_MalformedRequest(t *testing.T) {
	qe := newExecutor(staticTableRegistry{})
	_, err := qe.Execute(context.Background(), []byte(`not json`), time.Now())
	if err == nil {
		t.Fatalf("expected a decode error")
	}
	if !querycore.IsInvalidArgument(err) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

// TestQueryExecutor_MetadataOnlyCount drives the full pipeline end to end
// through the metadata-only plan and checks the response metadata keys.
func TestQueryExecutor_MetadataOnlyCount(t *testing.T) {
	mgr := NewSegmentManager()
	mgr.Put(&querycore.Segment{ID: "seg1", TotalDocs: 100})
	mgr.Put(&querycore.Segment{ID: "seg2", TotalDocs: 250})
	qe := newExecutor(staticTableRegistry{"events": mgr})

	req := []byte(`{"table":"events","select":[{"function":"count"}]}`)
	dt, err := qe.Execute(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dt.Exceptions) != 0 {
		t.Fatalf("expected no exceptions, got %v", dt.Exceptions)
	}
	if dt.Metadata[querycore.MetaTotalDocs] != "350" {
		t.Fatalf("expected totalDocs=350, got %s", dt.Metadata[querycore.MetaTotalDocs])
	}
	if len(dt.Rows) != 1 || dt.Rows[0][0] != int64(350) {
		t.Fatalf("expected count result 350, got %v", dt.Rows)
	}
	if mgr.RefCount("seg1") != 0 || mgr.RefCount("seg2") != 0 {
		t.Fatalf("expected handles released after Execute returns")
	}
}

// TestQueryExecutor_TraceRegisterUnregisterParity: a traced query attaches
// rendered trace info to the response metadata, and its trace context is
// unregistered by the time Execute returns.
func TestQueryExecutor_TraceRegisterUnregisterParity(t *testing.T) {
	mgr := NewSegmentManager()
	mgr.Put(&querycore.Segment{ID: "seg1", TotalDocs: 10})
	qe := newExecutor(staticTableRegistry{"events": mgr})

	req := []byte(`{"table":"events","select":[{"function":"count"}],"trace":true}`)
	dt, err := qe.Execute(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, ok := dt.Metadata[querycore.MetaTraceInfo]
	if !ok || info == "" {
		t.Fatalf("expected traceInfo metadata on a traced query, got %q", info)
	}
	if !strings.Contains(info, "queryId") || !strings.Contains(info, string(querycore.TimerQueryProcessing)) {
		t.Fatalf("expected rendered trace info with query id and phase timings, got %q", info)
	}
	if n := ActiveTraceCount(); n != 0 {
		t.Fatalf("expected no trace contexts left registered, got %d", n)
	}
}

// TestQueryExecutor_NoTraceInfoWithoutFlag: an untraced query carries no
// traceInfo metadata.
func TestQueryExecutor_NoTraceInfoWithoutFlag(t *testing.T) {
	mgr := NewSegmentManager()
	mgr.Put(&querycore.Segment{ID: "seg1", TotalDocs: 10})
	qe := newExecutor(staticTableRegistry{"events": mgr})

	req := []byte(`{"table":"events","select":[{"function":"count"}]}`)
	dt, err := qe.Execute(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := dt.Metadata[querycore.MetaTraceInfo]; ok {
		t.Fatalf("expected no traceInfo metadata without the trace flag")
	}
}
