package telemetry

import (
	"context"
	"sync"
	"testing"
)

type capturedMeasure struct {
	name   string
	labels map[string]string
	value  any
}

func captureEmitter() (*[]capturedMeasure, func()) {
	var mu sync.Mutex
	captured := &[]capturedMeasure{}
	RegisterEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		mu.Lock()
		defer mu.Unlock()
		*captured = append(*captured, capturedMeasure{name: name, labels: labels, value: value})
	})
	return captured, func() { RegisterEmitter(nil) }
}

func TestCountersIncrementAndSnapshot(t *testing.T) {
	c := NewCounters()
	c.IncSchedulingTimeouts()
	c.IncTableMissing()
	c.IncTableMissing()
	c.IncExecutionErrors()
	c.IncQueriesExecuted()

	snap := c.Snapshot()
	if snap["schedulingTimeouts"] != 1 {
		t.Fatalf("schedulingTimeouts = %d, want 1", snap["schedulingTimeouts"])
	}
	if snap["tableMissing"] != 2 {
		t.Fatalf("tableMissing = %d, want 2", snap["tableMissing"])
	}
	if snap["executionErrors"] != 1 {
		t.Fatalf("executionErrors = %d, want 1", snap["executionErrors"])
	}
	if snap["queriesExecuted"] != 1 {
		t.Fatalf("queriesExecuted = %d, want 1", snap["queriesExecuted"])
	}
}

func TestEmitterReceivesMeasures(t *testing.T) {
	captured, restore := captureEmitter()
	defer restore()

	EmitPhaseLatency(context.Background(), "plan_execution", 12)
	EmitSegmentRows(context.Background(), "consuming", 42)

	if len(*captured) != 2 {
		t.Fatalf("captured %d measures, want 2", len(*captured))
	}
	first := (*captured)[0]
	if first.name != "query_phase_latency_ms" || first.labels["phase"] != "plan_execution" {
		t.Fatalf("unexpected first measure: %+v", first)
	}
	second := (*captured)[1]
	if second.name != "segment_rows_scanned" || second.labels["tier"] != "consuming" {
		t.Fatalf("unexpected second measure: %+v", second)
	}
}

func TestNilEmitterRestoresNoop(t *testing.T) {
	RegisterEmitter(nil)
	// Must not panic.
	EmitPhaseLatency(context.Background(), "pruning", 1)
}
