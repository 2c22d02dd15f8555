package groupby

import (
	"testing"

	querycore "github.com/lychee-technology/forma"
)

// sumDescComparator ranks by the second column (an int64 sum) descending.
func sumDescComparator(a, b querycore.Record) int {
	av := a.Values[1].(int64)
	bv := b.Values[1].(int64)
	switch {
	case av > bv:
		return -1
	case av < bv:
		return 1
	default:
		return 0
	}
}

func rec(key string, sum int64) querycore.Record {
	return querycore.NewRecord(key, sum)
}

func TestResizeToTrimSize_NoActionBelowCapacity(t *testing.T) {
	records := []querycore.Record{rec("a", 1), rec("b", 2)}
	out := ResizeToTrimSize(records, 5, 1, sumDescComparator)
	if len(out) != 2 {
		t.Fatalf("expected no trim, got %d records", len(out))
	}
}

func TestResizeToTrimSize_EvictWorst(t *testing.T) {
	records := []querycore.Record{rec("a", 10), rec("b", 1), rec("c", 5), rec("d", 2)}
	// trimToSize=3, numEvict=1 < trimToSize=3: evict-worst branch.
	out := ResizeToTrimSize(records, 3, 1, sumDescComparator)
	if len(out) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(out))
	}
	for _, r := range out {
		if r.Values[0] == "b" {
			t.Fatalf("expected worst record 'b' to be evicted")
		}
	}
}

func TestResizeToTrimSize_RetainBest(t *testing.T) {
	records := []querycore.Record{rec("a", 10), rec("b", 1), rec("c", 5), rec("d", 2), rec("e", 8)}
	// trimToSize=2, numEvict=3 >= trimToSize=2: retain-best branch.
	out := ResizeToTrimSize(records, 2, 1, sumDescComparator)
	if len(out) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(out))
	}
	names := map[string]bool{}
	for _, r := range out {
		names[r.Values[0].(string)] = true
	}
	if !names["a"] || !names["e"] {
		t.Fatalf("expected survivors {a,e}, got %v", out)
	}
}

func TestResizeAndSort_TopK(t *testing.T) {
	records := []querycore.Record{rec("a", 1), rec("b", 6), rec("c", 5)}
	out := ResizeAndSort(records, 2, 1, sumDescComparator)
	if len(out) != 2 {
		t.Fatalf("expected top-2, got %d", len(out))
	}
	if out[0].Values[0] != "b" || out[1].Values[0] != "c" {
		t.Fatalf("expected [b,c] order, got %v", out)
	}
}

func TestProjectIntermediateRecord_ExtractsFinalResult(t *testing.T) {
	registry := querycore.DefaultAggregationFunctionRegistry()
	mmr, _ := registry.Get("minmaxrange")

	record := querycore.NewRecord("a", querycore.MinMaxRange{Min: int64(10), Max: int64(40)})
	ir := ProjectIntermediateRecord(record, 1, []int{1}, []querycore.AggregationFunction{mmr})

	if len(ir.Values) != 1 {
		t.Fatalf("expected a single order-by value, got %d", len(ir.Values))
	}
	if ir.Values[0] != float64(30) {
		t.Fatalf("expected minmaxrange final result 30, got %v", ir.Values[0])
	}
	if !ir.Key.Equal(querycore.NewKey("a")) {
		t.Fatalf("expected key (a), got %v", ir.Key)
	}
}

func TestResizeToTrimSize_NilComparatorKeepsPrefix(t *testing.T) {
	records := []querycore.Record{rec("a", 1), rec("b", 2), rec("c", 3)}
	out := ResizeToTrimSize(records, 2, 1, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 survivors with nil comparator, got %d", len(out))
	}
}

// TestResizeAndSort_Deterministic_TieBreak feeds the same fully-tied
// records in every permutation of input order: the key-hash tie-break must
// pick the same survivors in the same order no matter how the snapshot was
// enumerated.
func TestResizeAndSort_Deterministic_TieBreak(t *testing.T) {
	permutations := [][]querycore.Record{
		{rec("x", 5), rec("y", 5), rec("z", 5)},
		{rec("y", 5), rec("z", 5), rec("x", 5)},
		{rec("z", 5), rec("x", 5), rec("y", 5)},
		{rec("z", 5), rec("y", 5), rec("x", 5)},
		{rec("y", 5), rec("x", 5), rec("z", 5)},
		{rec("x", 5), rec("z", 5), rec("y", 5)},
	}

	first := ResizeAndSort(permutations[0], 2, 1, sumDescComparator)
	if len(first) != 2 {
		t.Fatalf("expected 2 results, got %d", len(first))
	}
	for i, perm := range permutations[1:] {
		out := ResizeAndSort(perm, 2, 1, sumDescComparator)
		if len(out) != 2 {
			t.Fatalf("permutation %d: expected 2 results, got %d", i+1, len(out))
		}
		if out[0].Values[0] != first[0].Values[0] || out[1].Values[0] != first[1].Values[0] {
			t.Fatalf("permutation %d: tie-break depends on input order, got %v vs %v", i+1, out, first)
		}
	}
}

// TestResizeToTrimSize_Deterministic_TieBreak does the same for the trim
// path: tied records survive (or not) by key hash, not by snapshot order.
func TestResizeToTrimSize_Deterministic_TieBreak(t *testing.T) {
	forward := []querycore.Record{rec("p", 7), rec("q", 7), rec("r", 7), rec("s", 7)}
	reversed := []querycore.Record{rec("s", 7), rec("r", 7), rec("q", 7), rec("p", 7)}

	survivorKeys := func(records []querycore.Record) map[string]bool {
		out := map[string]bool{}
		for _, r := range ResizeToTrimSize(records, 2, 1, sumDescComparator) {
			out[r.Values[0].(string)] = true
		}
		return out
	}

	a, b := survivorKeys(forward), survivorKeys(reversed)
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected 2 survivors each, got %v and %v", a, b)
	}
	for k := range a {
		if !b[k] {
			t.Fatalf("survivor sets differ by input order: %v vs %v", a, b)
		}
	}
}
