package groupby

import (
	"container/heap"

	"github.com/cespare/xxhash/v2"

	querycore "github.com/lychee-technology/forma"
)

// RecordComparator orders two records for top-K ranking. It returns <0 if
// a ranks before b (i.e. a is "better" under the order-by direction), 0 if
// tied, >0 otherwise. Implementations are built from the query's
// OrderByExpressions and the aggregation registry's ExtractFinalResult.
type RecordComparator func(a, b querycore.Record) int

// IntermediateRecord is a projection used only for ranking: the key plus
// the order-by columns' values, with any aggregation column's final
// result already extracted. It is created only when ranking is needed and
// never persisted.
type IntermediateRecord struct {
	Key    querycore.Key
	Values []any
}

// ProjectIntermediateRecord extracts the order-by columns from record,
// applying ExtractFinalResult wherever an order-by target is an
// aggregation column. orderByColumnIndexes gives, for each order-by
// expression, the schema index of the column it ranks on; aggColumnFuncs
// gives the aggregation function to apply at that index, or nil for a
// plain (comparable) column.
func ProjectIntermediateRecord(record querycore.Record, numKeyColumns int, orderByColumnIndexes []int, aggColumnFuncs []querycore.AggregationFunction) IntermediateRecord {
	ir := IntermediateRecord{
		Key:    record.Key(numKeyColumns),
		Values: make([]any, len(orderByColumnIndexes)),
	}
	for i, colIdx := range orderByColumnIndexes {
		v := record.Values[colIdx]
		if aggColumnFuncs[i] != nil {
			v = aggColumnFuncs[i].ExtractFinalResult(v)
		}
		ir.Values[i] = v
	}
	return ir
}

// heapItem wraps a record for use inside the bounded heaps below.
type heapItem struct {
	record querycore.Record
}

// recordHeap is a container/heap-compatible bounded heap. When capped at
// size N, pushing a better-ranked item than the current worst evicts the
// current worst.
type recordHeap struct {
	items []heapItem
	// less(i, j) reports whether items[i] should be popped before
	// items[j], i.e. items[i] is closer to the "boundary" value this heap
	// evicts first.
	better func(a, b querycore.Record) bool
}

func (h *recordHeap) Len() int { return len(h.items) }
func (h *recordHeap) Less(i, j int) bool {
	return h.better(h.items[i].record, h.items[j].record)
}
func (h *recordHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *recordHeap) Push(x any)    { h.items = append(h.items, x.(heapItem)) }
func (h *recordHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// tieBreak provides a deterministic secondary ordering when cmp returns 0,
// using the key's hash.
func tieBreak(a, b querycore.Record, numKeyColumns int) int {
	ha := xxhash.Sum64String(a.Key(numKeyColumns).String())
	hb := xxhash.Sum64String(b.Key(numKeyColumns).String())
	switch {
	case ha < hb:
		return -1
	case ha > hb:
		return 1
	default:
		return 0
	}
}

// orderedCompare wraps cmp with the deterministic key-hash tie-break.
func orderedCompare(cmp RecordComparator, numKeyColumns int) func(a, b querycore.Record) int {
	return func(a, b querycore.Record) int {
		c := cmp(a, b)
		if c != 0 {
			return c
		}
		return tieBreak(a, b, numKeyColumns)
	}
}

// ResizeToTrimSize is the trim decision: given N current
// records and a comparator, return the survivors after trimming to
// trimToSize. numKeyColumns feeds the key-hash tie-break, so tied records
// resolve the same way regardless of input order.
//
//   - N <= trimToSize: no action, all records survive.
//   - N - trimToSize < trimToSize (fewer to evict than retain): build a
//     bounded max-heap of size N-trimToSize of the worst records and drop
//     those.
//   - otherwise: build a bounded min-heap of size trimToSize of the best
//     records and retain only those.
func ResizeToTrimSize(records []querycore.Record, trimToSize, numKeyColumns int, cmp RecordComparator) []querycore.Record {
	n := len(records)
	if n <= trimToSize || trimToSize <= 0 {
		return records
	}
	if cmp == nil {
		// No order-by ranking available (legacy pipeline): keep an
		// arbitrary but stable prefix.
		return records[:trimToSize]
	}
	full := orderedCompare(cmp, numKeyColumns)
	numEvict := n - trimToSize

	keyLen := keyLenFromComparatorHint(records)

	if numEvict < trimToSize {
		// Bounded heap of the numEvict worst records. Its root is always
		// the least-bad record currently tracked as "worst", so a new
		// candidate only displaces the root when it is worse still.
		worstHeap := &recordHeap{better: func(a, b querycore.Record) bool {
			return full(a, b) < 0
		}}
		heap.Init(worstHeap)
		for _, r := range records {
			if worstHeap.Len() < numEvict {
				heap.Push(worstHeap, heapItem{record: r})
				continue
			}
			root := worstHeap.items[0].record
			if full(r, root) > 0 { // r is worse than the current least-worst tracked
				heap.Pop(worstHeap)
				heap.Push(worstHeap, heapItem{record: r})
			}
		}
		evict := make(map[string]struct{}, numEvict)
		for _, it := range worstHeap.items {
			evict[it.record.Key(keyLen).String()] = struct{}{}
		}
		survivors := make([]querycore.Record, 0, trimToSize)
		for _, r := range records {
			if _, drop := evict[r.Key(keyLen).String()]; !drop {
				survivors = append(survivors, r)
			}
		}
		return survivors
	}

	// Bounded heap of the trimToSize best records. Its root is always the
	// worst-of-the-best currently tracked, so a new candidate only
	// displaces the root when it ranks better still.
	bestHeap := &recordHeap{better: func(a, b querycore.Record) bool {
		return full(a, b) > 0
	}}
	heap.Init(bestHeap)
	for _, r := range records {
		if bestHeap.Len() < trimToSize {
			heap.Push(bestHeap, heapItem{record: r})
			continue
		}
		root := bestHeap.items[0].record
		if full(r, root) < 0 { // r ranks better than the current worst-of-the-best
			heap.Pop(bestHeap)
			heap.Push(bestHeap, heapItem{record: r})
		}
	}
	survivors := make([]querycore.Record, 0, trimToSize)
	for _, it := range bestHeap.items {
		survivors = append(survivors, it.record)
	}
	return survivors
}

// keyLenFromComparatorHint returns the full record width of a snapshot
// (all records in one snapshot share a schema, so the first record's
// width is enough). Trim bookkeeping keys records on every column, not
// only the key columns; within one snapshot those keys are still unique.
func keyLenFromComparatorHint(records []querycore.Record) int {
	if len(records) == 0 {
		return 0
	}
	return len(records[0].Values)
}

// ResizeAndSort combines trim and final sort in one pass: it builds
// the retain-heap for the best `limit` records and drains it into a
// reverse-indexed sorted array, avoiding a second full sort over the
// pre-trim set. numKeyColumns feeds the key-hash tie-break.
func ResizeAndSort(records []querycore.Record, limit, numKeyColumns int, cmp RecordComparator) []querycore.Record {
	if limit <= 0 {
		return nil
	}
	full := orderedCompare(cmp, numKeyColumns)
	if len(records) <= limit {
		out := append([]querycore.Record(nil), records...)
		sortRecords(out, full)
		return out
	}

	// Root is always the worst-of-the-best currently tracked, draining
	// worst-first below and writing back-to-front yields a best-first
	// array without a second sort pass.
	bestHeap := &recordHeap{better: func(a, b querycore.Record) bool {
		return full(a, b) > 0
	}}
	heap.Init(bestHeap)
	for _, r := range records {
		if bestHeap.Len() < limit {
			heap.Push(bestHeap, heapItem{record: r})
			continue
		}
		root := bestHeap.items[0].record
		if full(r, root) < 0 {
			heap.Pop(bestHeap)
			heap.Push(bestHeap, heapItem{record: r})
		}
	}
	out := make([]querycore.Record, bestHeap.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(bestHeap).(heapItem).record
	}
	return out
}

func sortRecords(records []querycore.Record, full func(a, b querycore.Record) int) {
	// Insertion sort is fine here: this branch only runs when len(records)
	// <= limit, which is bounded by the query's own limit clause.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && full(records[j-1], records[j]) > 0; j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
}
