// Package groupby implements the concurrent keyed aggregation buffer
// (IndexedTable) and its bounded top-K trimming companion, used both
// inside a server to combine per-segment results and at the broker to
// combine per-server results.
package groupby

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	querycore "github.com/lychee-technology/forma"
)

const numShards = 32

// shard is one slice of the sharded keyed map. Merge happens inside the
// shard's lock, which is the per-key critical section the design notes
// call for (a sharded hash map with per-shard locks, favored over a
// fully lock-free structure).
type shard struct {
	mu   sync.Mutex
	rows map[string]querycore.Record
}

// IndexedTable is the bounded, concurrent keyed merge buffer central to
// group-by execution.
type IndexedTable struct {
	schema        querycore.DataSchema
	registry      *querycore.AggregationFunctionRegistry
	limit         int
	maxInitHolder int

	capacity int
	trimSize int

	shards [numShards]*shard

	mu       sync.Mutex
	size     int
	finished bool
	sorted   []querycore.Record
	comparator RecordComparator
}

// NewIndexedTable builds an IndexedTable for schema, with
// capacity = max(limit*5, maxInitialResultHolderCapacity).
func NewIndexedTable(schema querycore.DataSchema, registry *querycore.AggregationFunctionRegistry, limit, maxInitialResultHolderCapacity int, comparator RecordComparator) *IndexedTable {
	capacity := maxInitialResultHolderCapacity
	if limit*5 > capacity {
		capacity = limit * 5
	}
	t := &IndexedTable{
		schema:        schema,
		registry:      registry,
		limit:         limit,
		maxInitHolder: maxInitialResultHolderCapacity,
		capacity:      capacity,
		trimSize:      capacity / 2,
		comparator:    comparator,
	}
	for i := range t.shards {
		t.shards[i] = &shard{rows: make(map[string]querycore.Record)}
	}
	return t
}

// Capacity returns the table's current bound on distinct keys.
func (t *IndexedTable) Capacity() int {
	return t.capacity
}

func (t *IndexedTable) shardFor(keyStr string) *shard {
	h := xxhash.Sum64String(keyStr)
	return t.shards[h%numShards]
}

// Upsert inserts record if its key is new, or merges it columnwise into
// the existing record using the registered aggregation function per
// aggregation column. Concurrent upserts to the same key are serialized
// by the shard lock; upserts to different keys may proceed in parallel.
func (t *IndexedTable) Upsert(record querycore.Record) {
	key := record.Key(t.schema.NumKeyColumns)
	keyStr := key.String()
	sh := t.shardFor(keyStr)

	sh.mu.Lock()
	existing, present := sh.rows[keyStr]
	if !present {
		sh.rows[keyStr] = record
		sh.mu.Unlock()
		t.mu.Lock()
		t.size++
		grew := t.size > t.capacity
		t.mu.Unlock()
		if grew {
			t.trim()
		}
		return
	}
	merged := MergeRecords(t.schema, t.registry, existing, record)
	sh.rows[keyStr] = merged
	sh.mu.Unlock()
}

// UpsertBounded behaves like Upsert, except it refuses to create a brand
// new group once the table already holds groupsLimit distinct keys: new
// groups are silently dropped (the caller increments its own counter from
// the returned bool) while merges into already-admitted keys still
// proceed. This is the numGroupsLimit cap across segments.
func (t *IndexedTable) UpsertBounded(record querycore.Record, groupsLimit int) (admitted bool) {
	key := record.Key(t.schema.NumKeyColumns)
	keyStr := key.String()
	sh := t.shardFor(keyStr)

	sh.mu.Lock()
	existing, present := sh.rows[keyStr]
	if present {
		sh.rows[keyStr] = MergeRecords(t.schema, t.registry, existing, record)
		sh.mu.Unlock()
		return true
	}
	sh.mu.Unlock()

	if groupsLimit > 0 && t.Size() >= groupsLimit {
		return false
	}

	sh.mu.Lock()
	if existing, present := sh.rows[keyStr]; present {
		sh.rows[keyStr] = MergeRecords(t.schema, t.registry, existing, record)
		sh.mu.Unlock()
		return true
	}
	sh.rows[keyStr] = record
	sh.mu.Unlock()
	t.mu.Lock()
	t.size++
	grew := t.size > t.capacity
	t.mu.Unlock()
	if grew {
		t.trim()
	}
	return true
}

// MergeRecords merges the aggregation columns of b into a columnwise,
// using the registered aggregation function resolved from each column's
// name, leaving key columns untouched (they are expected equal by
// construction). Exported so the combine node and the broker reducer
// can merge single-row (no-group-by) aggregation results the same way
// IndexedTable merges group-by rows.
func MergeRecords(schema querycore.DataSchema, registry *querycore.AggregationFunctionRegistry, a, b querycore.Record) querycore.Record {
	out := querycore.Record{Values: append([]any(nil), a.Values...)}
	for i := schema.NumKeyColumns; i < schema.Size(); i++ {
		colName := schema.ColumnNames[i]
		fn, ok := registry.Get(aggregationFunctionNameFor(colName))
		if !ok {
			// No known merge function for this column: last-write-wins,
			// which keeps the table usable for non-aggregation group-by
			// columns that slipped past NumKeyColumns.
			out.Values[i] = b.Values[i]
			continue
		}
		out.Values[i] = fn.Merge(a.Values[i], b.Values[i])
	}
	return out
}

// aggregationFunctionNameFor resolves a schema column name back to its
// originating aggregation function name. Column names for aggregation
// columns are expected to be of the shape "<func>(...)"; this core does
// not need a full expression re-parse here, only the function name.
func aggregationFunctionNameFor(columnName string) string {
	for i, r := range columnName {
		if r == '(' {
			return columnName[:i]
		}
	}
	return columnName
}

// Size returns the current number of distinct keys. Safe to call
// concurrently with Upsert; the invariant size <= capacity holds at every
// observation point between upserts.
func (t *IndexedTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// trim is the stop-the-world operation triggered at capacity: it
// delegates to the resizer to bring the table back down to trimSize.
func (t *IndexedTable) trim() {
	all := t.snapshotRows()
	survivors := ResizeToTrimSize(all, t.trimSize, t.schema.NumKeyColumns, t.comparator)
	survivorSet := make(map[string]struct{}, len(survivors))
	for _, r := range survivors {
		survivorSet[r.Key(t.schema.NumKeyColumns).String()] = struct{}{}
	}
	newSize := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k := range sh.rows {
			if _, keep := survivorSet[k]; !keep {
				delete(sh.rows, k)
			} else {
				newSize++
			}
		}
		sh.mu.Unlock()
	}
	t.mu.Lock()
	t.size = newSize
	t.mu.Unlock()
}

func (t *IndexedTable) snapshotRows() []querycore.Record {
	out := make([]querycore.Record, 0, t.capacity)
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, r := range sh.rows {
			out = append(out, r)
		}
		sh.mu.Unlock()
	}
	return out
}

// Finish closes the table for writes. If sort is true, subsequent
// Iterator calls yield records in order-by order (trimmed to Limit when
// set); otherwise, or when the table has no comparator, they are yielded
// untrimmed in ascending key-string order.
// Finish is synchronous: callers must only invoke it once all upserts
// have quiesced.
func (t *IndexedTable) Finish(sort_ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true

	rows := t.snapshotRows()
	if sort_ && t.comparator != nil {
		limit := t.limit
		if limit <= 0 || limit > len(rows) {
			limit = len(rows)
		}
		rows = ResizeAndSort(rows, limit, t.schema.NumKeyColumns, t.comparator)
	} else {
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].Key(t.schema.NumKeyColumns).String() < rows[j].Key(t.schema.NumKeyColumns).String()
		})
	}
	t.sorted = rows
}

// RecordIterator is a lazy, finite, single-pass sequence of Records.
type RecordIterator struct {
	rows []querycore.Record
	pos  int
}

// Next returns the next record and true, or a zero Record and false when
// exhausted.
func (it *RecordIterator) Next() (querycore.Record, bool) {
	if it.pos >= len(it.rows) {
		return querycore.Record{}, false
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true
}

// Iterator returns a fresh iterator over the finished table's rows. Must
// only be called after Finish.
func (t *IndexedTable) Iterator() *RecordIterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &RecordIterator{rows: t.sorted}
}
