package querycore

import (
	"fmt"
	"time"
)

// ColumnDataType enumerates the data types a DataSchema column may carry.
type ColumnDataType string

const (
	ColumnTypeInt    ColumnDataType = "INT"
	ColumnTypeLong   ColumnDataType = "LONG"
	ColumnTypeFloat  ColumnDataType = "FLOAT"
	ColumnTypeDouble ColumnDataType = "DOUBLE"
	ColumnTypeString ColumnDataType = "STRING"
	ColumnTypeBytes  ColumnDataType = "BYTES"
	ColumnTypeObject ColumnDataType = "OBJECT"
)

// DataSchema is an ordered list of (name, type) pairs. The first
// NumKeyColumns columns are group-by key columns; the rest are aggregation
// intermediate-result columns. The split is stored explicitly rather than
// reconstructed from the aggregation functions.
type DataSchema struct {
	ColumnNames    []string
	ColumnTypes    []ColumnDataType
	NumKeyColumns  int
}

// ColumnIndex returns the index of name in the schema, or -1.
func (s *DataSchema) ColumnIndex(name string) int {
	for i, n := range s.ColumnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Size returns the number of columns.
func (s *DataSchema) Size() int {
	return len(s.ColumnNames)
}

// Key is an ordered tuple of group-by values. Equality (Equal) compares
// components with interface ==, and hashing goes through String(), so Key
// must be built from comparable values only (no slices/maps as components).
type Key struct {
	Values []any
}

// NewKey builds a Key from ordered values.
func NewKey(values ...any) Key {
	return Key{Values: values}
}

// Equal reports componentwise equality.
func (k Key) Equal(other Key) bool {
	if len(k.Values) != len(other.Values) {
		return false
	}
	for i := range k.Values {
		if k.Values[i] != other.Values[i] {
			return false
		}
	}
	return true
}

// String renders the key as a unit-separator-joined string, used both as
// the map key inside the keyed aggregation table and as the hash input for
// shard selection.
func (k Key) String() string {
	out := make([]byte, 0, 32)
	for i, v := range k.Values {
		if i > 0 {
			out = append(out, '\x1f')
		}
		out = append(out, []byte(toKeyString(v))...)
	}
	return string(out)
}

func toKeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Record is an ordered tuple of column values: key columns first, then
// aggregation intermediate-result columns, schema-consistent.
type Record struct {
	Values []any
}

// NewRecord builds a Record from ordered values.
func NewRecord(values ...any) Record {
	return Record{Values: values}
}

// Key extracts the leading NumKeyColumns values of the record as a Key.
func (r Record) Key(numKeyColumns int) Key {
	return Key{Values: append([]any(nil), r.Values[:numKeyColumns]...)}
}

// OrderDirection is the sort direction of an OrderByExpression.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// Expression is a minimal select/filter/group-by/order-by expression tree.
// FunctionName is empty for a bare column reference; non-empty for a
// function call (aggregation or scalar transform) over Args.
type Expression struct {
	Identifier   string
	FunctionName string
	Args         []Expression
	Literal      any
}

// IsAggregation reports whether the expression invokes a registered
// aggregation function by name.
func (e Expression) IsAggregation(registry *AggregationFunctionRegistry) bool {
	if e.FunctionName == "" {
		return false
	}
	return registry.Has(e.FunctionName)
}

// OrderByExpression pairs an expression with a sort direction.
type OrderByExpression struct {
	Expression Expression
	Direction  OrderDirection
}

// QueryContext is the normalized, compiled query shape that flows through
// the whole pipeline.
type QueryContext struct {
	Table             string
	SelectExpressions []Expression
	FilterTree        *FilterNode
	GroupByExpressions []Expression
	OrderByExpressions []OrderByExpression
	HavingFilter      *FilterNode
	Limit             int
	Options           map[string]string
	TimeoutOverrideMs int64
	Trace             bool
}

// QueryOption keys recognized by the core.
const (
	OptionTimeoutMs       = "timeoutMs"
	OptionGroupByMode      = "groupByMode"
	OptionResponseFormat   = "responseFormat"
	OptionPreserveType     = "preserveType"
)

const (
	GroupByModeSQL      = "sql"
	ResponseFormatSQL    = "sql"
)

// IsAggregationQuery reports whether any select or order-by expression
// invokes an aggregation function.
func (q *QueryContext) IsAggregationQuery(registry *AggregationFunctionRegistry) bool {
	for _, e := range q.SelectExpressions {
		if e.IsAggregation(registry) {
			return true
		}
	}
	for _, o := range q.OrderByExpressions {
		if o.Expression.IsAggregation(registry) {
			return true
		}
	}
	return false
}

// GroupByMode resolves the effective group-by presentation dial.
func (q *QueryContext) GroupByMode() string {
	return q.Options[OptionGroupByMode]
}

// ResponseFormat resolves the effective response-format dial.
func (q *QueryContext) ResponseFormat() string {
	return q.Options[OptionResponseFormat]
}

// PreserveType resolves whether PQL-format values should keep native types.
func (q *QueryContext) PreserveType() bool {
	v, ok := q.Options[OptionPreserveType]
	if !ok {
		return true
	}
	return v != "false"
}

// ColumnDataSource describes one column's segment-level metadata, the
// surface SegmentPruner and the metadata-only/dictionary-only plans read.
type ColumnDataSource struct {
	Name           string
	Type           ColumnDataType
	HasDictionary  bool
	SortedDictionary bool
	DictionaryMin  any
	DictionaryMax  any
	Nullable       bool
}

// Segment is an opaque, read-only handle to a columnar segment.
type Segment struct {
	ID                string
	TotalDocs         int64
	Columns           map[string]ColumnDataSource
	Mutable           bool
	LastIndexedTimeMs  int64
	LatestIngestionTimeMs int64
}

// TimerPhase names one of the per-query phase timers.
type TimerPhase string

const (
	TimerSchedulerWait       TimerPhase = "SCHEDULER_WAIT"
	TimerQueryProcessing     TimerPhase = "QUERY_PROCESSING"
	TimerSegmentPruning      TimerPhase = "SEGMENT_PRUNING"
	TimerBuildQueryPlan      TimerPhase = "BUILD_QUERY_PLAN"
	TimerQueryPlanExecution  TimerPhase = "QUERY_PLAN_EXECUTION"
)

// TimerContext accumulates monotonic phase durations for one query.
type TimerContext struct {
	starts    map[TimerPhase]time.Time
	durations map[TimerPhase]time.Duration
}

// NewTimerContext builds an empty TimerContext.
func NewTimerContext() *TimerContext {
	return &TimerContext{
		starts:    make(map[TimerPhase]time.Time),
		durations: make(map[TimerPhase]time.Duration),
	}
}

// Start begins timing phase.
func (t *TimerContext) Start(phase TimerPhase) {
	t.starts[phase] = time.Now()
}

// Stop ends timing phase, accumulating the elapsed duration.
func (t *TimerContext) Stop(phase TimerPhase) time.Duration {
	start, ok := t.starts[phase]
	if !ok {
		return 0
	}
	d := time.Since(start)
	t.durations[phase] += d
	delete(t.starts, phase)
	return d
}

// Duration returns the accumulated duration for phase.
func (t *TimerContext) Duration(phase TimerPhase) time.Duration {
	return t.durations[phase]
}

// DataTable is the on-wire tabular payload returned to the broker.
type DataTable struct {
	Schema     DataSchema
	Rows       [][]any
	Metadata   map[string]string
	Exceptions []DataTableException
}

// DataTableException is one in-band error entry attached to a DataTable.
type DataTableException struct {
	ErrorCode int
	Message   string
}

// NewDataTable builds an empty DataTable with the given schema.
func NewDataTable(schema DataSchema) *DataTable {
	return &DataTable{
		Schema:   schema,
		Rows:     [][]any{},
		Metadata: make(map[string]string),
	}
}

// AddException attaches an in-band exception entry.
func (dt *DataTable) AddException(code int, message string) {
	dt.Exceptions = append(dt.Exceptions, DataTableException{ErrorCode: code, Message: message})
}

// Reserved DataTable metadata keys.
const (
	MetaTotalDocs                   = "totalDocs"
	MetaNumDocsScanned              = "numDocsScanned"
	MetaNumEntriesScannedInFilter   = "numEntriesScannedInFilter"
	MetaNumEntriesScannedPostFilter = "numEntriesScannedPostFilter"
	MetaNumSegmentsProcessed        = "numSegmentsProcessed"
	MetaNumSegmentsMatched          = "numSegmentsMatched"
	MetaNumSegmentsQueried          = "numSegmentsQueried"
	MetaTimeUsedMs                  = "timeUsedMs"
	MetaNumConsumingSegmentsProcessed = "numConsumingSegmentsProcessed"
	MetaMinConsumingFreshnessTimeMs   = "minConsumingFreshnessTimeMs"
	MetaTraceInfo                   = "traceInfo"
)
