// Package broker implements the broker-side reducer: it merges one
// DataTable per responding server into the single response the broker's
// client sees, folding rows deterministically (servers visited in sorted
// name order) through the registered aggregation function's Merge.
package broker

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/lychee-technology/forma/internal/groupby"

	querycore "github.com/lychee-technology/forma"
)

// AggregationGroupRow is one row of a per-aggregation-function group-by
// result list, the PQL group-by presentation.
type AggregationGroupRow struct {
	Group []string
	Value any
}

// AggregationGroupResult is one aggregation function's merged group-by
// result list; sql/pql and pql/pql both emit one of these per aggregation
// function, all sharing the same groups.
type AggregationGroupResult struct {
	Function string
	Rows     []AggregationGroupRow
}

// Result is the reducer's output. Exactly one of Table or Groups is set,
// chosen by the query's responseFormat.
type Result struct {
	Table  *querycore.DataTable
	Groups []AggregationGroupResult
}

// Reducer merges per-server result tables into the final response.
type Reducer struct {
	Registry                       *querycore.AggregationFunctionRegistry
	MaxInitialResultHolderCapacity int
}

// Reduce merges perServer into the broker's final response, routing on
// (groupByMode, responseFormat).
func (r *Reducer) Reduce(perServer map[string]*querycore.DataTable, query *querycore.QueryContext) (*Result, error) {
	schema, anyTable := peekSchema(perServer)
	if !anyTable {
		return &Result{Table: querycore.NewDataTable(schema)}, nil
	}

	sqlGroupBy := query.GroupByMode() == querycore.GroupByModeSQL
	sqlFormat := query.ResponseFormat() == querycore.ResponseFormatSQL

	switch {
	case sqlGroupBy && sqlFormat:
		return r.reduceSQLSQL(perServer, schema, query)
	case sqlGroupBy && !sqlFormat:
		return r.reduceSQLPQL(perServer, schema, query)
	case !sqlGroupBy && sqlFormat:
		return r.reducePQLSQL(perServer, schema, query)
	default:
		return r.reducePQLPQL(perServer, schema, query)
	}
}

// peekSchema returns the schema carried by the first non-empty server
// response, without merging anything. All responding servers are expected
// to share one schema for a given query.
func peekSchema(perServer map[string]*querycore.DataTable) (querycore.DataSchema, bool) {
	names := sortedServerNames(perServer)
	for _, name := range names {
		if dt := perServer[name]; dt != nil {
			return dt.Schema, true
		}
	}
	return querycore.DataSchema{}, false
}

func sortedServerNames(perServer map[string]*querycore.DataTable) []string {
	names := make([]string, 0, len(perServer))
	for name := range perServer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeTables folds every server's rows into one IndexedTable keyed by the
// schema's key columns, using the registered aggregation function's Merge
// per aggregation column, the broker-side equivalent of what the combine
// node already does server-side.
func (r *Reducer) mergeTables(perServer map[string]*querycore.DataTable, query *querycore.QueryContext, schema querycore.DataSchema, comparator groupby.RecordComparator) *groupby.IndexedTable {
	capacity := r.MaxInitialResultHolderCapacity
	table := groupby.NewIndexedTable(schema, r.Registry, query.Limit, capacity, comparator)
	for _, name := range sortedServerNames(perServer) {
		dt := perServer[name]
		if dt == nil {
			continue
		}
		for _, row := range dt.Rows {
			table.Upsert(querycore.Record{Values: append([]any(nil), row...)})
		}
	}
	return table
}

func iterateAll(table *groupby.IndexedTable) []querycore.Record {
	it := table.Iterator()
	var rows []querycore.Record
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		rows = append(rows, r)
	}
	return rows
}

// aggregationFunctionNameFor resolves a schema column name of shape
// "<func>(...)" back to its function name.
func aggregationFunctionNameFor(columnName string) string {
	for i, ch := range columnName {
		if ch == '(' {
			return columnName[:i]
		}
	}
	return columnName
}

// selectToSchemaIndex computes, for every select expression, the schema
// column index it draws from: identifier expressions map to their
// group-by position, aggregation expressions map to the schema index of
// their "<func>()" column.
func selectToSchemaIndex(query *querycore.QueryContext, schema querycore.DataSchema) []int {
	groupByPos := make(map[string]int, len(query.GroupByExpressions))
	for i, g := range query.GroupByExpressions {
		groupByPos[g.Identifier] = i
	}
	idx := make([]int, len(query.SelectExpressions))
	for i, e := range query.SelectExpressions {
		if e.FunctionName == "" {
			if j, ok := groupByPos[e.Identifier]; ok {
				idx[i] = j
				continue
			}
		}
		idx[i] = schema.ColumnIndex(e.FunctionName + "()")
	}
	return idx
}

// buildComparator orders merged records by the query's order-by list,
// applying ExtractFinalResult wherever the target is a non-Comparable
// aggregation intermediate, same as the combine node does server-side.
// When the query has no explicit order-by (the legacy pql default), rank
// descending by the sole aggregation column.
func (r *Reducer) buildComparator(schema querycore.DataSchema, query *querycore.QueryContext) groupby.RecordComparator {
	if len(query.OrderByExpressions) == 0 {
		if schema.Size() <= schema.NumKeyColumns {
			return nil
		}
		aggIdx := schema.NumKeyColumns
		fn, _ := r.Registry.Get(aggregationFunctionNameFor(schema.ColumnNames[aggIdx]))
		return func(a, b querycore.Record) int {
			av, bv := a.Values[aggIdx], b.Values[aggIdx]
			if fn != nil && !fn.IsIntermediateResultComparable() {
				av, bv = fn.ExtractFinalResult(av), fn.ExtractFinalResult(bv)
			}
			return -compareAny(av, bv)
		}
	}

	type target struct {
		colIdx  int
		desc    bool
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
			fn, _ = r.Registry.Get(ob.Expression.FunctionName)
		}
		targets = append(targets, target{colIdx: idx, desc: ob.Direction == querycore.OrderDesc, finalFn: fn})
	}
	return func(a, b querycore.Record) int {
		for _, t := range targets {
			av, bv := a.Values[t.colIdx], b.Values[t.colIdx]
			if t.finalFn != nil && !t.finalFn.IsIntermediateResultComparable() {
				av, bv = t.finalFn.ExtractFinalResult(av), t.finalFn.ExtractFinalResult(bv)
			}
			c := compareAny(av, bv)
			if t.desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareAny(a, b any) int {
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
		y := toFloat64(b)
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

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// reduceSQLSQL handles sql/sql: builds a single tabular result,
// columns reordered to the select-expression order, ranking computed on
// the post-final-result value.
func (r *Reducer) reduceSQLSQL(perServer map[string]*querycore.DataTable, schema querycore.DataSchema, query *querycore.QueryContext) (*Result, error) {
	comparator := r.buildComparator(schema, query)
	table := r.mergeTables(perServer, query, schema, comparator)
	table.Finish(true)
	rows := iterateAll(table)

	selectIdx := selectToSchemaIndex(query, schema)
	outSchema := querycore.DataSchema{}
	for i, e := range query.SelectExpressions {
		name := e.Identifier
		if e.FunctionName != "" {
			name = e.FunctionName + "()"
		}
		outSchema.ColumnNames = append(outSchema.ColumnNames, name)
		outSchema.ColumnTypes = append(outSchema.ColumnTypes, schema.ColumnTypes[selectIdx[i]])
	}

	dt := querycore.NewDataTable(outSchema)
	for _, rec := range rows {
		row := make([]any, len(selectIdx))
		for i, srcIdx := range selectIdx {
			v := rec.Values[srcIdx]
			if srcIdx >= schema.NumKeyColumns {
				if fn, ok := r.Registry.Get(aggregationFunctionNameFor(schema.ColumnNames[srcIdx])); ok {
					v = fn.ExtractFinalResult(v)
				}
			}
			row[i] = v
		}
		dt.Rows = append(dt.Rows, row)
	}
	return &Result{Table: dt}, nil
}

// reduceSQLPQL handles sql/pql: the same sorted/trimmed merge as
// sql/sql, presented as one group-by result list per aggregation function.
func (r *Reducer) reduceSQLPQL(perServer map[string]*querycore.DataTable, schema querycore.DataSchema, query *querycore.QueryContext) (*Result, error) {
	comparator := r.buildComparator(schema, query)
	table := r.mergeTables(perServer, query, schema, comparator)
	table.Finish(true)
	return &Result{Groups: r.aggregationGroupLists(iterateAll(table), schema, false)}, nil
}

// reducePQLSQL handles pql/sql: the legacy per-aggregation merge,
// trimmed via the group-by trimming service, asserting exactly one
// aggregation function and emitting a tabular result.
func (r *Reducer) reducePQLSQL(perServer map[string]*querycore.DataTable, schema querycore.DataSchema, query *querycore.QueryContext) (*Result, error) {
	if numAgg := schema.Size() - schema.NumKeyColumns; numAgg != 1 {
		return nil, querycore.NewInvalidArgumentError(
			fmt.Sprintf("pql/sql response format requires exactly one aggregation function, got %d", numAgg))
	}
	comparator := r.buildComparator(schema, query)
	table := r.mergeTables(perServer, query, schema, nil)
	table.Finish(false)
	rows := iterateAll(table)

	limit := query.Limit
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	trimmed := groupby.ResizeAndSort(rows, limit, schema.NumKeyColumns, comparator)

	aggIdx := schema.NumKeyColumns
	fn, _ := r.Registry.Get(aggregationFunctionNameFor(schema.ColumnNames[aggIdx]))
	dt := querycore.NewDataTable(schema)
	for _, rec := range trimmed {
		row := append([]any(nil), rec.Values...)
		if fn != nil {
			row[aggIdx] = fn.ExtractFinalResult(row[aggIdx])
		}
		dt.Rows = append(dt.Rows, row)
	}
	return &Result{Table: dt}, nil
}

// reducePQLPQL handles pql/pql: legacy merge, per-aggregation
// group-by result lists; values are formatted as strings when
// preserveType is false.
func (r *Reducer) reducePQLPQL(perServer map[string]*querycore.DataTable, schema querycore.DataSchema, query *querycore.QueryContext) (*Result, error) {
	table := r.mergeTables(perServer, query, schema, nil)
	table.Finish(false)
	return &Result{Groups: r.aggregationGroupLists(iterateAll(table), schema, !query.PreserveType())}, nil
}

func (r *Reducer) aggregationGroupLists(rows []querycore.Record, schema querycore.DataSchema, formatAsString bool) []AggregationGroupResult {
	var groups []AggregationGroupResult
	for col := schema.NumKeyColumns; col < schema.Size(); col++ {
		fn, _ := r.Registry.Get(aggregationFunctionNameFor(schema.ColumnNames[col]))
		gr := AggregationGroupResult{Function: schema.ColumnNames[col]}
		for _, rec := range rows {
			group := make([]string, schema.NumKeyColumns)
			for k := 0; k < schema.NumKeyColumns; k++ {
				group[k] = formatValue(rec.Values[k])
			}
			val := rec.Values[col]
			if fn != nil {
				val = fn.ExtractFinalResult(val)
			}
			if formatAsString {
				val = formatValue(val)
			}
			gr.Rows = append(gr.Rows, AggregationGroupRow{Group: group, Value: val})
		}
		groups = append(groups, gr)
	}
	return groups
}

// formatValue implements the PQL legacy, non-preserveType value
// formatting: a Double within the int64 range that is mathematically an
// integer is emitted as "<long>.00000"; every other Double uses a
// locale-independent "%1.5f"; everything else is stringified.
func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return formatDouble(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}

func formatDouble(d float64) string {
	if d >= math.MinInt64 && d <= math.MaxInt64 && d == math.Trunc(d) {
		return fmt.Sprintf("%d.00000", int64(d))
	}
	return fmt.Sprintf("%1.5f", d)
}
