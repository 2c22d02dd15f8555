package segmentstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	querycore "github.com/lychee-technology/forma"
)

func TestFilterSQLLeafOps(t *testing.T) {
	clause, args := filterSQL(&querycore.FilterNode{Column: "city", Op: querycore.FilterOpEq, Value: "A"})
	assert.Equal(t, `"city" = ?`, clause)
	assert.Equal(t, []any{"A"}, args)

	clause, args = filterSQL(&querycore.FilterNode{Column: "n", Op: querycore.FilterOpGte, Value: int64(10)})
	assert.Equal(t, `"n" >= ?`, clause)
	assert.Equal(t, []any{int64(10)}, args)

	clause, args = filterSQL(&querycore.FilterNode{Column: "n", Op: querycore.FilterOpIsNull})
	assert.Equal(t, `"n" IS NULL`, clause)
	assert.Empty(t, args)
}

func TestFilterSQLComposite(t *testing.T) {
	node := &querycore.FilterNode{
		Logic: querycore.FilterLogicAnd,
		Children: []*querycore.FilterNode{
			{Column: "city", Op: querycore.FilterOpEq, Value: "A"},
			{
				Logic: querycore.FilterLogicOr,
				Children: []*querycore.FilterNode{
					{Column: "n", Op: querycore.FilterOpGt, Value: int64(5)},
					{Column: "n", Op: querycore.FilterOpLt, Value: int64(0)},
				},
			},
		},
	}
	clause, args := filterSQL(node)
	assert.Equal(t, `("city" = ? AND ("n" > ? OR "n" < ?))`, clause)
	assert.Equal(t, []any{"A", int64(5), int64(0)}, args)
}

func TestFilterSQLInList(t *testing.T) {
	clause, args := filterSQL(&querycore.FilterNode{
		Column: "city", Op: querycore.FilterOpIn, Value: []any{"A", "B"},
	})
	assert.Equal(t, `"city" IN (?, ?)`, clause)
	assert.Equal(t, []any{"A", "B"}, args)

	// An empty IN list matches nothing.
	clause, args = filterSQL(&querycore.FilterNode{Column: "city", Op: querycore.FilterOpIn, Value: []any{}})
	assert.Equal(t, "FALSE", clause)
	assert.Empty(t, args)
}

func TestBuildAggSelectItemSum(t *testing.T) {
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{
		"n": {Name: "n", Type: querycore.ColumnTypeLong},
		"x": {Name: "x", Type: querycore.ColumnTypeDouble},
	}}

	item, err := buildAggSelectItem(querycore.Expression{
		FunctionName: "sum", Args: []querycore.Expression{{Identifier: "n"}},
	}, seg)
	require.NoError(t, err)
	assert.Equal(t, []string{`CAST(sum("n") AS BIGINT)`}, item.sqlExprs)
	assert.Equal(t, querycore.ColumnTypeLong, item.colType)

	item, err = buildAggSelectItem(querycore.Expression{
		FunctionName: "sum", Args: []querycore.Expression{{Identifier: "x"}},
	}, seg)
	require.NoError(t, err)
	assert.Equal(t, []string{`CAST(sum("x") AS DOUBLE)`}, item.sqlExprs)
	assert.Equal(t, querycore.ColumnTypeDouble, item.colType)
}

func TestBuildAggSelectItemMinMaxRange(t *testing.T) {
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{
		"x": {Name: "x", Type: querycore.ColumnTypeLong},
	}}
	item, err := buildAggSelectItem(querycore.Expression{
		FunctionName: "minmaxrange", Args: []querycore.Expression{{Identifier: "x"}},
	}, seg)
	require.NoError(t, err)
	require.Len(t, item.sqlExprs, 2)

	folded := item.fold([]any{int64(10), int64(40)})
	r, ok := folded.(querycore.MinMaxRange)
	require.True(t, ok)
	assert.Equal(t, int64(10), r.Min)
	assert.Equal(t, int64(40), r.Max)
}

func TestBuildAggSelectItemUnknownFunction(t *testing.T) {
	_, err := buildAggSelectItem(querycore.Expression{FunctionName: "percentile99"}, &querycore.Segment{})
	require.Error(t, err)
}

func TestNormalizeScanValue(t *testing.T) {
	assert.Equal(t, int64(7), normalizeScanValue(int32(7)))
	assert.Equal(t, int64(7), normalizeScanValue(int(7)))
	assert.Equal(t, float64(1.5), normalizeScanValue(float32(1.5)))
	assert.Equal(t, "x", normalizeScanValue("x"))
	assert.Nil(t, normalizeScanValue(nil))
}

func TestMapColumnTypeToArrow(t *testing.T) {
	assert.Equal(t, "int64", MapColumnTypeToArrow(querycore.ColumnTypeLong).Name())
	assert.Equal(t, "float64", MapColumnTypeToArrow(querycore.ColumnTypeDouble).Name())
	assert.Equal(t, "utf8", MapColumnTypeToArrow(querycore.ColumnTypeString).Name())
}

func TestMapColumnTypeToDuckDBType(t *testing.T) {
	assert.Equal(t, "BIGINT", MapColumnTypeToDuckDBType(querycore.ColumnTypeLong))
	assert.Equal(t, "DOUBLE", MapColumnTypeToDuckDBType(querycore.ColumnTypeDouble))
	assert.Equal(t, "VARCHAR", MapColumnTypeToDuckDBType(querycore.ColumnTypeObject))
}

func TestColumnTypeFromDuckDB(t *testing.T) {
	assert.Equal(t, querycore.ColumnTypeInt, ColumnTypeFromDuckDB("INTEGER"))
	assert.Equal(t, querycore.ColumnTypeLong, ColumnTypeFromDuckDB("BIGINT"))
	assert.Equal(t, querycore.ColumnTypeDouble, ColumnTypeFromDuckDB("DOUBLE"))
	assert.Equal(t, querycore.ColumnTypeString, ColumnTypeFromDuckDB("VARCHAR"))
	assert.Equal(t, querycore.ColumnTypeObject, ColumnTypeFromDuckDB("STRUCT"))
}

func TestScanSourceEscapesQuotes(t *testing.T) {
	assert.Equal(t, `read_parquet('a''b.parquet')`, scanSource("a'b.parquet"))
}
