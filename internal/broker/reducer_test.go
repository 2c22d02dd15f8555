package broker

import (
	"strings"
	"testing"

	querycore "github.com/lychee-technology/forma"
)

func twoKeySchema() querycore.DataSchema {
	return querycore.DataSchema{
		ColumnNames:   []string{"g1", "g2", "sum()"},
		ColumnTypes:   []querycore.ColumnDataType{querycore.ColumnTypeString, querycore.ColumnTypeString, querycore.ColumnTypeLong},
		NumKeyColumns: 2,
	}
}

// TestReduce_SQLSQL_ColumnReorder: two server DataTables merge, columns
// come back in the requested select order, and ranking uses the
// post-final-result value.
func TestReduce_SQLSQL_ColumnReorder(t *testing.T) {
	schema := twoKeySchema()
	serverA := querycore.NewDataTable(schema)
	serverA.Rows = [][]any{
		{"a", "x", int64(5)},
		{"b", "y", int64(1)},
	}
	serverB := querycore.NewDataTable(schema)
	serverB.Rows = [][]any{
		{"a", "x", int64(10)},
		{"c", "z", int64(7)},
	}

	query := &querycore.QueryContext{
		Table: "events",
		SelectExpressions: []querycore.Expression{
			{FunctionName: "sum", Args: []querycore.Expression{{Identifier: "n"}}},
			{Identifier: "g2"},
			{Identifier: "g1"},
		},
		GroupByExpressions: []querycore.Expression{{Identifier: "g1"}, {Identifier: "g2"}},
		OrderByExpressions: []querycore.OrderByExpression{
			{Expression: querycore.Expression{FunctionName: "sum", Args: []querycore.Expression{{Identifier: "n"}}}, Direction: querycore.OrderDesc},
		},
		Limit:   3,
		Options: map[string]string{querycore.OptionGroupByMode: querycore.GroupByModeSQL, querycore.OptionResponseFormat: querycore.ResponseFormatSQL},
	}

	reducer := &Reducer{Registry: querycore.DefaultAggregationFunctionRegistry(), MaxInitialResultHolderCapacity: 1000}
	result, err := reducer.Reduce(map[string]*querycore.DataTable{"server-a": serverA, "server-b": serverB}, query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Table == nil {
		t.Fatalf("expected a tabular result")
	}
	if result.Table.Schema.ColumnNames[0] != "sum()" || result.Table.Schema.ColumnNames[1] != "g2" || result.Table.Schema.ColumnNames[2] != "g1" {
		t.Fatalf("expected columns reordered to (sum(),g2,g1), got %v", result.Table.Schema.ColumnNames)
	}
	// (a,x) merges to sum=15, (b,y) stays 1, (c,z) stays 7: ranked desc by sum.
	if len(result.Table.Rows) != 3 {
		t.Fatalf("expected 3 merged groups, got %d", len(result.Table.Rows))
	}
	if result.Table.Rows[0][0] != int64(15) || result.Table.Rows[0][1] != "x" || result.Table.Rows[0][2] != "a" {
		t.Fatalf("expected top row (15,x,a), got %v", result.Table.Rows[0])
	}
}

// TestReduce_PQLPQL_FormatsWhenPreserveTypeFalse checks the value
// formatting law is applied to PQL group-by results when preserveType is
// false.
func TestReduce_PQLPQL_FormatsWhenPreserveTypeFalse(t *testing.T) {
	schema := querycore.DataSchema{
		ColumnNames:   []string{"g1", "sum()"},
		ColumnTypes:   []querycore.ColumnDataType{querycore.ColumnTypeString, querycore.ColumnTypeDouble},
		NumKeyColumns: 1,
	}
	serverA := querycore.NewDataTable(schema)
	serverA.Rows = [][]any{{"a", 3.0}}

	query := &querycore.QueryContext{
		Table:             "events",
		SelectExpressions: []querycore.Expression{{FunctionName: "sum"}},
		GroupByExpressions: []querycore.Expression{{Identifier: "g1"}},
		Options:           map[string]string{querycore.OptionPreserveType: "false"},
	}

	reducer := &Reducer{Registry: querycore.DefaultAggregationFunctionRegistry(), MaxInitialResultHolderCapacity: 1000}
	result, err := reducer.Reduce(map[string]*querycore.DataTable{"server-a": serverA}, query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected 1 aggregation group list, got %d", len(result.Groups))
	}
	if result.Groups[0].Rows[0].Value != "3.00000" {
		t.Fatalf("expected formatted value 3.00000, got %v", result.Groups[0].Rows[0].Value)
	}
}

func TestFormatValue_Law(t *testing.T) {
	cases := map[float64]string{
		3.0: "3.00000",
		3.5: "3.50000",
	}
	for in, want := range cases {
		if got := formatValue(in); got != want {
			t.Fatalf("formatValue(%v) = %q, want %q", in, got, want)
		}
	}
}

// TestFormatValue_LargeDoubleUsesPlainDecimal verifies the law's "not the
// integer shortcut" clause: a double outside the int64 range is formatted
// with %1.5f plain decimal notation, never scientific notation.
func TestFormatValue_LargeDoubleUsesPlainDecimal(t *testing.T) {
	got := formatValue(1e20)
	if strings.Contains(got, "e") || strings.Contains(got, "E") {
		t.Fatalf("expected plain decimal formatting, got %q", got)
	}
	if !strings.HasSuffix(got, ".00000") {
		t.Fatalf("expected 5 decimal digits, got %q", got)
	}
}
