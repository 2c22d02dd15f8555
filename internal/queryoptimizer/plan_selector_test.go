package queryoptimizer

import (
	"testing"

	querycore "github.com/lychee-technology/forma"
)

func registryWithMinMax() *querycore.AggregationFunctionRegistry {
	r := querycore.DefaultAggregationFunctionRegistry()
	return r
}

func TestSelectPlan_Selection(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions: []querycore.Expression{{Identifier: "city"}},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanSelection {
		t.Errorf("expected PlanSelection, got %s", got)
	}
}

func TestSelectPlan_GroupByOrderBy(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions:  []querycore.Expression{{FunctionName: "count"}},
		GroupByExpressions: []querycore.Expression{{Identifier: "city"}},
		Options:            map[string]string{querycore.OptionGroupByMode: querycore.GroupByModeSQL},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanGroupByOrderBy {
		t.Errorf("expected PlanGroupByOrderBy, got %s", got)
	}
}

func TestSelectPlan_GroupByLegacy(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions:  []querycore.Expression{{FunctionName: "count"}},
		GroupByExpressions: []querycore.Expression{{Identifier: "city"}},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanGroupByLegacy {
		t.Errorf("expected PlanGroupByLegacy, got %s", got)
	}
}

func TestSelectPlan_MetadataOnlyAgg(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions: []querycore.Expression{{FunctionName: "count"}},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanMetadataOnlyAgg {
		t.Errorf("expected PlanMetadataOnlyAgg, got %s", got)
	}
}

func TestSelectPlan_DictionaryOnlyAgg(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions: []querycore.Expression{
			{FunctionName: "min", Args: []querycore.Expression{{Identifier: "x"}}},
			{FunctionName: "max", Args: []querycore.Expression{{Identifier: "x"}}},
		},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{
		"x": {HasDictionary: true, SortedDictionary: true, DictionaryMin: int64(10), DictionaryMax: int64(40)},
	}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanDictionaryOnlyAgg {
		t.Errorf("expected PlanDictionaryOnlyAgg, got %s", got)
	}
}

func TestSelectPlan_FilteredScanAggFallback(t *testing.T) {
	q := &querycore.QueryContext{
		SelectExpressions: []querycore.Expression{
			{FunctionName: "min", Args: []querycore.Expression{{Identifier: "x"}}},
		},
	}
	// Column has no dictionary: rule 5 does not apply, falls through to 6.
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{
		"x": {HasDictionary: false},
	}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanFilteredScanAgg {
		t.Errorf("expected PlanFilteredScanAgg, got %s", got)
	}
}

func TestSelectPlan_PrecedenceMetadataBeforeDictionary(t *testing.T) {
	// count() on a segment whose only column happens to have a sorted
	// dictionary must still take the metadata path (rule 4 before 5).
	q := &querycore.QueryContext{
		SelectExpressions: []querycore.Expression{{FunctionName: "count"}},
	}
	seg := &querycore.Segment{Columns: map[string]querycore.ColumnDataSource{
		"x": {HasDictionary: true, SortedDictionary: true},
	}}
	if got := SelectPlan(q, seg, registryWithMinMax()); got != PlanMetadataOnlyAgg {
		t.Errorf("expected PlanMetadataOnlyAgg, got %s", got)
	}
}
