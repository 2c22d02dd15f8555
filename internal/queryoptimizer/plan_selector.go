// Package queryoptimizer picks a plan-node kind for a query over a segment
// and normalizes raw wire requests into a querycore.QueryContext. The
// package keeps the tree-walk shape of a cost-based SQL generator but
// drops SQL-string generation entirely: this engine never emits SQL, it
// only classifies.
package queryoptimizer

import (
	querycore "github.com/lychee-technology/forma"
)

// PlanKind is the tagged variant a PlanSelector decision resolves to.
type PlanKind string

const (
	PlanSelection            PlanKind = "selection"
	PlanGroupByOrderBy       PlanKind = "group_by_order_by"
	PlanGroupByLegacy        PlanKind = "group_by_legacy"
	PlanMetadataOnlyAgg      PlanKind = "metadata_only_agg"
	PlanDictionaryOnlyAgg    PlanKind = "dictionary_only_agg"
	PlanFilteredScanAgg      PlanKind = "filtered_scan_agg"
)

// dictionaryAggFunctions are the only functions eligible for the
// dictionary-only plan.
var dictionaryAggFunctions = map[string]bool{
	"min":         true,
	"max":         true,
	"minmaxrange": true,
}

// SelectPlan maps a query + segment to exactly one leaf plan kind. The
// query shape first decides aggregation-vs-selection and group-by mode;
// among aggregation-only queries without a group-by, the metadata-only
// plan is tried before the dictionary-only plan before the filtered scan.
func SelectPlan(query *querycore.QueryContext, segment *querycore.Segment, registry *querycore.AggregationFunctionRegistry) PlanKind {
	if !query.IsAggregationQuery(registry) {
		return PlanSelection
	}

	if len(query.GroupByExpressions) > 0 {
		if query.GroupByMode() == querycore.GroupByModeSQL {
			return PlanGroupByOrderBy
		}
		return PlanGroupByLegacy
	}

	if query.FilterTree == nil {
		if isMetadataOnlyCount(query) {
			return PlanMetadataOnlyAgg
		}
		if isDictionaryOnlyAgg(query, segment) {
			return PlanDictionaryOnlyAgg
		}
	}

	return PlanFilteredScanAgg
}

// isMetadataOnlyCount reports whether every select expression is count().
func isMetadataOnlyCount(query *querycore.QueryContext) bool {
	if len(query.SelectExpressions) == 0 {
		return false
	}
	for _, e := range query.SelectExpressions {
		if e.FunctionName != "count" {
			return false
		}
	}
	return true
}

// isDictionaryOnlyAgg reports whether every select expression is min/max/
// minmaxrange over a single identifier whose column has a sorted
// dictionary.
func isDictionaryOnlyAgg(query *querycore.QueryContext, segment *querycore.Segment) bool {
	if len(query.SelectExpressions) == 0 {
		return false
	}
	for _, e := range query.SelectExpressions {
		if !dictionaryAggFunctions[e.FunctionName] {
			return false
		}
		if len(e.Args) != 1 || e.Args[0].Identifier == "" {
			return false
		}
		col, ok := segment.Columns[e.Args[0].Identifier]
		if !ok || !col.HasDictionary || !col.SortedDictionary {
			return false
		}
	}
	return true
}
