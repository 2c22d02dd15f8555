package queryexec

import (
	querycore "github.com/lychee-technology/forma"
)

// SegmentPruner eliminates segments that provably contribute nothing to a
// query, using only segment metadata (constant cost per segment, no I/O).
// A pruner may be conservative (keep a segment that in fact contributes
// nothing) but must never be unsafe (drop one that would contribute).
type SegmentPruner interface {
	// Keep reports whether segment could contribute at least one row to
	// the query. Returning true when unsure is always safe.
	Keep(segment *querycore.Segment, query *querycore.QueryContext) bool
}

// ComposePruners intersects the kept sets of each pruner: a segment
// survives only if every pruner keeps it.
func ComposePruners(pruners ...SegmentPruner) SegmentPruner {
	return compositePruner{pruners: pruners}
}

type compositePruner struct {
	pruners []SegmentPruner
}

func (c compositePruner) Keep(segment *querycore.Segment, query *querycore.QueryContext) bool {
	for _, p := range c.pruners {
		if !p.Keep(segment, query) {
			return false
		}
	}
	return true
}

// Prune applies pruner to segments and returns the surviving subset, in
// the original order.
func Prune(pruner SegmentPruner, segments []*querycore.Segment, query *querycore.QueryContext) []*querycore.Segment {
	if pruner == nil {
		return segments
	}
	kept := make([]*querycore.Segment, 0, len(segments))
	for _, s := range segments {
		if pruner.Keep(s, query) {
			kept = append(kept, s)
		}
	}
	return kept
}

// EmptyFilterPruner drops a segment only when its filter tree references a
// column whose segment-level min/max range cannot possibly satisfy an
// equality or range predicate. It is deliberately conservative: anything
// it cannot prove false, it keeps.
type EmptyFilterPruner struct{}

func (EmptyFilterPruner) Keep(segment *querycore.Segment, query *querycore.QueryContext) bool {
	if query.FilterTree == nil {
		return true
	}
	return evalFilterNodeConservative(segment, query.FilterTree)
}

func evalFilterNodeConservative(segment *querycore.Segment, node *querycore.FilterNode) bool {
	if node == nil {
		return true
	}
	if node.IsComposite() {
		switch node.Logic {
		case querycore.FilterLogicAnd:
			for _, c := range node.Children {
				if !evalFilterNodeConservative(segment, c) {
					return false
				}
			}
			return true
		case querycore.FilterLogicOr:
			for _, c := range node.Children {
				if evalFilterNodeConservative(segment, c) {
					return true
				}
			}
			return len(node.Children) == 0
		case querycore.FilterLogicNot:
			// Negation over an unknown domain cannot be conservatively
			// pruned without also knowing what the dictionary excludes;
			// keep the segment.
			return true
		default:
			return true
		}
	}
	col, ok := segment.Columns[node.Column]
	if !ok || !col.HasDictionary {
		return true
	}
	switch node.Op {
	case querycore.FilterOpEq:
		return valueWithinRange(node.Value, col.DictionaryMin, col.DictionaryMax)
	case querycore.FilterOpGt, querycore.FilterOpGte:
		return compareAny(col.DictionaryMax, node.Value) >= 0
	case querycore.FilterOpLt, querycore.FilterOpLte:
		return compareAny(col.DictionaryMin, node.Value) <= 0
	default:
		return true
	}
}

func valueWithinRange(v, min, max any) bool {
	if min == nil || max == nil {
		return true
	}
	return compareAny(v, min) >= 0 && compareAny(v, max) <= 0
}

// compareAny compares two values of matching numeric or string kind,
// returning <0, 0, >0. Mismatched or uncomparable kinds compare equal so
// the pruner stays conservative.
func compareAny(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	return 0
}
