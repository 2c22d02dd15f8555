package querycore

import (
	"strings"
	"sync"
)

// AggregationFunction is the capability interface aggregation functions
// implement: merge two intermediate results, extract the externally
// visible final value, and describe the function's shape.
type AggregationFunction interface {
	Name() string
	Merge(a, b any) any
	ExtractFinalResult(intermediate any) any
	IsIntermediateResultComparable() bool
	FinalResultColumnType() ColumnDataType
}

// AggregationFunctionRegistry looks aggregation functions up by name: a
// name-to-capability mapping populated once at startup and read
// concurrently thereafter.
type AggregationFunctionRegistry struct {
	mu    sync.RWMutex
	funcs map[string]AggregationFunction
}

// NewAggregationFunctionRegistry builds an empty registry.
func NewAggregationFunctionRegistry() *AggregationFunctionRegistry {
	return &AggregationFunctionRegistry{funcs: make(map[string]AggregationFunction)}
}

// Register adds or replaces a function under its lower-cased name.
func (r *AggregationFunctionRegistry) Register(fn AggregationFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[strings.ToLower(fn.Name())] = fn
}

// Get resolves a function by name (case-insensitive).
func (r *AggregationFunctionRegistry) Get(name string) (AggregationFunction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[strings.ToLower(name)]
	return fn, ok
}

// Has reports whether name is a registered aggregation function.
func (r *AggregationFunctionRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// countFunction, sumFunction, minFunction, maxFunction and
// minmaxrangeFunction are the only aggregations concretely shipped by this
// core. Every other function is supplied by the caller, but these five are
// needed to drive the metadata-only plan (count), the dictionary-only plan
// (min/max/minmaxrange), and top-K group-by (sum).
type countFunction struct{}

func (countFunction) Name() string { return "count" }
func (countFunction) Merge(a, b any) any {
	return toInt64(a) + toInt64(b)
}
func (countFunction) ExtractFinalResult(intermediate any) any { return intermediate }
func (countFunction) IsIntermediateResultComparable() bool    { return true }
func (countFunction) FinalResultColumnType() ColumnDataType   { return ColumnTypeLong }

type sumFunction struct{}

func (sumFunction) Name() string { return "sum" }
func (sumFunction) Merge(a, b any) any {
	if af, bf, ok := asFloat64Pair(a, b); ok {
		return af + bf
	}
	return toInt64(a) + toInt64(b)
}
func (sumFunction) ExtractFinalResult(intermediate any) any { return intermediate }
func (sumFunction) IsIntermediateResultComparable() bool    { return true }
func (sumFunction) FinalResultColumnType() ColumnDataType   { return ColumnTypeLong }

type minFunction struct{}

func (minFunction) Name() string { return "min" }
func (minFunction) Merge(a, b any) any {
	if compareNumeric(a, b) <= 0 {
		return a
	}
	return b
}
func (minFunction) ExtractFinalResult(intermediate any) any { return intermediate }
func (minFunction) IsIntermediateResultComparable() bool    { return true }
func (minFunction) FinalResultColumnType() ColumnDataType   { return ColumnTypeDouble }

type maxFunction struct{}

func (maxFunction) Name() string { return "max" }
func (maxFunction) Merge(a, b any) any {
	if compareNumeric(a, b) >= 0 {
		return a
	}
	return b
}
func (maxFunction) ExtractFinalResult(intermediate any) any { return intermediate }
func (maxFunction) IsIntermediateResultComparable() bool    { return true }
func (maxFunction) FinalResultColumnType() ColumnDataType   { return ColumnTypeDouble }

// MinMaxRange is the intermediate representation of minmaxrange(): a
// running (min, max) pair. It is not itself comparable; ranking on a
// minmaxrange order-by target requires ExtractFinalResult first.
type MinMaxRange struct {
	Min any
	Max any
}

type minmaxrangeFunction struct{}

func (minmaxrangeFunction) Name() string { return "minmaxrange" }
func (minmaxrangeFunction) Merge(a, b any) any {
	ar, br := a.(MinMaxRange), b.(MinMaxRange)
	out := ar
	if compareNumeric(br.Min, out.Min) < 0 {
		out.Min = br.Min
	}
	if compareNumeric(br.Max, out.Max) > 0 {
		out.Max = br.Max
	}
	return out
}
func (minmaxrangeFunction) ExtractFinalResult(intermediate any) any {
	r := intermediate.(MinMaxRange)
	return toFloat64(r.Max) - toFloat64(r.Min)
}
func (minmaxrangeFunction) IsIntermediateResultComparable() bool  { return false }
func (minmaxrangeFunction) FinalResultColumnType() ColumnDataType { return ColumnTypeDouble }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func asFloat64Pair(a, b any) (float64, float64, bool) {
	_, aIsFloat := a.(float64)
	_, bIsFloat := b.(float64)
	if aIsFloat || bIsFloat {
		return toFloat64(a), toFloat64(b), true
	}
	return 0, 0, false
}

// compareNumeric compares two numeric (or same-kind string) values,
// returning <0, 0, >0; used by min/max/minmaxrange merge.
func compareNumeric(a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	af, bf := toFloat64(a), toFloat64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

// DefaultAggregationFunctionRegistry returns a registry pre-populated with
// the built-in count/sum/min/max/minmaxrange functions; callers register
// additional functions (percentiles, distinct-count, ...) supplied by an
// external aggregation library.
func DefaultAggregationFunctionRegistry() *AggregationFunctionRegistry {
	r := NewAggregationFunctionRegistry()
	r.Register(countFunction{})
	r.Register(sumFunction{})
	r.Register(minFunction{})
	r.Register(maxFunction{})
	r.Register(minmaxrangeFunction{})
	return r
}
