package queryoptimizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	querycore "github.com/lychee-technology/forma"
)

// wireRequestSchema is the JSON Schema a decoded wire request must satisfy
// before it is normalized into a QueryContext. This is the concrete
// mechanism behind the front door's INVALID_ARGUMENT gate.
var wireRequestSchema = mustCompileSchema(`{
  "type": "object",
  "required": ["table", "select"],
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "select": {"type": "array", "minItems": 1}
  }
}`)

func mustCompileSchema(raw string) *jsonschema.Resolved {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		panic(fmt.Sprintf("invalid built-in wire request schema: %v", err))
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		panic(fmt.Sprintf("cannot resolve built-in wire request schema: %v", err))
	}
	return resolved
}

// WireExpression is the raw, wire-format shape of a select/group-by/
// order-by expression before normalization. Aggregation arguments arrive
// either as the ordered Args list or, in the legacy encoding, as a single
// separator-joined string under the "column" key of AggregationParams;
// both are accepted.
type WireExpression struct {
	Identifier        string            `json:"identifier,omitempty"`
	Function          string            `json:"function,omitempty"`
	Args              []WireExpression  `json:"args,omitempty"`
	Literal           any               `json:"literal,omitempty"`
	AggregationParams map[string]string `json:"aggregationParams,omitempty"`
}

// legacyArgSeparator joins multi-argument aggregation columns in the
// legacy aggregationParams encoding.
const legacyArgSeparator = "\t"

// WireOrderBy is the raw shape of one order-by clause entry.
type WireOrderBy struct {
	Expression WireExpression `json:"expression"`
	Descending bool           `json:"desc,omitempty"`
}

// WireRequest is the raw, JSON-decoded broker→server query request before
// normalization into a querycore.QueryContext.
type WireRequest struct {
	Table      string            `json:"table"`
	Select     []WireExpression  `json:"select"`
	Filter     *querycore.FilterNode `json:"filter,omitempty"`
	GroupBy    []WireExpression  `json:"groupBy,omitempty"`
	OrderBy    []WireOrderBy     `json:"orderBy,omitempty"`
	Having     *querycore.FilterNode `json:"having,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
	Trace      bool              `json:"trace,omitempty"`
}

// DecodeAndValidate unmarshals raw bytes into a WireRequest and validates
// it against the schema gate. Any failure here is fatal-to-request,
// INVALID_ARGUMENT, without touching any segment.
func DecodeAndValidate(raw []byte) (*WireRequest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, querycore.NewInvalidArgumentError("malformed request body: " + err.Error())
	}
	if err := wireRequestSchema.Validate(generic); err != nil {
		return nil, querycore.NewInvalidArgumentError("request failed schema validation: " + err.Error())
	}

	var req WireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, querycore.NewInvalidArgumentError("request did not match expected shape: " + err.Error())
	}
	return &req, nil
}

// Normalize converts a decoded WireRequest into the typed QueryContext the
// rest of the pipeline operates on.
func Normalize(req *WireRequest) (*querycore.QueryContext, error) {
	if req.Table == "" {
		return nil, querycore.NewInvalidArgumentError("table is required")
	}

	qc := &querycore.QueryContext{
		Table:             req.Table,
		FilterTree:        req.Filter,
		HavingFilter:      req.Having,
		Limit:             req.Limit,
		Options:           req.Options,
		TimeoutOverrideMs: req.TimeoutMs,
		Trace:             req.Trace,
	}
	if qc.Options == nil {
		qc.Options = map[string]string{}
	}
	if qc.TimeoutOverrideMs == 0 {
		if v, ok := qc.Options[querycore.OptionTimeoutMs]; ok {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms <= 0 {
				return nil, querycore.NewInvalidArgumentError("timeoutMs option must be a positive integer: " + v)
			}
			qc.TimeoutOverrideMs = ms
		}
	}

	for _, e := range req.Select {
		qc.SelectExpressions = append(qc.SelectExpressions, normalizeExpression(e))
	}
	for _, e := range req.GroupBy {
		qc.GroupByExpressions = append(qc.GroupByExpressions, normalizeExpression(e))
	}
	for _, o := range req.OrderBy {
		dir := querycore.OrderAsc
		if o.Descending {
			dir = querycore.OrderDesc
		}
		qc.OrderByExpressions = append(qc.OrderByExpressions, querycore.OrderByExpression{
			Expression: normalizeExpression(o.Expression),
			Direction:  dir,
		})
	}

	if err := validateOrderByInvariant(qc); err != nil {
		return nil, err
	}
	return qc, nil
}

func normalizeExpression(w WireExpression) querycore.Expression {
	e := querycore.Expression{
		Identifier:   w.Identifier,
		FunctionName: w.Function,
		Literal:      w.Literal,
	}
	for _, a := range w.Args {
		e.Args = append(e.Args, normalizeExpression(a))
	}
	if len(e.Args) == 0 && w.Function != "" {
		if joined, ok := w.AggregationParams["column"]; ok && joined != "" {
			for _, col := range strings.Split(joined, legacyArgSeparator) {
				e.Args = append(e.Args, querycore.Expression{Identifier: col})
			}
		}
	}
	return e
}

// validateOrderByInvariant enforces the QueryContext invariant: every
// order-by expression either references a group-by expression or is
// itself an aggregation expression.
func validateOrderByInvariant(qc *querycore.QueryContext) error {
	groupByIdents := make(map[string]bool, len(qc.GroupByExpressions))
	for _, g := range qc.GroupByExpressions {
		if g.Identifier != "" {
			groupByIdents[g.Identifier] = true
		}
	}
	for _, o := range qc.OrderByExpressions {
		if o.Expression.FunctionName != "" {
			continue
		}
		if o.Expression.Identifier != "" && groupByIdents[o.Expression.Identifier] {
			continue
		}
		return querycore.NewInvalidArgumentError(
			"order-by expression must reference a group-by expression or be an aggregation: " + o.Expression.Identifier)
	}
	return nil
}
