package querycore

import (
	"encoding/json"
	"fmt"
)

// FilterOp enumerates the predicate operators a FilterNode leaf may carry.
type FilterOp string

const (
	FilterOpEq      FilterOp = "eq"
	FilterOpNeq     FilterOp = "neq"
	FilterOpGt      FilterOp = "gt"
	FilterOpGte     FilterOp = "gte"
	FilterOpLt      FilterOp = "lt"
	FilterOpLte     FilterOp = "lte"
	FilterOpIn      FilterOp = "in"
	FilterOpLike    FilterOp = "like"
	FilterOpIsNull  FilterOp = "is_null"
)

// FilterLogic enumerates the boolean combinators a composite FilterNode may
// carry.
type FilterLogic string

const (
	FilterLogicAnd FilterLogic = "and"
	FilterLogicOr  FilterLogic = "or"
	FilterLogicNot FilterLogic = "not"
)

// FilterNode is a discriminated-union filter tree: either a composite node
// (Logic + Children) or a leaf predicate (Column/Op/Value). The custom
// JSON (un)marshaling keeps the wire representation flat and self
// describing, the way a condition tree is decoded off the wire elsewhere
// in this stack.
type FilterNode struct {
	Logic    FilterLogic
	Children []*FilterNode

	Column string
	Op     FilterOp
	Value  any
}

// IsComposite reports whether this node combines children via boolean
// logic rather than carrying a leaf predicate.
func (f *FilterNode) IsComposite() bool {
	return f.Logic != ""
}

type wireFilterNode struct {
	Logic    FilterLogic       `json:"logic,omitempty"`
	Children []*wireFilterNode `json:"children,omitempty"`
	Column   string            `json:"column,omitempty"`
	Op       FilterOp          `json:"op,omitempty"`
	Value    any               `json:"value,omitempty"`
}

// MarshalJSON renders the discriminated union as a flat object.
func (f *FilterNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.toWire())
}

func (f *FilterNode) toWire() *wireFilterNode {
	if f == nil {
		return nil
	}
	w := &wireFilterNode{Logic: f.Logic, Column: f.Column, Op: f.Op, Value: f.Value}
	for _, c := range f.Children {
		w.Children = append(w.Children, c.toWire())
	}
	return w
}

// UnmarshalJSON dispatches between composite and leaf shapes based on
// whether a "logic" key is present.
func (f *FilterNode) UnmarshalJSON(data []byte) error {
	var w wireFilterNode
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("filter node: %w", err)
	}
	f.Logic = w.Logic
	f.Column = w.Column
	f.Op = w.Op
	f.Value = w.Value
	for _, c := range w.Children {
		child := &FilterNode{}
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := child.UnmarshalJSON(b); err != nil {
			return err
		}
		f.Children = append(f.Children, child)
	}
	return nil
}
