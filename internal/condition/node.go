// Package condition defines the rule condition tree: comparisons between
// indicator or constant operands composed with AND, OR and NOT, plus named
// references to an owner's saved sub-expressions.
//
// Trees are decoded from a versioned JSON envelope (see Decode), validated
// once at decode time and then folded against a Resolver of indicator
// samples. A missing sample never satisfies a comparison.
package condition

import (
	"fmt"
	"strings"

	"trading-alerts/internal/indicator"
)

// Operator is the closed set of comparison operators.
type Operator string

const (
	OpGT         Operator = "GT"
	OpGTE        Operator = "GTE"
	OpLT         Operator = "LT"
	OpLTE        Operator = "LTE"
	OpEQ         Operator = "EQ"
	OpNEQ        Operator = "NEQ"
	OpBetween    Operator = "BETWEEN"
	OpOutside    Operator = "OUTSIDE"
	OpCrossAbove Operator = "CROSS_ABOVE"
	OpCrossBelow Operator = "CROSS_BELOW"
)

// ParseOperator validates an operator name (case-insensitive).
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(strings.ToUpper(s)); op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ,
		OpBetween, OpOutside, OpCrossAbove, OpCrossBelow:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Ranged reports whether op takes a lower and an upper bound.
func (op Operator) Ranged() bool { return op == OpBetween || op == OpOutside }

// Crossing reports whether op compares previous and current readings.
func (op Operator) Crossing() bool { return op == OpCrossAbove || op == OpCrossBelow }

func (op Operator) symbol() string {
	switch op {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	case OpNEQ:
		return "!="
	}
	return string(op)
}

// LogicOp joins the children of a Logical node.
type LogicOp string

const (
	And LogicOp = "AND"
	Or  LogicOp = "OR"
)

// ParseLogicOp validates a logical operator name (case-insensitive).
func ParseLogicOp(s string) (LogicOp, error) {
	switch op := LogicOp(strings.ToUpper(s)); op {
	case And, Or:
		return op, nil
	}
	return "", fmt.Errorf("unknown logic %q", s)
}

// Operand is either a constant number or an indicator reference.
type Operand struct {
	Const     bool
	Value     float64
	Indicator indicator.Spec
}

// Number returns a constant operand.
func Number(v float64) Operand { return Operand{Const: true, Value: v} }

// Indicator returns an operand that reads spec's sample.
func Indicator(spec indicator.Spec) Operand { return Operand{Indicator: spec} }

// Node is one of *Comparison, *Logical, *Not or *Ref.
type Node interface {
	node()
}

// Comparison compares Left against Right. For BETWEEN and OUTSIDE, Right is
// the lower bound and Upper the upper bound.
type Comparison struct {
	Left  Operand
	Op    Operator
	Right Operand
	Upper *Operand
}

// Logical is an AND or OR over its children.
type Logical struct {
	Op       LogicOp
	Children []Node
}

// Not negates its child.
type Not struct {
	Child Node
}

// Ref names a saved sub-expression of the rule's owner. It must be expanded
// with Expand before evaluation.
type Ref struct {
	Name string
}

func (*Comparison) node() {}
func (*Logical) node()    {}
func (*Not) node()        {}
func (*Ref) node()        {}

// Specs returns the distinct indicator specs referenced by n, in order of
// first appearance. Refs contribute nothing; expand them first.
func Specs(n Node) []indicator.Spec {
	seen := make(map[string]bool)
	var out []indicator.Spec
	add := func(o *Operand) {
		if o == nil || o.Const {
			return
		}
		key := o.Indicator.Key()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, o.Indicator)
	}
	var walk func(Node)
	walk = func(n Node) {
		switch n := n.(type) {
		case *Comparison:
			add(&n.Left)
			add(&n.Right)
			add(n.Upper)
		case *Logical:
			for _, c := range n.Children {
				walk(c)
			}
		case *Not:
			walk(n.Child)
		}
	}
	walk(n)
	return out
}
