package condition

import (
	"errors"
	"fmt"
)

// MaxDepth bounds the nesting of a decoded tree.
const MaxDepth = 32

// ErrUnsupportedVersion is returned when the envelope version is unknown.
var ErrUnsupportedVersion = errors.New("condition: unsupported version")

// ValidationError reports a structurally invalid tree. Path locates the
// offending node, e.g. "root.children[1].left".
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "condition: " + e.Msg
	}
	return fmt.Sprintf("condition: %s: %s", e.Path, e.Msg)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks n for unknown operators, bad indicator specs, missing
// bounds and constant ranges whose bounds are out of order.
func Validate(n Node) error {
	return validate(n, "root", 0)
}

func validate(n Node, path string, depth int) error {
	if depth > MaxDepth {
		return invalid(path, "nesting deeper than %d", MaxDepth)
	}
	switch n := n.(type) {
	case *Comparison:
		return validateComparison(n, path)
	case *Logical:
		if _, err := ParseLogicOp(string(n.Op)); err != nil {
			return invalid(path, "%v", err)
		}
		if len(n.Children) == 0 {
			return invalid(path, "%s without children", n.Op)
		}
		for i, c := range n.Children {
			if err := validate(c, fmt.Sprintf("%s.children[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case *Not:
		if n.Child == nil {
			return invalid(path, "NOT without child")
		}
		return validate(n.Child, path+".child", depth+1)
	case *Ref:
		if n.Name == "" {
			return invalid(path, "ref without name")
		}
		return nil
	case nil:
		return invalid(path, "missing node")
	}
	return invalid(path, "unknown node type %T", n)
}

func validateComparison(c *Comparison, path string) error {
	if _, err := ParseOperator(string(c.Op)); err != nil {
		return invalid(path, "%v", err)
	}
	if err := validateOperand(c.Left, path+".left"); err != nil {
		return err
	}
	if err := validateOperand(c.Right, path+".right"); err != nil {
		return err
	}
	if c.Op.Crossing() && c.Left.Const {
		return invalid(path, "%s needs an indicator on the left", c.Op)
	}
	if !c.Op.Ranged() {
		if c.Upper != nil {
			return invalid(path, "%s takes no upper bound", c.Op)
		}
		return nil
	}
	if c.Upper == nil {
		return invalid(path, "%s needs an upper bound", c.Op)
	}
	if err := validateOperand(*c.Upper, path+".upper"); err != nil {
		return err
	}
	if c.Right.Const && c.Upper.Const {
		lo, hi := c.Right.Value, c.Upper.Value
		if c.Op == OpOutside && lo >= hi {
			return invalid(path, "OUTSIDE needs lower < upper, got %g and %g", lo, hi)
		}
		if c.Op == OpBetween && lo > hi {
			return invalid(path, "BETWEEN needs lower <= upper, got %g and %g", lo, hi)
		}
	}
	return nil
}

func validateOperand(o Operand, path string) error {
	if o.Const {
		return nil
	}
	if err := o.Indicator.Validate(); err != nil {
		return invalid(path, "%v", err)
	}
	return nil
}
