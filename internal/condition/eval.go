package condition

import (
	"fmt"
	"strconv"
	"strings"

	"trading-alerts/internal/indicator"
)

// Resolver supplies computed samples by spec. ok=false is treated the same as
// a sample with no value.
type Resolver interface {
	Sample(spec indicator.Spec) (indicator.Sample, bool)
}

// SampleMap is a Resolver keyed by indicator.Spec.Key.
type SampleMap map[string]indicator.Sample

// Sample implements Resolver.
func (m SampleMap) Sample(spec indicator.Spec) (indicator.Sample, bool) {
	s, ok := m[spec.Key()]
	return s, ok
}

// resolve returns the operand's current and previous readings. A number
// reads the same on both bars.
func resolve(o Operand, r Resolver) (cur, prev indicator.Optional) {
	if o.Const {
		return indicator.Some(o.Value), indicator.Some(o.Value)
	}
	s, ok := r.Sample(o.Indicator)
	if !ok {
		return indicator.None(), indicator.None()
	}
	return s.Value, s.Prev
}

// Evaluate folds n against r. The only error is an unexpanded Ref or a node
// type Validate would have rejected.
func Evaluate(n Node, r Resolver) (bool, error) {
	switch n := n.(type) {
	case *Comparison:
		return n.Eval(r), nil
	case *Logical:
		for _, c := range n.Children {
			ok, err := Evaluate(c, r)
			if err != nil {
				return false, err
			}
			if n.Op == Or && ok {
				return true, nil
			}
			if n.Op == And && !ok {
				return false, nil
			}
		}
		return n.Op == And, nil
	case *Not:
		ok, err := Evaluate(n.Child, r)
		return !ok, err
	case *Ref:
		return false, fmt.Errorf("condition: unexpanded ref %q", n.Name)
	}
	return false, invalid("", "unknown node type %T", n)
}

// Eval applies the comparison. Any missing reading makes it false.
func (c *Comparison) Eval(r Resolver) bool {
	lc, lp := resolve(c.Left, r)
	rc, rp := resolve(c.Right, r)
	l, ok := lc.Get()
	if !ok {
		return false
	}
	right, ok := rc.Get()
	if !ok {
		return false
	}

	switch c.Op {
	case OpGT:
		return l > right
	case OpGTE:
		return l >= right
	case OpLT:
		return l < right
	case OpLTE:
		return l <= right
	case OpEQ:
		return l == right
	case OpNEQ:
		return l != right
	case OpBetween, OpOutside:
		if c.Upper == nil {
			return false
		}
		uc, _ := resolve(*c.Upper, r)
		upper, ok := uc.Get()
		if !ok {
			return false
		}
		if c.Op == OpBetween {
			return right <= upper && right <= l && l <= upper
		}
		return right < upper && (l < right || l > upper)
	case OpCrossAbove, OpCrossBelow:
		prev, ok := lp.Get()
		if !ok {
			return false
		}
		// A constant level reads the same on both bars, so one form covers
		// both the level and the indicator-vs-indicator case.
		rprev, ok := rp.Get()
		if !ok {
			return false
		}
		if c.Op == OpCrossAbove {
			return prev <= rprev && l > right
		}
		return prev >= rprev && l < right
	}
	return false
}

// Describe renders n with the readings from r, for alert reasons.
//
//	RSI(14)@1d[28.40] CROSS_BELOW 30 AND PRICE@1d[512.10] > SMA(200)@1d[498.75]
func Describe(n Node, r Resolver) string {
	return describe(n, r, false)
}

func describe(n Node, r Resolver, nested bool) string {
	switch n := n.(type) {
	case *Comparison:
		left, right := describeOperand(n.Left, r), describeOperand(n.Right, r)
		if n.Op.Ranged() && n.Upper != nil {
			return fmt.Sprintf("%s %s %s..%s", left, n.Op, right, describeOperand(*n.Upper, r))
		}
		return fmt.Sprintf("%s %s %s", left, n.Op.symbol(), right)
	case *Logical:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = describe(c, r, true)
		}
		s := strings.Join(parts, " "+string(n.Op)+" ")
		if nested && len(parts) > 1 {
			return "(" + s + ")"
		}
		return s
	case *Not:
		return "NOT " + describe(n.Child, r, true)
	case *Ref:
		return "$" + n.Name
	}
	return "?"
}

func describeOperand(o Operand, r Resolver) string {
	if o.Const {
		return strconv.FormatFloat(o.Value, 'f', -1, 64)
	}
	cur, _ := resolve(o, r)
	return o.Indicator.Label() + "[" + cur.String() + "]"
}
