package condition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"trading-alerts/internal/indicator"
	"trading-alerts/internal/model"
)

// Version is the envelope version written by Encode.
const Version = 1

// Node type tags on the wire.
const (
	typeComparison = "comparison"
	typeLogical    = "logical"
	typeNot        = "not"
	typeRef        = "ref"

	operandNumber    = "number"
	operandIndicator = "indicator"
)

// envelope is the stored form. Either Root is set, or the flat form
// Logic + Conditions which decodes to a single Logical node.
type envelope struct {
	Version    int         `json:"version"`
	Root       *wireNode   `json:"root,omitempty"`
	Logic      string      `json:"logic,omitempty"`
	Conditions []*wireNode `json:"conditions,omitempty"`
}

type wireNode struct {
	Type     string       `json:"type,omitempty"`
	Op       string       `json:"op,omitempty"`
	Left     *wireOperand `json:"left,omitempty"`
	Right    *wireOperand `json:"right,omitempty"`
	Upper    *wireOperand `json:"upper,omitempty"`
	Children []*wireNode  `json:"children,omitempty"`
	Child    *wireNode    `json:"child,omitempty"`
	Name     string       `json:"name,omitempty"`
}

type wireOperand struct {
	Type      string         `json:"type"`
	Value     *float64       `json:"value,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Timeframe string         `json:"timeframe,omitempty"`
	Params    map[string]int `json:"params,omitempty"`
}

// Decode parses and validates a stored condition.
//
//	{"version":1,"root":{"type":"logical","op":"AND","children":[...]}}
//	{"version":1,"logic":"AND","conditions":[{"left":...,"op":"GT","right":...}]}
//
// In the flat form a condition without a type is a comparison. Unknown keys
// and trailing data are rejected.
func Decode(data []byte) (Node, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("malformed json: %v", err)}
	}
	if dec.More() {
		return nil, &ValidationError{Msg: "malformed json: trailing data after envelope"}
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	var (
		root Node
		err  error
	)
	switch {
	case env.Root != nil:
		if env.Logic != "" || len(env.Conditions) > 0 {
			return nil, invalid("", "both root and flat conditions present")
		}
		root, err = fromWire(env.Root, "root", false, 0)
	case env.Logic != "" || len(env.Conditions) > 0:
		root, err = fromFlat(env)
	default:
		return nil, invalid("", "empty condition")
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(root); err != nil {
		return nil, err
	}
	return root, nil
}

func fromFlat(env envelope) (Node, error) {
	logic := env.Logic
	if logic == "" {
		logic = string(And)
	}
	op, err := ParseLogicOp(logic)
	if err != nil {
		return nil, invalid("logic", "%v", err)
	}
	l := &Logical{Op: op}
	for i, w := range env.Conditions {
		n, err := fromWire(w, fmt.Sprintf("conditions[%d]", i), true, 1)
		if err != nil {
			return nil, err
		}
		l.Children = append(l.Children, n)
	}
	return l, nil
}

func fromWire(w *wireNode, path string, implicitComparison bool, depth int) (Node, error) {
	if w == nil {
		return nil, invalid(path, "missing node")
	}
	if depth > MaxDepth {
		return nil, invalid(path, "nesting deeper than %d", MaxDepth)
	}
	typ := w.Type
	if typ == "" && implicitComparison {
		typ = typeComparison
	}
	switch typ {
	case typeComparison:
		op, err := ParseOperator(w.Op)
		if err != nil {
			return nil, invalid(path, "%v", err)
		}
		c := &Comparison{Op: op}
		if c.Left, err = operandFromWire(w.Left, path+".left"); err != nil {
			return nil, err
		}
		if c.Right, err = operandFromWire(w.Right, path+".right"); err != nil {
			return nil, err
		}
		if w.Upper != nil {
			upper, err := operandFromWire(w.Upper, path+".upper")
			if err != nil {
				return nil, err
			}
			c.Upper = &upper
		}
		return c, nil
	case typeLogical:
		op, err := ParseLogicOp(w.Op)
		if err != nil {
			return nil, invalid(path, "%v", err)
		}
		l := &Logical{Op: op}
		for i, cw := range w.Children {
			child, err := fromWire(cw, fmt.Sprintf("%s.children[%d]", path, i), false, depth+1)
			if err != nil {
				return nil, err
			}
			l.Children = append(l.Children, child)
		}
		return l, nil
	case typeNot:
		child, err := fromWire(w.Child, path+".child", false, depth+1)
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	case typeRef:
		return &Ref{Name: w.Name}, nil
	case "":
		return nil, invalid(path, "missing node type")
	}
	return nil, invalid(path, "unknown node type %q", w.Type)
}

func operandFromWire(w *wireOperand, path string) (Operand, error) {
	if w == nil {
		return Operand{}, invalid(path, "missing operand")
	}
	switch w.Type {
	case operandNumber:
		if w.Value == nil {
			return Operand{}, invalid(path, "number without value")
		}
		return Number(*w.Value), nil
	case operandIndicator:
		kind, err := indicator.ParseKind(w.Kind)
		if err != nil {
			return Operand{}, invalid(path, "%v", err)
		}
		tf, err := model.ParseTimeframe(w.Timeframe)
		if err != nil {
			return Operand{}, invalid(path, "%v", err)
		}
		return Indicator(indicator.Spec{Kind: kind, Timeframe: tf, Params: w.Params}), nil
	}
	return Operand{}, invalid(path, "unknown operand type %q", w.Type)
}

// Encode writes n in the current envelope version using the tree form.
func Encode(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: Version, Root: w})
}

func toWire(n Node) (*wireNode, error) {
	switch n := n.(type) {
	case *Comparison:
		w := &wireNode{
			Type:  typeComparison,
			Op:    string(n.Op),
			Left:  operandToWire(n.Left),
			Right: operandToWire(n.Right),
		}
		if n.Upper != nil {
			w.Upper = operandToWire(*n.Upper)
		}
		return w, nil
	case *Logical:
		w := &wireNode{Type: typeLogical, Op: string(n.Op)}
		for _, c := range n.Children {
			cw, err := toWire(c)
			if err != nil {
				return nil, err
			}
			w.Children = append(w.Children, cw)
		}
		return w, nil
	case *Not:
		cw, err := toWire(n.Child)
		if err != nil {
			return nil, err
		}
		return &wireNode{Type: typeNot, Child: cw}, nil
	case *Ref:
		return &wireNode{Type: typeRef, Name: n.Name}, nil
	}
	return nil, invalid("", "cannot encode node type %T", n)
}

func operandToWire(o Operand) *wireOperand {
	if o.Const {
		v := o.Value
		return &wireOperand{Type: operandNumber, Value: &v}
	}
	return &wireOperand{
		Type:      operandIndicator,
		Kind:      string(o.Indicator.Kind),
		Timeframe: string(o.Indicator.Timeframe),
		Params:    o.Indicator.Params,
	}
}
