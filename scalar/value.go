// Package scalar implements a reverse-mode automatic differentiation engine
// over scalar values. A Value is a node in a dynamically built computation
// graph; operators on Values record predecessor edges and a backward
// closure so that Backward can later accumulate gradients onto leaves.
package scalar

import (
	"fmt"
	"sync/atomic"
)

// Op tags the operator that produced a Value. OpLeaf marks a node with no
// predecessors (a weight or a constant).
type Op uint8

const (
	OpLeaf Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPowConst
	OpPowValue
	OpMod
	OpNeg
	OpAbs
	OpExp
	OpLog
	OpSqrt
	OpReciprocal
	OpSquare
	OpCube
	OpSign
	OpFloor
	OpCeil
	OpRound
	OpClamp
	OpMin
	OpMax
	OpSum
	OpMean
	OpSin
	OpCos
	OpTan
	OpAsin
	OpAcos
	OpAtan
	OpReLU
	OpSoftplus
	OpTanh
	OpSigmoid
	OpEq
	OpNeq
	OpGt
	OpLt
	OpGte
	OpLte
	OpIfThenElse
)

var opNames = map[Op]string{
	OpLeaf: "leaf", OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpPowConst: "powc", OpPowValue: "powv", OpMod: "mod", OpNeg: "neg",
	OpAbs: "abs", OpExp: "exp", OpLog: "log", OpSqrt: "sqrt",
	OpReciprocal: "reciprocal", OpSquare: "square", OpCube: "cube",
	OpSign: "sign", OpFloor: "floor", OpCeil: "ceil", OpRound: "round",
	OpClamp: "clamp", OpMin: "min", OpMax: "max", OpSum: "sum", OpMean: "mean",
	OpSin: "sin", OpCos: "cos", OpTan: "tan", OpAsin: "asin", OpAcos: "acos",
	OpAtan: "atan", OpReLU: "relu", OpSoftplus: "softplus", OpTanh: "tanh",
	OpSigmoid: "sigmoid", OpEq: "eq", OpNeq: "neq", OpGt: "gt", OpLt: "lt",
	OpGte: "gte", OpLte: "lte", OpIfThenElse: "ifelse",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", o)
}

// Epsilon regularizes division, log and reciprocal near their domain
// boundary (sqrt handles non-positive input with its own zero branch). Callers that need a different tolerance can set Epsilon
// package-wide before building a graph.
var Epsilon = 1e-12

// Value is a node in the computation graph: a scalar forward payload, a
// gradient accumulator, and (for derived nodes) the operator and
// predecessors that produced it.
type Value struct {
	data         float64
	grad         float64
	requiresGrad bool
	op           Op
	children     []*Value
	backward     func()
	label        string
	name         string

	// aux holds operator-specific discrete parameters folded into the
	// operator identity by the canonicalizer (pow's exponent, clamp's
	// bounds). Unused by ops that don't need them.
	aux [2]float64
}

// Option configures a leaf Value at construction time.
type Option func(*Value)

// WithLabel attaches a debug-only textual label to a leaf.
func WithLabel(label string) Option {
	return func(v *Value) { v.label = label }
}

// WithName attaches a stable parameter name used by the compiler to address
// this leaf as a named input.
func WithName(name string) Option {
	return func(v *Value) { v.name = name }
}

// Weight constructs a differentiable leaf (requiresGrad = true).
func Weight(value float64, opts ...Option) *Value {
	v := &Value{data: value, requiresGrad: true}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Constant constructs a non-differentiable leaf (requiresGrad = false).
func Constant(value float64, opts ...Option) *Value {
	v := &Value{data: value}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var noGradDepth int32

// WithNoGrad runs fn with the process-wide no-grad context installed,
// restoring the previous depth on every exit path including panics. Derived
// Values created while installed force requiresGrad = false and skip
// recording a backward closure, but still retain predecessor references for
// forward evaluation.
func WithNoGrad(fn func()) {
	atomic.AddInt32(&noGradDepth, 1)
	defer atomic.AddInt32(&noGradDepth, -1)
	fn()
}

func noGradActive() bool {
	return atomic.LoadInt32(&noGradDepth) > 0
}

// Data returns the current forward payload.
func (v *Value) Data() float64 { return v.data }

// Grad returns the accumulated gradient.
func (v *Value) Grad() float64 { return v.grad }

// SetGrad overwrites the accumulated gradient, used by optimizers and
// callers that need to inject a gradient directly.
func (v *Value) SetGrad(g float64) { v.grad = g }

// SetData overwrites a leaf's forward payload in place, used by first-order
// optimizers to apply a parameter update without rebuilding the graph.
// Callers must not call this on a non-leaf Value.
func (v *Value) SetData(data float64) { v.data = data }

// RequiresGrad reports whether this node participates in differentiation.
func (v *Value) RequiresGrad() bool { return v.requiresGrad }

// Op returns the operator tag (OpLeaf for leaves).
func (v *Value) Op() Op { return v.op }

// Children returns the ordered predecessor list (empty for leaves).
func (v *Value) Children() []*Value { return v.children }

// Label returns the debug label, if any.
func (v *Value) Label() string { return v.label }

// Name returns the stable parameter name, if any.
func (v *Value) Name() string { return v.name }

// Aux returns the operator's discrete parameters (pow's exponent, clamp's
// bounds), zero-valued for operators that don't use them.
func (v *Value) Aux() [2]float64 { return v.aux }

func (v *Value) String() string {
	return fmt.Sprintf("Value(data=%g, grad=%g, op=%s)", v.data, v.grad, v.op)
}

// derive builds a fresh node from the given operator, predecessors, and
// forward payload, propagating requiresGrad from any predecessor that
// needs it. discreteNoGrad forces
// requiresGrad = false regardless of predecessors (used for comparisons and
// the other non-differentiable ops). The caller attaches its own backward
// closure afterward and runs the result through fixup, which strips that
// closure back out when the no-grad context is active or requiresGrad ended
// up false — keeping the per-op derivative code in ops.go free of
// no-grad-context bookkeeping.
func derive(op Op, children []*Value, data float64, discreteNoGrad bool) *Value {
	out := &Value{data: data, op: op, children: children}
	if !discreteNoGrad {
		for _, c := range children {
			if c.requiresGrad {
				out.requiresGrad = true
				break
			}
		}
	}
	if noGradActive() {
		out.requiresGrad = false
	}
	return out
}
