package scalar

import "math"

// Wrap auto-wraps a plain number as a non-differentiable constant so that
// the package-level operator entry points below can accept either a *Value
// or a number at the call site, per §6's external interface contract.
// Passing anything other than *Value, float64, or int panics.
func Wrap(x any) *Value {
	switch v := x.(type) {
	case *Value:
		return v
	case float64:
		return Constant(v)
	case int:
		return Constant(float64(v))
	default:
		panic("scalar: unsupported operand type")
	}
}

// DivEps regularizes a denominator symmetrically with respect to its sign:
// Epsilon is added to the magnitude of x, keeping the sign of x (zero
// counts as positive) while bounding gradient blow-up near zero.
func DivEps(x float64) float64 {
	if x >= 0 {
		return x + Epsilon
	}
	return x - Epsilon
}

// LogArg floors the argument of log/reciprocal at Epsilon for numerical
// stability, used in both the forward and backward passes.
func LogArg(x float64) float64 {
	if x < Epsilon {
		return Epsilon
	}
	return x
}

// Add returns a new Value equal to v + other.
func (v *Value) Add(other *Value) *Value {
	out := derive(OpAdd, []*Value{v, other}, v.data+other.data, false)
	out.backward = func() {
		v.grad += out.grad
		other.grad += out.grad
	}
	return fixup(out)
}

// AddScalar returns v + scalar.
func (v *Value) AddScalar(scalar float64) *Value { return v.Add(Constant(scalar)) }

// Sub returns v - other.
func (v *Value) Sub(other *Value) *Value {
	out := derive(OpSub, []*Value{v, other}, v.data-other.data, false)
	out.backward = func() {
		v.grad += out.grad
		other.grad -= out.grad
	}
	return fixup(out)
}

// SubScalar returns v - scalar.
func (v *Value) SubScalar(scalar float64) *Value { return v.Sub(Constant(scalar)) }

// Multiply returns v * other.
func (v *Value) Multiply(other *Value) *Value {
	out := derive(OpMul, []*Value{v, other}, v.data*other.data, false)
	out.backward = func() {
		v.grad += other.data * out.grad
		other.grad += v.data * out.grad
	}
	return fixup(out)
}

// MulScalar returns v * scalar.
func (v *Value) MulScalar(scalar float64) *Value { return v.Multiply(Constant(scalar)) }

// Div returns v / other, with the denominator regularized per DivEps.
func (v *Value) Div(other *Value) *Value {
	denom := DivEps(other.data)
	out := derive(OpDiv, []*Value{v, other}, v.data/denom, false)
	out.backward = func() {
		v.grad += out.grad / denom
		other.grad -= out.grad * v.data / (denom * denom)
	}
	return fixup(out)
}

// DivScalar returns v / scalar.
func (v *Value) DivScalar(scalar float64) *Value { return v.Div(Constant(scalar)) }

// Neg returns -v.
func (v *Value) Neg() *Value {
	out := derive(OpNeg, []*Value{v}, -v.data, false)
	out.backward = func() { v.grad -= out.grad }
	return fixup(out)
}

// PowScalar returns v^exp for a constant exponent.
func (v *Value) PowScalar(exp float64) *Value {
	out := derive(OpPowConst, []*Value{v}, math.Pow(v.data, exp), false)
	out.aux[0] = exp
	out.backward = func() {
		v.grad += exp * math.Pow(v.data, exp-1) * out.grad
	}
	return fixup(out)
}

// Pow returns v^exp where exp is itself differentiable. The forward value
// is math.Pow(v, exp), with no Epsilon floor on v, so a negative v with a
// non-integer exp gives NaN; only the gradient with respect to exp uses
// log(v) floored at Epsilon.
func (v *Value) Pow(exp *Value) *Value {
	base := LogArg(v.data)
	forward := math.Pow(v.data, exp.data)
	out := derive(OpPowValue, []*Value{v, exp}, forward, false)
	out.backward = func() {
		v.grad += exp.data * math.Pow(v.data, exp.data-1) * out.grad
		exp.grad += math.Log(base) * forward * out.grad
	}
	return fixup(out)
}

// Square returns v^2.
func (v *Value) Square() *Value {
	out := derive(OpSquare, []*Value{v}, v.data*v.data, false)
	out.backward = func() { v.grad += 2 * v.data * out.grad }
	return fixup(out)
}

// Cube returns v^3.
func (v *Value) Cube() *Value {
	out := derive(OpCube, []*Value{v}, v.data*v.data*v.data, false)
	out.backward = func() { v.grad += 3 * v.data * v.data * out.grad }
	return fixup(out)
}

// Reciprocal returns 1/v, argument floored at Epsilon.
func (v *Value) Reciprocal() *Value {
	arg := LogArg(v.data)
	out := derive(OpReciprocal, []*Value{v}, 1/arg, false)
	out.backward = func() { v.grad -= out.grad / (arg * arg) }
	return fixup(out)
}

// Mod returns v mod other (math.Mod), non-differentiable with respect to
// either operand beyond the trivial identity gradient on v.
func (v *Value) Mod(other *Value) *Value {
	out := derive(OpMod, []*Value{v, other}, math.Mod(v.data, other.data), false)
	out.backward = func() { v.grad += out.grad }
	return fixup(out)
}

// Abs returns |v|; the subgradient at zero is taken as zero.
func (v *Value) Abs() *Value {
	out := derive(OpAbs, []*Value{v}, math.Abs(v.data), false)
	out.backward = func() {
		switch {
		case v.data > 0:
			v.grad += out.grad
		case v.data < 0:
			v.grad -= out.grad
		}
	}
	return fixup(out)
}

// Exp returns e^v.
func (v *Value) Exp() *Value {
	forward := math.Exp(v.data)
	out := derive(OpExp, []*Value{v}, forward, false)
	out.backward = func() { v.grad += forward * out.grad }
	return fixup(out)
}

// Log returns ln(v), argument floored at Epsilon.
func (v *Value) Log() *Value {
	arg := LogArg(v.data)
	out := derive(OpLog, []*Value{v}, math.Log(arg), false)
	out.backward = func() { v.grad += out.grad / arg }
	return fixup(out)
}

// Sqrt returns sqrt(v); for v <= 0 the forward value is zero and the
// gradient is clamped to a large finite value to avoid NaN.
func (v *Value) Sqrt() *Value {
	if v.data <= 0 {
		out := derive(OpSqrt, []*Value{v}, 0, false)
		out.backward = func() {
			const largeFinite = 1e12
			v.grad += largeFinite * out.grad
		}
		return fixup(out)
	}
	forward := math.Sqrt(v.data)
	out := derive(OpSqrt, []*Value{v}, forward, false)
	out.backward = func() { v.grad += 0.5 / forward * out.grad }
	return fixup(out)
}

// Sign returns sign(v) in {-1, 0, 1}; non-differentiable.
func (v *Value) Sign() *Value {
	s := 0.0
	switch {
	case v.data > 0:
		s = 1
	case v.data < 0:
		s = -1
	}
	return fixup(derive(OpSign, []*Value{v}, s, true))
}

// Floor returns floor(v); non-differentiable.
func (v *Value) Floor() *Value {
	return fixup(derive(OpFloor, []*Value{v}, math.Floor(v.data), true))
}

// Ceil returns ceil(v); non-differentiable.
func (v *Value) Ceil() *Value {
	return fixup(derive(OpCeil, []*Value{v}, math.Ceil(v.data), true))
}

// Round returns round(v); non-differentiable.
func (v *Value) Round() *Value {
	return fixup(derive(OpRound, []*Value{v}, math.Round(v.data), true))
}

// Clamp clips v to [lo, hi]; backward passes the out-grad through only when
// v is strictly inside the bounds.
func (v *Value) Clamp(lo, hi float64) *Value {
	clamped := math.Min(math.Max(v.data, lo), hi)
	out := derive(OpClamp, []*Value{v}, clamped, false)
	out.aux[0], out.aux[1] = lo, hi
	out.backward = func() {
		if v.data > lo && v.data < hi {
			v.grad += out.grad
		}
	}
	return fixup(out)
}

// Min returns min(v, other); backward routes the full gradient to the
// selected operand, ties resolved toward v.
func (v *Value) Min(other *Value) *Value {
	selV := v.data <= other.data
	var forward float64
	if selV {
		forward = v.data
	} else {
		forward = other.data
	}
	out := derive(OpMin, []*Value{v, other}, forward, false)
	out.backward = func() {
		if selV {
			v.grad += out.grad
		} else {
			other.grad += out.grad
		}
	}
	return fixup(out)
}

// Max returns max(v, other); backward routes the full gradient to the
// selected operand, ties resolved toward v.
func (v *Value) Max(other *Value) *Value {
	selV := v.data >= other.data
	var forward float64
	if selV {
		forward = v.data
	} else {
		forward = other.data
	}
	out := derive(OpMax, []*Value{v, other}, forward, false)
	out.backward = func() {
		if selV {
			v.grad += out.grad
		} else {
			other.grad += out.grad
		}
	}
	return fixup(out)
}

// Sin, Cos, Tan, Asin, Acos, Atan implement the trig operator group.

func (v *Value) Sin() *Value {
	out := derive(OpSin, []*Value{v}, math.Sin(v.data), false)
	out.backward = func() { v.grad += math.Cos(v.data) * out.grad }
	return fixup(out)
}

func (v *Value) Cos() *Value {
	out := derive(OpCos, []*Value{v}, math.Cos(v.data), false)
	out.backward = func() { v.grad -= math.Sin(v.data) * out.grad }
	return fixup(out)
}

func (v *Value) Tan() *Value {
	out := derive(OpTan, []*Value{v}, math.Tan(v.data), false)
	out.backward = func() {
		c := math.Cos(v.data)
		v.grad += out.grad / (c * c)
	}
	return fixup(out)
}

func (v *Value) Asin() *Value {
	out := derive(OpAsin, []*Value{v}, math.Asin(v.data), false)
	out.backward = func() { v.grad += out.grad / math.Sqrt(1-v.data*v.data) }
	return fixup(out)
}

func (v *Value) Acos() *Value {
	out := derive(OpAcos, []*Value{v}, math.Acos(v.data), false)
	out.backward = func() { v.grad -= out.grad / math.Sqrt(1-v.data*v.data) }
	return fixup(out)
}

func (v *Value) Atan() *Value {
	out := derive(OpAtan, []*Value{v}, math.Atan(v.data), false)
	out.backward = func() { v.grad += out.grad / (1 + v.data*v.data) }
	return fixup(out)
}

// ReLU returns max(0, v).
func (v *Value) ReLU() *Value {
	forward := 0.0
	if v.data > 0 {
		forward = v.data
	}
	out := derive(OpReLU, []*Value{v}, forward, false)
	out.backward = func() {
		if v.data > 0 {
			v.grad += out.grad
		}
	}
	return fixup(out)
}

// Softplus returns log(1+e^v), computed stably as max(v,0)+log(1+e^-|v|).
func (v *Value) Softplus() *Value {
	forward := math.Max(v.data, 0) + math.Log(1+math.Exp(-math.Abs(v.data)))
	out := derive(OpSoftplus, []*Value{v}, forward, false)
	out.backward = func() {
		sig := 1 / (1 + math.Exp(-v.data))
		v.grad += sig * out.grad
	}
	return fixup(out)
}

// Tanh returns tanh(v).
func (v *Value) Tanh() *Value {
	forward := math.Tanh(v.data)
	out := derive(OpTanh, []*Value{v}, forward, false)
	out.backward = func() { v.grad += (1 - forward*forward) * out.grad }
	return fixup(out)
}

// Sigmoid returns 1/(1+e^-v).
func (v *Value) Sigmoid() *Value {
	forward := 1 / (1 + math.Exp(-v.data))
	out := derive(OpSigmoid, []*Value{v}, forward, false)
	out.backward = func() { v.grad += forward * (1 - forward) * out.grad }
	return fixup(out)
}

// Eq, Neq, Gt, Lt, Gte, Lte yield non-differentiable {0,1} scalars.

func (v *Value) Eq(other *Value) *Value {
	return fixup(derive(OpEq, []*Value{v, other}, boolF(v.data == other.data), true))
}

func (v *Value) Neq(other *Value) *Value {
	return fixup(derive(OpNeq, []*Value{v, other}, boolF(v.data != other.data), true))
}

func (v *Value) Gt(other *Value) *Value {
	return fixup(derive(OpGt, []*Value{v, other}, boolF(v.data > other.data), true))
}

func (v *Value) Lt(other *Value) *Value {
	return fixup(derive(OpLt, []*Value{v, other}, boolF(v.data < other.data), true))
}

func (v *Value) Gte(other *Value) *Value {
	return fixup(derive(OpGte, []*Value{v, other}, boolF(v.data >= other.data), true))
}

func (v *Value) Lte(other *Value) *Value {
	return fixup(derive(OpLte, []*Value{v, other}, boolF(v.data <= other.data), true))
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// IfThenElse selects a's or b's forward value based on cond's payload
// (non-zero is true) and routes the entire out-grad to the selected branch.
func IfThenElse(cond, a, b *Value) *Value {
	selA := cond.data != 0
	var forward float64
	if selA {
		forward = a.data
	} else {
		forward = b.data
	}
	out := derive(OpIfThenElse, []*Value{cond, a, b}, forward, false)
	out.backward = func() {
		if selA {
			a.grad += out.grad
		} else {
			b.grad += out.grad
		}
	}
	return fixup(out)
}

// Sum returns the sum of terms as a single node whose ordered predecessor
// list is the full operand sequence, collapsing what would otherwise be an
// O(n)-deep left-fold chain to O(1) depth per §9.
func Sum(terms ...*Value) *Value {
	total := 0.0
	for _, t := range terms {
		total += t.data
	}
	out := derive(OpSum, terms, total, false)
	out.backward = func() {
		for _, t := range terms {
			t.grad += out.grad
		}
	}
	return fixup(out)
}

// Mean returns the mean of terms; backward distributes out-grad/n uniformly.
func Mean(terms ...*Value) *Value {
	n := float64(len(terms))
	total := 0.0
	for _, t := range terms {
		total += t.data
	}
	out := derive(OpMean, terms, total/n, false)
	out.backward = func() {
		share := out.grad / n
		for _, t := range terms {
			t.grad += share
		}
	}
	return fixup(out)
}

// fixup re-applies the no-grad context's closure-suppression to nodes built
// with derive+manual backward assignment above: derive already decided
// requiresGrad and whether the graph is in a no-grad scope, but the
// convenience methods above set out.backward unconditionally after the
// derive call returns. fixup clears it back out when it shouldn't have been
// attached.
func fixup(out *Value) *Value {
	if noGradActive() || !out.requiresGrad {
		out.backward = nil
	}
	return out
}

// Package-level entry points mirroring §6's external interface: one per
// operator in the closed set, each accepting a *Value or a plain number
// (auto-wrapped via Wrap) at every operand position.

func Add(a, b any) *Value      { return Wrap(a).Add(Wrap(b)) }
func Sub(a, b any) *Value      { return Wrap(a).Sub(Wrap(b)) }
func Mul(a, b any) *Value      { return Wrap(a).Multiply(Wrap(b)) }
func Div(a, b any) *Value      { return Wrap(a).Div(Wrap(b)) }
func Mod(a, b any) *Value      { return Wrap(a).Mod(Wrap(b)) }
func Neg(a any) *Value         { return Wrap(a).Neg() }
func PowScalar(a any, exp float64) *Value { return Wrap(a).PowScalar(exp) }
func Pow(a, exp any) *Value    { return Wrap(a).Pow(Wrap(exp)) }
func Square(a any) *Value      { return Wrap(a).Square() }
func Cube(a any) *Value        { return Wrap(a).Cube() }
func Reciprocal(a any) *Value  { return Wrap(a).Reciprocal() }
func Abs(a any) *Value         { return Wrap(a).Abs() }
func Exp(a any) *Value         { return Wrap(a).Exp() }
func Log(a any) *Value         { return Wrap(a).Log() }
func Sqrt(a any) *Value        { return Wrap(a).Sqrt() }
func Sign(a any) *Value        { return Wrap(a).Sign() }
func Floor(a any) *Value       { return Wrap(a).Floor() }
func Ceil(a any) *Value        { return Wrap(a).Ceil() }
func Round(a any) *Value       { return Wrap(a).Round() }
func Clamp(a any, lo, hi float64) *Value { return Wrap(a).Clamp(lo, hi) }
func Min(a, b any) *Value      { return Wrap(a).Min(Wrap(b)) }
func Max(a, b any) *Value      { return Wrap(a).Max(Wrap(b)) }
func Sin(a any) *Value         { return Wrap(a).Sin() }
func Cos(a any) *Value         { return Wrap(a).Cos() }
func Tan(a any) *Value         { return Wrap(a).Tan() }
func Asin(a any) *Value        { return Wrap(a).Asin() }
func Acos(a any) *Value        { return Wrap(a).Acos() }
func Atan(a any) *Value        { return Wrap(a).Atan() }
func ReLU(a any) *Value        { return Wrap(a).ReLU() }
func Softplus(a any) *Value    { return Wrap(a).Softplus() }
func Tanh(a any) *Value        { return Wrap(a).Tanh() }
func Sigmoid(a any) *Value     { return Wrap(a).Sigmoid() }
func Eq(a, b any) *Value       { return Wrap(a).Eq(Wrap(b)) }
func Neq(a, b any) *Value      { return Wrap(a).Neq(Wrap(b)) }
func Gt(a, b any) *Value       { return Wrap(a).Gt(Wrap(b)) }
func Lt(a, b any) *Value       { return Wrap(a).Lt(Wrap(b)) }
func Gte(a, b any) *Value      { return Wrap(a).Gte(Wrap(b)) }
func Lte(a, b any) *Value      { return Wrap(a).Lte(Wrap(b)) }
