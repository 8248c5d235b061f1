package scalar

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// finiteDiffGrad centrally differences f at x with step h.
func finiteDiffGrad(f func(float64) float64, x, h float64) float64 {
	return (f(x+h) - f(x-h)) / (2 * h)
}

// checkUnary builds Weight(x).op(), backprops, and compares against a
// central finite difference of the same forward function.
func checkUnary(t *testing.T, name string, x float64, op func(*Value) *Value, raw func(float64) float64) {
	t.Helper()
	v := Weight(x)
	out := op(v)
	Backward(out, false)

	want := finiteDiffGrad(raw, x, 1e-5)
	got := v.Grad()
	tol := math.Max(1e-4*math.Abs(want), 1e-6)
	assert.InDelta(t, want, got, tol, "%s at x=%v: backward=%v fd=%v", name, x, got, want)
}

func TestUnaryOperatorGradients(t *testing.T) {
	cases := []struct {
		name string
		x    float64
		op   func(*Value) *Value
		raw  func(float64) float64
	}{
		{"neg", 3.3, (*Value).Neg, func(x float64) float64 { return -x }},
		{"square", -1.7, (*Value).Square, func(x float64) float64 { return x * x }},
		{"cube", 1.2, (*Value).Cube, func(x float64) float64 { return x * x * x }},
		{"exp", 0.5, (*Value).Exp, math.Exp},
		{"log", 2.4, (*Value).Log, math.Log},
		{"sqrt", 4.0, (*Value).Sqrt, math.Sqrt},
		{"reciprocal", 2.0, (*Value).Reciprocal, func(x float64) float64 { return 1 / x }},
		{"sin", 0.8, (*Value).Sin, math.Sin},
		{"cos", 0.8, (*Value).Cos, math.Cos},
		{"tan", 0.3, (*Value).Tan, math.Tan},
		{"asin", 0.4, (*Value).Asin, math.Asin},
		{"acos", 0.4, (*Value).Acos, math.Acos},
		{"atan", 1.7, (*Value).Atan, math.Atan},
		{"relu-positive", 2.0, (*Value).ReLU, func(x float64) float64 { return math.Max(0, x) }},
		{"softplus", 0.6, (*Value).Softplus, func(x float64) float64 { return math.Log(1 + math.Exp(x)) }},
		{"tanh", 0.6, (*Value).Tanh, math.Tanh},
		{"sigmoid", 0.6, (*Value).Sigmoid, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }},
		{"abs-positive", 2.5, (*Value).Abs, math.Abs},
		{"abs-negative", -2.5, (*Value).Abs, math.Abs},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			checkUnary(t, c.name, c.x, c.op, c.raw)
		})
	}
}

func TestPowScalarGradient(t *testing.T) {
	checkUnary(t, "pow^3", -4.0, func(v *Value) *Value { return v.PowScalar(3) },
		func(x float64) float64 { return math.Pow(x, 3) })
	checkUnary(t, "pow^2.5", 3.0, func(v *Value) *Value { return v.PowScalar(2.5) },
		func(x float64) float64 { return math.Pow(x, 2.5) })
}

func TestClampGradientInsideAndOutsideBounds(t *testing.T) {
	inside := Weight(0.5)
	out := inside.Clamp(0, 1)
	Backward(out, false)
	assert.InDelta(t, 1.0, inside.Grad(), 1e-12)

	below := Weight(-1.0)
	out2 := below.Clamp(0, 1)
	Backward(out2, false)
	assert.Equal(t, 0.0, below.Grad())

	above := Weight(2.0)
	out3 := above.Clamp(0, 1)
	Backward(out3, false)
	assert.Equal(t, 0.0, above.Grad())
}

func TestBinaryOperatorGradientsMatchFiniteDifference(t *testing.T) {
	bx, by := 1.3, -0.7
	binary := func(name string, op func(a, b *Value) *Value, raw func(a, b float64) float64) {
		a := Weight(bx)
		b := Weight(by)
		out := op(a, b)
		Backward(out, false)

		h := 1e-5
		wantA := (raw(bx+h, by) - raw(bx-h, by)) / (2 * h)
		wantB := (raw(bx, by+h) - raw(bx, by-h)) / (2 * h)

		assert.InDelta(t, wantA, a.Grad(), math.Max(1e-4*math.Abs(wantA), 1e-6), "%s d/da", name)
		assert.InDelta(t, wantB, b.Grad(), math.Max(1e-4*math.Abs(wantB), 1e-6), "%s d/db", name)
	}

	binary("add", (*Value).Add, func(a, b float64) float64 { return a + b })
	binary("sub", (*Value).Sub, func(a, b float64) float64 { return a - b })
	binary("mul", (*Value).Multiply, func(a, b float64) float64 { return a * b })
	binary("div", (*Value).Div, func(a, b float64) float64 { return a / b })
	binary("pow-value", (*Value).Pow, math.Pow)
}

func TestMinMaxRouteGradientToSelectedOperand(t *testing.T) {
	a := Weight(2.0)
	b := Weight(5.0)
	min := a.Min(b)
	Backward(min, false)
	assert.InDelta(t, 1.0, a.Grad(), 1e-12)
	assert.InDelta(t, 0.0, b.Grad(), 1e-12)

	c := Weight(2.0)
	d := Weight(5.0)
	max := c.Max(d)
	Backward(max, false)
	assert.InDelta(t, 0.0, c.Grad(), 1e-12)
	assert.InDelta(t, 1.0, d.Grad(), 1e-12)
}

func TestMinMaxTieBreaksTowardFirstOperand(t *testing.T) {
	a := Weight(3.0)
	b := Weight(3.0)
	min := a.Min(b)
	Backward(min, false)
	assert.InDelta(t, 1.0, a.Grad(), 1e-12)
	assert.InDelta(t, 0.0, b.Grad(), 1e-12)
}

func TestComparisonsAreConstantAndNonDifferentiable(t *testing.T) {
	a := Weight(2.0)
	b := Weight(3.0)
	for _, out := range []*Value{a.Eq(b), a.Neq(b), a.Gt(b), a.Lt(b), a.Gte(b), a.Lte(b)} {
		assert.False(t, out.RequiresGrad())
	}
	assert.Equal(t, 0.0, a.Eq(b).Data())
	assert.Equal(t, 1.0, a.Lt(b).Data())
}

func TestIfThenElseRoutesGradientToSelectedBranch(t *testing.T) {
	cond := Constant(1.0)
	a := Weight(2.0)
	b := Weight(5.0)
	out := IfThenElse(cond, a, b)
	Backward(out, false)
	assert.Equal(t, 2.0, out.Data())
	assert.InDelta(t, 1.0, a.Grad(), 1e-12)
	assert.InDelta(t, 0.0, b.Grad(), 1e-12)
}

func TestSumAndMeanDistributeUniformly(t *testing.T) {
	terms := []*Value{Weight(1.0), Weight(2.0), Weight(3.0), Weight(4.0)}
	sum := Sum(terms...)
	Backward(sum, false)
	for _, term := range terms {
		assert.InDelta(t, 1.0, term.Grad(), 1e-12)
	}

	for _, term := range terms {
		term.SetGrad(0)
	}
	mean := Mean(terms...)
	Backward(mean, false)
	for _, term := range terms {
		assert.InDelta(t, 0.25, term.Grad(), 1e-12)
	}
}

func TestFloorCeilRoundSignAreNonDifferentiable(t *testing.T) {
	x := Weight(2.7)
	for _, out := range []*Value{x.Floor(), x.Ceil(), x.Round(), x.Sign()} {
		assert.False(t, out.RequiresGrad())
		Backward(out, false)
	}
	assert.Equal(t, 0.0, x.Grad())
}

func TestDivisionNearZeroIsBoundedNotInfinite(t *testing.T) {
	num := Weight(1.0)
	denom := Weight(0.0)
	out := num.Div(denom)
	Backward(out, false)
	assert.True(t, math.IsInf(out.Data(), 0) == false)
	assert.True(t, math.IsInf(denom.Grad(), 0) == false)
}

func TestLogOfNonPositiveUsesEpsilonFloor(t *testing.T) {
	x := Weight(-5.0)
	out := x.Log()
	Backward(out, false)
	assert.InDelta(t, math.Log(Epsilon), out.Data(), 1e-9)
	assert.InDelta(t, 1/Epsilon, x.Grad(), 1e-2)
}

func TestWrapAutoWrapsPlainNumbers(t *testing.T) {
	out := Add(2.0, 3)
	assert.Equal(t, 5.0, out.Data())
	assert.False(t, out.RequiresGrad())

	w := Weight(2.0)
	out2 := Add(w, 3.0)
	assert.True(t, out2.RequiresGrad())
}
