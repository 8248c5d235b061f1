package scalar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackwardAddMultiplyMatchesTeacherSanityCheck(t *testing.T) {
	// Same shape as the micrograd sanity check this engine grew out of:
	// z = 2x + 2 + x; q = relu(z) + z*x; h = relu(z*z); y = h + q + q*x.
	x := Weight(-4.0)
	z := x.MulScalar(2).AddScalar(2).Add(x)
	q := z.ReLU().Add(z.Multiply(x))
	h := z.Multiply(z).ReLU()
	y := h.Add(q).Add(q.Multiply(x))

	Backward(y, false)

	assert.InDelta(t, 46.0, x.Grad(), 1e-6)
}

func TestBackwardGradientStopsAtNonRequiresGrad(t *testing.T) {
	// Scenario D: x (grad), y (no-grad), z (grad); out = x*y + z.
	x := Weight(2.0)
	y := Constant(3.0)
	z := Weight(1.0)
	out := x.Multiply(y).Add(z)

	Backward(out, false)

	assert.InDelta(t, 3.0, x.Grad(), 1e-12, "grad(x) should equal y.value")
	assert.InDelta(t, 0.0, y.Grad(), 1e-12, "constants never accumulate gradient")
	assert.InDelta(t, 1.0, z.Grad(), 1e-12)
}

func TestGradientOfConstantIsExactlyZero(t *testing.T) {
	a := Constant(2.0)
	b := Constant(3.0)
	c := a.Multiply(b).Add(a.Sin())

	Backward(c, false)

	assert.Equal(t, 0.0, a.Grad())
	assert.Equal(t, 0.0, b.Grad())
	assert.False(t, c.RequiresGrad())
}

// seedAndRun replays the reverse pass with a caller-chosen seed gradient on
// root, bypassing Backward's own seed-to-1 so linearity of the gradient in
// the seed can be exercised directly.
func seedAndRun(root *Value, seed float64) {
	topo := buildTopo(root)
	for _, n := range topo {
		n.grad = 0
	}
	root.grad = seed
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backward != nil {
			topo[i].backward()
		}
	}
}

func TestGradientLinearityInSeed(t *testing.T) {
	a := Weight(1.5)
	b := Weight(-2.5)
	root := a.Multiply(b).Add(a.Square())

	seedAndRun(root, 1.0)
	gradA1, gradB1 := a.Grad(), b.Grad()

	seedAndRun(root, 3.0)
	assert.InDelta(t, gradA1*3.0, a.Grad(), 1e-9)
	assert.InDelta(t, gradB1*3.0, b.Grad(), 1e-9)
}

func TestZeroGradResetsWholeSubgraph(t *testing.T) {
	a := Weight(2.0)
	b := Weight(3.0)
	c := a.Add(b)
	Backward(c, false)
	assert.NotZero(t, a.Grad())

	ZeroGrad(c)
	assert.Zero(t, a.Grad())
	assert.Zero(t, b.Grad())
	assert.Zero(t, c.Grad())
}

func TestBackwardZeroFirstMatchesZeroGradThenBackward(t *testing.T) {
	a := Weight(2.0)
	b := Weight(3.0)
	c := a.Multiply(b)

	Backward(c, false)
	first := a.Grad()
	Backward(c, false) // no zero: grad keeps accumulating
	assert.InDelta(t, 2*first, a.Grad(), 1e-12)

	ZeroGrad(c)
	Backward(c, true)
	assert.InDelta(t, first, a.Grad(), 1e-12)
}

func TestNoGradSuppressesRequiresGradAndBackwardClosures(t *testing.T) {
	var out *Value
	x := Weight(4.0)
	WithNoGrad(func() {
		out = x.Square().Sin()
	})

	assert.False(t, out.RequiresGrad())
	Backward(out, false)
	assert.Zero(t, x.Grad(), "no-grad graph must leave leaf gradients at zero")
}

func TestDeterministicTopologicalOrder(t *testing.T) {
	a := Weight(1.0)
	b := Weight(2.0)
	c := a.Add(b)
	d := c.Multiply(a)

	order1 := buildTopo(d)
	order2 := buildTopo(d)
	assert.Equal(t, order1, order2)
	assert.Equal(t, d, order1[len(order1)-1])
}
