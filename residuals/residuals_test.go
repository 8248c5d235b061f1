package residuals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/grimkey/scalargrad/compiler"
	"github.com/grimkey/scalargrad/scalar"
)

// buildLinearResiduals builds a batch of residuals r_i(m,b) = m*x_i + b - y_i
// for points (x_i, y_i), a classic least-squares fitting setup: every
// residual shares the same two-parameter formula, so they compile to one
// kernel.
func buildLinearResiduals(xs, ys []float64) ([]*scalar.Value, []*scalar.Value) {
	m, b := scalar.Weight(1.0, scalar.WithName("m")), scalar.Weight(0.0, scalar.WithName("b"))
	params := []*scalar.Value{m, b}
	var roots []*scalar.Value
	for i := range xs {
		r := m.MulScalar(xs[i]).Add(b).SubScalar(ys[i])
		roots = append(roots, r)
	}
	return params, roots
}

func TestEvaluateMatchesGraphResiduals(t *testing.T) {
	xs := []float64{0, 1, 2, 3}
	ys := []float64{1, 3, 5, 7} // y = 2x + 1
	params, roots := buildLinearResiduals(xs, ys)

	pool := compiler.NewPool()
	cr, err := Compile(pool, params, roots)
	require.NoError(t, err)

	values, jac, err := cr.Evaluate([]float64{2.0, 1.0})
	require.NoError(t, err)
	for i := range xs {
		assert.InDelta(t, 0.0, values[i], 1e-12)
		assert.InDelta(t, xs[i], jac.At(i, 0), 1e-12) // d r_i / d m = x_i
		assert.InDelta(t, 1.0, jac.At(i, 1), 1e-12)   // d r_i / d b = 1
	}
}

func TestEvaluateRejectsWrongParameterLength(t *testing.T) {
	xs := []float64{0, 1}
	ys := []float64{0, 1}
	params, roots := buildLinearResiduals(xs, ys)
	pool := compiler.NewPool()
	cr, err := Compile(pool, params, roots)
	require.NoError(t, err)

	_, _, err = cr.Evaluate([]float64{1.0})
	assert.Error(t, err)
}

func TestIdenticalFormulaResidualsShareOneKernel(t *testing.T) {
	xs := make([]float64, 50)
	ys := make([]float64, 50)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = 2*float64(i) + 1
	}
	params, roots := buildLinearResiduals(xs, ys)
	pool := compiler.NewPool()
	cr, err := Compile(pool, params, roots)
	require.NoError(t, err)

	assert.Equal(t, 1, cr.KernelCount())
	assert.Equal(t, 50.0, cr.KernelReuseFactor())
	assert.Equal(t, 50, cr.NumFunctions())
	assert.Equal(t, 2, cr.NumParams())
}

func TestEvaluateSumWithGradientMatchesEvaluate(t *testing.T) {
	xs := []float64{0, 1, 2}
	ys := []float64{0.5, 2.5, 4.5}
	params, roots := buildLinearResiduals(xs, ys)
	pool := compiler.NewPool()
	cr, err := Compile(pool, params, roots)
	require.NoError(t, err)

	p := []float64{1.9, 0.4}
	values, jac, err := cr.Evaluate(p)
	require.NoError(t, err)
	sum, grad, err := cr.EvaluateSumWithGradient(p)
	require.NoError(t, err)

	wantSum := 0.0
	for _, v := range values {
		wantSum += v
	}
	assert.InDelta(t, wantSum, sum, 1e-12)

	r, c := jac.Dims()
	wantGrad := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			wantGrad[j] += jac.At(i, j)
		}
	}
	for j := range wantGrad {
		assert.InDelta(t, wantGrad[j], grad[j], 1e-9)
	}
}

func TestEvaluateGradientRequiresSingleFunction(t *testing.T) {
	params, roots := buildLinearResiduals([]float64{0, 1}, []float64{0, 1})
	pool := compiler.NewPool()
	cr, err := Compile(pool, params, roots)
	require.NoError(t, err)
	_, _, err = cr.EvaluateGradient([]float64{1, 0})
	assert.Error(t, err)

	single, err := Compile(pool, params, roots[:1])
	require.NoError(t, err)
	value, grad, err := single.EvaluateGradient([]float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, roots[0].Data(), value, 1e-9)
	assert.Len(t, grad, 2)
}

func TestCompileAsyncMatchesCompile(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{1, 3, 5, 7, 9}
	params, roots := buildLinearResiduals(xs, ys)

	syncPool := compiler.NewPool()
	syncCR, err := Compile(syncPool, params, roots)
	require.NoError(t, err)

	asyncPool := compiler.NewPool()
	var progressSnapshots []int
	asyncCR, err := CompileAsync(asyncPool, params, roots, compiler.CompileOptions{
		ChunkSize: 2,
		OnProgress: func(current, total int, percent float64) {
			progressSnapshots = append(progressSnapshots, current)
			assert.Equal(t, 5, total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5}, progressSnapshots)

	p := []float64{2.0, 1.0}
	v1, j1, err := syncCR.Evaluate(p)
	require.NoError(t, err)
	v2, j2, err := asyncCR.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.True(t, mat.EqualApprox(j1, j2, 1e-12))
}
