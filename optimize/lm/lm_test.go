package lm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimkey/scalargrad/compiler"
	"github.com/grimkey/scalargrad/residuals"
	"github.com/grimkey/scalargrad/scalar"
)

// TestPolynomialConvergesToExactRoot builds two independent linear
// residuals f1(w,b) = 2w-4, f2(w,b) = 3b-9, whose joint minimizer is the
// exact root w=2, b=3 — a well-conditioned sanity check for the damped
// normal-equations solve.
func TestPolynomialConvergesToExactRoot(t *testing.T) {
	w, b := scalar.Weight(0.5, scalar.WithName("w")), scalar.Weight(0.5, scalar.WithName("b"))
	params := []*scalar.Value{w, b}
	roots := []*scalar.Value{
		w.MulScalar(2).SubScalar(4),
		b.MulScalar(3).SubScalar(9),
	}

	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	require.NoError(t, err)

	result, err := Minimize(cr, []float64{0.5, 0.5}, DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Converged, "reason: %s", result.ConvergenceReason)
	assert.InDelta(t, 2.0, result.Params[0], 1e-4)
	assert.InDelta(t, 3.0, result.Params[1], 1e-4)
	assert.LessOrEqual(t, result.Cost, 1e-10)
}

// buildCircleFit builds residuals r_i(cx,cy,r) = sqrt((x_i-cx)^2+(y_i-cy)^2) - r
// for a set of points, the classic nonlinear circle-fitting problem.
func buildCircleFit(points [][2]float64) ([]*scalar.Value, []*scalar.Value) {
	cx := scalar.Weight(0.0, scalar.WithName("cx"))
	cy := scalar.Weight(0.0, scalar.WithName("cy"))
	radius := scalar.Weight(1.0, scalar.WithName("r"))
	params := []*scalar.Value{cx, cy, radius}

	var roots []*scalar.Value
	for _, pt := range points {
		dx := scalar.Constant(pt[0]).Sub(cx)
		dy := scalar.Constant(pt[1]).Sub(cy)
		dist := dx.Square().Add(dy.Square()).Sqrt()
		roots = append(roots, dist.Sub(radius))
	}
	return params, roots
}

func TestCircleFitConvergesToUnitCircleAtOrigin(t *testing.T) {
	points := [][2]float64{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	params, roots := buildCircleFit(points)

	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	require.NoError(t, err)

	result, err := Minimize(cr, []float64{0, 0, 1}, DefaultOptions())
	require.NoError(t, err)
	require.True(t, result.Converged, "reason: %s", result.ConvergenceReason)
	assert.InDelta(t, 0.0, result.Params[0], 1e-3)
	assert.InDelta(t, 0.0, result.Params[1], 1e-3)
	assert.InDelta(t, 1.0, result.Params[2], 1e-3)
}

// TestCostDecreasesMonotonicallyWithIterationBudget runs the same problem
// with an increasing iteration budget: since every accepted LM step
// strictly decreases cost and a tighter budget can only stop earlier, the
// reported final cost must be non-increasing as the budget grows.
func TestCostDecreasesMonotonicallyWithIterationBudget(t *testing.T) {
	points := [][2]float64{{2, 0}, {0, 2}, {-2, 0.5}, {0.3, -2}, {1.5, 1.5}}

	var costs []float64
	for _, budget := range []int{1, 2, 3, 5, 8, 13} {
		params, roots := buildCircleFit(points)
		pool := compiler.NewPool()
		cr, err := residuals.Compile(pool, params, roots)
		require.NoError(t, err)

		opts := DefaultOptions()
		opts.MaxIterations = budget
		result, err := Minimize(cr, []float64{0.1, -0.1, 0.5}, opts)
		require.NoError(t, err)
		costs = append(costs, result.Cost)
	}

	for i := 1; i < len(costs); i++ {
		assert.LessOrEqual(t, costs[i], costs[i-1]+1e-12)
	}
}

func TestMinimizeReturnsErrorFromInitialEvaluation(t *testing.T) {
	params, roots := buildCircleFit([][2]float64{{1, 0}})
	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	require.NoError(t, err)

	_, err = Minimize(cr, []float64{1, 2}, DefaultOptions()) // wrong param count
	assert.Error(t, err)
}

// TestMinimizeStopsWhenCallerRequests exercises the pollable stop flag:
// once StopRequested fires, Minimize must return at the next iteration
// boundary with ReasonStoppedByCaller rather than running to convergence.
func TestMinimizeStopsWhenCallerRequests(t *testing.T) {
	points := [][2]float64{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	params, roots := buildCircleFit(points)
	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.MaxIterations = 100
	calls := 0
	opts.StopRequested = func() bool {
		calls++
		return calls >= 2
	}

	// Start away from the solution: at (0, 0, 1) every residual is already
	// zero and the gradient tolerance would end the run before the stop.
	result, err := Minimize(cr, []float64{0.1, -0.1, 0.5}, opts)
	require.NoError(t, err)
	assert.False(t, result.Converged)
	assert.Equal(t, ReasonStoppedByCaller, result.ConvergenceReason)
	assert.LessOrEqual(t, result.Iterations, 2)
}

func TestMinimizeWithLevenbergDampingGivesFiniteCost(t *testing.T) {
	points := [][2]float64{{1, 0}, {0, 1}, {-1, 0}}
	params, roots := buildCircleFit(points)
	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.DampingMode = DampingLevenberg
	result, err := Minimize(cr, []float64{0, 0, 1}, opts)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(result.Cost))
}
