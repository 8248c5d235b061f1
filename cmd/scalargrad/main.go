// Command scalargrad is a small end-to-end demo of the module: it builds
// a nonlinear circle-fit residual graph, compiles it, runs Levenberg-
// Marquardt to fit a circle through a handful of noisy points, then
// writes a graph-structure PNG and a cost-history PNG to disk.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grimkey/scalargrad/compiler"
	"github.com/grimkey/scalargrad/graphviz"
	"github.com/grimkey/scalargrad/optimize/lm"
	"github.com/grimkey/scalargrad/plot"
	"github.com/grimkey/scalargrad/residuals"
	"github.com/grimkey/scalargrad/scalar"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scalargrad:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	points := [][2]float64{
		{1.02, 0.01}, {-0.05, 1.04}, {-0.98, -0.03},
		{0.03, -0.97}, {0.71, 0.73}, {-0.72, 0.69},
	}

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

	pool := compiler.NewPool()
	cr, err := residuals.Compile(pool, params, roots)
	if err != nil {
		return fmt.Errorf("compiling residuals: %w", err)
	}

	// Minimize.Result carries only the final cost, not a per-iteration
	// trace, so the convergence curve is built by re-running with a
	// growing iteration budget and recording where each run stopped.
	var costs []float64
	var result *lm.Result
	for _, budget := range []int{1, 2, 3, 5, 8, 13, 21} {
		opts := lm.DefaultOptions()
		opts.MaxIterations = budget
		r, err := lm.Minimize(cr, []float64{0, 0, 1}, opts)
		if err != nil {
			return fmt.Errorf("minimizing: %w", err)
		}
		costs = append(costs, r.Cost)
		result = r
	}

	kernelCount, hits, misses := pool.Stats()
	fmt.Printf("fit circle: center=(%.4f, %.4f) radius=%.4f cost=%.3g\n",
		result.Params[0], result.Params[1], result.Params[2], result.Cost)
	fmt.Printf("converged=%v reason=%q iterations=%d evals=%d\n",
		result.Converged, result.ConvergenceReason, result.Iterations, result.FunctionEvaluations)
	fmt.Printf("kernel pool: %d distinct kernels, %d hits, %d misses, reuse factor %.2f\n",
		kernelCount, hits, misses, pool.ReuseFactor())

	graphBuf, err := graphviz.RenderValueGraph(ctx, roots[0], graphviz.PNG)
	if err != nil {
		return fmt.Errorf("rendering residual graph: %w", err)
	}
	if err := os.WriteFile("residual_graph.png", graphBuf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing residual_graph.png: %w", err)
	}

	plotBuf, err := plot.CostHistory(ctx, costs, plot.PNG)
	if err != nil {
		return fmt.Errorf("rendering cost history: %w", err)
	}
	if err := os.WriteFile("cost_history.png", plotBuf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing cost_history.png: %w", err)
	}

	fmt.Println("wrote residual_graph.png and cost_history.png")
	return nil
}
