// Package lbfgs implements limited-memory BFGS: minimize a scalar
// objective given its value and gradient at any point, using a bounded
// history of curvature pairs and a backtracking line search.
package lbfgs

import (
	"fmt"
	"math"
)

// Objective evaluates a scalar cost and its gradient at p. *residuals.
// CompiledResiduals satisfies this directly through its
// EvaluateSumWithGradient method.
type Objective interface {
	EvaluateSumWithGradient(p []float64) (value float64, gradient []float64, err error)
}

// ConvergenceReason names why Minimize stopped.
type ConvergenceReason string

const (
	ReasonGradientTolerance  ConvergenceReason = "gradient tolerance"
	ReasonCostTolerance      ConvergenceReason = "cost tolerance"
	ReasonParamTolerance     ConvergenceReason = "parameter tolerance"
	ReasonMaxIterations      ConvergenceReason = "max iterations reached"
	ReasonNonFiniteObjective ConvergenceReason = "non-finite objective"
	ReasonLineSearchFailure  ConvergenceReason = "line-search failed"
	ReasonStoppedByCaller    ConvergenceReason = "stopped by caller"
)

// Options configures the driver: a plain struct plus a Default
// constructor, no functional options — every field here is a required
// tuning knob, not an optional extra.
type Options struct {
	MaxIterations int
	GradientTol   float64
	CostTol       float64
	ParamTol      float64

	MemorySize int // m: number of (s, y) pairs retained

	InitialStep     float64 // line search starting alpha, 1.0 by default
	ArmijoC1        float64
	BacktrackFactor float64
	MaxBacktracks   int

	MaxNonFiniteRetries int

	Verbose bool

	// StopRequested, when non-nil, is polled once per iteration. A true
	// return stops the driver at the next polling point, returning the
	// current iterate with ReasonStoppedByCaller.
	StopRequested func() bool
}

// DefaultOptions returns conservative, commonly used tuning values.
func DefaultOptions() Options {
	return Options{
		MaxIterations:       200,
		GradientTol:         1e-6,
		CostTol:             1e-10,
		ParamTol:            1e-10,
		MemorySize:          10,
		InitialStep:         1.0,
		ArmijoC1:            1e-4,
		BacktrackFactor:     0.5,
		MaxBacktracks:       20,
		MaxNonFiniteRetries: 5,
		Verbose:             false,
	}
}

// Result is Minimize's outcome. Optimizers never return a Go error for a
// failed search — ConvergenceReason distinguishes success from every
// failure mode, per the ambient error-handling convention.
type Result struct {
	Params              []float64
	Cost                float64
	GradNorm            float64
	Iterations          int
	FunctionEvaluations int
	Converged           bool
	ConvergenceReason   ConvergenceReason
}

type historyPair struct {
	s, y []float64
	rho  float64
}

// Minimize runs L-BFGS from p0, returning the best iterate found. p0 is
// not mutated.
func Minimize(obj Objective, p0 []float64, opts Options) (*Result, error) {
	p := append([]float64(nil), p0...)

	value, grad, err := obj.EvaluateSumWithGradient(p)
	if err != nil {
		return nil, fmt.Errorf("lbfgs: initial evaluation: %w", err)
	}
	evals := 1

	result := &Result{Params: p, Cost: value}

	var history []historyPair
	prevValue := math.Inf(1)
	var prevParams []float64

	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Iterations = iter + 1

		if opts.StopRequested != nil && opts.StopRequested() {
			result.ConvergenceReason = ReasonStoppedByCaller
			result.Params, result.Cost = p, value
			return result, nil
		}

		if !finite(value) || !finiteSlice(grad) {
			retried, newValue, newGrad, newEvals, ok := retryNonFinite(obj, p, opts)
			evals += newEvals
			if !ok {
				result.ConvergenceReason = ReasonNonFiniteObjective
				result.Params, result.Cost = p, value
				return result, nil
			}
			p, value, grad = retried, newValue, newGrad
		}

		gradNorm := infNorm(grad)
		result.GradNorm = gradNorm
		if gradNorm <= opts.GradientTol {
			result.Converged = true
			result.ConvergenceReason = ReasonGradientTolerance
			break
		}
		if iter > 0 && math.Abs(prevValue-value)/math.Max(1, math.Abs(value)) <= opts.CostTol {
			result.Converged = true
			result.ConvergenceReason = ReasonCostTolerance
			break
		}
		if prevParams != nil && paramDelta(p, prevParams) <= opts.ParamTol {
			result.Converged = true
			result.ConvergenceReason = ReasonParamTolerance
			break
		}

		direction := twoLoopRecursion(grad, history)

		newParams, newValue, newGrad, lsEvals, ok := lineSearch(obj, p, value, grad, direction, opts)
		evals += lsEvals
		if !ok {
			result.ConvergenceReason = ReasonLineSearchFailure
			result.Params, result.Cost = p, value
			return result, nil
		}

		s := subtract(newParams, p)
		y := subtract(newGrad, grad)
		sy := dot(s, y)
		if sy > 1e-12 {
			if len(history) >= opts.MemorySize {
				history = history[1:]
			}
			history = append(history, historyPair{s: s, y: y, rho: 1 / sy})
		} else {
			history = nil
		}

		prevParams = p
		prevValue = value
		p, value, grad = newParams, newValue, newGrad

		if opts.Verbose {
			fmt.Printf("lbfgs iter %d: cost=%g |g|_inf=%g\n", iter+1, value, gradNorm)
		}
	}

	result.Params = p
	result.Cost = value
	result.FunctionEvaluations = evals
	if result.ConvergenceReason == "" {
		result.ConvergenceReason = ReasonMaxIterations
	}
	return result, nil
}

// twoLoopRecursion computes the L-BFGS search direction -H_k * grad, via
// Nocedal & Wright's two-loop recursion.
func twoLoopRecursion(grad []float64, history []historyPair) []float64 {
	q := append([]float64(nil), grad...)
	m := len(history)
	if m == 0 {
		return negate(q)
	}

	alpha := make([]float64, m)
	for i := m - 1; i >= 0; i-- {
		h := history[i]
		alpha[i] = h.rho * dot(h.s, q)
		for j := range q {
			q[j] -= alpha[i] * h.y[j]
		}
	}

	last := history[m-1]
	sy := dot(last.s, last.y)
	yy := dot(last.y, last.y)
	gamma := 1.0
	if yy > 0 {
		gamma = sy / yy
	}

	r := make([]float64, len(q))
	for i := range r {
		r[i] = gamma * q[i]
	}

	for i := 0; i < m; i++ {
		h := history[i]
		beta := h.rho * dot(h.y, r)
		for j := range r {
			r[j] += h.s[j] * (alpha[i] - beta)
		}
	}

	return negate(r)
}

// lineSearch backtracks from alpha=1 along direction, enforcing the Armijo
// sufficient-decrease condition.
func lineSearch(obj Objective, p []float64, value float64, grad, direction []float64, opts Options) (newParams []float64, newValue float64, newGrad []float64, evals int, ok bool) {
	gradDotDir := dot(grad, direction)
	if gradDotDir >= 0 {
		direction = negate(grad)
		gradDotDir = dot(grad, direction)
	}

	alpha := opts.InitialStep
	for backtrack := 0; backtrack < opts.MaxBacktracks; backtrack++ {
		trial := stepBy(p, direction, alpha)
		trialValue, trialGrad, err := obj.EvaluateSumWithGradient(trial)
		evals++
		if err == nil && finite(trialValue) && trialValue <= value+opts.ArmijoC1*alpha*gradDotDir {
			return trial, trialValue, trialGrad, evals, true
		}
		alpha *= opts.BacktrackFactor
	}
	return nil, 0, nil, evals, false
}

// retryNonFinite re-evaluates at p scaled toward the origin by 0.5, 0.25,
// ... when the objective or gradient at p comes back non-finite, returning
// the first scaled point whose value and gradient are finite.
func retryNonFinite(obj Objective, p []float64, opts Options) (params []float64, value float64, grad []float64, evals int, ok bool) {
	step := 0.5
	for i := 0; i < opts.MaxNonFiniteRetries; i++ {
		trial := make([]float64, len(p))
		for j := range p {
			trial[j] = p[j] * step
		}
		v, g, err := obj.EvaluateSumWithGradient(trial)
		evals++
		if err == nil && finite(v) && finiteSlice(g) {
			return trial, v, g, evals, true
		}
		step *= 0.5
	}
	return nil, 0, nil, evals, false
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func finiteSlice(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}

func infNorm(xs []float64) float64 {
	max := 0.0
	for _, x := range xs {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}

func paramDelta(a, b []float64) float64 {
	max := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > max {
			max = d
		}
	}
	return max
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func negate(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = -x
	}
	return out
}

func subtract(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func stepBy(p, direction []float64, alpha float64) []float64 {
	out := make([]float64, len(p))
	for i := range p {
		out[i] = p[i] + alpha*direction[i]
	}
	return out
}
