// Package lm implements Levenberg-Marquardt: minimize ½·Σ r_i(p)² given a
// residual vector and its Jacobian, via damped Gauss-Newton normal
// equations solved with a dense Cholesky factorization. The damping λ is
// divided by a fixed factor after an accepted step and multiplied by a
// fixed factor after a rejected one; it is not scaled by the step's
// reduction ratio.
package lm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Residuals is the subset of residuals.CompiledResiduals the driver needs:
// the residual vector and its Jacobian at a parameter vector.
type Residuals interface {
	Evaluate(p []float64) (values []float64, jac *mat.Dense, err error)
}

// DampingMode selects how the damping term augments JᵀJ.
type DampingMode int

const (
	// DampingMarquardt scales each diagonal entry by its own JᵀJ value
	// (λ · diag(JᵀJ)) — the default.
	DampingMarquardt DampingMode = iota
	// DampingLevenberg uses a uniform λ·I term instead.
	DampingLevenberg
)

// ConvergenceReason names why Minimize stopped.
type ConvergenceReason string

const (
	ReasonGradientTolerance ConvergenceReason = "gradient tolerance"
	ReasonCostTolerance     ConvergenceReason = "cost tolerance"
	ReasonParamTolerance    ConvergenceReason = "parameter tolerance"
	ReasonMaxIterations     ConvergenceReason = "max iterations reached"
	ReasonSolveFailure      ConvergenceReason = "normal equations solve failed"
	ReasonStoppedByCaller   ConvergenceReason = "stopped by caller"
)

// Options configures the driver.
type Options struct {
	MaxIterations int
	GradientTol   float64
	CostTol       float64
	ParamTol      float64

	InitialLambda         float64
	DampingIncreaseFactor float64
	DampingDecreaseFactor float64
	DampingMode           DampingMode
	MaxLambdaRetries      int

	UseLineSearch   bool
	LineSearchSteps int

	Verbose bool

	// StopRequested, when non-nil, is polled once per iteration. A true
	// return stops the driver at the next polling point, returning the
	// current iterate with ReasonStoppedByCaller.
	StopRequested func() bool
}

// DefaultOptions returns conservative defaults for a well-scaled problem.
func DefaultOptions() Options {
	return Options{
		MaxIterations:         100,
		GradientTol:           1e-10,
		CostTol:               1e-12,
		ParamTol:              1e-12,
		InitialLambda:         1e-3,
		DampingIncreaseFactor: 10,
		DampingDecreaseFactor: 10,
		DampingMode:           DampingMarquardt,
		MaxLambdaRetries:      20,
		UseLineSearch:         true,
		LineSearchSteps:       4,
		Verbose:               false,
	}
}

// Result is Minimize's outcome.
type Result struct {
	Params              []float64
	Cost                float64
	Iterations          int
	FunctionEvaluations int
	Converged           bool
	ConvergenceReason   ConvergenceReason
}

// Minimize runs Levenberg–Marquardt from p0, returning the best iterate
// found. p0 is not mutated.
func Minimize(res Residuals, p0 []float64, opts Options) (*Result, error) {
	p := append([]float64(nil), p0...)
	lambda := opts.InitialLambda

	r, jac, err := res.Evaluate(p)
	if err != nil {
		return nil, fmt.Errorf("lm: initial evaluation: %w", err)
	}
	cost := sumSquares(r) / 2
	evals := 1

	result := &Result{Params: p, Cost: cost}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Iterations = iter + 1

		if opts.StopRequested != nil && opts.StopRequested() {
			result.ConvergenceReason = ReasonStoppedByCaller
			result.Params, result.Cost = p, cost
			return result, nil
		}

		jtj, jtr := normalEquations(jac, r)
		gradNorm := infNorm(jtr)
		if gradNorm <= opts.GradientTol {
			result.Converged = true
			result.ConvergenceReason = ReasonGradientTolerance
			break
		}

		accepted := false
		for retry := 0; retry < opts.MaxLambdaRetries; retry++ {
			delta, ok := solveDamped(jtj, jtr, lambda, opts.DampingMode)
			if !ok {
				lambda *= opts.DampingIncreaseFactor
				continue
			}

			trial := stepBy(p, delta)
			trialR, trialJac, err := res.Evaluate(trial)
			evals++
			if err != nil {
				lambda *= opts.DampingIncreaseFactor
				continue
			}
			trialCost := sumSquares(trialR) / 2

			if trialCost < cost {
				if opts.UseLineSearch {
					trial, trialCost, trialR, trialJac = refineWithLineSearch(res, p, delta, trialCost, trialR, trialJac, opts, &evals)
				}

				costDelta := math.Abs(cost-trialCost) / math.Max(1, cost)
				paramDelta := infNorm(delta) / math.Max(1, infNorm(p))

				p, r, jac = trial, trialR, trialJac
				cost = trialCost
				lambda /= opts.DampingDecreaseFactor
				accepted = true

				if costDelta <= opts.CostTol {
					result.Converged = true
					result.ConvergenceReason = ReasonCostTolerance
				} else if paramDelta <= opts.ParamTol {
					result.Converged = true
					result.ConvergenceReason = ReasonParamTolerance
				}
				break
			}
			lambda *= opts.DampingIncreaseFactor
		}

		if !accepted {
			result.ConvergenceReason = ReasonSolveFailure
			break
		}
		if result.Converged {
			break
		}

		if opts.Verbose {
			fmt.Printf("lm iter %d: cost=%g lambda=%g |Jtr|_inf=%g\n", iter+1, cost, lambda, gradNorm)
		}
	}

	result.Params = p
	result.Cost = cost
	result.FunctionEvaluations = evals
	if result.ConvergenceReason == "" {
		result.ConvergenceReason = ReasonMaxIterations
	}
	return result, nil
}

// refineWithLineSearch tries a few geometrically spaced multiples of the
// accepted step and keeps whichever gives the lowest cost.
func refineWithLineSearch(res Residuals, p, delta []float64, bestCost float64, bestR []float64, bestJac *mat.Dense, opts Options, evals *int) ([]float64, float64, []float64, *mat.Dense) {
	bestP := stepBy(p, delta)
	scales := []float64{0.5, 1.5, 2.0}
	for i := 0; i < opts.LineSearchSteps && i < len(scales); i++ {
		scaled := make([]float64, len(delta))
		for j := range delta {
			scaled[j] = delta[j] * scales[i]
		}
		trial := stepBy(p, scaled)
		trialR, trialJac, err := res.Evaluate(trial)
		*evals++
		if err != nil {
			continue
		}
		trialCost := sumSquares(trialR) / 2
		if trialCost < bestCost {
			bestCost, bestP, bestR, bestJac = trialCost, trial, trialR, trialJac
		}
	}
	return bestP, bestCost, bestR, bestJac
}

// normalEquations forms JᵀJ and Jᵀr from the Jacobian and residual vector.
func normalEquations(jac *mat.Dense, r []float64) (*mat.Dense, []float64) {
	_, n := jac.Dims()
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)

	rv := mat.NewVecDense(len(r), r)
	var jtrVec mat.VecDense
	jtrVec.MulVec(jac.T(), rv)
	jtr := make([]float64, n)
	for i := 0; i < n; i++ {
		jtr[i] = jtrVec.AtVec(i)
	}
	return &jtj, jtr
}

// solveDamped solves (JᵀJ + λ·D)Δ = -Jᵀr via Cholesky, where D is either
// diag(JᵀJ) (Marquardt) or I (Levenberg). Returns ok=false if the damped
// matrix is not positive definite, signaling the caller to grow λ and
// retry.
func solveDamped(jtj *mat.Dense, jtr []float64, lambda float64, mode DampingMode) ([]float64, bool) {
	n, _ := jtj.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := jtj.At(i, j)
			if i == j {
				diagTerm := jtj.At(i, i)
				if mode == DampingLevenberg {
					diagTerm = 1
				}
				v += lambda * diagTerm
			}
			sym.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, false
	}

	neg := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		neg.SetVec(i, -jtr[i])
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, neg); err != nil {
		return nil, false
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = delta.AtVec(i)
	}
	return out, true
}

func sumSquares(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x * x
	}
	return sum
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

func stepBy(p, delta []float64) []float64 {
	out := make([]float64, len(p))
	for i := range p {
		out[i] = p[i] + delta[i]
	}
	return out
}
