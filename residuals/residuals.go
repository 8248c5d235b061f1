// Package residuals implements CompiledResiduals: a batch of compiled
// kernels sharing one parameter vector, evaluated without touching a
// scalar.Value graph. Values are returned as []float64 and Jacobians as
// gonum.org/v1/gonum/mat *mat.Dense so optimize/lm can drive the normal
// equations directly off them.
package residuals

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/compiler"
	"github.com/grimkey/scalargrad/scalar"
)

// compiledFunction pairs a kernel with the slot table that binds it to one
// concrete residual: param slots address the shared parameter vector,
// const slots carry a fixed literal baked in at compile time.
type compiledFunction struct {
	kernel *compiler.Kernel
	slots  []canon.SlotBinding
}

// CompiledResiduals is a batch of residual functions compiled against one
// shared ordered parameter vector.
type CompiledResiduals struct {
	numParams int
	functions []compiledFunction
	pool      *compiler.Pool
}

// Compile builds a CompiledResiduals from roots, a list of residual graphs,
// each evaluated against the same params vector (by identity — every
// residual may reference any subset of params, in any order; constants it
// closes over that are not in params are baked in as fixed slot bindings).
func Compile(pool *compiler.Pool, params []*scalar.Value, roots []*scalar.Value) (*CompiledResiduals, error) {
	cr := &CompiledResiduals{numParams: len(params), pool: pool}
	for i, root := range roots {
		k, c, err := pool.Compile(root, params)
		if err != nil {
			return nil, fmt.Errorf("residuals: compiling function %d: %w", i, err)
		}
		cr.functions = append(cr.functions, compiledFunction{kernel: k, slots: c.Slots})
	}
	return cr, nil
}

// CompileAsync is Compile's chunked counterpart, yielding (current, total,
// percent) progress after every opts.ChunkSize functions compiled, and
// polling opts.StopRequested between chunks.
func CompileAsync(pool *compiler.Pool, params []*scalar.Value, roots []*scalar.Value, opts compiler.CompileOptions) (*CompiledResiduals, error) {
	jobs := make([]compiler.Job, len(roots))
	for i, root := range roots {
		jobs[i] = compiler.Job{Root: root, Params: params}
	}
	compiled, err := compiler.CompileAsync(pool, jobs, opts)
	if err != nil {
		return nil, fmt.Errorf("residuals: %w", err)
	}
	cr := &CompiledResiduals{numParams: len(params), pool: pool}
	for _, c := range compiled {
		cr.functions = append(cr.functions, compiledFunction{kernel: c.Kernel, slots: c.Canonical.Slots})
	}
	return cr, nil
}

// slotValues materializes f's slot inputs from the current parameter
// vector: param slots read p, const slots read the baked-in literal.
func (f *compiledFunction) slotValues(p []float64) []float64 {
	vals := make([]float64, len(f.slots))
	for i, s := range f.slots {
		if s.Kind == canon.SlotParam {
			vals[i] = p[s.ParamIndex]
		} else {
			vals[i] = s.ConstValue
		}
	}
	return vals
}

// checkParamLength enforces that p has the same length at every
// evaluation as at compile time.
func (cr *CompiledResiduals) checkParamLength(p []float64) error {
	if len(p) != cr.numParams {
		return fmt.Errorf("residuals: expected %d parameters, got %d", cr.numParams, len(p))
	}
	return nil
}

// Evaluate returns every residual's value and the full M×N Jacobian
// (M = NumFunctions, N = NumParams), zeroed before being filled.
func (cr *CompiledResiduals) Evaluate(p []float64) (values []float64, jac *mat.Dense, err error) {
	if err := cr.checkParamLength(p); err != nil {
		return nil, nil, err
	}
	m, n := len(cr.functions), cr.numParams
	values = make([]float64, m)
	jac = mat.NewDense(m, n, nil)

	for row, f := range cr.functions {
		value, grad := f.kernel.Eval(f.slotValues(p))
		values[row] = value
		for i, s := range f.slots {
			if s.Kind == canon.SlotParam {
				jac.Set(row, s.ParamIndex, jac.At(row, s.ParamIndex)+grad[i])
			}
		}
	}
	return values, jac, nil
}

// EvaluateSumWithGradient returns the sum of every residual's value and
// the gradient of that sum, without materializing the full Jacobian.
func (cr *CompiledResiduals) EvaluateSumWithGradient(p []float64) (sum float64, gradient []float64, err error) {
	if err := cr.checkParamLength(p); err != nil {
		return 0, nil, err
	}
	gradient = make([]float64, cr.numParams)
	for _, f := range cr.functions {
		value, grad := f.kernel.Eval(f.slotValues(p))
		sum += value
		for i, s := range f.slots {
			if s.Kind == canon.SlotParam {
				gradient[s.ParamIndex] += grad[i]
			}
		}
	}
	return sum, gradient, nil
}

// EvaluateGradient is EvaluateSumWithGradient restricted to a batch
// compiled from a single-output objective (M = 1); it reports an error
// rather than silently summing over more than one function.
func (cr *CompiledResiduals) EvaluateGradient(p []float64) (value float64, gradient []float64, err error) {
	if len(cr.functions) != 1 {
		return 0, nil, fmt.Errorf("residuals: EvaluateGradient requires exactly one function, got %d", len(cr.functions))
	}
	return cr.EvaluateSumWithGradient(p)
}

// NumFunctions is the number of compiled residuals (M).
func (cr *CompiledResiduals) NumFunctions() int { return len(cr.functions) }

// NumParams is the shared parameter vector's length (N).
func (cr *CompiledResiduals) NumParams() int { return cr.numParams }

// KernelCount is the number of distinct kernels backing this batch's pool.
func (cr *CompiledResiduals) KernelCount() int {
	count, _, _ := cr.pool.Stats()
	return count
}

// KernelReuseFactor is the pool's average Compile requests served per
// distinct kernel: total residuals compiled divided by distinct kernels
// emitted.
func (cr *CompiledResiduals) KernelReuseFactor() float64 {
	return cr.pool.ReuseFactor()
}
