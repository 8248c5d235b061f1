// Package firstorder implements stochastic first-order optimizers — SGD,
// Adam, AdamW — stepping directly over a set of scalar.Value parameter
// leaves whose gradients were already populated by scalar.Backward. Unlike
// optimize/lbfgs and optimize/lm, these never touch a compiled kernel:
// they read Value.Grad() and write back through Value.SetData, so they
// compose with any graph the caller builds, not just one wrapped in
// CompiledResiduals.
package firstorder

import (
	"math"

	"github.com/grimkey/scalargrad/scalar"
)

// SGDOptions configures plain (optionally momentum) stochastic gradient
// descent.
type SGDOptions struct {
	LearningRate float64
	Momentum     float64 // 0 disables momentum
}

func DefaultSGDOptions() SGDOptions {
	return SGDOptions{LearningRate: 0.01, Momentum: 0}
}

// SGD is a stateful optimizer: it tracks one velocity accumulator per
// parameter across Step calls, so the same SGD instance must be reused for
// every step of a given training run.
type SGD struct {
	opts     SGDOptions
	velocity map[*scalar.Value]float64
}

func NewSGD(opts SGDOptions) *SGD {
	return &SGD{opts: opts, velocity: map[*scalar.Value]float64{}}
}

// Step applies one update to every parameter in params that requires grad;
// frozen parameters (RequiresGrad() == false) are left untouched even
// though they may carry a gradient from the same backward pass.
func (s *SGD) Step(params []*scalar.Value) {
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		g := p.Grad()
		if s.opts.Momentum != 0 {
			v := s.opts.Momentum*s.velocity[p] + g
			s.velocity[p] = v
			p.SetData(p.Data() - s.opts.LearningRate*v)
		} else {
			p.SetData(p.Data() - s.opts.LearningRate*g)
		}
	}
}

// AdamOptions configures Adam and AdamW. WeightDecay is ignored by Adam and
// applied decoupled from the gradient by AdamW (Loshchilov & Hutter).
type AdamOptions struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

func DefaultAdamOptions() AdamOptions {
	return AdamOptions{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0,
	}
}

type adamState struct {
	m, v float64
}

// Adam implements the Adam update rule. Set decoupled to apply AdamW's
// decoupled weight decay instead of Adam's L2-in-gradient form; AdamW and
// NewAdamW below are the intended public entry points for that mode.
type Adam struct {
	opts      AdamOptions
	decoupled bool
	state     map[*scalar.Value]*adamState
	step      int
}

// NewAdam returns a plain Adam optimizer (no weight decay unless the
// caller sets AdamOptions.WeightDecay, applied Adam-style as an L2 term
// added directly to the gradient).
func NewAdam(opts AdamOptions) *Adam {
	return &Adam{opts: opts, state: map[*scalar.Value]*adamState{}}
}

// NewAdamW returns Adam with decoupled weight decay: the decay term is
// subtracted from the parameter directly, rather than folded into the
// gradient before the moment estimates see it.
func NewAdamW(opts AdamOptions) *Adam {
	return &Adam{opts: opts, decoupled: true, state: map[*scalar.Value]*adamState{}}
}

// Step applies one Adam/AdamW update to every parameter in params that
// requires grad. Frozen parameters are skipped entirely — no moment state
// is created or advanced for them, so re-enabling grad on a previously
// frozen parameter starts its moments fresh rather than resuming stale
// ones from before it was frozen.
func (a *Adam) Step(params []*scalar.Value) {
	a.step++
	t := float64(a.step)
	biasCorrection1 := 1 - math.Pow(a.opts.Beta1, t)
	biasCorrection2 := 1 - math.Pow(a.opts.Beta2, t)

	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		st, ok := a.state[p]
		if !ok {
			st = &adamState{}
			a.state[p] = st
		}

		g := p.Grad()
		if a.opts.WeightDecay != 0 && !a.decoupled {
			g += a.opts.WeightDecay * p.Data()
		}

		st.m = a.opts.Beta1*st.m + (1-a.opts.Beta1)*g
		st.v = a.opts.Beta2*st.v + (1-a.opts.Beta2)*g*g

		mHat := st.m / biasCorrection1
		vHat := st.v / biasCorrection2

		newData := p.Data() - a.opts.LearningRate*mHat/(math.Sqrt(vHat)+a.opts.Epsilon)
		if a.opts.WeightDecay != 0 && a.decoupled {
			newData -= a.opts.LearningRate * a.opts.WeightDecay * p.Data()
		}
		p.SetData(newData)
	}
}
