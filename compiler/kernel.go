// Package compiler turns a scalar.Value graph into a straight-line kernel:
// a flat register tape that computes the same forward value and gradient
// as the graph, without ever chasing a predecessor pointer at evaluation
// time. Kernels are keyed by canon.Signature and pooled, so two residuals
// built from structurally identical graphs (the common case in a batch
// least-squares problem) compile once and are evaluated by the same
// Kernel.
package compiler

import (
	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/opregistry"
	"github.com/grimkey/scalargrad/scalar"
)

// Instruction is one register-VM step: apply Op (with its discrete Aux
// parameters) to the registers named by Args, store the result in Dst.
// Mirrors the register-based iABC encoding's spirit without bit-packing it
// into a 32-bit word, since a kernel's instruction count is small and
// Go's struct-slice form keeps Forward/Backward dispatch a single map
// lookup instead of a decode step.
type Instruction struct {
	Op   scalar.Op
	Aux  [2]float64
	Args []int
	Dst  int
}

// Kernel is a compiled residual: a register tape plus enough bookkeeping
// to replay it forward (value) and backward (one gradient contribution
// per canonical slot) for any concrete binding of its slots.
type Kernel struct {
	Signature      canon.Signature
	Instructions   []Instruction
	NumSlots       int
	NumRegisters   int
	OutputRegister int
}

// Eval computes the kernel's value and the gradient of that value with
// respect to every canonical slot, given concrete slot values (caller
// supplies both parameter-bound and constant-bound slots, in canonical
// slot order). The returned gradient has length NumSlots; callers that
// only care about parameter slots filter it against the slot table.
func (k *Kernel) Eval(slotValues []float64) (value float64, grad []float64) {
	regs := make([]float64, k.NumRegisters)
	copy(regs, slotValues)

	for _, instr := range k.Instructions {
		entry := opregistry.MustLookup(instr.Op)
		operands := make([]float64, len(instr.Args))
		for i, a := range instr.Args {
			operands[i] = regs[a]
		}
		regs[instr.Dst] = entry.Forward(operands, instr.Aux)
	}
	value = regs[k.OutputRegister]

	gradRegs := make([]float64, k.NumRegisters)
	gradRegs[k.OutputRegister] = 1.0
	for i := len(k.Instructions) - 1; i >= 0; i-- {
		instr := k.Instructions[i]
		outGrad := gradRegs[instr.Dst]
		if outGrad == 0 {
			continue
		}
		entry := opregistry.MustLookup(instr.Op)
		operands := make([]float64, len(instr.Args))
		for j, a := range instr.Args {
			operands[j] = regs[a]
		}
		contrib := entry.Backward(outGrad, operands, regs[instr.Dst], instr.Aux)
		for j, a := range instr.Args {
			gradRegs[a] += contrib[j]
		}
	}
	return value, gradRegs[:k.NumSlots]
}

// EvalValue computes only the forward value, skipping the backward replay
// — used by diagnostics and by line searches that only need a trial cost.
func (k *Kernel) EvalValue(slotValues []float64) float64 {
	regs := make([]float64, k.NumRegisters)
	copy(regs, slotValues)
	for _, instr := range k.Instructions {
		entry := opregistry.MustLookup(instr.Op)
		operands := make([]float64, len(instr.Args))
		for i, a := range instr.Args {
			operands[i] = regs[a]
		}
		regs[instr.Dst] = entry.Forward(operands, instr.Aux)
	}
	return regs[k.OutputRegister]
}

// emit replays a canonical walk's post-order sequence through a register
// stack: every leaf step pushes its pre-assigned slot register, every
// internal step pops as many registers as it has children, emits one
// Instruction consuming them, and pushes a freshly allocated destination
// register. This is the same forward/discipline a stack-based bytecode
// assembler uses to turn a post-order expression walk into flat code.
func emit(numSlots int, steps []canon.Step) ([]Instruction, int, int) {
	var instrs []Instruction
	stack := make([]int, 0, len(steps))
	nextReg := numSlots

	for _, step := range steps {
		if step.Slot >= 0 {
			stack = append(stack, step.Slot)
			continue
		}
		arity := len(step.Value.Children())
		args := append([]int(nil), stack[len(stack)-arity:]...)
		stack = stack[:len(stack)-arity]

		dst := nextReg
		nextReg++
		instrs = append(instrs, Instruction{
			Op:   step.Value.Op(),
			Aux:  step.Value.Aux(),
			Args: args,
			Dst:  dst,
		})
		stack = append(stack, dst)
	}

	output := stack[len(stack)-1]
	return instrs, nextReg, output
}
