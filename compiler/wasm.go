package compiler

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/scalar"
)

// ErrUnsupportedWasmOperator is returned by WasmBackend.Materialize when a
// kernel contains an operator the hand-encoded module builder does not
// emit native WASM for. Callers should fall back to Kernel.EvalValue, the
// always-available register-VM interpreter.
type ErrUnsupportedWasmOperator struct {
	Op scalar.Op
}

func (e *ErrUnsupportedWasmOperator) Error() string {
	return fmt.Sprintf("compiler: operator %s has no wasm lowering", e.Op)
}

// wasmMaterialized is one kernel's compiled, instantiated WASM module: a
// single exported "eval" function taking (inPtr, outPtr i32) that reads
// NumSlots little-endian f64 values starting at inPtr and writes one f64
// result at outPtr.
type wasmMaterialized struct {
	module api.Module
	eval   api.Function
}

// WasmBackend is an optional kernel materialization path: instead of
// interpreting a Kernel's Instructions through opregistry on every call, it
// assembles a minimal WebAssembly module per canonical signature and runs
// it on wazero's compiler-tier runtime. It evaluates forward values only —
// gradients always come from Kernel.Eval's register-VM interpreter, since
// hand-encoding every operator's backward rule in raw WASM bytecode isn't
// worth it for a forward-evaluation fast path. Materialize also rejects
// any kernel using an operator outside the supported forward set (div,
// reciprocal, pow, clamp, mod, sign, round, softplus, tanh, sigmoid, the
// comparison ops, sum, mean, if-then-else); the caller falls back to
// Kernel.EvalValue for those.
type WasmBackend struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	env     api.Module
	modules map[canon.Signature]*wasmMaterialized
}

// NewWasmBackend starts a wazero runtime and binds the transcendental
// operators (exp, log, sin, cos, tan, asin, acos, atan) as host imports
// backed by Go's math package, since those have no native WASM numeric
// instruction.
func NewWasmBackend(ctx context.Context) (*WasmBackend, error) {
	rt := wazero.NewRuntime(ctx)
	builder := rt.NewHostModuleBuilder("env")
	for name, fn := range map[string]func(float64) float64{
		"exp":  math.Exp,
		"log":  math.Log,
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"asin": math.Asin,
		"acos": math.Acos,
		"atan": math.Atan,
	} {
		builder = builder.NewFunctionBuilder().
			WithFunc(func(_ context.Context, x float64) float64 { return fn(x) }).
			Export(name)
	}
	env, err := builder.Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compiler: instantiating wasm host module: %w", err)
	}
	return &WasmBackend{runtime: rt, env: env, modules: map[canon.Signature]*wasmMaterialized{}}, nil
}

// Close releases the underlying wazero runtime and every instantiated
// module.
func (b *WasmBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

// Materialize compiles and instantiates k's WASM module, caching it by
// signature so repeated Materialize calls for the same kernel are free.
func (b *WasmBackend) Materialize(ctx context.Context, k *Kernel) error {
	b.mu.Lock()
	_, ok := b.modules[k.Signature]
	b.mu.Unlock()
	if ok {
		return nil
	}

	binary, err := encodeWasmModule(k)
	if err != nil {
		return err
	}

	compiled, err := b.runtime.CompileModule(ctx, binary)
	if err != nil {
		return fmt.Errorf("compiler: wasm CompileModule: %w", err)
	}
	mod, err := b.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return fmt.Errorf("compiler: wasm InstantiateModule: %w", err)
	}

	b.mu.Lock()
	b.modules[k.Signature] = &wasmMaterialized{module: mod, eval: mod.ExportedFunction("eval")}
	b.mu.Unlock()
	return nil
}

// EvalValue runs k's materialized WASM module over slotValues and returns
// the forward value. The kernel must have been Materialize'd first.
func (b *WasmBackend) EvalValue(ctx context.Context, k *Kernel, slotValues []float64) (float64, error) {
	b.mu.Lock()
	m, ok := b.modules[k.Signature]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("compiler: kernel %s not materialized", k.Signature)
	}

	mem := m.module.Memory()
	const inPtr, outPtr = uint32(0), uint32(4096)
	for i, v := range slotValues {
		if !mem.WriteFloat64Le(inPtr+uint32(i*8), v) {
			return 0, fmt.Errorf("compiler: wasm memory write out of range at slot %d", i)
		}
	}

	if _, err := m.eval.Call(ctx, uint64(inPtr), uint64(outPtr)); err != nil {
		return 0, fmt.Errorf("compiler: wasm eval call: %w", err)
	}

	out, ok := mem.ReadFloat64Le(outPtr)
	if !ok {
		return 0, fmt.Errorf("compiler: wasm memory read out of range")
	}
	return out, nil
}

// --- hand-encoded WASM binary module builder ---

var wasmImportOrder = []string{"exp", "log", "sin", "cos", "tan", "asin", "acos", "atan"}

func wasmImportIndex(name string) (int, bool) {
	for i, n := range wasmImportOrder {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// encodeWasmModule lowers k's straight-line forward pass into a minimal
// WASM binary module exporting a linear-memory-addressed "eval" function,
// or returns ErrUnsupportedWasmOperator if k uses an operator outside the
// hand-encoded set.
func encodeWasmModule(k *Kernel) ([]byte, error) {
	body, err := encodeWasmBody(k)
	if err != nil {
		return nil, err
	}

	var m wasmBuf
	m.bytes([]byte{0x00, 0x61, 0x73, 0x6d}) // magic "\0asm"
	m.bytes([]byte{0x01, 0x00, 0x00, 0x00}) // version 1

	// Type section: type 0 = (f64)->f64, used by every host import; type 1
	// = (i32,i32)->(), used by the exported eval function.
	var types wasmBuf
	types.leb(2)
	types.b(0x60) // func type tag
	types.leb(1)
	types.b(0x7c) // param: f64
	types.leb(1)
	types.b(0x7c) // result: f64
	types.b(0x60)
	types.leb(2)
	types.b(0x7f) // param: i32 (inPtr)
	types.b(0x7f) // param: i32 (outPtr)
	types.leb(0)  // no results
	m.section(1, types.buf)

	// Import section: 8 host functions "env"."exp" etc, all of type 0.
	var imports wasmBuf
	imports.leb(uint64(len(wasmImportOrder)))
	for _, name := range wasmImportOrder {
		imports.name("env")
		imports.name(name)
		imports.b(0x00) // import kind: func
		imports.leb(0)  // type index 0
	}
	m.section(2, imports.buf)

	// Function section: one locally defined function (eval), type 1.
	var funcs wasmBuf
	funcs.leb(1)
	funcs.leb(1)
	m.section(3, funcs.buf)

	// Memory section: one memory, minimum 1 page (64KiB).
	var mem wasmBuf
	mem.leb(1)
	mem.b(0x00)
	mem.leb(1)
	m.section(5, mem.buf)

	// Export section: memory "mem", function "eval".
	evalFuncIdx := uint64(len(wasmImportOrder))
	var exports wasmBuf
	exports.leb(2)
	exports.name("mem")
	exports.b(0x02)
	exports.leb(0)
	exports.name("eval")
	exports.b(0x00)
	exports.leb(evalFuncIdx)
	m.section(7, exports.buf)

	// Code section: one function body.
	var code wasmBuf
	code.leb(1)
	var fn wasmBuf
	fn.leb(1) // one locals-declaration group
	fn.leb(uint64(k.NumRegisters))
	fn.b(0x7c) // f64
	fn.bytes(body)
	fn.b(0x0b) // end
	code.leb(uint64(len(fn.buf)))
	code.bytes(fn.buf)
	m.section(10, code.buf)

	return m.buf, nil
}

// encodeWasmBody emits the eval function's instruction stream: load slots
// from memory at local 0 (inPtr), replay k's forward instructions over f64
// locals offset by 2 (locals 0 and 1 are the i32 params), then store the
// output register to memory at local 1 (outPtr).
func encodeWasmBody(k *Kernel) ([]byte, error) {
	var b wasmBuf
	reg := func(r int) uint64 { return uint64(r + 2) }

	for i := 0; i < k.NumSlots; i++ {
		b.b(0x20) // local.get
		b.leb(0)  // inPtr
		b.b(0x2b) // f64.load
		b.leb(3)  // align = 8 bytes
		b.leb(uint64(i * 8))
		b.b(0x21) // local.set
		b.leb(reg(i))
	}

	for _, instr := range k.Instructions {
		if err := emitWasmInstr(&b, instr, reg); err != nil {
			return nil, err
		}
	}

	b.b(0x20) // local.get outPtr
	b.leb(1)
	b.b(0x20) // local.get output register
	b.leb(reg(k.OutputRegister))
	b.b(0x39) // f64.store
	b.leb(3)
	b.leb(0)

	return b.buf, nil
}

func emitWasmInstr(b *wasmBuf, instr Instruction, reg func(int) uint64) error {
	get := func(r int) { b.b(0x20); b.leb(reg(r)) }
	set := func() { b.b(0x21); b.leb(reg(instr.Dst)) }
	f64const := func(v float64) { b.b(0x44); b.f64(v) }

	switch instr.Op {
	case scalar.OpAdd:
		get(instr.Args[0])
		get(instr.Args[1])
		b.b(0xa0)
		set()
	case scalar.OpSub:
		get(instr.Args[0])
		get(instr.Args[1])
		b.b(0xa1)
		set()
	case scalar.OpMul:
		get(instr.Args[0])
		get(instr.Args[1])
		b.b(0xa2)
		set()
	case scalar.OpNeg:
		get(instr.Args[0])
		b.b(0x9a)
		set()
	case scalar.OpAbs:
		get(instr.Args[0])
		b.b(0x99)
		set()
	case scalar.OpSquare:
		get(instr.Args[0])
		get(instr.Args[0])
		b.b(0xa2)
		set()
	case scalar.OpCube:
		get(instr.Args[0])
		get(instr.Args[0])
		b.b(0xa2)
		get(instr.Args[0])
		b.b(0xa2)
		set()
	case scalar.OpSqrt:
		get(instr.Args[0])
		f64const(0)
		b.b(0xa5) // f64.max: clamp to 0 so sqrt never sees a negative
		b.b(0x9f) // f64.sqrt
		set()
	case scalar.OpMin:
		get(instr.Args[0])
		get(instr.Args[1])
		b.b(0xa4)
		set()
	case scalar.OpMax:
		get(instr.Args[0])
		get(instr.Args[1])
		b.b(0xa5)
		set()
	case scalar.OpFloor:
		get(instr.Args[0])
		b.b(0x9c)
		set()
	case scalar.OpCeil:
		get(instr.Args[0])
		b.b(0x9b)
		set()
	// OpRound is deliberately absent: WASM's f64.nearest rounds ties to
	// even while math.Round rounds ties away from zero, so the two would
	// silently disagree at exact .5 boundaries.
	case scalar.OpReLU:
		get(instr.Args[0])
		f64const(0)
		b.b(0xa5) // f64.max
		set()
	case scalar.OpLog:
		get(instr.Args[0])
		f64const(scalar.Epsilon)
		b.b(0xa5) // f64.max: floor at Epsilon
		emitWasmCall(b, "log")
		set()
	case scalar.OpExp, scalar.OpSin, scalar.OpCos, scalar.OpTan, scalar.OpAsin, scalar.OpAcos, scalar.OpAtan:
		get(instr.Args[0])
		emitWasmCall(b, opImportName(instr.Op))
		set()
	default:
		return &ErrUnsupportedWasmOperator{Op: instr.Op}
	}
	return nil
}

func opImportName(op scalar.Op) string {
	switch op {
	case scalar.OpExp:
		return "exp"
	case scalar.OpSin:
		return "sin"
	case scalar.OpCos:
		return "cos"
	case scalar.OpTan:
		return "tan"
	case scalar.OpAsin:
		return "asin"
	case scalar.OpAcos:
		return "acos"
	case scalar.OpAtan:
		return "atan"
	default:
		return ""
	}
}

func emitWasmCall(b *wasmBuf, name string) {
	idx, _ := wasmImportIndex(name)
	b.b(0x10) // call
	b.leb(uint64(idx))
}

// wasmBuf is a tiny byte-buffer builder with WASM's LEB128 and section
// framing helpers; kept local to this file since no other package needs
// raw module encoding.
type wasmBuf struct{ buf []byte }

func (w *wasmBuf) b(x byte)        { w.buf = append(w.buf, x) }
func (w *wasmBuf) bytes(xs []byte) { w.buf = append(w.buf, xs...) }
func (w *wasmBuf) f64(v float64)   { w.bytes(f64LEBytes(v)) }

func f64LEBytes(v float64) []byte {
	bits := math.Float64bits(v)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(bits >> (8 * i))
	}
	return out
}

// leb appends an unsigned LEB128 encoding of x.
func (w *wasmBuf) leb(x uint64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if x == 0 {
			break
		}
	}
}

// name appends a WASM vec(byte) name: LEB128 length then UTF-8 bytes.
func (w *wasmBuf) name(s string) {
	w.leb(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// section appends a section with the given id, framed with its LEB128
// byte length.
func (w *wasmBuf) section(id byte, content []byte) {
	w.buf = append(w.buf, id)
	var length wasmBuf
	length.leb(uint64(len(content)))
	w.buf = append(w.buf, length.buf...)
	w.buf = append(w.buf, content...)
}
