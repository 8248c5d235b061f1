package compiler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/scalar"
)

// ErrStoppedByCaller is returned by CompileAsync when CompileOptions.
// StopRequested fires between chunks. Results compiled before the stop
// point are discarded; a caller that wants partial progress should shrink
// ChunkSize and drive CompileAsync in a loop over slices of jobs instead.
var ErrStoppedByCaller = errors.New("compiler: stopped by caller")

// CompilationError reports a graph the compiler could not turn into a
// kernel — currently only raised when canon.Walk encounters an operator
// tag opregistry has no Entry for.
type CompilationError struct {
	Err error
}

func (e *CompilationError) Error() string { return fmt.Sprintf("compiler: %v", e.Err) }
func (e *CompilationError) Unwrap() error { return e.Err }

// Pool compiles scalar.Value graphs into Kernels, deduplicated by
// canonical signature. Structurally identical residuals — the common
// case when a least-squares problem repeats the same formula across many
// data points — compile once and share the resulting Kernel.
type Pool struct {
	mu      sync.Mutex
	kernels map[canon.Signature]*Kernel
	hits    int
	misses  int
}

// NewPool returns an empty kernel pool.
func NewPool() *Pool {
	return &Pool{kernels: map[canon.Signature]*Kernel{}}
}

// Compile canonicalizes root against params and returns its Kernel,
// compiling and caching a new one only on the first occurrence of that
// signature.
func (p *Pool) Compile(root *scalar.Value, params []*scalar.Value) (*Kernel, *canon.Canonical, error) {
	c, steps, err := canon.Walk(root, params)
	if err != nil {
		return nil, nil, &CompilationError{Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if k, ok := p.kernels[c.Signature]; ok {
		p.hits++
		return k, c, nil
	}

	instrs, numRegs, output := emit(len(c.Slots), steps)
	k := &Kernel{
		Signature:      c.Signature,
		Instructions:   instrs,
		NumSlots:       len(c.Slots),
		NumRegisters:   numRegs,
		OutputRegister: output,
	}
	p.kernels[c.Signature] = k
	p.misses++
	return k, c, nil
}

// Stats reports the pool's current size and cumulative hit/miss counts
// across every Compile/CompileAsync call.
func (p *Pool) Stats() (kernelCount, hits, misses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kernels), p.hits, p.misses
}

// ReuseFactor is the average number of Compile requests served per
// distinct kernel: 1.0 means no sharing occurred, N means each kernel
// served N residuals on average.
func (p *Pool) ReuseFactor() float64 {
	kernelCount, hits, misses := p.Stats()
	if kernelCount == 0 {
		return 0
	}
	return float64(hits+misses) / float64(kernelCount)
}

// Job is one graph to compile, paired with the parameter vector it should
// be canonicalized against.
type Job struct {
	Root   *scalar.Value
	Params []*scalar.Value
}

// Compiled is one CompileAsync result, positionally aligned with its Job.
type Compiled struct {
	Kernel    *Kernel
	Canonical *canon.Canonical
}

// CompileOptions configures CompileAsync: a plain struct plus zero values
// as defaults, matching the Options/DefaultOptions texture used by the
// optimize drivers.
type CompileOptions struct {
	// ChunkSize is how many jobs run between OnProgress calls (and between
	// StopRequested polls). Values below 1 are treated as 1.
	ChunkSize int

	// OnProgress, when non-nil, is invoked with (current, total, percent)
	// after every completed chunk, and after the final partial chunk, so a
	// caller driving an interactive host can repaint between chunks.
	OnProgress func(current, total int, percent float64)

	// StopRequested, when non-nil, is polled between chunks. A true return
	// stops compilation at the next chunk boundary and CompileAsync
	// returns ErrStoppedByCaller.
	StopRequested func() bool

	Verbose bool
}

// CompileAsync compiles jobs in order, opts.ChunkSize at a time. This is
// cooperative yielding, not parallel execution: compilation itself stays
// single-threaded and graph reads are never interleaved with a mutation.
func CompileAsync(pool *Pool, jobs []Job, opts CompileOptions) ([]Compiled, error) {
	chunkSize := opts.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1
	}
	total := len(jobs)
	results := make([]Compiled, total)

	for i, job := range jobs {
		if i > 0 && i%chunkSize == 0 && opts.StopRequested != nil && opts.StopRequested() {
			if opts.Verbose {
				fmt.Printf("compiler: stopped by caller after %d/%d jobs\n", i, total)
			}
			return nil, ErrStoppedByCaller
		}

		k, c, err := pool.Compile(job.Root, job.Params)
		if err != nil {
			return nil, err
		}
		results[i] = Compiled{Kernel: k, Canonical: c}

		if (i+1)%chunkSize == 0 || i == total-1 {
			if opts.OnProgress != nil {
				opts.OnProgress(i+1, total, 100*float64(i+1)/float64(total))
			}
			if opts.Verbose {
				fmt.Printf("compiler: compiled %d/%d\n", i+1, total)
			}
		}
	}
	return results, nil
}
