// Package opregistry is the compiler's operation registry: a table, keyed
// by operator tag, of how to evaluate a node's forward value and how to
// distribute an incoming gradient to its operands, without ever touching a
// *scalar.Value or walking graph edges. The canonicalizer checks every
// internal node's tag against this table before a kernel is emitted; the
// bytecode interpreter then dispatches through the same table on every
// invocation. Adding an operator is one Entry insertion
// here, not a change to scalar.Value or the canonicalizer.
package opregistry

import (
	"fmt"
	"math"

	"github.com/grimkey/scalargrad/scalar"
)

// Arity describes how many operand slots an operator consumes. Variadic
// marks sum/mean, whose operand count is only known per concrete node.
const Variadic = -1

// Entry is the registry's per-operator contract. Forward computes the
// node's value from its operand values and discrete aux parameters (pow's
// exponent, clamp's bounds). Backward distributes an incoming gradient
// (outGrad) across operands, given the operands' forward values and the
// node's own forward value (out), and must return one contribution per
// operand in the same order as the operands slice it was given.
type Entry struct {
	Op      scalar.Op
	Arity   int
	Forward func(operands []float64, aux [2]float64) float64
	Backward func(outGrad float64, operands []float64, out float64, aux [2]float64) []float64
}

var table = map[scalar.Op]Entry{}

func register(e Entry) {
	table[e.Op] = e
}

// Lookup returns the registry entry for op, or (Entry{}, false) if no
// operator is registered under that tag — the compiler reports this as a
// CompilationError naming the offending tag.
func Lookup(op scalar.Op) (Entry, bool) {
	e, ok := table[op]
	return e, ok
}

// MustLookup is Lookup but panics with the offending tag, used by code
// paths that already validated every node's operator during an earlier
// compilation pass (e.g. the bytecode interpreter, which only ever sees
// tags the emitter already resolved).
func MustLookup(op scalar.Op) Entry {
	e, ok := table[op]
	if !ok {
		panic(fmt.Sprintf("opregistry: no entry for operator %s", op))
	}
	return e
}

func init() {
	register(Entry{Op: scalar.OpAdd, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return o[0] + o[1] },
		Backward: func(g float64, _ []float64, _ float64, _ [2]float64) []float64 { return []float64{g, g} },
	})
	register(Entry{Op: scalar.OpSub, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return o[0] - o[1] },
		Backward: func(g float64, _ []float64, _ float64, _ [2]float64) []float64 { return []float64{g, -g} },
	})
	register(Entry{Op: scalar.OpMul, Arity: 2,
		Forward: func(o []float64, _ [2]float64) float64 { return o[0] * o[1] },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{o[1] * g, o[0] * g}
		},
	})
	register(Entry{Op: scalar.OpDiv, Arity: 2,
		Forward: func(o []float64, _ [2]float64) float64 { return o[0] / scalar.DivEps(o[1]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			denom := scalar.DivEps(o[1])
			return []float64{g / denom, -g * o[0] / (denom * denom)}
		},
	})
	register(Entry{Op: scalar.OpPowConst, Arity: 1,
		Forward: func(o []float64, aux [2]float64) float64 { return math.Pow(o[0], aux[0]) },
		Backward: func(g float64, o []float64, _ float64, aux [2]float64) []float64 {
			return []float64{aux[0] * math.Pow(o[0], aux[0]-1) * g}
		},
	})
	register(Entry{Op: scalar.OpPowValue, Arity: 2,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Pow(o[0], o[1]) },
		Backward: func(g float64, o []float64, out float64, _ [2]float64) []float64 {
			base := scalar.LogArg(o[0])
			return []float64{
				o[1] * math.Pow(o[0], o[1]-1) * g,
				math.Log(base) * out * g,
			}
		},
	})
	register(Entry{Op: scalar.OpMod, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Mod(o[0], o[1]) },
		Backward: func(g float64, _ []float64, _ float64, _ [2]float64) []float64 { return []float64{g, 0} },
	})
	register(Entry{Op: scalar.OpNeg, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return -o[0] },
		Backward: func(g float64, _ []float64, _ float64, _ [2]float64) []float64 { return []float64{-g} },
	})
	register(Entry{Op: scalar.OpAbs, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Abs(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			switch {
			case o[0] > 0:
				return []float64{g}
			case o[0] < 0:
				return []float64{-g}
			default:
				return []float64{0}
			}
		},
	})
	register(Entry{Op: scalar.OpExp, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Exp(o[0]) },
		Backward: func(g float64, _ []float64, out float64, _ [2]float64) []float64 { return []float64{out * g} },
	})
	register(Entry{Op: scalar.OpLog, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Log(scalar.LogArg(o[0])) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{g / scalar.LogArg(o[0])}
		},
	})
	register(Entry{Op: scalar.OpSqrt, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 {
			if o[0] <= 0 {
				return 0
			}
			return math.Sqrt(o[0])
		},
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			if o[0] <= 0 {
				const largeFinite = 1e12
				return []float64{largeFinite * g}
			}
			return []float64{0.5 / math.Sqrt(o[0]) * g}
		},
	})
	register(Entry{Op: scalar.OpReciprocal, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return 1 / scalar.LogArg(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			arg := scalar.LogArg(o[0])
			return []float64{-g / (arg * arg)}
		},
	})
	register(Entry{Op: scalar.OpSquare, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return o[0] * o[0] },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 { return []float64{2 * o[0] * g} },
	})
	register(Entry{Op: scalar.OpCube, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return o[0] * o[0] * o[0] },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{3 * o[0] * o[0] * g}
		},
	})
	register(Entry{Op: scalar.OpSign, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 {
			switch {
			case o[0] > 0:
				return 1
			case o[0] < 0:
				return -1
			default:
				return 0
			}
		},
		Backward: func(float64, []float64, float64, [2]float64) []float64 { return []float64{0} },
	})
	register(Entry{Op: scalar.OpFloor, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Floor(o[0]) },
		Backward: func(float64, []float64, float64, [2]float64) []float64 { return []float64{0} },
	})
	register(Entry{Op: scalar.OpCeil, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Ceil(o[0]) },
		Backward: func(float64, []float64, float64, [2]float64) []float64 { return []float64{0} },
	})
	register(Entry{Op: scalar.OpRound, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Round(o[0]) },
		Backward: func(float64, []float64, float64, [2]float64) []float64 { return []float64{0} },
	})
	register(Entry{Op: scalar.OpClamp, Arity: 1,
		Forward: func(o []float64, aux [2]float64) float64 { return math.Min(math.Max(o[0], aux[0]), aux[1]) },
		Backward: func(g float64, o []float64, _ float64, aux [2]float64) []float64 {
			if o[0] > aux[0] && o[0] < aux[1] {
				return []float64{g}
			}
			return []float64{0}
		},
	})
	register(Entry{Op: scalar.OpMin, Arity: 2,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Min(o[0], o[1]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			if o[0] <= o[1] {
				return []float64{g, 0}
			}
			return []float64{0, g}
		},
	})
	register(Entry{Op: scalar.OpMax, Arity: 2,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Max(o[0], o[1]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			if o[0] >= o[1] {
				return []float64{g, 0}
			}
			return []float64{0, g}
		},
	})
	register(Entry{Op: scalar.OpSum, Arity: Variadic,
		Forward: func(o []float64, _ [2]float64) float64 {
			total := 0.0
			for _, v := range o {
				total += v
			}
			return total
		},
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			contrib := make([]float64, len(o))
			for i := range contrib {
				contrib[i] = g
			}
			return contrib
		},
	})
	register(Entry{Op: scalar.OpMean, Arity: Variadic,
		Forward: func(o []float64, _ [2]float64) float64 {
			total := 0.0
			for _, v := range o {
				total += v
			}
			return total / float64(len(o))
		},
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			share := g / float64(len(o))
			contrib := make([]float64, len(o))
			for i := range contrib {
				contrib[i] = share
			}
			return contrib
		},
	})
	register(Entry{Op: scalar.OpSin, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Sin(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 { return []float64{math.Cos(o[0]) * g} },
	})
	register(Entry{Op: scalar.OpCos, Arity: 1,
		Forward:  func(o []float64, _ [2]float64) float64 { return math.Cos(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 { return []float64{-math.Sin(o[0]) * g} },
	})
	register(Entry{Op: scalar.OpTan, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Tan(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			c := math.Cos(o[0])
			return []float64{g / (c * c)}
		},
	})
	register(Entry{Op: scalar.OpAsin, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Asin(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{g / math.Sqrt(1-o[0]*o[0])}
		},
	})
	register(Entry{Op: scalar.OpAcos, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Acos(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{-g / math.Sqrt(1-o[0]*o[0])}
		},
	})
	register(Entry{Op: scalar.OpAtan, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Atan(o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			return []float64{g / (1 + o[0]*o[0])}
		},
	})
	register(Entry{Op: scalar.OpReLU, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Max(0, o[0]) },
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			if o[0] > 0 {
				return []float64{g}
			}
			return []float64{0}
		},
	})
	register(Entry{Op: scalar.OpSoftplus, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 {
			return math.Max(o[0], 0) + math.Log(1+math.Exp(-math.Abs(o[0])))
		},
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			sig := 1 / (1 + math.Exp(-o[0]))
			return []float64{sig * g}
		},
	})
	register(Entry{Op: scalar.OpTanh, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return math.Tanh(o[0]) },
		Backward: func(g float64, _ []float64, out float64, _ [2]float64) []float64 {
			return []float64{(1 - out*out) * g}
		},
	})
	register(Entry{Op: scalar.OpSigmoid, Arity: 1,
		Forward: func(o []float64, _ [2]float64) float64 { return 1 / (1 + math.Exp(-o[0])) },
		Backward: func(g float64, _ []float64, out float64, _ [2]float64) []float64 {
			return []float64{out * (1 - out) * g}
		},
	})

	zero2 := func(float64, []float64, float64, [2]float64) []float64 { return []float64{0, 0} }
	register(Entry{Op: scalar.OpEq, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] == o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpNeq, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] != o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpGt, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] > o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpLt, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] < o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpGte, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] >= o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpLte, Arity: 2,
		Forward:  func(o []float64, _ [2]float64) float64 { return boolF(o[0] <= o[1]) },
		Backward: zero2,
	})
	register(Entry{Op: scalar.OpIfThenElse, Arity: 3,
		Forward: func(o []float64, _ [2]float64) float64 {
			if o[0] != 0 {
				return o[1]
			}
			return o[2]
		},
		Backward: func(g float64, o []float64, _ float64, _ [2]float64) []float64 {
			if o[0] != 0 {
				return []float64{0, g, 0}
			}
			return []float64{0, 0, g}
		},
	})
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
