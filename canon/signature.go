// Package canon implements the graph canonicalizer: given a root
// scalar.Value and the ordered parameter list the caller intends to
// compile against, it produces a structural signature stable under
// parameter relabeling and commutative-operand reordering, plus a slot
// table mapping each canonical leaf slot to the concrete input (a
// parameter index or a literal constant) that produced it in this
// particular graph.
package canon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grimkey/scalargrad/opregistry"
	"github.com/grimkey/scalargrad/scalar"
)

// Signature is a structural fingerprint, stable under parameter relabeling
// and commutative-operand reordering.
type Signature string

// SlotKind distinguishes a canonical leaf slot bound to a caller parameter
// from one bound to a literal constant.
type SlotKind uint8

const (
	SlotParam SlotKind = iota
	SlotConst
)

// SlotBinding is the concrete input behind one canonical leaf slot.
type SlotBinding struct {
	Kind       SlotKind
	ParamIndex int     // valid when Kind == SlotParam
	ConstValue float64 // valid when Kind == SlotConst
}

// Canonical is the canonicalizer's output for one concrete graph: its
// structural signature and the slot table realizing that signature's
// abstract leaves in this graph.
type Canonical struct {
	Signature Signature
	Slots     []SlotBinding
}

// commutative marks operators whose operand order doesn't affect the
// forward value, so the canonicalizer may freely reorder them to maximize
// structural matches.
var commutative = map[scalar.Op]bool{
	scalar.OpAdd: true,
	scalar.OpMul: true,
}

// Canonicalize walks root and returns its canonical form. params is the
// ordered parameter vector the caller intends to compile against; any leaf
// reachable from root that does not appear in params (by identity) is
// treated as a constant, using its current forward value.
func Canonicalize(root *scalar.Value, params []*scalar.Value) (*Canonical, error) {
	c, _, err := Walk(root, params)
	return c, err
}

// Step is one entry of a canonical post-order walk. Slot is the assigned
// canonical leaf slot index when Value is a leaf (valid register index for
// that leaf, since a kernel preloads registers 0..len(Slots)-1 from the
// slot table) and -1 for internal nodes, which the compiler assigns a
// fresh register as it replays the walk.
type Step struct {
	Value *scalar.Value
	Slot  int
}

// Walk is Canonicalize plus the full canonical post-order node sequence
// (internal nodes and leaves, in the exact order the commutative tie-break
// settles on) that produced the signature. The compiler replays this same
// order, arity-driven stack discipline, to emit one register per visited
// node, so a kernel compiled from one concrete graph is valid for any other
// graph that canonicalizes to the same signature — reuse depends on the two
// walks agreeing node for node, not just on the signature text matching.
func Walk(root *scalar.Value, params []*scalar.Value) (*Canonical, []Step, error) {
	paramIndex := make(map[*scalar.Value]int, len(params))
	for i, p := range params {
		paramIndex[p] = i
	}

	isParam := func(v *scalar.Value) bool {
		_, ok := paramIndex[v]
		return ok
	}

	shapes := map[*scalar.Value]string{}
	var shapeOf func(*scalar.Value) (string, error)
	shapeOf = func(v *scalar.Value) (string, error) {
		if s, ok := shapes[v]; ok {
			return s, nil
		}
		s, err := computeShape(v, shapeOf, isParam)
		if err != nil {
			return "", err
		}
		shapes[v] = s
		return s, nil
	}

	slotOf := map[*scalar.Value]int{}
	var slots []SlotBinding
	var assignLeaf func(v *scalar.Value) string
	assignLeaf = func(v *scalar.Value) string {
		if idx, ok := slotOf[v]; ok {
			if _, isParam := paramIndex[v]; isParam {
				return fmt.Sprintf("param#%d", idx)
			}
			return fmt.Sprintf("const#%d", idx)
		}
		idx := len(slots)
		slotOf[v] = idx
		if pi, ok := paramIndex[v]; ok {
			slots = append(slots, SlotBinding{Kind: SlotParam, ParamIndex: pi})
			return fmt.Sprintf("param#%d", idx)
		}
		slots = append(slots, SlotBinding{Kind: SlotConst, ConstValue: v.Data()})
		return fmt.Sprintf("const#%d", idx)
	}

	var order []Step
	var emit func(v *scalar.Value) (string, error)
	emit = func(v *scalar.Value) (string, error) {
		if v.Op() == scalar.OpLeaf {
			tok := assignLeaf(v)
			order = append(order, Step{Value: v, Slot: slotOf[v]})
			return tok, nil
		}
		if _, ok := opregistry.Lookup(v.Op()); !ok {
			return "", fmt.Errorf("canon: operator %s has no registry entry", v.Op())
		}
		children := orderedChildren(v, shapeOf)
		tokens := make([]string, len(children))
		for i, c := range children {
			tok, err := emit(c)
			if err != nil {
				return "", err
			}
			tokens[i] = tok
		}
		order = append(order, Step{Value: v, Slot: -1})
		return fmt.Sprintf("%s%s(%s)", v.Op(), auxToken(v), strings.Join(tokens, ",")), nil
	}

	sig, err := emit(root)
	if err != nil {
		return nil, nil, err
	}
	return &Canonical{Signature: Signature(sig), Slots: slots}, order, nil
}

// computeShape produces a structure-only signature used solely to decide
// commutative sibling order: leaves are generic "param"/"const" tokens
// carrying no identity or numeric value, so that e.g. a+b and b+a compare
// as identical regardless of which concrete Value each side holds, and so
// that a mixed param/const pair (a+c vs c+a) still ties on kind rather
// than falling through to authored order.
func computeShape(v *scalar.Value, shapeOf func(*scalar.Value) (string, error), isParam func(*scalar.Value) bool) (string, error) {
	if v.Op() == scalar.OpLeaf {
		if isParam(v) {
			return "param", nil
		}
		return "const", nil
	}
	children := v.Children()
	tokens := make([]string, len(children))
	for i, c := range children {
		s, err := shapeOf(c)
		if err != nil {
			return "", err
		}
		tokens[i] = s
	}
	if commutative[v.Op()] {
		sort.Strings(tokens)
	}
	return fmt.Sprintf("%s%s(%s)", v.Op(), auxToken(v), strings.Join(tokens, ",")), nil
}

// orderedChildren returns v's children in canonical order: sorted by their
// structure-only shape signature for commutative operators, as-authored
// otherwise.
func orderedChildren(v *scalar.Value, shapeOf func(*scalar.Value) (string, error)) []*scalar.Value {
	children := append([]*scalar.Value(nil), v.Children()...)
	if !commutative[v.Op()] {
		return children
	}
	sort.SliceStable(children, func(i, j int) bool {
		si, _ := shapeOf(children[i])
		sj, _ := shapeOf(children[j])
		return si < sj
	})
	return children
}

// auxToken folds an operator's discrete parameters (pow's exponent,
// clamp's bounds) into the operator identity.
func auxToken(v *scalar.Value) string {
	switch v.Op() {
	case scalar.OpPowConst:
		aux := v.Aux()
		return "[" + strconv.FormatFloat(aux[0], 'g', -1, 64) + "]"
	case scalar.OpClamp:
		aux := v.Aux()
		return "[" + strconv.FormatFloat(aux[0], 'g', -1, 64) + "," + strconv.FormatFloat(aux[1], 'g', -1, 64) + "]"
	default:
		return ""
	}
}
