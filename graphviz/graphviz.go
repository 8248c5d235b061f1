// Package graphviz renders a scalar.Value computation graph, or a
// canonicalized kernel's normal form, to an image via
// github.com/goccy/go-graphviz, using its graphviz.New/g.Graph/g.Render
// sequence pointed at a real graph.
package graphviz

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/scalar"
)

// Format re-exports graphviz's output format so callers don't need to
// import the upstream package directly.
type Format = graphviz.Format

const (
	PNG = graphviz.PNG
	SVG = graphviz.SVG
)

// RenderValueGraph walks root's computation graph (by Children, so a
// diamond-shaped graph — a value reused by two different ops — renders
// with a single shared node rather than being duplicated) and renders it
// as format into an in-memory buffer.
func RenderValueGraph(ctx context.Context, root *scalar.Value, format Format) (*bytes.Buffer, error) {
	g, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("graphviz: new: %w", err)
	}
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("graphviz: graph: %w", err)
	}
	defer graph.Close()

	nodes := map[*scalar.Value]*cgraph.Node{}
	var nodeID, edgeID int
	var visit func(v *scalar.Value) (*cgraph.Node, error)
	visit = func(v *scalar.Value) (*cgraph.Node, error) {
		if n, ok := nodes[v]; ok {
			return n, nil
		}
		nodeID++
		n, err := graph.CreateNodeByName(fmt.Sprintf("n%d", nodeID))
		if err != nil {
			return nil, fmt.Errorf("graphviz: create node: %w", err)
		}
		n.SetLabel(valueLabel(v))
		n.SetShape(cgraph.BoxShape)
		nodes[v] = n

		for _, c := range v.Children() {
			childNode, err := visit(c)
			if err != nil {
				return nil, err
			}
			edgeID++
			if _, err := graph.CreateEdgeByName(fmt.Sprintf("e%d", edgeID), childNode, n); err != nil {
				return nil, fmt.Errorf("graphviz: create edge: %w", err)
			}
		}
		return n, nil
	}
	if _, err := visit(root); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := g.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("graphviz: render: %w", err)
	}
	return &buf, nil
}

func valueLabel(v *scalar.Value) string {
	if v.Op() == scalar.OpLeaf {
		if v.Name() != "" {
			return fmt.Sprintf("%s = %g", v.Name(), v.Data())
		}
		return fmt.Sprintf("const %g", v.Data())
	}
	return v.Op().String()
}

// RenderCanonicalForm renders the canonical post-order walk steps (as
// produced by canon.Walk) as a left-to-right chain: one node per visited
// step, labeled with its slot index for leaves or its operator name for
// internal nodes, plus a title node carrying the signature text. Useful
// for showing a human why two structurally different-looking graphs
// compiled to the same kernel.
func RenderCanonicalForm(ctx context.Context, sig canon.Signature, steps []canon.Step, format Format) (*bytes.Buffer, error) {
	g, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("graphviz: new: %w", err)
	}
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("graphviz: graph: %w", err)
	}
	defer graph.Close()

	title, err := graph.CreateNodeByName("signature")
	if err != nil {
		return nil, fmt.Errorf("graphviz: create title node: %w", err)
	}
	title.SetLabel(string(sig))
	title.SetShape(cgraph.NoteShape)

	var prev *cgraph.Node
	for i, step := range steps {
		name := fmt.Sprintf("step%d", i)
		n, err := graph.CreateNodeByName(name)
		if err != nil {
			return nil, fmt.Errorf("graphviz: create step node: %w", err)
		}
		if step.Slot >= 0 {
			n.SetLabel(fmt.Sprintf("slot#%d", step.Slot))
			n.SetShape(cgraph.EllipseShape)
		} else {
			n.SetLabel(step.Value.Op().String())
			n.SetShape(cgraph.BoxShape)
		}
		if prev != nil {
			if _, err := graph.CreateEdgeByName(fmt.Sprintf("order%d", i), prev, n); err != nil {
				return nil, fmt.Errorf("graphviz: create order edge: %w", err)
			}
		}
		prev = n
	}

	var buf bytes.Buffer
	if err := g.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("graphviz: render: %w", err)
	}
	return &buf, nil
}
