// Package plot renders an optimizer's cost-history as an image through
// github.com/goccy/go-graphviz's own canvas: one node per recorded
// iteration, labeled with its cost and shaded by normalized magnitude,
// chained left to right in iteration order. This reuses the rendering
// pipeline the graphviz package already exercises instead of pulling in
// a second, purely-for-this-one-chart font-rendering path.
package plot

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format re-exports graphviz's output format so callers don't need to
// import the upstream package directly.
type Format = graphviz.Format

const (
	PNG = graphviz.PNG
	SVG = graphviz.SVG
)

// CostHistory renders costs (one entry per iteration, in order) as a
// left-to-right chain of shaded nodes: the lowest cost in the series is
// white, the highest is filled solid, everything between interpolates
// linearly, so a converging run reads as a visible fade from dark to
// light.
func CostHistory(ctx context.Context, costs []float64, format Format) (*bytes.Buffer, error) {
	if len(costs) == 0 {
		return nil, fmt.Errorf("plot: cost history is empty")
	}

	g, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("plot: new: %w", err)
	}
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("plot: graph: %w", err)
	}
	defer graph.Close()

	lo, hi := costs[0], costs[0]
	for _, c := range costs {
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}

	var prev *cgraph.Node
	for i, cost := range costs {
		n, err := graph.CreateNodeByName(fmt.Sprintf("iter%d", i))
		if err != nil {
			return nil, fmt.Errorf("plot: create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%d\n%.4g", i, cost))
		n.SetShape(cgraph.EllipseShape)
		if err := n.Set("style", "filled"); err != nil {
			return nil, fmt.Errorf("plot: set style: %w", err)
		}
		if err := n.Set("fillcolor", grayShade(cost, lo, hi)); err != nil {
			return nil, fmt.Errorf("plot: set fillcolor: %w", err)
		}

		if prev != nil {
			if _, err := graph.CreateEdgeByName(fmt.Sprintf("e%d", i), prev, n); err != nil {
				return nil, fmt.Errorf("plot: create edge: %w", err)
			}
		}
		prev = n
	}

	var buf bytes.Buffer
	if err := g.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("plot: render: %w", err)
	}
	return &buf, nil
}

// grayShade maps cost into [white, black] linearly over [lo, hi], so the
// highest-cost node in the series renders darkest and the lowest lightest.
func grayShade(cost, lo, hi float64) string {
	if hi <= lo {
		return "#ffffff"
	}
	t := (cost - lo) / (hi - lo)
	level := 255 - int(t*255)
	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}
	return fmt.Sprintf("#%02x%02x%02x", level, level, level)
}
