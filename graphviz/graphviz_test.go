package graphviz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimkey/scalargrad/canon"
	"github.com/grimkey/scalargrad/scalar"
)

func TestRenderValueGraphProducesNonEmptyPNG(t *testing.T) {
	ctx := context.Background()
	w := scalar.Weight(2.0, scalar.WithName("w"))
	root := w.Square().Add(scalar.Constant(1.0))

	buf, err := RenderValueGraph(ctx, root, PNG)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
	// PNG magic bytes
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, buf.Bytes()[:4])
}

func TestRenderValueGraphDedupesSharedSubgraph(t *testing.T) {
	ctx := context.Background()
	// w feeds two different ops — the DAG isn't a tree — so the renderer
	// must emit one node for w, not two.
	w := scalar.Weight(3.0, scalar.WithName("w"))
	root := w.Square().Add(w.Cube())

	buf, err := RenderValueGraph(ctx, root, SVG)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
}

func TestRenderCanonicalFormIncludesSignatureText(t *testing.T) {
	ctx := context.Background()
	w := scalar.Weight(1.5, scalar.WithName("w"))
	root := w.Add(scalar.Constant(2.0))

	c, steps, err := canon.Walk(root, []*scalar.Value{w})
	require.NoError(t, err)

	buf, err := RenderCanonicalForm(ctx, c.Signature, steps, SVG)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
	assert.Contains(t, buf.String(), "signature")
}
