package plot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostHistoryProducesNonEmptyPNG(t *testing.T) {
	ctx := context.Background()
	costs := []float64{10.0, 4.2, 1.5, 0.9, 0.91, 0.3, 0.05}

	buf, err := CostHistory(ctx, costs, PNG)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, buf.Bytes()[:4])
}

func TestCostHistoryRejectsEmptySeries(t *testing.T) {
	ctx := context.Background()
	_, err := CostHistory(ctx, nil, PNG)
	assert.Error(t, err)
}

func TestGrayShadeClampsToValidRange(t *testing.T) {
	assert.Equal(t, "#ffffff", grayShade(5, 5, 5)) // degenerate lo==hi
	assert.Equal(t, "#ffffff", grayShade(0, 0, 10))
	assert.Equal(t, "#000000", grayShade(10, 0, 10))
}
