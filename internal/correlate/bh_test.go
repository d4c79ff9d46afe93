package correlate

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenjaminiHochberg_KnownVector(t *testing.T) {
	raw := []float64{0.01, 0.04, 0.03, 0.50}
	adjusted := BenjaminiHochberg(raw)
	require.Len(t, adjusted, 4)

	// Hand-computed: sorted ranks give 0.04, 0.06, 0.0533..., 0.50;
	// the monotone pass pulls rank 2 down to rank 3's value.
	assert.InDelta(t, 0.04, adjusted[0], 1e-9)
	assert.InDelta(t, 0.05333333, adjusted[1], 1e-6)
	assert.InDelta(t, 0.05333333, adjusted[2], 1e-6)
	assert.InDelta(t, 0.50, adjusted[3], 1e-9)
}

func TestBenjaminiHochberg_AdjustedNeverBelowRaw(t *testing.T) {
	raw := []float64{0.2, 0.001, 0.9, 0.04, 0.04, 0.31}
	adjusted := BenjaminiHochberg(raw)
	for i := range raw {
		assert.GreaterOrEqual(t, adjusted[i], raw[i], "index %d", i)
		assert.LessOrEqual(t, adjusted[i], 1.0, "index %d", i)
	}
}

func TestBenjaminiHochberg_MonotoneByRawRank(t *testing.T) {
	raw := []float64{0.7, 0.02, 0.3, 0.011, 0.5}
	adjusted := BenjaminiHochberg(raw)

	idx := make([]int, len(raw))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return raw[idx[a]] < raw[idx[b]] })
	for k := 1; k < len(idx); k++ {
		assert.GreaterOrEqual(t, adjusted[idx[k]], adjusted[idx[k-1]])
	}
}

func TestBenjaminiHochberg_SingleAndEmpty(t *testing.T) {
	assert.Nil(t, BenjaminiHochberg(nil))

	adjusted := BenjaminiHochberg([]float64{0.03})
	require.Len(t, adjusted, 1)
	assert.Equal(t, 0.03, adjusted[0])
}

func TestBenjaminiHochberg_CapsAtOne(t *testing.T) {
	adjusted := BenjaminiHochberg([]float64{0.9, 0.95})
	for _, p := range adjusted {
		assert.LessOrEqual(t, p, 1.0)
	}
}
