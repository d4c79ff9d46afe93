package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTDistBackend_KnownPValues(t *testing.T) {
	b := TDistBackend{}

	// r=0.5 with n=10 gives t=1.633 on 8 df, two-sided p around 0.141.
	p, ok := b.PValue(0.5, 10)
	require.True(t, ok)
	assert.InDelta(t, 0.1411, p, 0.002)

	// Sign of r must not matter.
	pn, ok := b.PValue(-0.5, 10)
	require.True(t, ok)
	assert.InDelta(t, p, pn, 1e-12)

	// No correlation: p near 1.
	p, ok = b.PValue(0, 10)
	require.True(t, ok)
	assert.InDelta(t, 1.0, p, 1e-9)

	// Strong correlation over many points: effectively zero.
	p, ok = b.PValue(0.99, 30)
	require.True(t, ok)
	assert.Less(t, p, 1e-9)
}

func TestTDistBackend_DegenerateInputs(t *testing.T) {
	b := TDistBackend{}

	_, ok := b.PValue(0.9, 2)
	assert.False(t, ok, "fewer than 3 points cannot produce a p-value")

	p, ok := b.PValue(1.0, 5)
	require.True(t, ok)
	assert.Equal(t, 0.0, p, "perfect correlation diverges to p=0")
}

func TestCoeffOnlyBackend_NeverProducesPValues(t *testing.T) {
	b := CoeffOnlyBackend{}
	_, ok := b.PValue(0.8, 100)
	assert.False(t, ok)
	assert.Equal(t, "coefficients-only", b.Name())
}

func TestDefaultBackend_IsTDist(t *testing.T) {
	assert.Equal(t, "tdist", DefaultBackend().Name())
}
