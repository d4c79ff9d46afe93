package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/devpulse/internal/record"
)

func TestCohensD_KnownValue(t *testing.T) {
	// Both groups have sample variance 4, pooled sd 2, mean gap 1.
	d := CohensD([]float64{2, 4, 6}, []float64{1, 3, 5})
	require.NotNil(t, d)
	assert.InDelta(t, 0.5, *d, 1e-12)
}

func TestCohensD_DegenerateGroups(t *testing.T) {
	assert.Nil(t, CohensD([]float64{1}, []float64{1, 2, 3}), "group of one")
	assert.Nil(t, CohensD(nil, []float64{1, 2}), "empty group")
	assert.Nil(t, CohensD([]float64{3, 3}, []float64{3, 3}), "zero pooled deviation")
}

func TestLatencyEffect_SplitsByAcceptance(t *testing.T) {
	traces := []record.CanonicalTrace{
		{Accepted: true, LatencyMS: 100},
		{Accepted: true, LatencyMS: 120},
		{Accepted: false, LatencyMS: 300},
		{Accepted: false, LatencyMS: 340},
	}
	d := LatencyEffect(traces)
	require.NotNil(t, d)
	assert.Negative(t, *d, "accepted sessions are faster, so the effect is negative")
}

func TestTokenEfficiency(t *testing.T) {
	assert.Nil(t, TokenEfficiency(nil), "no sessions")
	assert.Nil(t, TokenEfficiency([]record.CanonicalTrace{
		{Accepted: false, TotalTokens: 100},
	}), "no accepted sessions")

	traces := []record.CanonicalTrace{
		{Accepted: true, TotalTokens: 300},
		{Accepted: false, TotalTokens: 100},
	}
	ratio := TokenEfficiency(traces)
	require.NotNil(t, ratio)
	// Accepted mean 300 over overall mean 200.
	assert.InDelta(t, 1.5, *ratio, 1e-12)
}

func TestModelAcceptance(t *testing.T) {
	traces := []record.CanonicalTrace{
		{Model: "claude-sonnet-4-5", Accepted: true},
		{Model: "claude-sonnet-4-5", Accepted: false},
		{Model: "gpt-4o", Accepted: true},
		{Model: "", Accepted: false},
	}
	rates := ModelAcceptance(traces)
	assert.InDelta(t, 0.5, rates["claude-sonnet-4-5"], 1e-12)
	assert.InDelta(t, 1.0, rates["gpt-4o"], 1e-12)
	assert.InDelta(t, 0.0, rates["unknown"], 1e-12)
}
