package correlate

import (
	"math"

	"github.com/nvoss/devpulse/internal/record"
)

// CohensD is the standardized difference between two group means in
// units of pooled standard deviation. Nil when either group has fewer
// than two points or the pooled deviation is zero.
func CohensD(a, b []float64) *float64 {
	na, nb := float64(len(a)), float64(len(b))
	if na < 2 || nb < 2 {
		return nil
	}

	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)
	pooled := math.Sqrt(((na-1)*varA + (nb-1)*varB) / (na + nb - 2))
	if pooled == 0 {
		return nil
	}
	d := (meanA - meanB) / pooled
	return &d
}

// LatencyEffect computes Cohen's d between accepted- and
// rejected-session latency distributions.
func LatencyEffect(traces []record.CanonicalTrace) *float64 {
	var accepted, rejected []float64
	for _, t := range traces {
		if t.Accepted {
			accepted = append(accepted, t.LatencyMS)
		} else {
			rejected = append(rejected, t.LatencyMS)
		}
	}
	return CohensD(accepted, rejected)
}

// TokenEfficiency is the ratio of mean tokens per accepted session to
// the overall mean tokens per session. Nil with no accepted sessions
// or no sessions at all.
func TokenEfficiency(traces []record.CanonicalTrace) *float64 {
	if len(traces) == 0 {
		return nil
	}
	var totalTokens, acceptedTokens float64
	var acceptedCount int
	for _, t := range traces {
		totalTokens += float64(t.TotalTokens)
		if t.Accepted {
			acceptedTokens += float64(t.TotalTokens)
			acceptedCount++
		}
	}
	if acceptedCount == 0 || totalTokens == 0 {
		return nil
	}
	overallMean := totalTokens / float64(len(traces))
	acceptedMean := acceptedTokens / float64(acceptedCount)
	ratio := acceptedMean / overallMean
	return &ratio
}

// ModelAcceptance returns the acceptance rate per model.
func ModelAcceptance(traces []record.CanonicalTrace) map[string]float64 {
	counts := make(map[string]int)
	accepted := make(map[string]int)
	for _, t := range traces {
		model := t.Model
		if model == "" {
			model = "unknown"
		}
		counts[model]++
		if t.Accepted {
			accepted[model]++
		}
	}

	rates := make(map[string]float64, len(counts))
	for model, n := range counts {
		rates[model] = float64(accepted[model]) / float64(n)
	}
	return rates
}

func meanVariance(values []float64) (mean, variance float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	// Sample variance.
	variance = ss / (n - 1)
	return mean, variance
}
