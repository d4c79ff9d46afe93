package correlate

import "sort"

// BenjaminiHochberg applies the step-up false-discovery-rate
// adjustment to a set of raw p-values, returning adjusted values in
// the original order. Each adjusted p is >= its raw p and the adjusted
// values are non-decreasing when re-sorted by raw rank.
func BenjaminiHochberg(ps []float64) []float64 {
	m := len(ps)
	if m == 0 {
		return nil
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ps[order[a]] < ps[order[b]] })

	adjusted := make([]float64, m)
	// Walk from the largest rank down, keeping the running minimum so
	// the adjusted sequence stays monotone.
	runningMin := 1.0
	for rank := m; rank >= 1; rank-- {
		i := order[rank-1]
		adj := ps[i] * float64(m) / float64(rank)
		if adj < runningMin {
			runningMin = adj
		}
		if runningMin > 1 {
			adjusted[i] = 1
		} else {
			adjusted[i] = runningMin
		}
	}
	return adjusted
}
