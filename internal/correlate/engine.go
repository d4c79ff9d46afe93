// Package correlate computes lagged correlation statistics and effect
// sizes over daily aggregate series, with Benjamini–Hochberg control
// over the false-discovery rate when several hypotheses are tested at
// once.
package correlate

import (
	"math"
	"sort"
	"time"

	"github.com/nvoss/devpulse/internal/record"
)

// Series maps an event date (record.DateLayout) to a value.
type Series map[string]float64

// Result is one correlation outcome. Nil R and P mean the value could
// not be computed (fewer than two paired points, zero variance, or a
// backend without p-values).
type Result struct {
	R *float64
	P *float64
	N int
}

// Engine computes correlations through a pluggable stats backend.
type Engine struct {
	backend Backend
}

func NewEngine(backend Backend) *Engine {
	return &Engine{backend: backend}
}

// Correlate lag-aligns the two series and returns Pearson and Spearman
// results. The y-series is shifted backward by lagDays relative to x,
// so "x today vs y lagDays later" becomes a paired series with only
// fully-overlapping dates retained. Fewer than 2 pairs yields nil
// coefficients rather than an error.
func (e *Engine) Correlate(x, y Series, lagDays int) (pearson, spearman Result) {
	xs, ys := AlignLagged(x, y, lagDays)
	n := len(xs)
	pearson.N = n
	spearman.N = n
	if n < 2 {
		return pearson, spearman
	}

	if r, ok := pearsonR(xs, ys); ok {
		pearson.R = &r
		if p, ok := e.backend.PValue(r, n); ok {
			pearson.P = &p
		}
	}
	if r, ok := pearsonR(ranks(xs), ranks(ys)); ok {
		spearman.R = &r
		if p, ok := e.backend.PValue(r, n); ok {
			spearman.P = &p
		}
	}
	return pearson, spearman
}

// AlignLagged pairs x[d] with y[d + lagDays] for every date d present
// in both after shifting, in sorted date order.
func AlignLagged(x, y Series, lagDays int) (xs, ys []float64) {
	dates := make([]string, 0, len(x))
	for d := range x {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, d := range dates {
		day, err := time.Parse(record.DateLayout, d)
		if err != nil {
			continue
		}
		shifted := day.AddDate(0, 0, lagDays).Format(record.DateLayout)
		yv, ok := y[shifted]
		if !ok {
			continue
		}
		xs = append(xs, x[d])
		ys = append(ys, yv)
	}
	return xs, ys
}

// pearsonR computes the correlation coefficient via covariance and
// variance arithmetic. ok=false when either series has zero variance.
func pearsonR(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if n < 2 {
		return 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}

	r := cov / math.Sqrt(varX*varY)
	// Clamp accumulated floating point error.
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}

// ranks assigns average ranks to tied values (Spearman convention).
func ranks(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranked := make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		// Average rank for the tie group [i, j].
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranked[idx[k]] = avg
		}
		i = j + 1
	}
	return ranked
}
