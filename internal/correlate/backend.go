package correlate

import "math"

// Backend is the pluggable statistics capability. The full backend
// derives p-values from Student's t distribution; the coefficient-only
// backend is the degraded mode: correlation coefficients are still
// reported, p-values come back as absent, and nothing hard-fails.
type Backend interface {
	Name() string
	// PValue returns the two-sided p-value for a correlation
	// coefficient over n paired points, or ok=false when the backend
	// cannot produce one.
	PValue(r float64, n int) (p float64, ok bool)
}

// DefaultBackend selects the backend at startup. Capability detection
// happens here, in one place, rather than at every use site.
func DefaultBackend() Backend {
	return TDistBackend{}
}

// TDistBackend computes p-values from the t statistic
// t = r * sqrt((n-2) / (1-r^2)) with n-2 degrees of freedom.
type TDistBackend struct{}

func (TDistBackend) Name() string { return "tdist" }

func (TDistBackend) PValue(r float64, n int) (float64, bool) {
	if n < 3 {
		return 0, false
	}
	rr := r * r
	if rr >= 1 {
		// Perfectly correlated series; the t statistic diverges.
		return 0, true
	}
	df := float64(n - 2)
	t := math.Abs(r) * math.Sqrt(df/(1-rr))
	// Two-sided: P(|T| > t) = I_{df/(df+t^2)}(df/2, 1/2).
	p := regIncBeta(df/2, 0.5, df/(df+t*t))
	if p > 1 {
		p = 1
	}
	return p, true
}

// CoeffOnlyBackend reports no p-values.
type CoeffOnlyBackend struct{}

func (CoeffOnlyBackend) Name() string { return "coefficients-only" }

func (CoeffOnlyBackend) PValue(float64, int) (float64, bool) {
	return 0, false
}

// regIncBeta is the regularized incomplete beta function I_x(a, b),
// evaluated with the continued-fraction expansion (modified Lentz).
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lgA, _ := math.Lgamma(a)
	lgB, _ := math.Lgamma(b)
	lgAB, _ := math.Lgamma(a + b)
	front := math.Exp(lgAB - lgA - lgB + a*math.Log(x) + b*math.Log(1-x))

	// The continued fraction converges fast for x < (a+1)/(a+b+2);
	// otherwise use the symmetry I_x(a,b) = 1 - I_{1-x}(b,a).
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

func betaCF(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-30
	)

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}
