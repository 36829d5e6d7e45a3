package detection

import "math"

// welford keeps a running mean and variance in one pass.
type welford struct {
	n    uint64
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

func (w *welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

// ema folds x into prev with weight alpha.
func ema(prev, x, alpha float64) float64 {
	return alpha*x + (1-alpha)*prev
}

// emaVariance is the exponentially weighted variance update for a sample x
// around the previous mean.
func emaVariance(prevVar, prevMean, x, alpha float64) float64 {
	d := x - prevMean
	return (1 - alpha) * (prevVar + alpha*d*d)
}

// coefficientOfVariation returns stddev/mean of xs, +Inf when the mean is zero.
func coefficientOfVariation(xs []float64) (cv, mean float64) {
	if len(xs) == 0 {
		return math.Inf(1), 0
	}
	var acc welford
	for _, x := range xs {
		acc.add(x)
	}
	if acc.mean == 0 {
		return math.Inf(1), 0
	}
	return math.Sqrt(acc.variance()) / acc.mean, acc.mean
}

// Severity maps a stress level or confidence in [0,1] to a display label.
func Severity(level float64) string {
	if level >= 0.9 {
		return "CRITICAL"
	} else if level >= 0.7 {
		return "HIGH"
	} else if level >= 0.5 {
		return "MEDIUM"
	}
	return "LOW"
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
