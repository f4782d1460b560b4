// Package robust provides the small set of rank-based statistics shared by
// the preprocessing, filtering and oracle layers: median, MAD, IQR, robust
// z-scores and the binary entropy diagnostic.
package robust

import (
	"math"
	"sort"
)

// outlierIQRFactor is the fixed robust bound applied to regression responses
// before fitting: values outside median +/- outlierIQRFactor*IQR are dropped.
const outlierIQRFactor = 5.0

// Quantile returns the q-quantile of xs using linear interpolation between
// order statistics (R type-7). It returns NaN for an empty slice.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	h := q * float64(len(sorted)-1)
	lo := int(math.Floor(h))
	frac := h - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Median returns the median of xs, NaN for an empty slice.
func Median(xs []float64) float64 {
	return Quantile(xs, 0.5)
}

// IQR returns the interquartile range of xs, NaN for an empty slice.
func IQR(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return Quantile(xs, 0.75) - Quantile(xs, 0.25)
}

// MAD returns the median absolute deviation about the median,
// NaN for an empty slice.
func MAD(xs []float64) float64 {
	m := Median(xs)
	if math.IsNaN(m) {
		return m
	}
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - m)
	}
	return Median(dev)
}

// ZScores returns (x - median)/IQR for every entry. Entries that are NaN, or
// every entry when the IQR is zero, come back NaN: the caller decides how to
// treat an undefined score.
func ZScores(xs []float64) []float64 {
	defined := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			defined = append(defined, x)
		}
	}
	m := Median(defined)
	spread := IQR(defined)
	out := make([]float64, len(xs))
	for i, x := range xs {
		if math.IsNaN(x) || spread == 0 || math.IsNaN(spread) {
			out[i] = math.NaN()
			continue
		}
		out[i] = (x - m) / spread
	}
	return out
}

// OutlierBounds returns the fixed robust response bounds median +/- 5*IQR.
func OutlierBounds(xs []float64) (lo, hi float64) {
	m := Median(xs)
	spread := IQR(xs)
	return m - outlierIQRFactor*spread, m + outlierIQRFactor*spread
}

// BinaryEntropy returns the entropy in bits of a Bernoulli(p) pattern.
// Degenerate patterns (p of 0 or 1) have zero entropy by definition.
func BinaryEntropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
}
