// Package normalize converts raw count tables into relative abundances and
// computes the cumulative-sum-scaling factor used to seed initial biomass.
package normalize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"glvem/internal/robust"
)

// ErrZeroTotalSample is returned when a sample column has no reads at all.
// No biomass is estimable for such a sample, so the whole run aborts.
var ErrZeroTotalSample = errors.New("sample has zero total abundance")

// Relativize divides each sample column by its total so that every column
// sums to one. Matrices are taxa x samples.
func Relativize(counts *mat.Dense) (*mat.Dense, error) {
	p, n := counts.Dims()
	out := mat.NewDense(p, n, nil)
	for s := 0; s < n; s++ {
		total := 0.0
		for i := 0; i < p; i++ {
			total += counts.At(i, s)
		}
		if total <= 0 {
			return nil, fmt.Errorf("%w: sample %d", ErrZeroTotalSample, s)
		}
		for i := 0; i < p; i++ {
			out.Set(i, s, counts.At(i, s)/total)
		}
	}
	return out, nil
}

// CSSFactor computes the cumulative-sum-scaling factor per sample: the sum of
// entries at or below the chosen quantile of the sample's non-zero entries,
// normalized to unit geometric mean across samples. Samples without non-zero
// entries get factor NaN and are left out of the geometric mean.
func CSSFactor(abund *mat.Dense, quantile float64) []float64 {
	p, n := abund.Dims()
	factors := make([]float64, n)
	logSum := 0.0
	logCount := 0
	for s := 0; s < n; s++ {
		nonzero := make([]float64, 0, p)
		for i := 0; i < p; i++ {
			if v := abund.At(i, s); v > 0 {
				nonzero = append(nonzero, v)
			}
		}
		if len(nonzero) == 0 {
			factors[s] = math.NaN()
			continue
		}
		q := robust.Quantile(nonzero, quantile)
		sum := 0.0
		for _, v := range nonzero {
			if v <= q {
				sum += v
			}
		}
		factors[s] = sum
		if sum > 0 {
			logSum += math.Log(sum)
			logCount++
		}
	}
	if logCount == 0 {
		return factors
	}
	geoMean := math.Exp(logSum / float64(logCount))
	for s := range factors {
		factors[s] /= geoMean
	}
	return factors
}
