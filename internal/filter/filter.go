// Package filter detects samples that are inconsistent with the shared
// equilibrium model and maintains the accumulating exclusion mask.
package filter

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"glvem/internal/model"
	"glvem/internal/robust"
)

// DetectBadSamples flags outlier samples from the M-step's relative
// residuals. Each sample is summarized by the median residual over its
// present taxa, the summaries are robust-z-scored across samples, and a
// sample is flagged when its score exceeds threshold. A sample whose score
// is undefined (no present taxa, NaN summary, zero IQR across samples) is
// treated as maximally anomalous and flagged.
func DetectBadSamples(residuals, abund *mat.Dense, threshold float64) []bool {
	p, n := residuals.Dims()

	summaries := make([]float64, n)
	for s := 0; s < n; s++ {
		present := make([]float64, 0, p)
		for i := 0; i < p; i++ {
			if abund.At(i, s) == 0 {
				continue
			}
			if v := residuals.At(i, s); !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		summaries[s] = robust.Median(present)
	}

	flagged := make([]bool, n)
	for s, z := range robust.ZScores(summaries) {
		if math.IsNaN(z) || z > threshold {
			flagged[s] = true
		}
	}
	return flagged
}

// MaskAccumulator owns the exclusion mask during filtering. Flags OR into
// the mask so it grows monotonically between refresh points; every period
// updates the mask resets to the initial preprocessing mask before
// re-accumulating, so samples flagged by early, poorly-converged estimates
// are not lost forever.
type MaskAccumulator struct {
	initial *model.ExclusionMask
	current *model.ExclusionMask
	period  int
	updates int
}

func NewMaskAccumulator(initial *model.ExclusionMask, period int) *MaskAccumulator {
	return &MaskAccumulator{
		initial: initial.Clone(),
		current: initial.Clone(),
		period:  period,
	}
}

// Update ORs newly flagged samples into the mask, applying the periodic
// reset first, and returns a copy of the resulting mask. A flagged sample is
// excluded globally, for every taxon.
func (a *MaskAccumulator) Update(flagged []bool) *model.ExclusionMask {
	if a.period > 0 && a.updates > 0 && a.updates%a.period == 0 {
		a.current = a.initial.Clone()
	}
	a.updates++
	for s, bad := range flagged {
		if bad {
			a.current.ExcludeSample(s)
		}
	}
	return a.current.Clone()
}

// Current returns a copy of the accumulated mask.
func (a *MaskAccumulator) Current() *model.ExclusionMask {
	return a.current.Clone()
}

// Updates returns the number of filtering iterations applied so far.
func (a *MaskAccumulator) Updates() int {
	return a.updates
}
