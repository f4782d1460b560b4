// Package preprocess turns a raw count table into the immutable abundance
// matrix and initial exclusion mask consumed by the EM loop.
package preprocess

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"glvem/internal/model"
	"glvem/internal/normalize"
	"glvem/internal/robust"
)

// DetectionLimit is the fixed relative-abundance floor. Entries below it are
// snapped to exactly zero before anything else sees the matrix.
const DetectionLimit = 1e-4

// Result holds the preprocessing outputs. Abundance and Mask are created
// once and never mutated afterwards; the driver clones the mask before
// accumulating outlier flags into it.
type Result struct {
	Abundance *mat.Dense
	Mask      *model.ExclusionMask
	TaxonMAD  []float64
}

// Preprocess relativizes counts, applies the detection limit, computes the
// per-taxon robust scale (MAD over non-zero entries) and builds the initial
// exclusion mask: a (taxon, sample) pair is excluded when its abundance
// divided by the taxon's MAD falls below deviation. A deviation of zero
// excludes nothing; a non-finite deviation also excludes nothing (it encodes
// "no outlier filtering" at the driver level, not "exclude everything").
func Preprocess(counts *mat.Dense, deviation float64) (Result, error) {
	rel, err := normalize.Relativize(counts)
	if err != nil {
		return Result{}, err
	}

	p, n := rel.Dims()
	for s := 0; s < n; s++ {
		for i := 0; i < p; i++ {
			if rel.At(i, s) < DetectionLimit {
				rel.Set(i, s, 0)
			}
		}
	}
	// Columns must sum to one again after thresholding.
	rel, err = normalize.Relativize(rel)
	if err != nil {
		return Result{}, err
	}

	mads := make([]float64, p)
	for i := 0; i < p; i++ {
		nonzero := make([]float64, 0, n)
		for s := 0; s < n; s++ {
			if v := rel.At(i, s); v > 0 {
				nonzero = append(nonzero, v)
			}
		}
		mads[i] = robust.MAD(nonzero)
	}

	mask := model.NewExclusionMask(p, n)
	if deviation > 0 && !math.IsInf(deviation, 1) {
		for i := 0; i < p; i++ {
			if mads[i] <= 0 || math.IsNaN(mads[i]) {
				continue
			}
			for s := 0; s < n; s++ {
				if rel.At(i, s)/mads[i] < deviation {
					mask.Exclude(i, s)
				}
			}
		}
	}

	return Result{Abundance: rel, Mask: mask, TaxonMAD: mads}, nil
}
