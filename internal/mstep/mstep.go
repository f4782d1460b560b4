// Package mstep estimates each sample's biomass in closed form from fixed
// model parameters. Samples are independent and run under a bounded errgroup.
package mstep

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"glvem/internal/model"
	"glvem/internal/robust"
)

// Result is one M-step's output: a biomass scalar per sample and the
// taxa x samples relative residuals of the growth equation. Taxa absent from
// a sample get zero residual by convention.
type Result struct {
	Biomass   []float64
	Residuals *mat.Dense
}

// Run computes every sample's biomass given the current parameters. The
// abundance matrix and parameters are read-only throughout.
func Run(ctx context.Context, workers int, abund *mat.Dense, params model.ParameterEstimate) (Result, error) {
	p, n := abund.Dims()
	if len(params.Growth) != p {
		return Result{}, fmt.Errorf("growth length mismatch: got=%d want=%d", len(params.Growth), p)
	}
	if br, bc := params.Interactions.Dims(); br != p || bc != p {
		return Result{}, fmt.Errorf("interaction matrix shape mismatch: got=%dx%d want=%dx%d", br, bc, p, p)
	}
	if workers <= 0 {
		workers = 1
	}

	out := Result{
		Biomass:   make([]float64, n),
		Residuals: mat.NewDense(p, n, nil),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for s := 0; s < n; s++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			biomass, resid := estimateSample(abund, params, s)
			out.Biomass[s] = biomass
			for i := 0; i < p; i++ {
				out.Residuals.Set(i, s, resid[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return out, nil
}

// estimateSample computes one sample's biomass from the candidate ratios
// -a_i/(Bx)_i of its present taxa. When at least one candidate is strictly
// positive the biomass is the median of the positive candidates; when every
// candidate is non-positive the model disagrees with itself in sign for all
// taxa and the absolute value of the least-negative candidate is used.
func estimateSample(abund *mat.Dense, params model.ParameterEstimate, sample int) (float64, []float64) {
	p, _ := abund.Dims()

	bx := make([]float64, p)
	for i := 0; i < p; i++ {
		total := 0.0
		for j := 0; j < p; j++ {
			total += params.Interactions.At(i, j) * abund.At(j, sample)
		}
		bx[i] = total
	}

	candidates := make([]float64, 0, p)
	positives := make([]float64, 0, p)
	for i := 0; i < p; i++ {
		if abund.At(i, sample) == 0 {
			continue
		}
		c := -params.Growth[i] / bx[i]
		if math.IsNaN(c) || math.IsInf(c, 0) {
			continue
		}
		candidates = append(candidates, c)
		if c > 0 {
			positives = append(positives, c)
		}
	}

	var biomass float64
	switch {
	case len(positives) > 0:
		biomass = robust.Median(positives)
	case len(candidates) > 0:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c > best {
				best = c
			}
		}
		biomass = math.Abs(best)
	default:
		biomass = math.NaN()
	}

	resid := make([]float64, p)
	for i := 0; i < p; i++ {
		if abund.At(i, sample) == 0 {
			continue
		}
		implied := params.Growth[i] + biomass*bx[i]
		if params.Growth[i] != 0 {
			resid[i] = math.Abs(implied / params.Growth[i])
		} else {
			resid[i] = math.Abs(implied)
		}
	}
	return biomass, resid
}
