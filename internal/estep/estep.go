// Package estep assembles the per-taxon regression sub-problems and turns
// the oracle's answers into a full parameter estimate. Taxa are independent
// and run on a bounded worker pool.
package estep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"glvem/internal/model"
	"glvem/internal/regression"
	"glvem/internal/robust"
)

// TaxonFitError reports a failed per-taxon fit. It wraps the oracle's error
// so callers can test for regression.ErrDegenerateDesign.
type TaxonFitError struct {
	Taxon int
	Err   error
}

func (e *TaxonFitError) Error() string {
	return fmt.Sprintf("taxon %d: fit failed: %v", e.Taxon, e.Err)
}

func (e *TaxonFitError) Unwrap() error { return e.Err }

// Config carries the per-call inputs of one E-step.
type Config struct {
	Oracle        regression.Oracle
	Workers       int
	Alpha         float64
	LambdaBlend   float64
	SnapThreshold float64
	Center        bool
}

// Result is one E-step's output. Residuals is taxa x samples with NaN where
// the (taxon, sample) pair was not retained; Entropy is the per-taxon
// information-sufficiency diagnostic.
type Result struct {
	Params    model.ParameterEstimate
	Residuals *mat.Dense
	Lambdas   []float64
	Entropy   []float64
}

type taxonFit struct {
	taxon    int
	row      []float64
	growth   float64
	resid    []float64
	retained []int
	lambda   float64
	entropy  float64
	err      error
}

// Run fits every taxon's regression against the current biomass estimate.
// priorLambdas, when non-nil, supplies each taxon's previously selected
// penalty as an immutable warm-start input. The abundance matrix, mask and
// biomass are read-only throughout.
func Run(ctx context.Context, cfg Config, abund *mat.Dense, biomass []float64, mask *model.ExclusionMask, priorLambdas []float64) (Result, error) {
	if cfg.Oracle == nil {
		return Result{}, errors.New("regression oracle is required")
	}
	p, n := abund.Dims()
	if len(biomass) != n {
		return Result{}, fmt.Errorf("biomass length mismatch: got=%d want=%d", len(biomass), n)
	}
	if mt, ms := mask.Dims(); mt != p || ms != n {
		return Result{}, fmt.Errorf("mask shape mismatch: got=%dx%d want=%dx%d", mt, ms, p, n)
	}
	if priorLambdas != nil && len(priorLambdas) != p {
		return Result{}, fmt.Errorf("prior lambda length mismatch: got=%d want=%d", len(priorLambdas), p)
	}

	jobs := make(chan int)
	results := make(chan taxonFit, p)

	workerCount := cfg.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > p {
		workerCount = p
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for taxon := range jobs {
				if err := ctx.Err(); err != nil {
					results <- taxonFit{taxon: taxon, err: err}
					continue
				}
				results <- fitTaxon(ctx, cfg, abund, biomass, mask, priorLambdas, taxon)
			}
		}()
	}

	for i := 0; i < p; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := Result{
		Params: model.ParameterEstimate{
			Growth:       make([]float64, p),
			Interactions: mat.NewDense(p, p, nil),
		},
		Residuals: mat.NewDense(p, n, nil),
		Lambdas:   make([]float64, p),
		Entropy:   make([]float64, p),
	}
	for i := 0; i < p; i++ {
		for s := 0; s < n; s++ {
			out.Residuals.Set(i, s, math.NaN())
		}
	}

	for res := range results {
		if res.err != nil {
			return Result{}, res.err
		}
		out.Params.Growth[res.taxon] = res.growth
		out.Params.Interactions.SetRow(res.taxon, res.row)
		out.Lambdas[res.taxon] = res.lambda
		out.Entropy[res.taxon] = res.entropy
		for idx, s := range res.retained {
			out.Residuals.Set(res.taxon, s, res.resid[idx])
		}
	}
	return out, nil
}

func fitTaxon(ctx context.Context, cfg Config, abund *mat.Dense, biomass []float64, mask *model.ExclusionMask, priorLambdas []float64, taxon int) taxonFit {
	p, n := abund.Dims()

	// Retained rows: the taxon is present and not excluded. The entropy
	// diagnostic looks at the presence pattern over all unmasked samples.
	retained := make([]int, 0, n)
	unmasked := 0
	present := 0
	for s := 0; s < n; s++ {
		if mask.At(taxon, s) {
			continue
		}
		unmasked++
		if abund.At(taxon, s) != 0 {
			present++
			retained = append(retained, s)
		}
	}
	entropy := 0.0
	if unmasked > 0 {
		entropy = robust.BinaryEntropy(float64(present) / float64(unmasked))
	}

	// The design has p columns: 1/biomass plus the p-1 other taxa. Too few
	// retained samples is a distinguishable failure independent of the
	// oracle in use.
	rows := len(retained)
	if rows < p+regression.MinRowMargin {
		return taxonFit{taxon: taxon, err: &TaxonFitError{
			Taxon: taxon,
			Err:   fmt.Errorf("%w: rows=%d regressors=%d", regression.ErrDegenerateDesign, rows, p),
		}}
	}

	y := make([]float64, rows)
	x := mat.NewDense(rows, p, nil)
	for idx, s := range retained {
		y[idx] = abund.At(taxon, s)
		x.Set(idx, 0, 1/biomass[s])
		col := 1
		for j := 0; j < p; j++ {
			if j == taxon {
				continue
			}
			x.Set(idx, col, abund.At(j, s))
			col++
		}
	}
	if cfg.Center && rows > 0 {
		centerColumns(y, x, rows, p)
	}

	problem := regression.Problem{
		Y:                y,
		X:                x,
		UnpenalizedFirst: true,
		Alpha:            cfg.Alpha,
		LambdaBlend:      cfg.LambdaBlend,
	}
	if priorLambdas != nil && priorLambdas[taxon] > 0 {
		problem.PriorLambda = priorLambdas[taxon]
	}

	fit, err := cfg.Oracle.Fit(ctx, problem)
	if err != nil {
		return taxonFit{taxon: taxon, err: &TaxonFitError{Taxon: taxon, Err: err}}
	}
	if len(fit.Coefficients) != p {
		return taxonFit{taxon: taxon, err: &TaxonFitError{Taxon: taxon, Err: fmt.Errorf("oracle returned %d coefficients, want %d", len(fit.Coefficients), p)}}
	}
	if len(fit.Residuals) != rows {
		return taxonFit{taxon: taxon, err: &TaxonFitError{Taxon: taxon, Err: fmt.Errorf("oracle returned %d residuals, want %d", len(fit.Residuals), rows)}}
	}

	// The taxon's own coefficient is the fixed -1 anchor; the oracle only
	// solved for the others. Coefficients below the snap threshold collapse
	// to exactly zero.
	row := make([]float64, p)
	col := 1
	for j := 0; j < p; j++ {
		if j == taxon {
			row[j] = -1
			continue
		}
		c := fit.Coefficients[col]
		if math.Abs(c) < cfg.SnapThreshold {
			c = 0
		}
		row[j] = c
		col++
	}

	return taxonFit{
		taxon:    taxon,
		row:      row,
		growth:   fit.Coefficients[0],
		resid:    fit.Residuals,
		retained: retained,
		lambda:   fit.Lambda,
		entropy:  entropy,
	}
}

// centerColumns subtracts the column means from the response and every
// design column over the first rows rows.
func centerColumns(y []float64, x *mat.Dense, rows, cols int) {
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(rows)
	for i := range y {
		y[i] -= mean
	}
	for j := 0; j < cols; j++ {
		colMean := 0.0
		for r := 0; r < rows; r++ {
			colMean += x.At(r, j)
		}
		colMean /= float64(rows)
		for r := 0; r < rows; r++ {
			x.Set(r, j, x.At(r, j)-colMean)
		}
	}
}
