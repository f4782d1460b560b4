package estep

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"glvem/internal/model"
	"glvem/internal/regression"
)

// stubOracle returns canned coefficients and records every problem it saw.
type stubOracle struct {
	mu       sync.Mutex
	problems []regression.Problem
	coef     func(p regression.Problem) []float64
}

func (o *stubOracle) Fit(_ context.Context, p regression.Problem) (regression.Fit, error) {
	o.mu.Lock()
	o.problems = append(o.problems, p)
	o.mu.Unlock()

	_, cols := p.X.Dims()
	coef := make([]float64, cols)
	if o.coef != nil {
		coef = o.coef(p)
	}
	resid := make([]float64, len(p.Y))
	for i := range resid {
		resid[i] = float64(i)
	}
	return regression.Fit{Coefficients: coef, Residuals: resid, Lambda: 0.5}, nil
}

func testAbundance() *mat.Dense {
	// 3 taxa x 8 samples, columns sum to one, everything present.
	data := []float64{
		0.2, 0.3, 0.25, 0.1, 0.4, 0.15, 0.35, 0.2,
		0.5, 0.4, 0.25, 0.6, 0.3, 0.45, 0.35, 0.5,
		0.3, 0.3, 0.5, 0.3, 0.3, 0.4, 0.3, 0.3,
	}
	return mat.NewDense(3, 8, data)
}

func testBiomass() []float64 {
	return []float64{1000, 2000, 1500, 1200, 1800, 900, 1100, 1600}
}

func TestRunDiagonalFixedAndSnap(t *testing.T) {
	oracle := &stubOracle{coef: func(p regression.Problem) []float64 {
		return []float64{0.7, 0.4, 0.001}
	}}
	cfg := Config{Oracle: oracle, Workers: 1, Alpha: 1, SnapThreshold: 0.01}
	mask := model.NewExclusionMask(3, 8)

	res, err := Run(context.Background(), cfg, testAbundance(), testBiomass(), mask, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := 0; i < 3; i++ {
		if got := res.Params.Interactions.At(i, i); got != -1 {
			t.Fatalf("diagonal %d: got=%v want=-1", i, got)
		}
		if got := res.Params.Growth[i]; got != 0.7 {
			t.Fatalf("growth %d: got=%v want=0.7", i, got)
		}
	}
	// Second off-diagonal coefficient (0.001) snaps to zero.
	if got := res.Params.Interactions.At(0, 2); got != 0 {
		t.Fatalf("snapped coefficient: got=%v want=0", got)
	}
	if got := res.Params.Interactions.At(0, 1); got != 0.4 {
		t.Fatalf("kept coefficient: got=%v want=0.4", got)
	}
}

func TestRunDesignMatrixLayout(t *testing.T) {
	oracle := &stubOracle{}
	cfg := Config{Oracle: oracle, Workers: 1, Alpha: 1}
	abund := testAbundance()
	biomass := testBiomass()
	mask := model.NewExclusionMask(3, 8)
	mask.Exclude(0, 3)

	if _, err := Run(context.Background(), cfg, abund, biomass, mask, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Workers=1 processes taxa in order, so problems[0] belongs to taxon 0.
	p0 := oracle.problems[0]
	rows, cols := p0.X.Dims()
	if rows != 7 || cols != 3 {
		t.Fatalf("taxon 0 design shape: got=%dx%d want=7x3", rows, cols)
	}
	if !p0.UnpenalizedFirst {
		t.Fatal("first regressor must be unpenalized")
	}
	// Sample 3 is excluded for taxon 0; row 3 of the design therefore holds
	// sample 4. First column is 1/biomass, the rest the other taxa.
	if got := p0.X.At(3, 0); got != 1.0/1800 {
		t.Fatalf("design(3,0): got=%v want=%v", got, 1.0/1800)
	}
	if got := p0.X.At(3, 1); got != abund.At(1, 4) {
		t.Fatalf("design(3,1): got=%v want=%v", got, abund.At(1, 4))
	}
	if got := p0.Y[3]; got != abund.At(0, 4) {
		t.Fatalf("response[3]: got=%v want=%v", got, abund.At(0, 4))
	}
}

func TestRunResidualScatter(t *testing.T) {
	oracle := &stubOracle{}
	cfg := Config{Oracle: oracle, Workers: 1, Alpha: 1}
	mask := model.NewExclusionMask(3, 8)
	mask.Exclude(1, 2)

	res, err := Run(context.Background(), cfg, testAbundance(), testBiomass(), mask, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := res.Residuals.At(1, 2); !math.IsNaN(got) {
		t.Fatalf("excluded residual: got=%v want=NaN", got)
	}
	// Taxon 1 retained samples are 0,1,3,4,...; the stub returns residual
	// index per retained row.
	if got := res.Residuals.At(1, 0); got != 0 {
		t.Fatalf("residual(1,0): got=%v want=0", got)
	}
	if got := res.Residuals.At(1, 3); got != 2 {
		t.Fatalf("residual(1,3): got=%v want=2", got)
	}
}

func TestRunDegenerateTaxon(t *testing.T) {
	// Taxon 0 present in only 4 of 8 samples; 3 regressors need >= 5 rows.
	abund := testAbundance()
	for _, s := range []int{0, 1, 2, 3} {
		abund.Set(0, s, 0)
	}
	oracle := &stubOracle{}
	cfg := Config{Oracle: oracle, Workers: 2, Alpha: 1}
	mask := model.NewExclusionMask(3, 8)

	_, err := Run(context.Background(), cfg, abund, testBiomass(), mask, nil)
	if !errors.Is(err, regression.ErrDegenerateDesign) {
		t.Fatalf("expected ErrDegenerateDesign, got %v", err)
	}
	var tfe *TaxonFitError
	if !errors.As(err, &tfe) || tfe.Taxon != 0 {
		t.Fatalf("expected TaxonFitError for taxon 0, got %v", err)
	}
	// The degenerate case never reaches the oracle.
	for _, p := range oracle.problems {
		if rows, _ := p.X.Dims(); rows == 4 {
			t.Fatal("degenerate problem leaked to the oracle")
		}
	}
}

func TestRunEntropyDiagnostic(t *testing.T) {
	// 3 taxa x 12 samples; taxon 2 absent from half of them: entropy 1 bit,
	// with 6 retained rows still above the degenerate-design floor.
	data := []float64{
		0.2, 0.3, 0.25, 0.1, 0.4, 0.15, 0.35, 0.2, 0.3, 0.25, 0.2, 0.4,
		0.5, 0.4, 0.25, 0.6, 0.3, 0.45, 0.35, 0.5, 0.4, 0.45, 0.5, 0.3,
		0.3, 0.3, 0.5, 0.3, 0.3, 0.4, 0, 0, 0, 0, 0, 0,
	}
	abund := mat.NewDense(3, 12, data)
	biomass := []float64{1000, 2000, 1500, 1200, 1800, 900, 1100, 1600, 1300, 1400, 1250, 1700}
	oracle := &stubOracle{}
	cfg := Config{Oracle: oracle, Workers: 1, Alpha: 1}
	mask := model.NewExclusionMask(3, 12)

	res, err := Run(context.Background(), cfg, abund, biomass, mask, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := res.Entropy[0]; got != 0 {
		t.Fatalf("always-present taxon entropy: got=%v want=0", got)
	}
	if got := res.Entropy[2]; math.Abs(got-1) > 1e-12 {
		t.Fatalf("half-present taxon entropy: got=%v want=1", got)
	}
}

func TestRunPriorLambdasForwarded(t *testing.T) {
	oracle := &stubOracle{}
	cfg := Config{Oracle: oracle, Workers: 1, Alpha: 1}
	mask := model.NewExclusionMask(3, 8)
	priors := []float64{0.25, 0, 0.75}

	res, err := Run(context.Background(), cfg, testAbundance(), testBiomass(), mask, priors)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := oracle.problems[0].PriorLambda; got != 0.25 {
		t.Fatalf("taxon 0 prior: got=%v want=0.25", got)
	}
	if got := oracle.problems[1].PriorLambda; got != 0 {
		t.Fatalf("taxon 1 prior: got=%v want=0", got)
	}
	if got := oracle.problems[2].PriorLambda; got != 0.75 {
		t.Fatalf("taxon 2 prior: got=%v want=0.75", got)
	}
	for i := 0; i < 3; i++ {
		if got := res.Lambdas[i]; got != 0.5 {
			t.Fatalf("selected lambda %d: got=%v want=0.5", i, got)
		}
	}
}

func TestRunParallelMatchesSerial(t *testing.T) {
	coef := func(p regression.Problem) []float64 {
		_, cols := p.X.Dims()
		out := make([]float64, cols)
		for j := range out {
			out[j] = p.Y[0] + float64(j)
		}
		return out
	}
	mask := model.NewExclusionMask(3, 8)

	serial, err := Run(context.Background(), Config{Oracle: &stubOracle{coef: coef}, Workers: 1, Alpha: 1}, testAbundance(), testBiomass(), mask, nil)
	if err != nil {
		t.Fatalf("serial run: %v", err)
	}
	parallel, err := Run(context.Background(), Config{Oracle: &stubOracle{coef: coef}, Workers: 3, Alpha: 1}, testAbundance(), testBiomass(), mask, nil)
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	if !mat.EqualApprox(serial.Params.Interactions, parallel.Params.Interactions, 0) {
		t.Fatal("parallel interaction matrix differs from serial")
	}
	for i := range serial.Params.Growth {
		if serial.Params.Growth[i] != parallel.Params.Growth[i] {
			t.Fatalf("growth %d differs: serial=%v parallel=%v", i, serial.Params.Growth[i], parallel.Params.Growth[i])
		}
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mask := model.NewExclusionMask(3, 8)
	_, err := Run(ctx, Config{Oracle: &stubOracle{}, Workers: 2, Alpha: 1}, testAbundance(), testBiomass(), mask, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
