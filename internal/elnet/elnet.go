// Package elnet is the default RegressionOracle: a coordinate-descent
// elastic net with cross-validated penalty selection. Fresh problems
// bootstrap the penalty grid from a coarse cross-validation pass; problems
// carrying a prior penalty search a narrow grid centered on it, exploiting
// the continuity of the selected penalty across EM iterations.
package elnet

import (
	"context"
	"errors"
	"fmt"
	"math"

	"glvem/internal/regression"
	"glvem/internal/robust"
)

const (
	defaultFolds        = 5
	defaultGridSize     = 20
	defaultFineGridSize = 10
	defaultGridSpan     = 1e3
	defaultWarmSpan     = 4.0
	defaultTol          = 1e-7
	defaultMaxSweeps    = 1000

	// Floor for the mixing parameter when computing the grid top; a pure
	// ridge penalty has no finite lambda that zeroes all coefficients.
	alphaFloor = 1e-3
)

// Solver fits elastic-net problems by cyclic coordinate descent. The zero
// value is not usable; construct with NewSolver. A Solver holds no
// per-problem state and is safe for concurrent use.
type Solver struct {
	Folds        int
	GridSize     int
	FineGridSize int
	GridSpan     float64
	WarmSpan     float64
	Tol          float64
	MaxSweeps    int
}

func NewSolver() *Solver {
	return &Solver{
		Folds:        defaultFolds,
		GridSize:     defaultGridSize,
		FineGridSize: defaultFineGridSize,
		GridSpan:     defaultGridSpan,
		WarmSpan:     defaultWarmSpan,
		Tol:          defaultTol,
		MaxSweeps:    defaultMaxSweeps,
	}
}

// Fit implements regression.Oracle.
func (s *Solver) Fit(ctx context.Context, p regression.Problem) (regression.Fit, error) {
	if p.X == nil {
		return regression.Fit{}, errors.New("design matrix is required")
	}
	rows, cols := p.X.Dims()
	if len(p.Y) != rows {
		return regression.Fit{}, fmt.Errorf("response length mismatch: got=%d want=%d", len(p.Y), rows)
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		return regression.Fit{}, fmt.Errorf("alpha must be in (0, 1]: got=%v", p.Alpha)
	}
	if p.LambdaBlend < 0 || p.LambdaBlend > 1 {
		return regression.Fit{}, fmt.Errorf("lambda blend must be in [0, 1]: got=%v", p.LambdaBlend)
	}
	if rows < cols+regression.MinRowMargin {
		return regression.Fit{}, fmt.Errorf("%w: rows=%d regressors=%d", regression.ErrDegenerateDesign, rows, cols)
	}

	// Robust response pre-filter: extreme points must not dominate the fit.
	lo, hi := robust.OutlierBounds(p.Y)
	keep := make([]int, 0, rows)
	for r, y := range p.Y {
		if y >= lo && y <= hi {
			keep = append(keep, r)
		}
	}
	if len(keep) < cols+regression.MinRowMargin {
		return regression.Fit{}, fmt.Errorf("%w: usable rows=%d regressors=%d", regression.ErrDegenerateDesign, len(keep), cols)
	}

	y := make([]float64, len(keep))
	xc := make([][]float64, cols)
	for j := range xc {
		xc[j] = make([]float64, len(keep))
	}
	for idx, r := range keep {
		y[idx] = p.Y[r]
		for j := 0; j < cols; j++ {
			xc[j][idx] = p.X.At(r, j)
		}
	}
	penalized := make([]bool, cols)
	for j := range penalized {
		penalized[j] = !(j == 0 && p.UnpenalizedFirst)
	}

	grid, err := s.buildGrid(ctx, xc, y, penalized, p)
	if err != nil {
		return regression.Fit{}, err
	}
	curve, err := s.crossValidate(ctx, xc, y, penalized, p.Alpha, grid)
	if err != nil {
		return regression.Fit{}, err
	}
	lambda := selectLambda(curve, p.LambdaBlend)

	coef := make([]float64, cols)
	s.descendPath(xc, y, penalized, p.Alpha, []float64{lambda}, coef, nil)

	residuals := make([]float64, rows)
	for r := 0; r < rows; r++ {
		pred := 0.0
		for j := 0; j < cols; j++ {
			pred += p.X.At(r, j) * coef[j]
		}
		d := p.Y[r] - pred
		residuals[r] = d * d
	}
	return regression.Fit{Coefficients: coef, Residuals: residuals, Lambda: lambda}, nil
}

// buildGrid returns the penalty grid in descending order. Without a prior
// penalty it runs a coarse cross-validation pass over the full range and
// narrows around that pass's minimum; with one it centers directly on the
// prior.
func (s *Solver) buildGrid(ctx context.Context, xc [][]float64, y []float64, penalized []bool, p regression.Problem) ([]float64, error) {
	if p.PriorLambda > 0 {
		return logSpace(p.PriorLambda*s.WarmSpan, p.PriorLambda/s.WarmSpan, s.FineGridSize), nil
	}
	top := lambdaMax(xc, y, penalized, p.Alpha)
	coarse := logSpace(top, top/s.GridSpan, s.GridSize)
	curve, err := s.crossValidate(ctx, xc, y, penalized, p.Alpha, coarse)
	if err != nil {
		return nil, err
	}
	center := selectLambda(curve, 0)
	return logSpace(center*s.WarmSpan, center/s.WarmSpan, s.FineGridSize), nil
}

// lambdaMax is the smallest penalty that zeroes every penalized coefficient
// in a pure-L1 fit; it tops the coarse grid.
func lambdaMax(xc [][]float64, y []float64, penalized []bool, alpha float64) float64 {
	n := float64(len(y))
	a := math.Max(alpha, alphaFloor)
	top := 0.0
	for j, col := range xc {
		if !penalized[j] {
			continue
		}
		dot := 0.0
		for r, v := range col {
			dot += v * y[r]
		}
		if abs := math.Abs(dot) / (n * a); abs > top {
			top = abs
		}
	}
	if top <= 0 {
		top = 1
	}
	return top
}

func logSpace(from, to float64, count int) []float64 {
	if count < 2 {
		return []float64{from}
	}
	out := make([]float64, count)
	lf, lt := math.Log(from), math.Log(to)
	for k := 0; k < count; k++ {
		out[k] = math.Exp(lf + (lt-lf)*float64(k)/float64(count-1))
	}
	return out
}

type cvPoint struct {
	lambda float64
	mean   float64
	se     float64
}

// crossValidate computes the K-fold mean squared validation error and its
// standard error for every grid penalty. Fold assignment is deterministic
// (row index modulo fold count) so repeated fits of the same problem select
// the same penalty.
func (s *Solver) crossValidate(ctx context.Context, xc [][]float64, y []float64, penalized []bool, alpha float64, grid []float64) ([]cvPoint, error) {
	folds := s.Folds
	if folds < 2 {
		folds = 2
	}
	if folds > len(y) {
		folds = len(y)
	}

	mse := make([][]float64, folds)
	for f := 0; f < folds; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trainIdx := make([]int, 0, len(y))
		validIdx := make([]int, 0, len(y)/folds+1)
		for r := range y {
			if r%folds == f {
				validIdx = append(validIdx, r)
			} else {
				trainIdx = append(trainIdx, r)
			}
		}
		trainY := gather(y, trainIdx)
		trainX := make([][]float64, len(xc))
		for j := range xc {
			trainX[j] = gather(xc[j], trainIdx)
		}

		coef := make([]float64, len(xc))
		foldMSE := make([]float64, len(grid))
		s.descendPath(trainX, trainY, penalized, alpha, grid, coef, func(k int, c []float64) {
			total := 0.0
			for _, r := range validIdx {
				pred := 0.0
				for j := range xc {
					pred += xc[j][r] * c[j]
				}
				d := y[r] - pred
				total += d * d
			}
			foldMSE[k] = total / float64(len(validIdx))
		})
		mse[f] = foldMSE
	}

	curve := make([]cvPoint, len(grid))
	for k, lambda := range grid {
		mean := 0.0
		for f := 0; f < folds; f++ {
			mean += mse[f][k]
		}
		mean /= float64(folds)
		variance := 0.0
		for f := 0; f < folds; f++ {
			d := mse[f][k] - mean
			variance += d * d
		}
		if folds > 1 {
			variance /= float64(folds - 1)
		}
		curve[k] = cvPoint{lambda: lambda, mean: mean, se: math.Sqrt(variance / float64(folds))}
	}
	return curve, nil
}

// selectLambda applies the configured selection rule to a descending-lambda
// CV curve: the CV minimum at blend 0, the one-standard-error penalty at
// blend 1, a log-scale blend in between.
func selectLambda(curve []cvPoint, blend float64) float64 {
	minIdx := 0
	for k := range curve {
		if curve[k].mean < curve[minIdx].mean {
			minIdx = k
		}
	}
	lambdaMin := curve[minIdx].lambda
	bound := curve[minIdx].mean + curve[minIdx].se
	oneSEIdx := minIdx
	for k := 0; k <= minIdx; k++ {
		if curve[k].mean <= bound {
			oneSEIdx = k
			break
		}
	}
	lambda1SE := curve[oneSEIdx].lambda
	if blend <= 0 {
		return lambdaMin
	}
	if blend >= 1 {
		return lambda1SE
	}
	return math.Exp((1-blend)*math.Log(lambdaMin) + blend*math.Log(lambda1SE))
}

// descendPath runs cyclic coordinate descent along a descending penalty
// sequence, warm-starting each penalty from the previous solution. coef is
// updated in place; visit, when non-nil, observes the solution at every
// penalty index.
func (s *Solver) descendPath(xc [][]float64, y []float64, penalized []bool, alpha float64, grid []float64, coef []float64, visit func(k int, coef []float64)) {
	n := float64(len(y))
	norms := make([]float64, len(xc))
	for j, col := range xc {
		total := 0.0
		for _, v := range col {
			total += v * v
		}
		norms[j] = total / n
	}

	resid := make([]float64, len(y))
	copy(resid, y)
	for j, col := range xc {
		if coef[j] == 0 {
			continue
		}
		for r, v := range col {
			resid[r] -= v * coef[j]
		}
	}

	for k, lambda := range grid {
		l1 := lambda * alpha
		l2 := lambda * (1 - alpha)
		for sweep := 0; sweep < s.MaxSweeps; sweep++ {
			maxDelta := 0.0
			for j, col := range xc {
				if norms[j] == 0 {
					continue
				}
				old := coef[j]
				rho := 0.0
				for r, v := range col {
					rho += v * (resid[r] + v*old)
				}
				rho /= n
				var next float64
				if penalized[j] {
					next = softThreshold(rho, l1) / (norms[j] + l2)
				} else {
					next = rho / norms[j]
				}
				if next != old {
					delta := next - old
					for r, v := range col {
						resid[r] -= v * delta
					}
					coef[j] = next
					if d := math.Abs(delta); d > maxDelta {
						maxDelta = d
					}
				}
			}
			if maxDelta < s.Tol {
				break
			}
		}
		if visit != nil {
			visit(k, coef)
		}
	}
}

func softThreshold(x, t float64) float64 {
	switch {
	case x > t:
		return x - t
	case x < -t:
		return x + t
	default:
		return 0
	}
}

func gather(xs []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, r := range idx {
		out[i] = xs[r]
	}
	return out
}
