// Package regression defines the penalized-regression capability consumed by
// the E-step. The core never depends on a concrete solver; it talks to an
// Oracle and only relies on the contract below.
package regression

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateDesign reports a sub-problem with too few rows for its
// regressor count. The E-step surfaces it as a distinguishable per-taxon
// failure; it is never silently turned into a zero coefficient vector.
var ErrDegenerateDesign = errors.New("degenerate design: too few rows for regressor count")

// MinRowMargin is the number of rows required beyond the regressor count
// before a fit is attempted.
const MinRowMargin = 2

// Problem is one taxon's elastic-net sub-problem. The first design column's
// coefficient is unpenalized when UnpenalizedFirst is set; every other
// coefficient carries the full elastic-net penalty.
type Problem struct {
	// Y is the response over retained samples.
	Y []float64
	// X is the design matrix, rows aligned with Y.
	X *mat.Dense
	// UnpenalizedFirst exempts the first column from the penalty.
	UnpenalizedFirst bool
	// Alpha is the elastic-net mixing parameter, 1 meaning pure L1.
	Alpha float64
	// LambdaBlend selects the penalty between the cross-validation minimum
	// (0) and the one-standard-error rule (1); intermediate values blend the
	// two on the log scale.
	LambdaBlend float64
	// PriorLambda, when positive, centers the penalty search grid on the
	// previous iteration's selection instead of bootstrapping a fresh grid.
	PriorLambda float64
}

// Fit is the oracle's answer: coefficients aligned with the design columns,
// the squared residual for every input row, and the selected penalty.
type Fit struct {
	Coefficients []float64
	Residuals    []float64
	Lambda       float64
}

// Oracle fits one Problem. Implementations must pre-filter response outliers
// beyond median +/- 5*IQR before fitting, must be safe for concurrent use,
// and must return an error wrapping ErrDegenerateDesign when the usable row
// count is below regressors + MinRowMargin.
type Oracle interface {
	Fit(ctx context.Context, p Problem) (Fit, error)
}
