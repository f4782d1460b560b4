package em

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"glvem/internal/regression"
)

const (
	defaultWorkers       = 1
	defaultBiomassTarget = 1e6
	defaultMaxIter       = 30
	defaultMinWarmIter   = 5
	defaultMinFilterIter = 5
	defaultRefreshPeriod = 10
	defaultAlpha         = 1.0
	defaultSnapThreshold = 1e-5
	defaultTolerance     = 1e-3
	defaultCSSQuantile   = 0.5
)

// Config drives one fitting run. The zero value of every field selects a
// default; Deviation defaults to +Inf, which disables outlier filtering
// permanently.
type Config struct {
	// Oracle solves the per-taxon regressions. Defaults to the bundled
	// coordinate-descent elastic net.
	Oracle regression.Oracle
	// Workers bounds the per-taxon and per-sample parallelism. The pool
	// lives for one Fit call and is torn down with it.
	Workers int
	// BiomassTarget is the median biomass over retained samples after the
	// per-iteration rescale.
	BiomassTarget float64
	// Deviation controls outlier handling: the initial-mask threshold at
	// preprocessing and the robust z-score cutoff for bad-sample detection.
	// A non-finite value disables filtering permanently.
	Deviation float64
	// MaxIter is the hard iteration cap. Reaching it is surfaced through
	// Result.Converged, not an error.
	MaxIter int
	// WarmIter, when positive, is the explicit warm-up iteration count.
	// Zero means the warm-up ends when the biomass trace stabilizes after
	// MinWarmIter iterations.
	WarmIter int
	// MinWarmIter is the minimum iteration count before the stability-based
	// warm-up exit may trigger.
	MinWarmIter int
	// MinFilterIter is the number of consecutive filtering iterations
	// required before convergence is accepted.
	MinFilterIter int
	// RefreshPeriod is the number of filtering iterations between full mask
	// resets.
	RefreshPeriod int
	// Alpha is the elastic-net mixing parameter, 1 meaning pure L1.
	Alpha float64
	// LambdaBlend selects the penalty between the CV minimum (0) and the
	// one-standard-error rule (1).
	LambdaBlend float64
	// SnapThreshold zeroes off-diagonal interaction coefficients below it.
	SnapThreshold float64
	// Tolerance bounds the median relative biomass change between
	// consecutive iterations for the trace to count as stable.
	Tolerance float64
	// CSSQuantile is the cumulative-sum-scaling quantile used to seed the
	// initial biomass.
	CSSQuantile float64
	// Center subtracts column means from each regression sub-problem.
	Center bool
	// Logger receives per-iteration progress. Defaults to a nop logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BiomassTarget == 0 {
		c.BiomassTarget = defaultBiomassTarget
	}
	if c.Deviation == 0 {
		c.Deviation = math.Inf(1)
	}
	if c.MaxIter <= 0 {
		c.MaxIter = defaultMaxIter
	}
	if c.MinWarmIter <= 0 {
		c.MinWarmIter = defaultMinWarmIter
	}
	if c.MinFilterIter <= 0 {
		c.MinFilterIter = defaultMinFilterIter
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = defaultRefreshPeriod
	}
	if c.Alpha == 0 {
		c.Alpha = defaultAlpha
	}
	if c.SnapThreshold == 0 {
		c.SnapThreshold = defaultSnapThreshold
	}
	if c.Tolerance == 0 {
		c.Tolerance = defaultTolerance
	}
	if c.CSSQuantile == 0 {
		c.CSSQuantile = defaultCSSQuantile
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if c.Alpha < 0 || c.Alpha > 1 {
		return errors.New("alpha must be in [0, 1]")
	}
	if c.LambdaBlend < 0 || c.LambdaBlend > 1 {
		return errors.New("lambda blend must be in [0, 1]")
	}
	if c.BiomassTarget <= 0 {
		return errors.New("biomass target must be > 0")
	}
	if c.Deviation < 0 {
		return errors.New("deviation must be >= 0")
	}
	if c.CSSQuantile <= 0 || c.CSSQuantile > 1 {
		return errors.New("css quantile must be in (0, 1]")
	}
	if c.WarmIter < 0 {
		return errors.New("warm-up iterations must be >= 0")
	}
	if c.WarmIter > 0 && c.WarmIter >= c.MaxIter {
		return errors.New("warm-up iterations must be < max iterations")
	}
	return nil
}
