// Package em drives the alternating estimation of gLV parameters and latent
// per-sample biomass from compositional abundance data. Each iteration runs
// one E-step (parameters given biomass) and one M-step (biomass given
// parameters), optionally filtering samples inconsistent with the shared
// equilibrium model, until the biomass trace stabilizes.
package em

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"glvem/internal/elnet"
	"glvem/internal/estep"
	"glvem/internal/filter"
	"glvem/internal/model"
	"glvem/internal/mstep"
	"glvem/internal/normalize"
	"glvem/internal/preprocess"
	"glvem/internal/robust"
)

// State is the driver's iteration phase.
type State string

const (
	StateWarmup    State = "warmup"
	StateFiltering State = "filtering"
	StateConverged State = "converged"
)

// Driver owns one fitting configuration. A Driver is reusable; all
// per-run state lives inside Fit.
type Driver struct {
	cfg Config
}

func New(cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Oracle == nil {
		cfg.Oracle = elnet.NewSolver()
	}
	return &Driver{cfg: cfg}, nil
}

// Result is a completed (or iteration-capped) run. Converged is false when
// the run stopped at MaxIter without meeting the convergence criterion;
// callers must check it before trusting the final estimate.
type Result struct {
	Trace             Trace
	State             State
	Converged         bool
	FilteringDisabled bool
	Iterations        int

	// Residuals is the final E-step residual matrix (taxa x samples, NaN
	// where a pair was not retained); MResiduals the final M-step relative
	// residuals. Entropy is the per-taxon information-sufficiency
	// diagnostic from the final E-step.
	Residuals  *mat.Dense
	MResiduals *mat.Dense
	Entropy    []float64

	Abundance   *mat.Dense
	InitialMask *model.ExclusionMask
	FinalMask   *model.ExclusionMask

	// ExcludedSamples lists samples excluded for every taxon in the final
	// mask.
	ExcludedSamples []int
}

// FinalParameters returns the last trace entry's parameter estimate.
func (r *Result) FinalParameters() model.ParameterEstimate {
	return r.Trace.Last().Params
}

// FinalBiomass returns the last trace entry's biomass vector.
func (r *Result) FinalBiomass() []float64 {
	return r.Trace.Last().Biomass
}

// Fit runs the full estimation on a taxa x samples count matrix. Counts may
// already be relative abundances; only column proportions matter. The only
// fatal data error is a sample with zero total abundance.
func (d *Driver) Fit(ctx context.Context, counts *mat.Dense) (*Result, error) {
	cfg := d.cfg
	filteringDisabled := math.IsInf(cfg.Deviation, 1)

	prepDeviation := cfg.Deviation
	if filteringDisabled {
		prepDeviation = 0
	}
	pre, err := preprocess.Preprocess(counts, prepDeviation)
	if err != nil {
		return nil, err
	}
	abund := pre.Abundance

	// Seed biomass proportional to the CSS factor, scaled to the target
	// median.
	biomass := normalize.CSSFactor(abund, cfg.CSSQuantile)
	rescaleBiomass(biomass, pre.Mask, cfg.BiomassTarget)

	eCfg := estep.Config{
		Oracle:        cfg.Oracle,
		Workers:       cfg.Workers,
		Alpha:         cfg.Alpha,
		LambdaBlend:   cfg.LambdaBlend,
		SnapThreshold: cfg.SnapThreshold,
		Center:        cfg.Center,
	}

	acc := filter.NewMaskAccumulator(pre.Mask, cfg.RefreshPeriod)
	mask := pre.Mask.Clone()
	state := StateWarmup
	if filteringDisabled {
		// Filtering can never activate; the warm-up label still applies
		// until convergence.
		cfg.Logger.Debug("outlier filtering permanently disabled")
	}

	var (
		trace        Trace
		priorLambdas []float64
		lastE        estep.Result
		lastM        mstep.Result
	)

	for iter := 1; iter <= cfg.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		eRes, err := estep.Run(ctx, eCfg, abund, biomass, mask, priorLambdas)
		if err != nil {
			return nil, err
		}
		mRes, err := mstep.Run(ctx, cfg.Workers, abund, eRes.Params)
		if err != nil {
			return nil, err
		}

		biomass = append([]float64(nil), mRes.Biomass...)
		rescaleBiomass(biomass, mask, cfg.BiomassTarget)

		// The iteration is complete; only now does anything commit.
		trace.append(Iteration{
			Biomass: append([]float64(nil), biomass...),
			Params:  eRes.Params.Clone(),
			Lambdas: append([]float64(nil), eRes.Lambdas...),
		})
		priorLambdas = eRes.Lambdas
		lastE, lastM = eRes, mRes

		stable, change := biomassStable(&trace, mask, cfg.Tolerance)
		cfg.Logger.Debug("iteration complete",
			zap.Int("iteration", iter),
			zap.String("state", string(state)),
			zap.Float64("median_biomass_change", change),
			zap.Int("excluded_pairs", mask.CountExcluded()),
		)

		if state == StateWarmup && !filteringDisabled {
			warmupDone := false
			if cfg.WarmIter > 0 {
				warmupDone = iter >= cfg.WarmIter
			} else {
				warmupDone = iter >= cfg.MinWarmIter && stable
			}
			if warmupDone {
				state = StateFiltering
				cfg.Logger.Debug("warm-up complete, filtering enabled", zap.Int("iteration", iter))
			}
		}

		if state == StateFiltering {
			flagged := filter.DetectBadSamples(mRes.Residuals, abund, cfg.Deviation)
			mask = acc.Update(flagged)
		}

		if stable && (filteringDisabled || acc.Updates() >= cfg.MinFilterIter) {
			state = StateConverged
			cfg.Logger.Info("converged",
				zap.Int("iterations", iter),
				zap.Float64("median_biomass_change", change),
			)
			break
		}
	}

	converged := state == StateConverged
	if !converged {
		cfg.Logger.Warn("stopped at iteration cap without convergence",
			zap.Int("max_iter", cfg.MaxIter),
		)
	}

	return &Result{
		Trace:             trace,
		State:             state,
		Converged:         converged,
		FilteringDisabled: filteringDisabled,
		Iterations:        trace.Len(),
		Residuals:         lastE.Residuals,
		MResiduals:        lastM.Residuals,
		Entropy:           lastE.Entropy,
		Abundance:         abund,
		InitialMask:       pre.Mask.Clone(),
		FinalMask:         mask.Clone(),
		ExcludedSamples:   mask.ExcludedSamples(),
	}, nil
}

// rescaleBiomass scales the vector in place so that its median over retained
// samples equals target. Non-finite entries and fully excluded samples stay
// out of the median but are still rescaled.
func rescaleBiomass(biomass []float64, mask *model.ExclusionMask, target float64) {
	retained := make([]float64, 0, len(biomass))
	for s, v := range biomass {
		if !mask.SampleRetained(s) {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			continue
		}
		retained = append(retained, v)
	}
	med := robust.Median(retained)
	if math.IsNaN(med) || med <= 0 {
		return
	}
	factor := target / med
	for s := range biomass {
		biomass[s] *= factor
	}
}

// biomassStable reports whether the median relative change of the biomass
// over retained samples between the last two iterations is below tolerance.
// It also returns the observed change (NaN with fewer than two iterations).
func biomassStable(trace *Trace, mask *model.ExclusionMask, tolerance float64) (bool, float64) {
	if trace.Len() < 2 {
		return false, math.NaN()
	}
	prev := trace.At(trace.Len() - 2).Biomass
	curr := trace.Last().Biomass
	changes := make([]float64, 0, len(curr))
	for s := range curr {
		if !mask.SampleRetained(s) {
			continue
		}
		if prev[s] == 0 || math.IsNaN(prev[s]) || math.IsNaN(curr[s]) {
			continue
		}
		changes = append(changes, math.Abs(curr[s]-prev[s])/math.Abs(prev[s]))
	}
	med := robust.Median(changes)
	if math.IsNaN(med) {
		return false, med
	}
	return med < tolerance, med
}
