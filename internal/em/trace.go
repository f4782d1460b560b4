package em

import (
	"glvem/internal/model"
)

// Iteration is one committed trace entry. Entries are appended only after an
// iteration's E-step and M-step have both completed.
type Iteration struct {
	Biomass []float64
	Params  model.ParameterEstimate
	Lambdas []float64
}

// Trace is the append-only per-iteration history; its last entry is the
// final estimate.
type Trace struct {
	iterations []Iteration
}

func (t *Trace) append(it Iteration) {
	t.iterations = append(t.iterations, it)
}

func (t *Trace) Len() int {
	return len(t.iterations)
}

func (t *Trace) At(i int) Iteration {
	return t.iterations[i]
}

func (t *Trace) Last() Iteration {
	return t.iterations[len(t.iterations)-1]
}

// BiomassHistory returns one biomass vector per iteration.
func (t *Trace) BiomassHistory() [][]float64 {
	out := make([][]float64, len(t.iterations))
	for i, it := range t.iterations {
		out[i] = append([]float64(nil), it.Biomass...)
	}
	return out
}

// LambdaHistory returns the selected penalty per taxon per iteration.
func (t *Trace) LambdaHistory() [][]float64 {
	out := make([][]float64, len(t.iterations))
	for i, it := range t.iterations {
		out[i] = append([]float64(nil), it.Lambdas...)
	}
	return out
}

// Records converts the trace to its persisted form.
func (t *Trace) Records() []model.IterationRecord {
	out := make([]model.IterationRecord, len(t.iterations))
	for i, it := range t.iterations {
		p := len(it.Params.Growth)
		interactions := make([][]float64, p)
		for r := 0; r < p; r++ {
			row := make([]float64, p)
			for c := 0; c < p; c++ {
				row[c] = it.Params.Interactions.At(r, c)
			}
			interactions[r] = row
		}
		out[i] = model.IterationRecord{
			Iteration:    i + 1,
			Biomass:      append([]float64(nil), it.Biomass...),
			Growth:       append([]float64(nil), it.Params.Growth...),
			Interactions: interactions,
			Lambdas:      append([]float64(nil), it.Lambdas...),
		}
	}
	return out
}
