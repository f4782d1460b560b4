package model

import "gonum.org/v1/gonum/mat"

// ParameterEstimate holds one iteration's gLV model estimate: per-taxon
// intrinsic growth rates and the pairwise interaction matrix. The diagonal
// of Interactions is fixed at -1; it is the normalization anchor that
// resolves the scale ambiguity between growth, interactions and biomass.
type ParameterEstimate struct {
	Growth       []float64
	Interactions *mat.Dense
}

// Clone returns a deep copy of the estimate.
func (p ParameterEstimate) Clone() ParameterEstimate {
	out := ParameterEstimate{
		Growth: append([]float64(nil), p.Growth...),
	}
	if p.Interactions != nil {
		out.Interactions = mat.DenseCopyOf(p.Interactions)
	}
	return out
}

// ExclusionMask marks (taxon, sample) pairs excluded from that taxon's
// regression. Masks are taxa x samples and value semantics are copy-on-write
// through Clone; the zero pattern of the abundance matrix is tracked
// separately and is not part of the mask.
type ExclusionMask struct {
	taxa     int
	samples  int
	excluded []bool
}

func NewExclusionMask(taxa, samples int) *ExclusionMask {
	return &ExclusionMask{
		taxa:     taxa,
		samples:  samples,
		excluded: make([]bool, taxa*samples),
	}
}

func (m *ExclusionMask) Dims() (taxa, samples int) {
	return m.taxa, m.samples
}

func (m *ExclusionMask) At(taxon, sample int) bool {
	return m.excluded[taxon*m.samples+sample]
}

func (m *ExclusionMask) Exclude(taxon, sample int) {
	m.excluded[taxon*m.samples+sample] = true
}

// ExcludeSample excludes a sample for every taxon.
func (m *ExclusionMask) ExcludeSample(sample int) {
	for i := 0; i < m.taxa; i++ {
		m.excluded[i*m.samples+sample] = true
	}
}

func (m *ExclusionMask) Clone() *ExclusionMask {
	out := NewExclusionMask(m.taxa, m.samples)
	copy(out.excluded, m.excluded)
	return out
}

func (m *ExclusionMask) Equal(other *ExclusionMask) bool {
	if other == nil || m.taxa != other.taxa || m.samples != other.samples {
		return false
	}
	for i := range m.excluded {
		if m.excluded[i] != other.excluded[i] {
			return false
		}
	}
	return true
}

// Contains reports whether every exclusion in other is also set in m.
func (m *ExclusionMask) Contains(other *ExclusionMask) bool {
	if other == nil || m.taxa != other.taxa || m.samples != other.samples {
		return false
	}
	for i := range other.excluded {
		if other.excluded[i] && !m.excluded[i] {
			return false
		}
	}
	return true
}

func (m *ExclusionMask) CountExcluded() int {
	n := 0
	for _, v := range m.excluded {
		if v {
			n++
		}
	}
	return n
}

// ExcludedSamples returns the indices of samples excluded for every taxon,
// in ascending order.
func (m *ExclusionMask) ExcludedSamples() []int {
	out := make([]int, 0)
	for s := 0; s < m.samples; s++ {
		all := true
		for i := 0; i < m.taxa; i++ {
			if !m.excluded[i*m.samples+s] {
				all = false
				break
			}
		}
		if all {
			out = append(out, s)
		}
	}
	return out
}

// SampleRetained reports whether sample is retained for at least one taxon.
func (m *ExclusionMask) SampleRetained(sample int) bool {
	for i := 0; i < m.taxa; i++ {
		if !m.excluded[i*m.samples+sample] {
			return true
		}
	}
	return false
}

// VersionedRecord carries schema/codec versions for persisted records.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord is the persisted summary of one fitting run.
type RunRecord struct {
	VersionedRecord
	ID                string    `json:"id"`
	CreatedAtUTC      string    `json:"created_at_utc"`
	Taxa              []string  `json:"taxa"`
	Samples           int       `json:"samples"`
	Alpha             float64   `json:"alpha"`
	Deviation         float64   `json:"deviation"`
	MaxIter           int       `json:"max_iter"`
	Iterations        int       `json:"iterations"`
	Converged         bool      `json:"converged"`
	FilteringDisabled bool      `json:"filtering_disabled"`
	ExcludedSamples   []int     `json:"excluded_samples,omitempty"`
	FinalBiomass      []float64 `json:"final_biomass,omitempty"`
}

// IterationRecord is the persisted form of one trace entry.
type IterationRecord struct {
	Iteration    int         `json:"iteration"`
	Biomass      []float64   `json:"biomass"`
	Growth       []float64   `json:"growth"`
	Interactions [][]float64 `json:"interactions"`
	Lambdas      []float64   `json:"lambdas"`
}
