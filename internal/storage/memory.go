package storage

import (
	"context"
	"sort"
	"sync"

	"glvem/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	traces      map[string][]model.IterationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.traces = make(map[string][]model.IterationRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUTC != out[j].CreatedAtUTC {
			return out[i].CreatedAtUTC > out[j].CreatedAtUTC
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SaveTrace(_ context.Context, runID string, trace []model.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.traces[runID] = cloneTrace(trace)
	return nil
}

func (s *MemoryStore) GetTrace(_ context.Context, runID string) ([]model.IterationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[runID]
	if !ok {
		return nil, false, nil
	}
	return cloneTrace(trace), true, nil
}

func cloneTrace(trace []model.IterationRecord) []model.IterationRecord {
	out := make([]model.IterationRecord, len(trace))
	for i, rec := range trace {
		out[i] = model.IterationRecord{
			Iteration: rec.Iteration,
			Biomass:   append([]float64(nil), rec.Biomass...),
			Growth:    append([]float64(nil), rec.Growth...),
			Lambdas:   append([]float64(nil), rec.Lambdas...),
		}
		if rec.Interactions != nil {
			rows := make([][]float64, len(rec.Interactions))
			for r, row := range rec.Interactions {
				rows[r] = append([]float64(nil), row...)
			}
			out[i].Interactions = rows
		}
	}
	return out
}
