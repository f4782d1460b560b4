package storage

import (
	"context"

	"glvem/internal/model"
)

// Store persists fitting runs and their iteration traces.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveTrace(ctx context.Context, runID string, trace []model.IterationRecord) error
	GetTrace(ctx context.Context, runID string) ([]model.IterationRecord, bool, error)
}
