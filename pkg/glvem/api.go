// Package glvem is the embedding API for fitting generalized Lotka-Volterra
// parameters and latent biomass from compositional abundance profiles. It
// wraps the estimation driver with run persistence and artifact export.
package glvem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"glvem/internal/em"
	"glvem/internal/model"
	"glvem/internal/storage"
)

const (
	defaultExportsDir = "exports"
	defaultDBPath     = "glvem.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	ExportsDir string
	Logger     *zap.Logger
}

type Client struct {
	store       storage.Store
	logger      *zap.Logger
	exportsDir  string
	initialized bool
}

type FitRequest struct {
	// Counts is taxa x samples; rows follow Taxa when Taxa is set.
	Counts [][]float64
	Taxa   []string

	Workers       int
	Alpha         float64
	LambdaBlend   float64
	Deviation     float64
	MaxIter       int
	WarmIter      int
	RefreshPeriod int
	BiomassTarget float64
	SnapThreshold float64
	Tolerance     float64
	CSSQuantile   float64
	Center        bool
}

type FitSummary struct {
	RunID           string
	Iterations      int
	Converged       bool
	ExcludedSamples []int
	FinalBiomass    []float64
	FinalGrowth     []float64
	Interactions    [][]float64
	Entropy         []float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID           string
	CreatedAtUTC    string
	Taxa            int
	Samples         int
	Iterations      int
	Converged       bool
	ExcludedSamples int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) Fit(ctx context.Context, req FitRequest) (FitSummary, error) {
	counts, err := countsMatrix(req.Counts)
	if err != nil {
		return FitSummary{}, err
	}
	p, n := counts.Dims()
	if len(req.Taxa) > 0 && len(req.Taxa) != p {
		return FitSummary{}, fmt.Errorf("taxa labels: got %d for %d rows", len(req.Taxa), p)
	}
	taxa := req.Taxa
	if len(taxa) == 0 {
		taxa = make([]string, p)
		for i := range taxa {
			taxa[i] = fmt.Sprintf("taxon_%d", i)
		}
	}

	driver, err := em.New(em.Config{
		Workers:       req.Workers,
		BiomassTarget: req.BiomassTarget,
		Deviation:     req.Deviation,
		MaxIter:       req.MaxIter,
		WarmIter:      req.WarmIter,
		RefreshPeriod: req.RefreshPeriod,
		Alpha:         req.Alpha,
		LambdaBlend:   req.LambdaBlend,
		SnapThreshold: req.SnapThreshold,
		Tolerance:     req.Tolerance,
		CSSQuantile:   req.CSSQuantile,
		Center:        req.Center,
		Logger:        c.logger,
	})
	if err != nil {
		return FitSummary{}, err
	}

	if err := c.ensureStore(ctx); err != nil {
		return FitSummary{}, err
	}

	now := time.Now().UTC()
	runID := fmt.Sprintf("fit-%dx%d-%d", p, n, now.UnixNano())

	res, err := driver.Fit(ctx, counts)
	if err != nil {
		return FitSummary{}, err
	}

	params := res.FinalParameters()
	biomass := res.FinalBiomass()

	// Deviation of +Inf means filtering was disabled; the stored record
	// carries 0 with the disabled flag instead, JSON has no infinity.
	storedDeviation := req.Deviation
	if storedDeviation == 0 || math.IsInf(storedDeviation, 1) {
		storedDeviation = 0
	}

	record := model.RunRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:                runID,
		CreatedAtUTC:      now.Format(time.RFC3339Nano),
		Taxa:              taxa,
		Samples:           n,
		Alpha:             req.Alpha,
		Deviation:         storedDeviation,
		MaxIter:           req.MaxIter,
		Iterations:        res.Iterations,
		Converged:         res.Converged,
		FilteringDisabled: res.FilteringDisabled,
		ExcludedSamples:   res.ExcludedSamples,
		FinalBiomass:      biomass,
	}
	if err := c.store.SaveRun(ctx, record); err != nil {
		return FitSummary{}, err
	}
	if err := c.store.SaveTrace(ctx, runID, res.Trace.Records()); err != nil {
		return FitSummary{}, err
	}

	return FitSummary{
		RunID:           runID,
		Iterations:      res.Iterations,
		Converged:       res.Converged,
		ExcludedSamples: append([]int(nil), res.ExcludedSamples...),
		FinalBiomass:    append([]float64(nil), biomass...),
		FinalGrowth:     append([]float64(nil), params.Growth...),
		Interactions:    denseRows(params.Interactions),
		Entropy:         append([]float64(nil), res.Entropy...),
	}, nil
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) > req.Limit {
		records = records[:req.Limit]
	}

	out := make([]RunItem, 0, len(records))
	for _, rec := range records {
		out = append(out, RunItem{
			RunID:           rec.ID,
			CreatedAtUTC:    rec.CreatedAtUTC,
			Taxa:            len(rec.Taxa),
			Samples:         rec.Samples,
			Iterations:      rec.Iterations,
			Converged:       rec.Converged,
			ExcludedSamples: len(rec.ExcludedSamples),
		})
	}
	return out, nil
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	if err := c.ensureStore(ctx); err != nil {
		return ExportSummary{}, err
	}

	runID := req.RunID
	if req.Latest {
		records, err := c.store.ListRuns(ctx)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(records) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = records[0].ID
	}

	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		return ExportSummary{}, fmt.Errorf("run not found: %s", runID)
	}
	trace, ok, err := c.store.GetTrace(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		trace = nil
	}

	dir := filepath.Join(req.OutDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportSummary{}, err
	}
	if err := writeJSON(filepath.Join(dir, "run.json"), run); err != nil {
		return ExportSummary{}, err
	}
	if err := writeJSON(filepath.Join(dir, "trace.json"), trace); err != nil {
		return ExportSummary{}, err
	}

	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func countsMatrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("counts matrix is empty")
	}
	n := len(rows[0])
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("counts row %d: got %d columns want %d", i, len(row), n)
		}
	}
	out := mat.NewDense(len(rows), n, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out, nil
}

func denseRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		mat.Row(row, i, m)
		out[i] = row
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
