package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	glvapi "glvem/pkg/glvem"
)

const exportsDir = "exports"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "fit":
		return runFit(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	countsPath := fs.String("counts", "", "counts CSV path (rows are taxa, first column taxon id, header row holds sample names)")
	configPath := fs.String("config", "", "optional fit config JSON path")
	storeKind := fs.String("store", "", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "glvem.db", "sqlite database path")
	workers := fs.Int("workers", 0, "worker count (0 uses serial execution)")
	alpha := fs.Float64("alpha", 0, "elastic net mixing parameter in (0,1] (0 uses the lasso default)")
	lambdaBlend := fs.Float64("lambda-blend", 0, "penalty selection blend between CV minimum (0) and one-SE (1)")
	deviation := fs.Float64("deviation", 0, "outlier deviation threshold (0 disables sample filtering)")
	maxIter := fs.Int("max-iter", 0, "iteration cap (0 uses default)")
	warmIter := fs.Int("warm-iter", 0, "fixed warm-up iterations before filtering (0 derives from stability)")
	refreshPeriod := fs.Int("refresh-period", 0, "filter mask refresh period in iterations (0 uses default)")
	biomassTarget := fs.Float64("biomass-target", 0, "target median biomass after rescaling (0 uses default)")
	tolerance := fs.Float64("tolerance", 0, "median relative biomass change convergence tolerance (0 uses default)")
	jsonOut := fs.Bool("json", false, "emit fit summary as JSON")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := loadOrDefaultFitRequest(*configPath)
	if err != nil {
		return err
	}
	if *countsPath == "" {
		return errors.New("fit requires --counts")
	}
	taxa, counts, err := readCountsCSV(*countsPath)
	if err != nil {
		return fmt.Errorf("read counts: %w", err)
	}
	req.Taxa = taxa
	req.Counts = counts

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if setFlags["workers"] {
		req.Workers = *workers
	}
	if setFlags["alpha"] {
		req.Alpha = *alpha
	}
	if setFlags["lambda-blend"] {
		req.LambdaBlend = *lambdaBlend
	}
	if setFlags["deviation"] {
		req.Deviation = *deviation
	}
	if setFlags["max-iter"] {
		req.MaxIter = *maxIter
	}
	if setFlags["warm-iter"] {
		req.WarmIter = *warmIter
	}
	if setFlags["refresh-period"] {
		req.RefreshPeriod = *refreshPeriod
	}
	if setFlags["biomass-target"] {
		req.BiomassTarget = *biomassTarget
	}
	if setFlags["tolerance"] {
		req.Tolerance = *tolerance
	}

	logger, err := buildLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, err := glvapi.New(glvapi.Options{
		StoreKind: *storeKind,
		DBPath:    *dbPath,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Fit(ctx, req)
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(summary)
	}
	fmt.Printf("fit run_id=%s iterations=%d converged=%v excluded_samples=%d\n",
		summary.RunID, summary.Iterations, summary.Converged, len(summary.ExcludedSamples))
	for i, name := range taxa {
		fmt.Printf("  %s growth=%.6g entropy=%.3f\n", name, summary.FinalGrowth[i], summary.Entropy[i])
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	storeKind := fs.String("store", "", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "glvem.db", "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := glvapi.New(glvapi.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, glvapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	if *jsonOut {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Printf("%s created=%s taxa=%d samples=%d iterations=%d converged=%v excluded=%d\n",
			item.RunID, item.CreatedAtUTC, item.Taxa, item.Samples,
			item.Iterations, item.Converged, item.ExcludedSamples)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	storeKind := fs.String("store", "", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "glvem.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := glvapi.New(glvapi.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, glvapi.ExportRequest{
		RunID:  *runID,
		Latest: *latest,
		OutDir: *outDir,
	})
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, summary.Directory)
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: glvemctl <fit|runs|export> [flags]", msg)
}
