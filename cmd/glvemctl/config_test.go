package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFitRequestFromConfig(t *testing.T) {
	path := writeTempFile(t, "fit.json", `{
		"workers": 4,
		"alpha": 0.5,
		"lambda_blend": 0.25,
		"deviation": 3,
		"max_iter": 40,
		"warm_iter": 5,
		"refresh_period": 10,
		"biomass_target": 2000000,
		"tolerance": 0.0005,
		"center": true
	}`)

	req, err := loadFitRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Workers != 4 || req.Alpha != 0.5 || req.LambdaBlend != 0.25 {
		t.Fatalf("got=%+v", req)
	}
	if req.Deviation != 3 || req.MaxIter != 40 || req.WarmIter != 5 {
		t.Fatalf("got=%+v", req)
	}
	if req.BiomassTarget != 2e6 || req.Tolerance != 0.0005 || !req.Center {
		t.Fatalf("got=%+v", req)
	}
}

func TestLoadFitRequestIgnoresUnknownAndMissingKeys(t *testing.T) {
	path := writeTempFile(t, "fit.json", `{"workers": 2, "unrelated": "x"}`)

	req, err := loadFitRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Workers != 2 {
		t.Fatalf("got=%d want=2", req.Workers)
	}
	if req.Alpha != 0 || req.MaxIter != 0 {
		t.Fatalf("unset keys should stay zero: %+v", req)
	}
}

func TestLoadFitRequestMalformed(t *testing.T) {
	path := writeTempFile(t, "fit.json", `{broken`)
	if _, err := loadFitRequestFromConfig(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestReadCountsCSV(t *testing.T) {
	path := writeTempFile(t, "counts.csv", "taxon,s1,s2,s3\nakkermansia,10,0,2.5\nbacteroides,4,8,1\n")

	taxa, counts, err := readCountsCSV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(taxa) != 2 || taxa[0] != "akkermansia" || taxa[1] != "bacteroides" {
		t.Fatalf("got=%v", taxa)
	}
	if len(counts) != 2 || len(counts[0]) != 3 {
		t.Fatalf("got %dx%d counts", len(counts), len(counts[0]))
	}
	if counts[0][2] != 2.5 || counts[1][1] != 8 {
		t.Fatalf("got=%v", counts)
	}
}

func TestReadCountsCSVRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"header only": "taxon,s1\n",
		"ragged row":  "taxon,s1,s2\na,1,2\nb,3\n",
		"empty id":    "taxon,s1\n,1\n",
		"non numeric": "taxon,s1\na,abc\n",
		"negative":    "taxon,s1\na,-2\n",
		"no samples":  "taxon\na\n",
	}
	for name, content := range cases {
		path := writeTempFile(t, "counts.csv", content)
		if _, _, err := readCountsCSV(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunUsage(t *testing.T) {
	ctx := context.Background()
	if err := run(ctx, nil); err == nil {
		t.Fatalf("expected usage error for missing command")
	}
	if err := run(ctx, []string{"bogus"}); err == nil {
		t.Fatalf("expected usage error for unknown command")
	}
	if err := run(ctx, []string{"fit"}); err == nil {
		t.Fatalf("expected error for fit without counts")
	}
	if err := run(ctx, []string{"export"}); err == nil {
		t.Fatalf("expected error for export without selector")
	}
}
