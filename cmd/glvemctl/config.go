package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	glvapi "glvem/pkg/glvem"
)

func loadOrDefaultFitRequest(configPath string) (glvapi.FitRequest, error) {
	if configPath == "" {
		return glvapi.FitRequest{}, nil
	}
	req, err := loadFitRequestFromConfig(configPath)
	if err != nil {
		return glvapi.FitRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

func loadFitRequestFromConfig(path string) (glvapi.FitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return glvapi.FitRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return glvapi.FitRequest{}, err
	}

	var req glvapi.FitRequest
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asFloat64(raw["alpha"]); ok {
		req.Alpha = v
	}
	if v, ok := asFloat64(raw["lambda_blend"]); ok {
		req.LambdaBlend = v
	}
	if v, ok := asFloat64(raw["deviation"]); ok {
		req.Deviation = v
	}
	if v, ok := asInt(raw["max_iter"]); ok {
		req.MaxIter = v
	}
	if v, ok := asInt(raw["warm_iter"]); ok {
		req.WarmIter = v
	}
	if v, ok := asInt(raw["refresh_period"]); ok {
		req.RefreshPeriod = v
	}
	if v, ok := asFloat64(raw["biomass_target"]); ok {
		req.BiomassTarget = v
	}
	if v, ok := asFloat64(raw["snap_threshold"]); ok {
		req.SnapThreshold = v
	}
	if v, ok := asFloat64(raw["tolerance"]); ok {
		req.Tolerance = v
	}
	if v, ok := asFloat64(raw["css_quantile"]); ok {
		req.CSSQuantile = v
	}
	if v, ok := asBool(raw["center"]); ok {
		req.Center = v
	}
	return req, nil
}

// readCountsCSV parses a taxa x samples count table. The header row names the
// samples, each following row starts with the taxon id.
func readCountsCSV(path string) ([]string, [][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("counts table needs a header and at least one taxon row")
	}
	header := records[0]
	if len(header) < 2 {
		return nil, nil, fmt.Errorf("counts table needs at least one sample column")
	}
	samples := len(header) - 1

	taxa := make([]string, 0, len(records)-1)
	counts := make([][]float64, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) != samples+1 {
			return nil, nil, fmt.Errorf("row %d: got %d fields want %d", i+2, len(record), samples+1)
		}
		if record[0] == "" {
			return nil, nil, fmt.Errorf("row %d: empty taxon id", i+2)
		}
		row := make([]float64, samples)
		for j, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %s: %w", i+2, header[j+1], err)
			}
			if v < 0 {
				return nil, nil, fmt.Errorf("row %d column %s: negative count %v", i+2, header[j+1], v)
			}
			row[j] = v
		}
		taxa = append(taxa, record[0])
		counts = append(counts, row)
	}
	return taxa, counts, nil
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
