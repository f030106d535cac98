package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CostSummary aggregates spend across every run directory under a root by
// reading artifact sidecars.
type CostSummary struct {
	TotalCostUSD    float64            `json:"total_cost_usd"`
	ImageCount      int                `json:"image_count"`
	AvgCostPerImage float64            `json:"avg_cost_per_image"`
	Runs            []string           `json:"runs"`
	ByProvider      map[string]float64 `json:"by_provider"`
}

// ScanCosts walks root one level deep (run directories) plus root itself and
// sums sidecar costs. Manifest files and non-sidecar JSON are skipped.
func ScanCosts(root string) (CostSummary, error) {
	sum := CostSummary{ByProvider: make(map[string]float64)}
	runs := make(map[string]bool)

	dirs := []string{root}
	if children, err := os.ReadDir(root); err == nil {
		for _, d := range children {
			if d.IsDir() {
				dirs = append(dirs, filepath.Join(root, d.Name()))
			}
		}
	} else if !os.IsNotExist(err) {
		return CostSummary{}, err
	}

	for _, dir := range dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") || name == ManifestName {
				continue
			}
			b, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			var sc Sidecar
			if err := json.Unmarshal(b, &sc); err != nil || sc.RunID == "" {
				continue
			}
			sum.TotalCostUSD += sc.CostUSD
			sum.ImageCount++
			sum.ByProvider[sc.Provider] += sc.CostUSD
			runs[sc.RunID] = true
		}
	}

	for r := range runs {
		sum.Runs = append(sum.Runs, r)
	}
	sort.Strings(sum.Runs)
	if sum.ImageCount > 0 {
		sum.AvgCostPerImage = sum.TotalCostUSD / float64(sum.ImageCount)
	}
	return sum, nil
}
