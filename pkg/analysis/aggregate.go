// Package analysis turns browser shares and the support matrix into ranked
// per-feature support percentages.
package analysis

import (
	"math"
	"sort"

	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/matrix"
)

// Result is the aggregated support for one feature.
type Result struct {
	Feature        string  `json:"feature"`
	SupportPercent float64 `json:"support_percent"`
}

// Aggregate computes, for each requested category, the share of users whose
// browser supports each feature. Results within a category are sorted by
// ascending support; features with equal support keep declaration order.
// Unknown categories map to an empty slice. Inputs are not modified.
func Aggregate(store *matrix.Store, categoryIDs []matrix.CategoryID, shares browser.Shares, opts matrix.Options) map[matrix.CategoryID][]Result {
	results := make(map[matrix.CategoryID][]Result, len(categoryIDs))
	for _, id := range categoryIDs {
		results[id] = AggregateFeatures(store.Features(id), shares, opts)
	}
	return results
}

// AggregateFeatures scores a list of features and returns them ranked.
func AggregateFeatures(features []matrix.Feature, shares browser.Shares, opts matrix.Options) []Result {
	ids := browser.IDs()
	results := make([]Result, len(features))
	for i, feature := range features {
		var sum float64
		for col, flag := range feature.Flags {
			if col >= len(ids) || !flag.Counts(opts) {
				continue
			}
			sum += shares[ids[col]]
		}
		results[i] = Result{Feature: feature.Name, SupportPercent: Round1(sum)}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].SupportPercent < results[b].SupportPercent
	})
	return results
}

// Round1 rounds half-up to one decimal place.
func Round1(value float64) float64 {
	return math.Floor(value*10+0.5) / 10
}
