// Package selection resolves user-facing category toggles to canonical
// category identifiers.
package selection

import (
	"sort"

	"github.com/coolbeans/csscoverage/pkg/matrix"
)

// Resolve maps toggles to canonical category ids. A toggle may be a
// canonical id, a short toggle id, or a display label. The result is
// deduplicated and sorted lexicographically; unknown toggles are ignored so
// that stale persisted state keeps loading.
func Resolve(store *matrix.Store, toggles []string) []matrix.CategoryID {
	seen := make(map[matrix.CategoryID]bool, len(toggles))
	resolved := make([]matrix.CategoryID, 0, len(toggles))
	for _, toggle := range toggles {
		category, ok := store.Lookup(toggle)
		if !ok || seen[category.ID] {
			continue
		}
		seen[category.ID] = true
		resolved = append(resolved, category.ID)
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i] < resolved[j] })
	return resolved
}

// Toggles returns the short toggle ids of the given categories, in the same
// order. Unknown ids are skipped.
func Toggles(store *matrix.Store, ids []matrix.CategoryID) []string {
	toggles := make([]string, 0, len(ids))
	for _, id := range ids {
		if category, ok := store.Category(id); ok {
			toggles = append(toggles, category.Toggle)
		}
	}
	return toggles
}

// All returns every category id of the store in resolved order.
func All(store *matrix.Store) []matrix.CategoryID {
	var toggles []string
	for _, category := range store.Categories() {
		toggles = append(toggles, string(category.ID))
	}
	return Resolve(store, toggles)
}
