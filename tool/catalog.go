package tool

import (
	"slices"

	"github.com/petal-labs/bridgeflow/core"
)

// Find returns the named tool from a catalog.
func Find(catalog []core.Tool, name string) (core.Tool, bool) {
	return findTool(catalog, name)
}

// Categories groups a catalog by category, defaulting unset categories.
// Tools keep their catalog order within each group.
func Categories(catalog []core.Tool) map[string][]core.Tool {
	groups := make(map[string][]core.Tool)
	for _, t := range catalog {
		category := t.CategoryOrDefault()
		groups[category] = append(groups[category], t)
	}
	return groups
}

// CategoryNames returns the category names present in a catalog in
// deterministic order.
func CategoryNames(catalog []core.Tool) []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, t := range catalog {
		category := t.CategoryOrDefault()
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		names = append(names, category)
	}
	slices.Sort(names)
	return names
}
