package storage

import "sort"

// LifecycleRule deletes objects under Prefix once they are older than AgeDays.
type LifecycleRule struct {
	Prefix  string
	AgeDays int
}

// mergeLifecycleRule adds a rule for prefix unless one already exists. The rule
// registered first for a prefix stays in force: a later call never replaces it,
// whatever its age, so retention can't be shortened by a redeploy with new settings.
// The returned bool is false when existing already covers prefix.
func mergeLifecycleRule(existing []LifecycleRule, prefix string, ageDays int) ([]LifecycleRule, bool) {
	for _, r := range existing {
		if r.Prefix == prefix {
			return existing, false
		}
	}
	merged := make([]LifecycleRule, 0, len(existing)+1)
	merged = append(merged, existing...)
	merged = append(merged, LifecycleRule{Prefix: prefix, AgeDays: ageDays})
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Prefix < merged[j].Prefix })
	return merged, true
}
