package gogate

import "sort"

// FeatureAccess is one row of a tier's feature matrix.
type FeatureAccess struct {
	Enabled bool        `json:"enabled"`
	Limit   *UsageLimit `json:"limit,omitempty"`
}

// TierComparator orders tiers and answers static per-tier feature questions.
// Matrices are computed once at construction.
type TierComparator struct {
	features map[string]FeatureDefinition
	matrices map[Tier]map[string]FeatureAccess
}

// NewTierComparator builds the per-tier feature matrices for the catalog.
func NewTierComparator(catalog []FeatureDefinition) *TierComparator {
	tc := &TierComparator{
		features: make(map[string]FeatureDefinition, len(catalog)),
		matrices: make(map[Tier]map[string]FeatureAccess, len(tierRanks)),
	}
	for _, def := range catalog {
		tc.features[def.Name] = def
	}
	for _, tier := range AllTiers() {
		m := make(map[string]FeatureAccess, len(catalog))
		for _, def := range catalog {
			fa := FeatureAccess{Enabled: tc.MeetsMinimum(tier, def.MinimumTier)}
			if fa.Enabled {
				if l, ok := EffectiveLimit(def, tier); ok {
					fa.Limit = &l
				}
			}
			m[def.Name] = fa
		}
		tc.matrices[tier] = m
	}
	return tc
}

// Rank returns the tier's position in the hierarchy, or -1 if unknown.
func (tc *TierComparator) Rank(t Tier) int {
	return t.Rank()
}

// MeetsMinimum reports whether userTier is at or above required.
// Unknown tiers never meet a minimum.
func (tc *TierComparator) MeetsMinimum(userTier, required Tier) bool {
	u, r := userTier.Rank(), required.Rank()
	if u < 0 || r < 0 {
		return false
	}
	return u >= r
}

// FeatureMatrix returns a copy of the feature matrix for the tier. Unknown
// tiers get an empty matrix.
func (tc *TierComparator) FeatureMatrix(t Tier) map[string]FeatureAccess {
	src := tc.matrices[t]
	out := make(map[string]FeatureAccess, len(src))
	for k, v := range src {
		if v.Limit != nil {
			l := *v.Limit
			v.Limit = &l
		}
		out[k] = v
	}
	return out
}

// Feature looks up a feature definition.
func (tc *TierComparator) Feature(name string) (FeatureDefinition, bool) {
	def, ok := tc.features[name]
	return def, ok
}

// FeatureNames returns the catalog's feature names in sorted order.
func (tc *TierComparator) FeatureNames() []string {
	names := make([]string, 0, len(tc.features))
	for name := range tc.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectiveLimit returns the usage limit that applies to the tier. A
// tier-specific limit takes precedence over the feature-wide one.
func EffectiveLimit(def FeatureDefinition, t Tier) (UsageLimit, bool) {
	if l, ok := def.TierLimits[t]; ok {
		return l, true
	}
	if def.UsageLimit != nil {
		return *def.UsageLimit, true
	}
	return UsageLimit{}, false
}
