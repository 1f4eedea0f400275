package gogate

// Feature names of the default catalog.
const (
	FeatureBasicTemplates   = "basic_templates"
	FeaturePremiumTemplates = "premium_templates"
	FeaturePDFExport        = "pdf_export"
	FeatureCoverLetter      = "cover_letter"
	FeatureAISuggestions    = "ai_suggestions"
	FeatureCustomDomain     = "custom_domain"
	FeatureAnalytics        = "analytics"
	FeatureTeamSeats        = "team_seats"
	FeatureAPIAccess        = "api_access"
)

// DefaultCatalog returns the feature catalog of the CV builder.
func DefaultCatalog() []FeatureDefinition {
	unlimited := UsageLimit{Count: Unlimited, ResetPeriod: ResetMonthly}
	return []FeatureDefinition{
		{
			Name:        FeatureBasicTemplates,
			MinimumTier: TierFree,
		},
		{
			Name:                 FeaturePremiumTemplates,
			RequiresSubscription: true,
			MinimumTier:          TierBasic,
		},
		{
			Name:        FeaturePDFExport,
			MinimumTier: TierFree,
			TierLimits: map[Tier]UsageLimit{
				TierFree:       {Count: 3, ResetPeriod: ResetMonthly},
				TierBasic:      {Count: 20, ResetPeriod: ResetMonthly},
				TierPro:        unlimited,
				TierEnterprise: unlimited,
			},
		},
		{
			Name:                 FeatureCoverLetter,
			RequiresSubscription: true,
			MinimumTier:          TierBasic,
			UsageLimit:           &UsageLimit{Count: 10, ResetPeriod: ResetWeekly},
			TierLimits: map[Tier]UsageLimit{
				TierPro:        unlimited,
				TierEnterprise: unlimited,
			},
		},
		{
			Name:                 FeatureAISuggestions,
			RequiresSubscription: true,
			MinimumTier:          TierPro,
			TierLimits: map[Tier]UsageLimit{
				TierPro:        {Count: 50, ResetPeriod: ResetDaily},
				TierEnterprise: unlimited,
			},
		},
		{
			Name:                 FeatureCustomDomain,
			RequiresSubscription: true,
			MinimumTier:          TierPro,
		},
		{
			Name:                 FeatureAnalytics,
			RequiresSubscription: true,
			MinimumTier:          TierPro,
		},
		{
			Name:                 FeatureTeamSeats,
			RequiresSubscription: true,
			MinimumTier:          TierEnterprise,
		},
		{
			Name:                 FeatureAPIAccess,
			RequiresSubscription: true,
			MinimumTier:          TierEnterprise,
			UsageLimit:           &UsageLimit{Count: 10000, ResetPeriod: ResetMonthly},
		},
	}
}
