package api

import (
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// FeaturesResponse is the feature matrix of the user's effective tier
type FeaturesResponse struct {
	UserID   string                  `json:"userId"`
	Tier     gogate.Tier             `json:"tier"`
	Features map[string]FeatureUsage `json:"features"`
}

// FeatureUsage is one feature of the matrix with the user's current standing
type FeatureUsage struct {
	Enabled     bool               `json:"enabled"`
	Limit       *int               `json:"limit,omitempty"`       // -1 for unlimited
	ResetPeriod gogate.ResetPeriod `json:"resetPeriod,omitempty"` // Window of the limit
	Remaining   *int               `json:"remaining,omitempty"`   // Only for capped limits
	ResetAt     *time.Time         `json:"resetAt,omitempty"`     // End of the current window
}
