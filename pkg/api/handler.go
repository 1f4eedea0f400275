package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	gogatehttp "github.com/mihaimyh/gogate/middleware/http"
	"github.com/mihaimyh/gogate/pkg/gogate"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for access inspection
type Handler struct {
	config Config
}

// GetAccess returns the access decision for one feature. Denials are
// returned with 200; the decision body says why.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	feature := h.config.GetFeature(r)
	if feature == "" {
		h.handleError(w, r, fmt.Errorf("feature is required"), http.StatusBadRequest)
		return
	}

	decision, err := h.config.Engine.CheckAccess(r.Context(), userID, feature)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}
	writeJSON(w, decision)
}

// GetTierCheck reports whether the user's tier is at or above the requested tier
func (h *Handler) GetTierCheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tier, err := gogate.ParseTier(h.config.GetTier(r))
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	decision, err := h.config.Engine.ValidateMinimumTier(r.Context(), userID, tier)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}
	writeJSON(w, decision)
}

// GetFeatures returns the feature matrix for the user's effective tier,
// with remaining usage for capped features.
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tier, matrix, err := h.config.Engine.FeatureMatrix(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), statusForError(err))
		return
	}

	names := h.config.Engine.Tiers().FeatureNames()
	if h.config.FeatureFilter != nil {
		names = h.config.FeatureFilter(names)
	}

	features := make(map[string]FeatureUsage, len(names))
	for _, name := range names {
		row, ok := matrix[name]
		if !ok {
			continue
		}
		usage := FeatureUsage{Enabled: row.Enabled}
		if row.Limit != nil {
			limit := row.Limit.Count
			usage.Limit = &limit
			usage.ResetPeriod = row.Limit.ResetPeriod
		}
		if row.Enabled && row.Limit != nil && !row.Limit.IsUnlimited() {
			decision, err := h.config.Engine.CheckAccess(ctx, userID, name)
			if err != nil {
				// Don't fail the whole matrix for one feature
				h.config.Logger.Warn("feature usage lookup failed",
					gogate.Field{Key: "userId", Value: userID},
					gogate.Field{Key: "feature", Value: name},
					gogate.Field{Key: "error", Value: err.Error()},
				)
			} else {
				usage.Remaining = decision.UsageRemaining
				usage.ResetAt = decision.ResetAt
			}
		}
		features[name] = usage
	}

	writeJSON(w, FeaturesResponse{
		UserID:   userID,
		Tier:     tier,
		Features: features,
	})
}

// PostUsage records one use of a feature after the caller performed the
// gated action. The access check runs first: a denied user gets the decision
// with the status middleware/http would use and nothing is recorded.
// Responds 204 on success.
//
// The user ID is taken as-is. Mount this behind authentication that binds
// the caller to that user, or any client can spend another user's quota.
func (h *Handler) PostUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	feature := h.config.GetFeature(r)
	decision, err := h.config.Engine.CheckAccess(ctx, userID, feature)
	if err != nil {
		h.handleError(w, r, err, statusForError(err))
		return
	}
	if !decision.HasAccess {
		writeJSONStatus(w, gogatehttp.StatusCode(decision), decision)
		return
	}

	h.config.Engine.RecordUsage(ctx, userID, feature)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, gogate.ErrUnknownFeature):
		return http.StatusNotFound
	case errors.Is(err, gogate.ErrInvalidUserID), errors.Is(err, gogate.ErrInvalidTier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Internal details stay in the logs
	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("access API request failed", gogate.Field{Key: "error", Value: msg})
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
