// Package http provides net/http middleware for feature gating
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/gogate/pkg/gogate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Engine is the access engine instance (required)
	Engine *gogate.Engine

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// TrustForwardedFor reads the client IP for ip_based conditions from
	// X-Forwarded-For. Enable only behind a proxy that sets the header.
	TrustForwardedFor bool

	// OnDenied is called when a feature check denies access
	// If nil, writes a JSON DenialResponse with StatusCode(decision)
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *gogate.AccessDecision)

	// OnTierDenied is called when a tier check denies access
	// If nil, writes a JSON DenialResponse with TierStatusCode(decision)
	OnTierDenied func(w http.ResponseWriter, r *http.Request, decision *gogate.TierDecision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check itself fails (unknown feature, invalid user ID)
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (c *Config) validate(name string) {
	if c.Engine == nil {
		panic("gogate/http: " + name + ": Config.Engine is required")
	}
	if c.GetUserID == nil {
		panic("gogate/http: " + name + ": Config.GetUserID is required")
	}
}

// RequireFeature gates next behind feature. A usage event is recorded after
// next responds with a status below 400.
func RequireFeature(config Config, feature string) func(http.Handler) http.Handler {
	config.validate("RequireFeature")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(config, w, r)
				return
			}

			ctx := r.Context()
			ac := gogate.AccessContext{ClientIP: ClientAddr(r, config.TrustForwardedFor)}
			decision, err := config.Engine.CheckAccess(ctx, userID, feature, gogate.WithAccessContext(ac))
			if err != nil {
				internalError(config, w, r, err)
				return
			}
			if !decision.HasAccess {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					WriteDenial(w, StatusCode(decision), NewDenialResponse(decision))
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(WithDecision(ctx, decision)))
			if rec.succeeded() {
				config.Engine.RecordUsage(ctx, userID, feature)
			}
		})
	}
}

// RequireTier gates next behind a minimum tier. Billing status and usage are
// not considered.
func RequireTier(config Config, tier gogate.Tier) func(http.Handler) http.Handler {
	config.validate("RequireTier")
	if !tier.Valid() {
		panic("gogate/http: RequireTier: invalid tier " + string(tier))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(config, w, r)
				return
			}

			decision, err := config.Engine.ValidateMinimumTier(r.Context(), userID, tier)
			if err != nil {
				internalError(config, w, r, err)
				return
			}
			if !decision.HasAccess {
				if config.OnTierDenied != nil {
					config.OnTierDenied(w, r, decision)
				} else {
					WriteDenial(w, TierStatusCode(decision), NewTierDenialResponse(decision))
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	WriteDenial(w, http.StatusUnauthorized, DenialResponse{Error: "Unauthorized"})
}

func internalError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	WriteDenial(w, http.StatusInternalServerError, DenialResponse{Error: "Internal Server Error"})
}

// DenialResponse is the JSON body written for denied requests.
type DenialResponse struct {
	Error           string            `json:"error"`
	Feature         string            `json:"feature,omitempty"`
	ReasonCode      gogate.ReasonCode `json:"reasonCode,omitempty"`
	CurrentTier     gogate.Tier       `json:"currentTier,omitempty"`
	RequiredTier    gogate.Tier       `json:"requiredTier,omitempty"`
	UpgradeRequired bool              `json:"upgradeRequired"`
	UsageRemaining  *int              `json:"usageRemaining,omitempty"`
	ResetAt         *time.Time        `json:"resetAt,omitempty"`
}

// NewDenialResponse builds the response body for a denied feature decision.
func NewDenialResponse(d *gogate.AccessDecision) DenialResponse {
	resp := DenialResponse{
		Error:           "Access denied",
		Feature:         d.Feature,
		ReasonCode:      d.ReasonCode,
		CurrentTier:     d.CurrentTier,
		UpgradeRequired: d.UpgradeRequired,
		UsageRemaining:  d.UsageRemaining,
		ResetAt:         d.ResetAt,
	}
	if d.RequiredTier != nil {
		resp.RequiredTier = *d.RequiredTier
	}
	return resp
}

// NewTierDenialResponse builds the response body for a denied tier decision.
func NewTierDenialResponse(d *gogate.TierDecision) DenialResponse {
	return DenialResponse{
		Error:           "Access denied",
		ReasonCode:      d.ReasonCode,
		CurrentTier:     d.CurrentTier,
		RequiredTier:    d.RequiredTier,
		UpgradeRequired: d.UpgradeRequired,
	}
}

// StatusCode maps a denied decision to an HTTP status:
// 429 for exhausted usage, 503 for system errors, 402 when the user has to
// pay (upgrade, missing or lapsed subscription) and 403 otherwise.
func StatusCode(d *gogate.AccessDecision) int {
	return statusForReason(d.ReasonCode, d.UpgradeRequired)
}

// TierStatusCode is StatusCode for tier decisions.
func TierStatusCode(d *gogate.TierDecision) int {
	return statusForReason(d.ReasonCode, d.UpgradeRequired)
}

func statusForReason(reason gogate.ReasonCode, upgrade bool) int {
	switch reason {
	case gogate.ReasonUsageLimitExceeded:
		return http.StatusTooManyRequests
	case gogate.ReasonSystemError:
		return http.StatusServiceUnavailable
	case gogate.ReasonNoSubscription, gogate.ReasonTierTooLow,
		gogate.ReasonSubscriptionInactive, gogate.ReasonSubscriptionExpired:
		return http.StatusPaymentRequired
	}
	if upgrade {
		return http.StatusPaymentRequired
	}
	return http.StatusForbidden
}

// WriteDenial writes body as JSON with the given status.
func WriteDenial(w http.ResponseWriter, status int, body DenialResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if body.ResetAt != nil && status == http.StatusTooManyRequests {
		if secs := int(time.Until(*body.ResetAt).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the status written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// succeeded treats a handler that wrote nothing as a 200
func (s *statusRecorder) succeeded() bool {
	return s.status == 0 || s.status < http.StatusBadRequest
}

// ClientAddr returns the request's client IP, or the zero Addr when it cannot
// be parsed.
func ClientAddr(r *http.Request, trustForwardedFor bool) netip.Addr {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "gogate:userID"

	decisionKey ContextKey = "gogate:decision"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithDecision stores the granting decision in ctx for downstream handlers
func WithDecision(ctx context.Context, d *gogate.AccessDecision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision that granted the request, if any
func DecisionFromContext(ctx context.Context) (*gogate.AccessDecision, bool) {
	d, ok := ctx.Value(decisionKey).(*gogate.AccessDecision)
	return d, ok
}
