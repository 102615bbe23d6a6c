package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Tenant context key for storing the resolved tenant ID
type tenantCtxKey string

const TenantIDKey tenantCtxKey = "tenant_id"

const (
	HeaderTenantID    = "X-SB-Tenant-ID"
	HeaderTimestamp   = "X-SB-Timestamp"
	HeaderSignature   = "X-SB-Signature"
	HeaderDebugTenant = "X-Debug-Tenant"
)

var (
	ErrMissingTenantID  = errors.New("missing X-SB-Tenant-ID header")
	ErrMissingTimestamp = errors.New("missing X-SB-Timestamp header")
	ErrMissingSignature = errors.New("missing X-SB-Signature header")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrTimestampSkew    = errors.New("timestamp outside acceptable window")
	ErrInvalidSignature = errors.New("invalid HMAC signature")
	ErrTenantConflict   = errors.New("tenant header does not match token tenant")
)

// TenantCfg configures how a request's tenant is resolved after authentication
type TenantCfg struct {
	HeaderSecret   string // enables HMAC-signed tenant headers (service-to-service)
	MaxSkewSeconds int64  // accepted clock skew for signed headers
	DevMode        bool   // accept X-Debug-Tenant
}

// TenantHeaders contains validated tenant context
type TenantHeaders struct {
	TenantID  string
	Timestamp time.Time
}

// SignTenant computes the signature for tenant headers.
// Message format: "{tenant_id}:{timestamp_ms}"
func SignTenant(secret, tenantID string, timestampMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s:%d", tenantID, timestampMs)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateTenantHeaders validates HMAC-signed tenant headers
// Returns validated tenant headers or an error if validation fails
func ValidateTenantHeaders(r *http.Request, secret string, maxSkewSeconds int64) (*TenantHeaders, error) {
	tenantID := r.Header.Get(HeaderTenantID)
	timestampStr := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)

	if tenantID == "" {
		return nil, ErrMissingTenantID
	}
	if timestampStr == "" {
		return nil, ErrMissingTimestamp
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}

	timestampMs, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	requestTime := time.UnixMilli(timestampMs)
	skew := time.Since(requestTime).Abs().Seconds()
	if skew > float64(maxSkewSeconds) {
		log.Warn().
			Str("tenant_id", tenantID).
			Int64("timestamp_ms", timestampMs).
			Float64("skew_seconds", skew).
			Int64("max_skew", maxSkewSeconds).
			Msg("tenant header timestamp outside acceptable window")
		return nil, ErrTimestampSkew
	}

	// Constant-time comparison to prevent timing attacks
	expected := SignTenant(secret, tenantID, timestampMs)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.Warn().Str("tenant_id", tenantID).Msg("tenant header signature mismatch")
		return nil, ErrInvalidSignature
	}

	return &TenantHeaders{TenantID: tenantID, Timestamp: requestTime}, nil
}

// TenantMiddleware resolves the tenant for an authenticated request.
// Sources, in order: the token's tenant claim, signed tenant headers (when a
// secret is configured), X-Debug-Tenant in dev mode. Requests without a
// tenant are rejected with 403.
// This should be applied AFTER JWT middleware.
func TenantMiddleware(cfg TenantCfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID := TenantID(ctx)

			if cfg.HeaderSecret != "" && r.Header.Get(HeaderTenantID) != "" {
				headers, err := ValidateTenantHeaders(r, cfg.HeaderSecret, cfg.MaxSkewSeconds)
				if err != nil {
					log.Warn().Err(err).Str("path", r.URL.Path).Msg("tenant header validation failed")
					http.Error(w, "unauthorized: invalid tenant headers", http.StatusUnauthorized)
					return
				}
				if tenantID != "" && tenantID != headers.TenantID {
					log.Warn().Err(ErrTenantConflict).Str("token_tenant", tenantID).Str("header_tenant", headers.TenantID).Msg("tenant rejected")
					http.Error(w, "forbidden: tenant mismatch", http.StatusForbidden)
					return
				}
				tenantID = headers.TenantID
			}

			if tenantID == "" && cfg.DevMode {
				tenantID = r.Header.Get(HeaderDebugTenant)
			}

			if tenantID == "" {
				log.Warn().Str("path", r.URL.Path).Str("user", UserID(ctx)).Msg("no tenant for request")
				http.Error(w, "forbidden: no tenant context", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, TenantIDKey, tenantID)))
		})
	}
}

// TenantID extracts the tenant identifier from request context.
// Returns empty string if tenant ID not found in context
func TenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}
