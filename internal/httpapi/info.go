package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion   string                      `json:"apiVersion"`
	ServerTime   string                      `json:"serverTime"`
	Entities     map[string]EntityCapability `json:"entities"`
	MaxBatchSize int                         `json:"maxBatchSize"`
	RateLimit    *RateLimitInfo              `json:"rateLimit,omitempty"`
	Hints        *SyncHints                  `json:"hints,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig allows 600 sync requests per minute per tenant with a burst of 120
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

func (s *Server) rateLimit() *RateLimitInfo {
	rl := s.RateLimitConfig
	if rl.WindowSeconds <= 0 || rl.MaxRequests <= 0 || rl.Burst <= 0 {
		rl = DefaultRateLimitConfig
	}
	return &rl
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"` // safe batch size
	BackoffMsOn429   int `json:"backoffMsOn429"`   // default backoff if Retry-After missing
}

// EntityCapability describes the operations accepted for an entity type
type EntityCapability struct {
	Operations []string `json:"operations"`
	Pull       bool     `json:"pull"`
}

// Info handles GET /v1/sync/info
// Returns server capabilities, API version, and supported features
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion: "1.0",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Entities: map[string]EntityCapability{
			"product": {
				Operations: []string{"create", "update", "delete"},
				Pull:       true,
			},
			"stockMovement": {
				Operations: []string{"create"},
			},
		},
		MaxBatchSize: s.maxBatchSize(),
		RateLimit:    s.rateLimit(),
		Hints: &SyncHints{
			RecommendedBatch: min(100, s.maxBatchSize()),
			BackoffMsOn429:   1000,
		},
	}

	writeJSON(w, http.StatusOK, info)
}
