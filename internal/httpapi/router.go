package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/processor"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBatchSize caps the operations accepted in one sync request
const DefaultMaxBatchSize = 500

// Server holds dependencies for HTTP handlers
type Server struct {
	Processor       *processor.Processor
	Store           store.Store
	RateLimitConfig RateLimitInfo
	MaxBatchSize    int
	Tenant          auth.TenantCfg
	MetricsHandler  http.Handler // serves /metrics when set
}

// errorResponse is the JSON body of every non-2xx response
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error carrying the request's correlation id
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{
		Error:         msg,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) maxBatchSize() int {
	if s.MaxBatchSize <= 0 {
		return DefaultMaxBatchSize
	}
	return s.MaxBatchSize
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	// Capability discovery (unauthenticated)
	r.Get("/v1/sync/info", s.Info)

	// All sync endpoints require an authenticated user and a tenant
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(auth.TenantMiddleware(s.Tenant))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Post("/v1/sync", s.PostSync)
		r.Get("/v1/sync/products/pull", s.PullProducts)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
