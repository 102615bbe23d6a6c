package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erauner12/stockbridge/internal/alerts"
	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/processor"
	"github.com/erauner12/stockbridge/internal/store/memstore"
)

const (
	testUser   = "test-user"
	testTenant = "tenant-a"
)

// newTestServer wires a router over an in-memory store in dev mode
func newTestServer(t *testing.T, rl RateLimitInfo) (*memstore.Store, http.Handler) {
	t.Helper()
	st := memstore.New()
	srv := &Server{
		Processor:       processor.New(st, alerts.NewRecomputer(inventory.DefaultThresholds), alerts.LogDispatcher{}, nil),
		Store:           st,
		RateLimitConfig: rl,
		MaxBatchSize:    10,
		Tenant:          auth.TenantCfg{DevMode: true},
	}
	return st, srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

// makeRequest sends body as JSON with the dev-mode identity headers for tenant
func makeRequest(t *testing.T, router http.Handler, method, path string, body any, tenant string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", testUser)
	if tenant != "" {
		req.Header.Set(auth.HeaderDebugTenant, tenant)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
