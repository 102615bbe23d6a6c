package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-hs256-secret"

func issue(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestValidateToken(t *testing.T) {
	cfg := JWTCfg{HS256Secret: testSecret, Issuer: "stockbridge", TenantClaim: "org"}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name       string
		token      string
		wantSub    string
		wantTenant string
		wantErr    bool
	}{
		{
			name:       "valid with tenant",
			token:      issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u1", "org": "t1", "iss": "stockbridge", "exp": future}),
			wantSub:    "u1",
			wantTenant: "t1",
		},
		{
			name:    "valid without tenant",
			token:   issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u1", "iss": "stockbridge", "exp": future}),
			wantSub: "u1",
		},
		{
			name:    "wrong secret",
			token:   issue(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u1", "iss": "stockbridge"}),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			token:   issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u1", "iss": "evil"}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u1", "iss": "stockbridge", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "HS512 rejected",
			token:   issue(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "u1", "iss": "stockbridge"}),
			wantErr: true,
		},
		{
			name:    "missing sub",
			token:   issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"iss": "stockbridge"}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, tenant, err := ValidateToken(tt.token, cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got sub=%q", sub)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sub != tt.wantSub || tenant != tt.wantTenant {
				t.Errorf("got (%q, %q), want (%q, %q)", sub, tenant, tt.wantSub, tt.wantTenant)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	token := issue(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u1", "tenant_id": "t1"})

	tests := []struct {
		name       string
		cfg        JWTCfg
		headers    map[string]string
		wantStatus int
		wantUser   string
		wantTenant string
	}{
		{"bearer token", JWTCfg{HS256Secret: testSecret}, map[string]string{"Authorization": "Bearer " + token}, http.StatusOK, "u1", "t1"},
		{"bad token", JWTCfg{HS256Secret: testSecret}, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "", ""},
		{"no credentials", JWTCfg{HS256Secret: testSecret}, nil, http.StatusUnauthorized, "", ""},
		{"debug sub in dev mode", JWTCfg{DevMode: true}, map[string]string{"X-Debug-Sub": "dev-user"}, http.StatusOK, "dev-user", ""},
		{"debug sub outside dev mode", JWTCfg{HS256Secret: testSecret}, map[string]string{"X-Debug-Sub": "dev-user"}, http.StatusUnauthorized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var user, tenant string
			h := Middleware(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user = UserID(r.Context())
				tenant = TenantID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if user != tt.wantUser || tenant != tt.wantTenant {
				t.Errorf("got (%q, %q), want (%q, %q)", user, tenant, tt.wantUser, tt.wantTenant)
			}
		})
	}
}
