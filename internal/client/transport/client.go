// Package transport is the client side of the sync HTTP contract.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/stockbridge/internal/auth"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single HTTP request
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for the message
const maxErrorBody = 4 << 10

// ErrRateLimited is returned when the server answers 429.
// RetryAfter is zero when the server did not say how long to wait.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// StatusError is any other non-2xx answer
type StatusError struct {
	StatusCode    int
	Message       string
	CorrelationID string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("server returned %d: %s (correlation id %s)", e.StatusCode, msg, e.CorrelationID)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, msg)
}

// IsRateLimited reports whether err is a 429 from the server
func IsRateLimited(err error) bool {
	var rl ErrRateLimited
	return errors.As(err, &rl)
}

// Config describes how to reach and authenticate with the sync server.
// Token takes precedence over DevSub; TenantSecret signs the tenant headers,
// otherwise the tenant is sent as X-Debug-Tenant for dev servers.
type Config struct {
	BaseURL      string
	TenantID     string
	Token        string
	DevSub       string
	TenantSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client sends sync batches and pulls server products for one tenant
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tenantID     string
	token        string
	devSub       string
	tenantSecret string
	now          func() time.Time
}

// New creates a client for cfg
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   hc,
		tenantID:     cfg.TenantID,
		token:        cfg.Token,
		devSub:       cfg.DevSub,
		tenantSecret: cfg.TenantSecret,
		now:          time.Now,
	}
}

// Sync posts one batch. A single-operation batch carries its operation id
// as the Idempotency-Key header.
func (c *Client) Sync(ctx context.Context, req syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(req.Operations) == 1 {
		httpReq.Header.Set("Idempotency-Key", req.Operations[0].OperationID)
	}

	var out syncproto.SyncResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullProducts fetches one page of products changed after cursor.
// An empty cursor starts from the beginning; limit <= 0 uses the server default.
func (c *Client) PullProducts(ctx context.Context, cursor string, limit int) (*syncproto.ProductPullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.baseURL + "/v1/sync/products/pull"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var out syncproto.ProductPullResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthz checks that the server answers its unauthenticated health endpoint
func (c *Client) Healthz(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	correlationID := uuid.NewString()
	logger := log.With().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("correlationId", correlationID).
		Str("tenantId", c.tenantID).
		Logger()

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	c.authenticate(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return err
	}
	defer resp.Body.Close()

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("HTTP request completed")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		logger.Warn().
			Dur("retryAfter", retryAfter).
			Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
			Msg("rate limited")
		return ErrRateLimited{RetryAfter: retryAfter}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return decodeStatusError(resp, &logger)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.devSub != "" {
		req.Header.Set("X-Debug-Sub", c.devSub)
	}

	if c.tenantID == "" {
		return
	}
	if c.tenantSecret != "" {
		ts := c.now().UnixMilli()
		req.Header.Set(auth.HeaderTenantID, c.tenantID)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, auth.SignTenant(c.tenantSecret, c.tenantID, ts))
		return
	}
	req.Header.Set(auth.HeaderDebugTenant, c.tenantID)
}

// decodeStatusError reads the {error, correlation_id} body the server writes;
// plain-text bodies (auth middleware) are kept as the message
func decodeStatusError(resp *http.Response, logger *zerolog.Logger) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode}

	var body struct {
		Error         string `json:"error"`
		CorrelationID string `json:"correlation_id"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		se.Message = body.Error
		se.CorrelationID = body.CorrelationID
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}

	logger.Warn().Int("status", se.StatusCode).Str("error", se.Message).Msg("request rejected")
	return se
}

// parseRetryAfter accepts integer seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
