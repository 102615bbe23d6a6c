package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. STOCKBRIDGE_HTTP_ADDR
const EnvPrefix = "stockbridge"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Server configures cmd/server
type Server struct {
	Env      string `envconfig:"ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8081"`

	Store       string `envconfig:"STORE" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	JWTSecret      string `envconfig:"JWT_HS256_SECRET"`
	JWTIssuer      string `envconfig:"JWT_ISSUER"`
	JWTAudience    string `envconfig:"JWT_AUDIENCE"`
	TenantClaim    string `envconfig:"JWT_TENANT_CLAIM" default:"tenant_id"`
	TenantSecret   string `envconfig:"TENANT_HEADER_SECRET"`
	TenantMaxSkewS int    `envconfig:"TENANT_HEADER_MAX_SKEW_SECONDS" default:"300"`
	DevMode        bool   `envconfig:"DEV_MODE" default:"false"`

	RateLimitWindowSeconds int `envconfig:"RATE_LIMIT_WINDOW_SECONDS" default:"60"`
	RateLimitMaxRequests   int `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"600"`
	RateLimitBurst         int `envconfig:"RATE_LIMIT_BURST" default:"120"`
	MaxBatchSize           int `envconfig:"MAX_BATCH_SIZE" default:"500"`

	CriticalThreshold  int `envconfig:"DEFAULT_CRITICAL_THRESHOLD" default:"5"`
	AttentionThreshold int `envconfig:"DEFAULT_ATTENTION_THRESHOLD" default:"20"`

	RedisURL      string        `envconfig:"REDIS_URL"`
	AlertListKey  string        `envconfig:"ALERT_LIST_KEY" default:"stockbridge:alerts:critical"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`
}

// IsDev reports whether the server runs in the dev environment
func (s Server) IsDev() bool {
	return strings.EqualFold(s.Env, "dev")
}

// Validate checks cross-field requirements envconfig cannot express
func (s Server) Validate() error {
	switch s.Store {
	case StorePostgres:
		if s.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, s.Store)
	}
	if s.JWTSecret == "" && !s.DevMode {
		return ErrMissingJWTSecret
	}
	if s.MaxBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if s.CriticalThreshold <= 0 || s.AttentionThreshold <= s.CriticalThreshold {
		return ErrInvalidThresholds
	}
	return nil
}

// Client configures cmd/syncagent
type Client struct {
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:8081"`
	TenantID  string `envconfig:"TENANT_ID"`
	Token     string `envconfig:"TOKEN"`
	DevSub    string `envconfig:"DEV_SUB"` // sent as X-Debug-Sub when no token is set

	// TenantSecret signs the tenant headers; without it X-Debug-Tenant is sent
	TenantSecret string `envconfig:"TENANT_HEADER_SECRET"`

	DBPath string `envconfig:"DB_PATH" default:"stockbridge.db"`

	SyncInterval  time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"10s"`
	HTTPTimeout   time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax  time.Duration `envconfig:"BACKOFF_MAX" default:"60s"`
	MaxRetries  int           `envconfig:"MAX_RETRIES" default:"5"`
}

// Validate checks the client configuration
func (c Client) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.TenantID == "" {
		return ErrMissingTenant
	}
	if c.Token == "" && c.DevSub == "" {
		return ErrMissingCredentials
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase || c.MaxRetries < 0 {
		return ErrInvalidBackoff
	}
	if c.ProbeInterval <= 0 || c.SyncInterval < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// LoadServer reads .env files (if any) and the environment into a Server config.
// Validation is left to the caller so flags can override values first.
func LoadServer(envFiles ...string) (*Server, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	var cfg Server
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads .env files (if any) and the environment into a Client config
func LoadClient(envFiles ...string) (*Client, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	var cfg Client
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv loads the given files, defaulting to ./.env. Missing files are
// ignored and variables already set in the environment win.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}
