package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates the postgres store is selected without a DSN
	ErrMissingDatabaseURL = errors.New("STOCKBRIDGE_DATABASE_URL is required when STOCKBRIDGE_STORE=postgres")

	// ErrUnknownStore indicates an unsupported STOCKBRIDGE_STORE value
	ErrUnknownStore = errors.New("unknown store")

	// ErrMissingJWTSecret indicates that no JWT secret is configured outside dev mode
	ErrMissingJWTSecret = errors.New("STOCKBRIDGE_JWT_HS256_SECRET is required when not in dev mode")

	// ErrInvalidBatchSize indicates a non-positive max batch size
	ErrInvalidBatchSize = errors.New("max batch size must be positive")

	// ErrInvalidThresholds indicates default thresholds that break critical < attention
	ErrInvalidThresholds = errors.New("default thresholds must be positive with critical < attention")

	// ErrMissingServerURL indicates that the sync server URL is not configured
	ErrMissingServerURL = errors.New("server URL is required")

	// ErrMissingTenant indicates that the client has no tenant
	ErrMissingTenant = errors.New("tenant id is required")

	// ErrMissingCredentials indicates neither a token nor a dev subject is set
	ErrMissingCredentials = errors.New("a token or a dev subject is required")

	// ErrInvalidBackoff indicates an unusable retry policy
	ErrInvalidBackoff = errors.New("backoff requires base > 0, max >= base and retries >= 0")

	// ErrInvalidInterval indicates a non-positive probe interval or a negative sync interval
	ErrInvalidInterval = errors.New("probe interval must be positive and sync interval non-negative")
)
