// Package store defines the system-of-record contract used by the sync processor.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/syncx"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing key
	ErrDuplicate = errors.New("duplicate key")
	// ErrUnavailable marks infrastructure failures (connection lost, pool closed).
	// The processor treats it as fatal for the whole batch.
	ErrUnavailable = errors.New("store unavailable")
)

// Store runs tenant-scoped units of work against the system of record
type Store interface {
	// WithTx runs fn in one transaction. fn's error (or panic) rolls it back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ProductsChangedSince pages a tenant's products by (RevisedAt, ID) after cur
	ProductsChangedSince(ctx context.Context, tenantID string, cur syncx.Cursor, limit int) ([]inventory.Product, error)
}

// Tx is the set of operations available inside a transaction.
// Every lookup is scoped by tenant.
type Tx interface {
	// GetProduct returns the product including soft-deleted rows
	GetProduct(ctx context.Context, tenantID, id string) (*inventory.Product, error)
	// InsertProduct returns ErrDuplicate when (tenant, id) exists
	InsertProduct(ctx context.Context, p *inventory.Product) error
	// UpdateProduct overwrites the editable fields, thresholds, UpdatedAt, RevisedAt and DeletedAt
	UpdateProduct(ctx context.Context, p *inventory.Product) error
	// AdjustQuantity adds delta to the product's quantity and returns the new quantity
	AdjustQuantity(ctx context.Context, tenantID, productID string, delta int, at time.Time) (int, error)
	// SetAlertLevel stores the product's computed alert level
	SetAlertLevel(ctx context.Context, tenantID, productID string, level inventory.AlertLevel, at time.Time) error

	// GetMovementByKey looks a movement up by its business idempotency key
	GetMovementByKey(ctx context.Context, tenantID, key string) (*inventory.StockMovement, error)
	// InsertMovement returns ErrDuplicate when the id or idempotency key exists
	InsertMovement(ctx context.Context, m *inventory.StockMovement) error

	// TenantThresholds returns the tenant's default alert limits, ErrNotFound if unset
	TenantThresholds(ctx context.Context, tenantID string) (inventory.Thresholds, error)
}
