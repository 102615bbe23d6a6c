package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementType is the direction of a stock movement
type MovementType string

const (
	MovementEntry MovementType = "entry"
	MovementExit  MovementType = "exit"
)

// Valid reports whether t is a known movement type
func (t MovementType) Valid() bool {
	return t == MovementEntry || t == MovementExit
}

// SignedDelta returns the quantity change a movement applies to its product
// (+quantity for entry, -quantity for exit)
func SignedDelta(t MovementType, quantity int) int {
	if t == MovementExit {
		return -quantity
	}
	return quantity
}

// Product is the server-of-record row for a tenant's product.
// UpdatedAt tracks edits to product fields and is the clock used for
// last-writer-wins; RevisedAt moves on every change (quantity and alert
// level included) and orders the pull stream.
type Product struct {
	ID                       string
	TenantID                 string
	Name                     string
	SKU                      string
	Price                    decimal.Decimal
	Quantity                 int
	ThresholdMode            ThresholdMode
	CustomCriticalThreshold  *int
	CustomAttentionThreshold *int
	AlertLevel               AlertLevel
	CreatedBy                string
	CreatedAt                time.Time
	UpdatedAt                time.Time
	RevisedAt                time.Time
	DeletedAt                *time.Time
}

// Deleted reports whether the product has been soft-deleted
func (p *Product) Deleted() bool {
	return p.DeletedAt != nil
}

// Thresholds returns the product's threshold configuration
func (p *Product) Thresholds() ThresholdState {
	return ThresholdState{
		Mode:      p.ThresholdMode,
		Critical:  p.CustomCriticalThreshold,
		Attention: p.CustomAttentionThreshold,
	}
}

// SetThresholds replaces the product's threshold configuration
func (p *Product) SetThresholds(s ThresholdState) {
	p.ThresholdMode = s.Mode
	p.CustomCriticalThreshold = s.Critical
	p.CustomAttentionThreshold = s.Attention
}

// StockMovement is an append-only ledger entry that changed a product's quantity
type StockMovement struct {
	ID             string
	TenantID       string
	ProductID      string
	Type           MovementType
	Quantity       int
	Reason         string
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

// Delta is the signed quantity change applied by this movement
func (m *StockMovement) Delta() int {
	return SignedDelta(m.Type, m.Quantity)
}
