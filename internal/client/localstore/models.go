package localstore

import (
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OutboxStatus is the delivery state of a queued operation
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// SyncStatus is the reconciliation state of a local entity record
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncProcessing SyncStatus = "processing"
	SyncSynced     SyncStatus = "synced"
	SyncFailed     SyncStatus = "failed"
)

// OutboxOperation is one local mutation waiting for server confirmation.
// OperationID doubles as the idempotency key of the request that carries it.
type OutboxOperation struct {
	OperationID    string                  `gorm:"primaryKey"`
	TenantID       string                  `gorm:"not null;index:idx_outbox_tenant_status,priority:1"`
	OperationType  syncproto.OperationType `gorm:"not null"`
	EntityType     syncproto.EntityType    `gorm:"not null"`
	EntityID       string                  `gorm:"not null;index"`
	IdempotencyKey string                  `gorm:"not null"`
	Payload        datatypes.JSON          `gorm:"not null"`
	Status         OutboxStatus            `gorm:"not null;index:idx_outbox_tenant_status,priority:2"`
	RetryCount     int                     `gorm:"not null;default:0"`
	CreatedAt      time.Time               `gorm:"not null;autoCreateTime:false"`
	ProcessedAt    *time.Time
	// NotBefore is a server-imposed earliest retry time, on top of the backoff
	NotBefore      *time.Time
	Error          *string
}

func (OutboxOperation) TableName() string { return "outbox_operations" }

// Wire converts the row to the operation sent in a SyncRequest
func (o OutboxOperation) Wire() syncproto.SyncOperation {
	return syncproto.SyncOperation{
		OperationID:    o.OperationID,
		IdempotencyKey: o.IdempotencyKey,
		EntityID:       o.EntityID,
		EntityType:     o.EntityType,
		OperationType:  o.OperationType,
		TenantID:       o.TenantID,
		Payload:        []byte(o.Payload),
	}
}

// LocalProduct mirrors a server product plus the client's unconfirmed work.
// The displayed quantity is ConfirmedQuantity + PendingDelta: confirmed is the
// last quantity the server reported, pending is the sum of movements recorded
// locally and not yet confirmed.
type LocalProduct struct {
	TenantID string `gorm:"primaryKey"`
	ID       string `gorm:"primaryKey"`
	Name     string `gorm:"not null"`
	SKU      string
	Price    decimal.Decimal `gorm:"type:text;not null"`

	ConfirmedQuantity int `gorm:"not null;default:0"`
	PendingDelta      int `gorm:"not null;default:0"`

	ThresholdMode            inventory.ThresholdMode `gorm:"not null"`
	CustomCriticalThreshold  *int
	CustomAttentionThreshold *int
	AlertLevel               inventory.AlertLevel

	// UpdatedAt is the last local edit or server confirmation. ServerUpdatedAt
	// is the server's updatedAt on the last confirmed copy and is sent back as
	// clientUpdatedAt on the next update.
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
	ServerUpdatedAt *time.Time
	DeletedAt       *time.Time

	SyncStatus    SyncStatus `gorm:"not null;index"`
	LastSyncError *string
}

func (LocalProduct) TableName() string { return "local_products" }

// Quantity is the quantity shown to the user
func (p *LocalProduct) Quantity() int {
	return p.ConfirmedQuantity + p.PendingDelta
}

// Deleted reports whether the product has been soft-deleted
func (p *LocalProduct) Deleted() bool {
	return p.DeletedAt != nil
}

func (p *LocalProduct) thresholds() inventory.ThresholdState {
	return inventory.ThresholdState{
		Mode:      p.ThresholdMode,
		Critical:  p.CustomCriticalThreshold,
		Attention: p.CustomAttentionThreshold,
	}
}

func (p *LocalProduct) setThresholds(s inventory.ThresholdState) {
	p.ThresholdMode = s.Mode
	p.CustomCriticalThreshold = s.Critical
	p.CustomAttentionThreshold = s.Attention
}

// overwrite replaces the business fields with the server's copy
func (p *LocalProduct) overwrite(s *syncproto.ProductState) {
	p.Name = s.Name
	p.SKU = s.SKU
	p.Price = s.Price
	p.ConfirmedQuantity = s.Quantity
	p.ThresholdMode = s.ThresholdMode
	p.CustomCriticalThreshold = s.CustomCriticalThreshold
	p.CustomAttentionThreshold = s.CustomAttentionThreshold
	p.AlertLevel = s.AlertLevel
	p.UpdatedAt = s.UpdatedAt
	updated := s.UpdatedAt
	p.ServerUpdatedAt = &updated
	p.DeletedAt = s.DeletedAt
}

// LocalMovement is an append-only stock movement recorded on this device
type LocalMovement struct {
	ID              string                 `gorm:"primaryKey"`
	TenantID        string                 `gorm:"not null;index:idx_movement_product,priority:1;uniqueIndex:idx_movement_key,priority:1"`
	ProductID       string                 `gorm:"not null;index:idx_movement_product,priority:2"`
	Type            inventory.MovementType `gorm:"not null"`
	Quantity        int                    `gorm:"not null"`
	Reason          string
	IdempotencyKey  string     `gorm:"not null;uniqueIndex:idx_movement_key,priority:2"`
	CreatedAt       time.Time  `gorm:"not null;autoCreateTime:false"`
	SyncStatus      SyncStatus `gorm:"not null;index"`
	SyncedAt        *time.Time
	ServerCreatedAt *time.Time
	LastSyncError   *string
}

func (LocalMovement) TableName() string { return "local_movements" }

// Delta is the signed quantity change of the movement
func (m *LocalMovement) Delta() int {
	return inventory.SignedDelta(m.Type, m.Quantity)
}

// SyncMeta keeps a tenant's sync bookkeeping between runs
type SyncMeta struct {
	TenantID   string `gorm:"primaryKey"`
	Checkpoint string
	PullCursor string
	LastSyncAt *time.Time
}

func (SyncMeta) TableName() string { return "sync_meta" }
