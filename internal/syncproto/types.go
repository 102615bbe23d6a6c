// Package syncproto defines the batch sync wire contract shared by the
// server processor and the client engine.
package syncproto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/shopspring/decimal"
)

// EntityType names a synchronized entity
type EntityType string

const (
	EntityProduct       EntityType = "product"
	EntityStockMovement EntityType = "stockMovement"
)

// OperationType names the mutation an operation performs
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// ResultStatus is the per-operation verdict returned by the server
type ResultStatus string

const (
	StatusSuccess          ResultStatus = "success"
	StatusDuplicate        ResultStatus = "duplicate"
	StatusConflictResolved ResultStatus = "conflict_resolved"
	StatusValidationError  ResultStatus = "validation_error"
	StatusTenantMismatch   ResultStatus = "tenant_mismatch"
	StatusNotFound         ResultStatus = "not_found"
	StatusRateLimited      ResultStatus = "rate_limited"
)

// Resolved reports whether the operation is finished from the client's
// point of view (applied, already applied, or superseded by server state)
func (s ResultStatus) Resolved() bool {
	switch s {
	case StatusSuccess, StatusDuplicate, StatusConflictResolved:
		return true
	}
	return false
}

// Permanent reports whether retrying the same operation cannot succeed
func (s ResultStatus) Permanent() bool {
	switch s {
	case StatusValidationError, StatusTenantMismatch, StatusNotFound:
		return true
	}
	return false
}

// SyncRequest is the body of POST /v1/sync
type SyncRequest struct {
	Checkpoint *string         `json:"checkpoint,omitempty"`
	Operations []SyncOperation `json:"operations"`
}

// SyncOperation is one queued client mutation
type SyncOperation struct {
	OperationID    string          `json:"operationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EntityID       string          `json:"entityId"`
	EntityType     EntityType      `json:"entityType"`
	OperationType  OperationType   `json:"operationType"`
	TenantID       string          `json:"tenantId"`
	Payload        json.RawMessage `json:"payload"`
}

// SyncResponse carries one result per submitted operation, in submission order
type SyncResponse struct {
	Checkpoint string       `json:"checkpoint"`
	Results    []SyncResult `json:"results"`
}

// SyncResult is the server verdict for one operation
type SyncResult struct {
	OperationID string          `json:"operationId"`
	Status      ResultStatus    `json:"status"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	ServerState json.RawMessage `json:"serverState,omitempty"`
}

// ProductState is the authoritative server view of a product
type ProductState struct {
	ID                       string                  `json:"id"`
	TenantID                 string                  `json:"tenantId"`
	Name                     string                  `json:"name"`
	SKU                      string                  `json:"sku,omitempty"`
	Price                    decimal.Decimal         `json:"price"`
	Quantity                 int                     `json:"quantity"`
	ThresholdMode            inventory.ThresholdMode `json:"thresholdMode"`
	CustomCriticalThreshold  *int                    `json:"customCriticalThreshold,omitempty"`
	CustomAttentionThreshold *int                    `json:"customAttentionThreshold,omitempty"`
	AlertLevel               inventory.AlertLevel    `json:"alertLevel,omitempty"`
	CreatedAt                time.Time               `json:"createdAt"`
	UpdatedAt                time.Time               `json:"updatedAt"`
	DeletedAt                *time.Time              `json:"deletedAt,omitempty"`
}

// NewProductState projects a stored product onto the wire
func NewProductState(p *inventory.Product) ProductState {
	return ProductState{
		ID:                       p.ID,
		TenantID:                 p.TenantID,
		Name:                     p.Name,
		SKU:                      p.SKU,
		Price:                    p.Price,
		Quantity:                 p.Quantity,
		ThresholdMode:            p.ThresholdMode,
		CustomCriticalThreshold:  p.CustomCriticalThreshold,
		CustomAttentionThreshold: p.CustomAttentionThreshold,
		AlertLevel:               p.AlertLevel,
		CreatedAt:                p.CreatedAt,
		UpdatedAt:                p.UpdatedAt,
		DeletedAt:                p.DeletedAt,
	}
}

// MovementState is the authoritative server view of a stock movement.
// ProductQuantity is the product's stored quantity when the result was produced.
type MovementState struct {
	ID              string                 `json:"id"`
	ProductID       string                 `json:"productId"`
	Type            inventory.MovementType `json:"type"`
	Quantity        int                    `json:"quantity"`
	IdempotencyKey  string                 `json:"idempotencyKey"`
	CreatedAt       time.Time              `json:"createdAt"`
	ProductQuantity *int                   `json:"productQuantity,omitempty"`
}

// NewMovementState projects a stored movement onto the wire
func NewMovementState(m *inventory.StockMovement, productQuantity *int) MovementState {
	return MovementState{
		ID:              m.ID,
		ProductID:       m.ProductID,
		Type:            m.Type,
		Quantity:        m.Quantity,
		IdempotencyKey:  m.IdempotencyKey,
		CreatedAt:       m.CreatedAt,
		ProductQuantity: productQuantity,
	}
}

// NewResult builds a result for op, embedding state as serverState when non-nil
func NewResult(op SyncOperation, status ResultStatus, state any) (SyncResult, error) {
	res := SyncResult{OperationID: op.OperationID, Status: status}
	if state != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			return res, fmt.Errorf("encode server state: %w", err)
		}
		res.ServerState = raw
	}
	return res, nil
}

// Failure builds a result without server state
func Failure(op SyncOperation, status ResultStatus, code, message string) SyncResult {
	return SyncResult{
		OperationID: op.OperationID,
		Status:      status,
		Code:        code,
		Message:     message,
	}
}

// DecodeProductState parses a product serverState
func DecodeProductState(raw json.RawMessage) (*ProductState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s ProductState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode product state: %w", err)
	}
	return &s, nil
}

// DecodeMovementState parses a stock movement serverState
func DecodeMovementState(raw json.RawMessage) (*MovementState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s MovementState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode movement state: %w", err)
	}
	return &s, nil
}

// ProductTombstone reports a product deleted on the server
type ProductTombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

// ProductPullResponse is one page of GET /v1/sync/products/pull.
// NextCursor is absent on an empty page; the client keeps its previous cursor.
type ProductPullResponse struct {
	Upserts    []ProductState     `json:"upserts"`
	Deletes    []ProductTombstone `json:"deletes"`
	NextCursor *string            `json:"nextCursor,omitempty"`
}
