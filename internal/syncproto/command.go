package syncproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupported is returned for (entityType, operationType) pairs the server does not accept
	ErrUnsupported = errors.New("unsupported operation")
	// ErrInvalidPayload is returned when a payload fails decoding or validation
	ErrInvalidPayload = errors.New("invalid payload")
)

// ProductPayload is the payload of product/create
type ProductPayload struct {
	TenantID                 string                   `json:"tenantId,omitempty"`
	Name                     string                   `json:"name" validate:"required,max=200"`
	SKU                      string                   `json:"sku,omitempty" validate:"max=64"`
	Price                    decimal.Decimal          `json:"price"`
	Quantity                 int                      `json:"quantity" validate:"gte=0"`
	ThresholdMode            *inventory.ThresholdMode `json:"thresholdMode,omitempty" validate:"omitempty,oneof=defaults custom"`
	CustomCriticalThreshold  *int                     `json:"customCriticalThreshold,omitempty"`
	CustomAttentionThreshold *int                     `json:"customAttentionThreshold,omitempty"`
}

// Thresholds returns the threshold fields present in the payload
func (p ProductPayload) Thresholds() inventory.ThresholdInput {
	return inventory.ThresholdInput{
		Mode:      p.ThresholdMode,
		Critical:  p.CustomCriticalThreshold,
		Attention: p.CustomAttentionThreshold,
	}
}

// ProductChanges lists the product fields an update touches.
// Nil fields are left untouched. Quantity is not part of an update; it
// only changes through stock movements.
type ProductChanges struct {
	Name                     *string                  `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	SKU                      *string                  `json:"sku,omitempty" validate:"omitempty,max=64"`
	Price                    *decimal.Decimal         `json:"price,omitempty"`
	ThresholdMode            *inventory.ThresholdMode `json:"thresholdMode,omitempty" validate:"omitempty,oneof=defaults custom"`
	CustomCriticalThreshold  *int                     `json:"customCriticalThreshold,omitempty"`
	CustomAttentionThreshold *int                     `json:"customAttentionThreshold,omitempty"`
}

// Thresholds returns the threshold fields present in the update
func (c ProductChanges) Thresholds() inventory.ThresholdInput {
	return inventory.ThresholdInput{
		Mode:      c.ThresholdMode,
		Critical:  c.CustomCriticalThreshold,
		Attention: c.CustomAttentionThreshold,
	}
}

// Empty reports whether the update changes nothing
func (c ProductChanges) Empty() bool {
	return c.Name == nil && c.SKU == nil && c.Price == nil && c.Thresholds().Empty()
}

// Merge folds a later update into c; fields present in next win. A later
// switch to the defaults mode drops earlier custom values, which the
// threshold rule forbids next to it.
func (c ProductChanges) Merge(next ProductChanges) ProductChanges {
	if next.Name != nil {
		c.Name = next.Name
	}
	if next.SKU != nil {
		c.SKU = next.SKU
	}
	if next.Price != nil {
		c.Price = next.Price
	}
	if next.ThresholdMode != nil {
		c.ThresholdMode = next.ThresholdMode
		if *next.ThresholdMode == inventory.ThresholdDefaults {
			c.CustomCriticalThreshold = nil
			c.CustomAttentionThreshold = nil
			return c
		}
	}
	if next.CustomCriticalThreshold != nil {
		c.CustomCriticalThreshold = next.CustomCriticalThreshold
	}
	if next.CustomAttentionThreshold != nil {
		c.CustomAttentionThreshold = next.CustomAttentionThreshold
	}
	return c
}

// ProductUpdatePayload is the payload of product/update.
// ClientUpdatedAt is the server updatedAt of the copy the client edited;
// nil when the client never saw a server copy.
type ProductUpdatePayload struct {
	TenantID        string         `json:"tenantId,omitempty"`
	ClientUpdatedAt *time.Time     `json:"clientUpdatedAt,omitempty"`
	UpdatedFields   ProductChanges `json:"updatedFields"`
}

// DeletePayload is the payload of product/delete
type DeletePayload struct {
	TenantID string `json:"tenantId,omitempty"`
}

// MovementPayload is the payload of stockMovement/create
type MovementPayload struct {
	TenantID       string                 `json:"tenantId,omitempty"`
	ProductID      string                 `json:"productId" validate:"required,uuid"`
	Type           inventory.MovementType `json:"type" validate:"required,oneof=entry exit"`
	Quantity       int                    `json:"quantity" validate:"gt=0"`
	Reason         string                 `json:"reason,omitempty" validate:"max=500"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty" validate:"max=128"`
}

// Command is a decoded operation. The concrete type is fixed by the
// (entityType, operationType) pair, so handlers never inspect raw payloads.
type Command interface {
	Target() string
}

type CreateProduct struct {
	ID      string
	Payload ProductPayload
}

type UpdateProduct struct {
	ID      string
	Payload ProductUpdatePayload
}

type DeleteProduct struct {
	ID string
}

// CreateMovement carries the resolved business idempotency key: the payload
// key when present, otherwise the operation's idempotencyKey, otherwise its operationId.
type CreateMovement struct {
	ID             string
	IdempotencyKey string
	Payload        MovementPayload
}

func (c CreateProduct) Target() string  { return c.ID }
func (c UpdateProduct) Target() string  { return c.ID }
func (c DeleteProduct) Target() string  { return c.ID }
func (c CreateMovement) Target() string { return c.ID }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// PayloadTenant returns the tenantId embedded in a payload, if any
func PayloadTenant(raw json.RawMessage) (string, bool) {
	var envelope struct {
		TenantID *string `json:"tenantId"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &envelope) != nil || envelope.TenantID == nil {
		return "", false
	}
	return *envelope.TenantID, true
}

// DecodeCommand validates an operation envelope and decodes its payload into
// the command for its (entityType, operationType) pair.
func DecodeCommand(op SyncOperation) (Command, error) {
	if err := payloadValidator().Var(op.EntityID, "required,uuid"); err != nil {
		return nil, fmt.Errorf("%w: entityId must be a uuid", ErrInvalidPayload)
	}

	switch op.EntityType {
	case EntityProduct:
		switch op.OperationType {
		case OpCreate:
			var p ProductPayload
			if err := decodeStrict(op.Payload, &p); err != nil {
				return nil, err
			}
			if p.Price.IsNegative() {
				return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidPayload)
			}
			return CreateProduct{ID: op.EntityID, Payload: p}, nil
		case OpUpdate:
			var p ProductUpdatePayload
			if err := decodeStrict(op.Payload, &p); err != nil {
				return nil, err
			}
			if p.UpdatedFields.Price != nil && p.UpdatedFields.Price.IsNegative() {
				return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidPayload)
			}
			return UpdateProduct{ID: op.EntityID, Payload: p}, nil
		case OpDelete:
			var p DeletePayload
			if err := decodeStrict(op.Payload, &p); err != nil {
				return nil, err
			}
			return DeleteProduct{ID: op.EntityID}, nil
		}
	case EntityStockMovement:
		switch op.OperationType {
		case OpCreate:
			var p MovementPayload
			if err := decodeStrict(op.Payload, &p); err != nil {
				return nil, err
			}
			key := p.IdempotencyKey
			if key == "" {
				key = op.IdempotencyKey
			}
			if key == "" {
				key = op.OperationID
			}
			return CreateMovement{ID: op.EntityID, IdempotencyKey: key, Payload: p}, nil
		case OpUpdate, OpDelete:
			return nil, fmt.Errorf("%w: stock movements are append-only (%s)", ErrUnsupported, op.OperationType)
		}
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrUnsupported, op.EntityType)
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrUnsupported, op.OperationType)
}

// decodeStrict rejects unknown fields (e.g. quantity inside updatedFields)
func decodeStrict(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Validate(dst)
}

// Validate runs the payload struct tags the server enforces, so a client can
// reject a mutation before queueing it
func Validate(payload any) error {
	if err := payloadValidator().Struct(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
