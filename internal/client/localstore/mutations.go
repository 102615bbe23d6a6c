package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateProduct records a new product and queues its create operation.
// The initial quantity is part of the create payload, so it starts out as
// the confirmed quantity.
func (s *Store) CreateProduct(ctx context.Context, tenantID string, in syncproto.ProductPayload) (*LocalProduct, error) {
	in.TenantID = tenantID
	if err := syncproto.Validate(in); err != nil {
		return nil, err
	}
	if in.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", syncproto.ErrInvalidPayload)
	}
	thresholds, err := inventory.ValidateThresholds(nil, in.Thresholds())
	if err != nil {
		return nil, err
	}

	p := &LocalProduct{
		TenantID:          tenantID,
		ID:                uuid.NewString(),
		Name:              in.Name,
		SKU:               in.SKU,
		Price:             in.Price.Round(2),
		ConfirmedQuantity: in.Quantity,
		UpdatedAt:         s.clock(),
		SyncStatus:        SyncPending,
	}
	p.setThresholds(thresholds)

	err = s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("insert local product: %w", err)
		}
		return s.enqueue(tx, tenantID, syncproto.OpCreate, syncproto.EntityProduct, p.ID, "", in)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct applies changes locally and queues an update carrying only
// the changed fields, folded into an unsent update of the same product when
// there is one. The update's clientUpdatedAt is the server updatedAt of the
// copy being edited, nil if the product was never confirmed.
func (s *Store) UpdateProduct(ctx context.Context, tenantID, id string, changes syncproto.ProductChanges) (*LocalProduct, error) {
	if err := syncproto.Validate(changes); err != nil {
		return nil, err
	}
	if changes.Price != nil && changes.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", syncproto.ErrInvalidPayload)
	}

	var p LocalProduct
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Take(&p).Error; err != nil {
			return notFound(err)
		}
		if p.Deleted() {
			return ErrDeleted
		}
		if changes.Empty() {
			return nil
		}

		if in := changes.Thresholds(); !in.Empty() {
			current := p.thresholds()
			next, err := inventory.ValidateThresholds(&current, in)
			if err != nil {
				return err
			}
			p.setThresholds(next)
		}
		if changes.Name != nil {
			p.Name = *changes.Name
		}
		if changes.SKU != nil {
			p.SKU = *changes.SKU
		}
		if changes.Price != nil {
			p.Price = changes.Price.Round(2)
		}
		p.UpdatedAt = s.clock()
		p.SyncStatus = SyncPending
		p.LastSyncError = nil

		if err := tx.Save(&p).Error; err != nil {
			return fmt.Errorf("save local product: %w", err)
		}
		return s.queueProductUpdate(tx, &p, changes)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProduct soft-deletes a product and queues the delete.
// Deleting an already deleted product queues nothing.
func (s *Store) DeleteProduct(ctx context.Context, tenantID, id string) (*LocalProduct, error) {
	var p LocalProduct
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Take(&p).Error; err != nil {
			return notFound(err)
		}
		if p.Deleted() {
			return nil
		}
		now := s.clock()
		p.DeletedAt = &now
		p.UpdatedAt = now
		p.SyncStatus = SyncPending
		p.LastSyncError = nil
		if err := tx.Save(&p).Error; err != nil {
			return fmt.Errorf("save local product: %w", err)
		}
		return s.enqueue(tx, tenantID, syncproto.OpDelete, syncproto.EntityProduct, p.ID, "", syncproto.DeletePayload{TenantID: tenantID})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordMovement appends a stock movement, adds its signed quantity to the
// product's pending delta and queues the create. A movement whose
// idempotency key was already recorded is returned as is and nothing is queued.
func (s *Store) RecordMovement(ctx context.Context, tenantID string, in syncproto.MovementPayload) (*LocalMovement, error) {
	in.TenantID = tenantID
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}
	if err := syncproto.Validate(in); err != nil {
		return nil, err
	}

	var m LocalMovement
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ? AND idempotency_key = ?", tenantID, in.IdempotencyKey).Take(&m).Error
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup movement key: %w", err)
		}

		var p LocalProduct
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, in.ProductID).Take(&p).Error; err != nil {
			return notFound(err)
		}
		if p.Deleted() {
			return ErrDeleted
		}

		m = LocalMovement{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			ProductID:      in.ProductID,
			Type:           in.Type,
			Quantity:       in.Quantity,
			Reason:         in.Reason,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      s.clock(),
			SyncStatus:     SyncPending,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert local movement: %w", err)
		}
		err = tx.Model(&LocalProduct{}).
			Where("tenant_id = ? AND id = ?", tenantID, in.ProductID).
			Update("pending_delta", gorm.Expr("pending_delta + ?", m.Delta())).Error
		if err != nil {
			return fmt.Errorf("apply pending delta: %w", err)
		}
		return s.enqueue(tx, tenantID, syncproto.OpCreate, syncproto.EntityStockMovement, m.ID, m.IdempotencyKey, in)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Product loads one product, including soft-deleted ones
func (s *Store) Product(ctx context.Context, tenantID, id string) (*LocalProduct, error) {
	var p LocalProduct
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Products lists a tenant's live products by name
func (s *Store) Products(ctx context.Context, tenantID string) ([]LocalProduct, error) {
	var rows []LocalProduct
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND deleted_at IS NULL", tenantID).
		Order("name ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return rows, nil
}

// Movements lists a product's movements, oldest first
func (s *Store) Movements(ctx context.Context, tenantID, productID string) ([]LocalMovement, error) {
	var rows []LocalMovement
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND product_id = ?", tenantID, productID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return rows, nil
}
