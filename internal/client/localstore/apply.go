package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/stockbridge/internal/syncproto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyResult records the server's verdict for op in the outbox and in the
// local record it came from:
//   - success, duplicate and conflict_resolved complete the operation and
//     overwrite the local record with the server state
//   - validation_error, tenant_mismatch and not_found fail it permanently
//   - anything else (rate_limited) fails it for a later retry
//
// Applying a result to an operation that is already completed is a no-op.
func (s *Store) ApplyResult(ctx context.Context, op OutboxOperation, res syncproto.SyncResult) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		var current OutboxOperation
		if err := tx.Where("operation_id = ?", op.OperationID).Take(&current).Error; err != nil {
			return fmt.Errorf("load operation %s: %w", op.OperationID, notFound(err))
		}
		if current.Status == OutboxCompleted {
			return nil
		}

		switch {
		case res.Status.Resolved():
			if err := s.complete(tx, current); err != nil {
				return err
			}
			return s.applyServerState(tx, current, res)
		case res.Status.Permanent():
			return s.failPermanent(tx, current, resultReason(res))
		default:
			return s.fail(tx, current, resultReason(res))
		}
	})
}

func resultReason(res syncproto.SyncResult) string {
	switch {
	case res.Message != "" && res.Code != "":
		return fmt.Sprintf("%s (%s): %s", res.Status, res.Code, res.Message)
	case res.Message != "":
		return fmt.Sprintf("%s: %s", res.Status, res.Message)
	}
	return string(res.Status)
}

func (s *Store) applyServerState(tx *gorm.DB, op OutboxOperation, res syncproto.SyncResult) error {
	switch op.EntityType {
	case syncproto.EntityProduct:
		state, err := syncproto.DecodeProductState(res.ServerState)
		if err != nil {
			return err
		}
		return s.confirmProduct(tx, op, res.Status, state)
	case syncproto.EntityStockMovement:
		state, err := syncproto.DecodeMovementState(res.ServerState)
		if err != nil {
			return err
		}
		return s.confirmMovement(tx, op, state)
	}
	return nil
}

// confirmProduct overwrites the local product with the server copy. When other
// operations for the same product are still queued, the local edits they
// carry are kept, only the server clock and quantity are taken, and the
// queued updates are rebased on the accepted copy.
func (s *Store) confirmProduct(tx *gorm.DB, op OutboxOperation, status syncproto.ResultStatus, state *syncproto.ProductState) error {
	var p LocalProduct
	err := tx.Where("tenant_id = ? AND id = ?", op.TenantID, op.EntityID).Take(&p).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if state == nil {
			return nil
		}
		p = LocalProduct{TenantID: op.TenantID, ID: op.EntityID}
		p.overwrite(state)
		p.SyncStatus = SyncSynced
		return tx.Create(&p).Error
	case err != nil:
		return fmt.Errorf("load local product: %w", err)
	}

	open, err := s.openOperations(tx, op.TenantID, syncproto.EntityProduct, op.EntityID, op.OperationID)
	if err != nil {
		return fmt.Errorf("count open operations: %w", err)
	}

	switch {
	case state == nil:
	case open > 0:
		updated := state.UpdatedAt
		p.ServerUpdatedAt = &updated
		p.ConfirmedQuantity = state.Quantity
		p.AlertLevel = state.AlertLevel
		// edits queued after an accepted one build on it; after a lost
		// conflict they stay stale and come back with the server copy
		if status != syncproto.StatusConflictResolved {
			if err := s.rebaseQueuedUpdates(tx, op.TenantID, op.EntityID, updated); err != nil {
				return err
			}
		}
	default:
		p.overwrite(state)
	}
	if open == 0 {
		p.SyncStatus = SyncSynced
		p.LastSyncError = nil
	}
	return tx.Save(&p).Error
}

// confirmMovement moves the movement's quantity from the product's pending
// delta into its confirmed quantity
func (s *Store) confirmMovement(tx *gorm.DB, op OutboxOperation, state *syncproto.MovementState) error {
	var m LocalMovement
	if err := tx.Where("tenant_id = ? AND id = ?", op.TenantID, op.EntityID).Take(&m).Error; err != nil {
		return fmt.Errorf("load local movement: %w", notFound(err))
	}
	if m.SyncedAt != nil {
		return nil
	}

	now := s.clock()
	m.SyncStatus = SyncSynced
	m.SyncedAt = &now
	m.LastSyncError = nil
	if state != nil {
		created := state.CreatedAt
		m.ServerCreatedAt = &created
	}
	if err := tx.Save(&m).Error; err != nil {
		return fmt.Errorf("save local movement: %w", err)
	}

	var p LocalProduct
	err := tx.Where("tenant_id = ? AND id = ?", m.TenantID, m.ProductID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load local product: %w", err)
	}
	p.PendingDelta -= m.Delta()
	if state != nil && state.ProductQuantity != nil {
		p.ConfirmedQuantity = *state.ProductQuantity
	} else {
		p.ConfirmedQuantity += m.Delta()
	}
	return tx.Save(&p).Error
}

// ApplyPull merges one page of server products into the local mirror and
// stores the page's cursor. Rows with unconfirmed local work (queued
// operations or unsynced movements) are skipped; their own results will
// bring them up to date. Returns the number of rows written.
func (s *Store) ApplyPull(ctx context.Context, tenantID string, page syncproto.ProductPullResponse) (int, error) {
	applied := 0
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		for i := range page.Upserts {
			state := &page.Upserts[i]
			ok, err := s.mergeServerProduct(tx, tenantID, state)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		for _, d := range page.Deletes {
			deletedAt := d.DeletedAt
			ok, err := s.mergeServerProduct(tx, tenantID, &syncproto.ProductState{ID: d.ID, DeletedAt: &deletedAt})
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		if page.NextCursor != nil {
			return saveMeta(tx, SyncMeta{TenantID: tenantID, PullCursor: *page.NextCursor}, "pull_cursor")
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply pulled products: %w", err)
	}
	return applied, nil
}

func (s *Store) mergeServerProduct(tx *gorm.DB, tenantID string, state *syncproto.ProductState) (bool, error) {
	tombstone := state.Name == "" && state.DeletedAt != nil

	var p LocalProduct
	err := tx.Where("tenant_id = ? AND id = ?", tenantID, state.ID).Take(&p).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if tombstone {
			return false, nil
		}
		p = LocalProduct{TenantID: tenantID, ID: state.ID}
		p.overwrite(state)
		p.SyncStatus = SyncSynced
		return true, tx.Create(&p).Error
	case err != nil:
		return false, fmt.Errorf("load local product: %w", err)
	}

	if p.SyncStatus != SyncSynced || p.PendingDelta != 0 {
		return false, nil
	}
	open, err := s.openOperations(tx, tenantID, syncproto.EntityProduct, state.ID, "")
	if err != nil || open > 0 {
		return false, err
	}

	if tombstone {
		p.DeletedAt = state.DeletedAt
	} else {
		p.overwrite(state)
	}
	return true, tx.Save(&p).Error
}

// Meta returns the tenant's sync bookkeeping; a zero value when none was saved
func (s *Store) Meta(ctx context.Context, tenantID string) (SyncMeta, error) {
	meta := SyncMeta{TenantID: tenantID}
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&meta).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return meta, fmt.Errorf("load sync meta: %w", err)
	}
	return meta, nil
}

// SaveCheckpoint stores the checkpoint of a completed round
func (s *Store) SaveCheckpoint(ctx context.Context, tenantID, checkpoint string) error {
	now := s.clock()
	return saveMeta(s.db.WithContext(ctx), SyncMeta{TenantID: tenantID, Checkpoint: checkpoint, LastSyncAt: &now}, "checkpoint", "last_sync_at")
}

func saveMeta(tx *gorm.DB, meta SyncMeta, columns ...string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&meta).Error
}
