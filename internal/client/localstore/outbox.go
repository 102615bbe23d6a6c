package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Counts summarizes a tenant's outbox
type Counts struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	// Dead counts failed rows past the retry ceiling; they stay failed until
	// a user retries them by hand.
	Dead int64
}

// Enqueue appends op within the caller's transaction, so the outbox row
// commits or rolls back together with the local entity change.
func (s *Store) Enqueue(tx *gorm.DB, op *OutboxOperation) error {
	if tx == nil {
		return ErrTxRequired
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = op.OperationID
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.clock()
	}
	op.Status = OutboxPending
	op.RetryCount = 0
	op.ProcessedAt = nil
	op.Error = nil

	if err := tx.Create(op).Error; err != nil {
		return fmt.Errorf("enqueue %s/%s %s: %w", op.EntityType, op.OperationType, op.EntityID, err)
	}
	return nil
}

func (s *Store) enqueue(tx *gorm.DB, tenantID string, opType syncproto.OperationType, entity syncproto.EntityType, entityID, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", entity, err)
	}
	return s.Enqueue(tx, &OutboxOperation{
		TenantID:       tenantID,
		OperationType:  opType,
		EntityType:     entity,
		EntityID:       entityID,
		IdempotencyKey: key,
		Payload:        raw,
	})
}

// ListEligible returns up to limit operations ready to send at now, oldest
// first: pending rows, plus failed rows under the retry ceiling whose backoff
// window has elapsed. At most one update per product is returned.
// limit <= 0 means no limit.
func (s *Store) ListEligible(ctx context.Context, tenantID string, now time.Time, limit int) ([]OutboxOperation, error) {
	var rows []OutboxOperation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("(status = ? OR (status = ? AND retry_count < ?))", OutboxPending, OutboxFailed, s.policy.MaxRetries).
		Order("created_at ASC").
		Order("operation_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible operations: %w", err)
	}

	eligible := rows[:0]
	updating := make(map[string]bool)
	held := make(map[string]bool)
	for _, op := range rows {
		if op.Status == OutboxFailed && !s.retryDue(op, now) {
			if op.EntityType == syncproto.EntityProduct {
				held[op.EntityID] = true
			}
			continue
		}
		// a product's second update waits for the first one's verdict, which
		// rebases it; everything queued behind it for that product waits too
		if op.EntityType == syncproto.EntityProduct {
			if held[op.EntityID] || (op.OperationType == syncproto.OpUpdate && updating[op.EntityID]) {
				held[op.EntityID] = true
				continue
			}
			if op.OperationType == syncproto.OpUpdate {
				updating[op.EntityID] = true
			}
		}
		eligible = append(eligible, op)
		if limit > 0 && len(eligible) == limit {
			break
		}
	}
	return eligible, nil
}

// MarkProcessing moves ops (and their local records) to processing.
// Rows that are no longer pending or failed are left alone.
func (s *Store) MarkProcessing(ctx context.Context, ops []OutboxOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		err := tx.Model(&OutboxOperation{}).
			Where("operation_id IN ?", operationIDs(ops)).
			Where("status IN ?", []OutboxStatus{OutboxPending, OutboxFailed}).
			Update("status", OutboxProcessing).Error
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		// an edit merged into a queued update after ops were listed must be sent too
		var fresh []OutboxOperation
		if err := tx.Where("operation_id IN ?", operationIDs(ops)).Find(&fresh).Error; err != nil {
			return fmt.Errorf("reload operations: %w", err)
		}
		payloads := make(map[string]datatypes.JSON, len(fresh))
		for _, op := range fresh {
			payloads[op.OperationID] = op.Payload
		}
		for i := range ops {
			ops[i].Status = OutboxProcessing
			if payload, ok := payloads[ops[i].OperationID]; ok {
				ops[i].Payload = payload
			}
			if err := setEntityStatus(tx, ops[i], SyncProcessing, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseProcessing returns ops from processing to pending without counting
// an attempt. Used when a round is cancelled.
func (s *Store) ReleaseProcessing(ctx context.Context, ops []OutboxOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&OutboxOperation{}).
			Where("operation_id IN ? AND status = ?", operationIDs(ops), OutboxProcessing).
			Update("status", OutboxPending)
		if res.Error != nil {
			return fmt.Errorf("release processing: %w", res.Error)
		}
		for i := range ops {
			if err := releaseEntity(tx, ops[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecoverProcessing releases every row a previous process left in processing
func (s *Store) RecoverProcessing(ctx context.Context, tenantID string) (int64, error) {
	var released int64
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&OutboxOperation{}).
			Where("tenant_id = ? AND status = ?", tenantID, OutboxProcessing).
			Update("status", OutboxPending)
		if res.Error != nil {
			return res.Error
		}
		released = res.RowsAffected
		if err := tx.Model(&LocalProduct{}).
			Where("tenant_id = ? AND sync_status = ?", tenantID, SyncProcessing).
			Update("sync_status", SyncPending).Error; err != nil {
			return err
		}
		return tx.Model(&LocalMovement{}).
			Where("tenant_id = ? AND sync_status = ?", tenantID, SyncProcessing).
			Update("sync_status", SyncPending).Error
	})
	if err != nil {
		return 0, fmt.Errorf("recover processing: %w", err)
	}
	return released, nil
}

// MarkCompleted finishes op. Completed rows are never rewritten.
func (s *Store) MarkCompleted(ctx context.Context, op OutboxOperation) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		return s.complete(tx, op)
	})
}

// MarkFailed records a retryable failure of op and its local record.
// Only pending or processing rows count the attempt, so repeating the call
// for the same attempt is a no-op.
func (s *Store) MarkFailed(ctx context.Context, op OutboxOperation, reason string) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		return s.fail(tx, op, reason)
	})
}

// MarkFailedUntil records a retryable failure that must not be retried before
// notBefore, even when the backoff window ends earlier.
func (s *Store) MarkFailedUntil(ctx context.Context, op OutboxOperation, reason string, notBefore time.Time) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		return s.failUntil(tx, op, reason, &notBefore)
	})
}

// MarkFailedPermanent records a failure that retrying cannot fix. The retry
// count jumps to the ceiling so the row is never eligible again.
func (s *Store) MarkFailedPermanent(ctx context.Context, op OutboxOperation, reason string) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		return s.failPermanent(tx, op, reason)
	})
}

func (s *Store) complete(tx *gorm.DB, op OutboxOperation) error {
	err := tx.Model(&OutboxOperation{}).
		Where("operation_id = ? AND status <> ?", op.OperationID, OutboxCompleted).
		Updates(map[string]any{
			"status":       OutboxCompleted,
			"processed_at": s.clock(),
			"error":        nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", op.OperationID, err)
	}
	return nil
}

func (s *Store) fail(tx *gorm.DB, op OutboxOperation, reason string) error {
	return s.failUntil(tx, op, reason, nil)
}

func (s *Store) failUntil(tx *gorm.DB, op OutboxOperation, reason string, notBefore *time.Time) error {
	res := tx.Model(&OutboxOperation{}).
		Where("operation_id = ? AND status IN ?", op.OperationID, []OutboxStatus{OutboxPending, OutboxProcessing}).
		Updates(map[string]any{
			"status":       OutboxFailed,
			"retry_count":  gorm.Expr("retry_count + 1"),
			"processed_at": s.clock(),
			"not_before":   notBefore,
			"error":        reason,
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed %s: %w", op.OperationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return setEntityStatus(tx, op, SyncFailed, &reason)
}

func (s *Store) failPermanent(tx *gorm.DB, op OutboxOperation, reason string) error {
	res := tx.Model(&OutboxOperation{}).
		Where("operation_id = ? AND status <> ?", op.OperationID, OutboxCompleted).
		Updates(map[string]any{
			"status":       OutboxFailed,
			"retry_count":  gorm.Expr("MAX(retry_count + 1, ?)", s.policy.MaxRetries),
			"processed_at": s.clock(),
			"error":        reason,
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed %s: %w", op.OperationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return setEntityStatus(tx, op, SyncFailed, &reason)
}

// Counts returns the number of outbox rows per status for tenantID
func (s *Store) Counts(ctx context.Context, tenantID string) (Counts, error) {
	var rows []struct {
		Status OutboxStatus
		Dead   bool
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&OutboxOperation{}).
		Select("status, (status = ? AND retry_count >= ?) AS dead, COUNT(*) AS n", OutboxFailed, s.policy.MaxRetries).
		Where("tenant_id = ?", tenantID).
		Group("status, dead").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, fmt.Errorf("count outbox: %w", err)
	}

	var c Counts
	for _, r := range rows {
		switch r.Status {
		case OutboxPending:
			c.Pending += r.N
		case OutboxProcessing:
			c.Processing += r.N
		case OutboxCompleted:
			c.Completed += r.N
		case OutboxFailed:
			c.Failed += r.N
			if r.Dead {
				c.Dead += r.N
			}
		}
	}
	return c, nil
}

// Operations lists a tenant's outbox rows, newest first, optionally filtered by status
func (s *Store) Operations(ctx context.Context, tenantID string, statuses ...OutboxStatus) ([]OutboxOperation, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var rows []OutboxOperation
	if err := q.Order("created_at DESC").Order("operation_id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return rows, nil
}

// Operation loads one outbox row
func (s *Store) Operation(ctx context.Context, operationID string) (*OutboxOperation, error) {
	var op OutboxOperation
	if err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).Take(&op).Error; err != nil {
		return nil, notFound(err)
	}
	return &op, nil
}

// queueProductUpdate merges changes into the product's newest queued update
// when that update has not been sent yet, keeping its clientUpdatedAt. Two
// edits of one copy then reach the server as a single update instead of the
// second being judged stale against the first. Otherwise a new update is queued.
func (s *Store) queueProductUpdate(tx *gorm.DB, p *LocalProduct, changes syncproto.ProductChanges) error {
	var last OutboxOperation
	err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", p.TenantID, syncproto.EntityProduct, p.ID).
		Where("(status IN ? OR (status = ? AND retry_count < ?))",
			[]OutboxStatus{OutboxPending, OutboxProcessing}, OutboxFailed, s.policy.MaxRetries).
		Order("created_at DESC").
		Order("operation_id DESC").
		Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return fmt.Errorf("load queued operations: %w", err)
	case last.OperationType == syncproto.OpUpdate && last.Status != OutboxProcessing:
		var payload syncproto.ProductUpdatePayload
		if err := json.Unmarshal(last.Payload, &payload); err != nil {
			return fmt.Errorf("decode queued update %s: %w", last.OperationID, err)
		}
		payload.UpdatedFields = payload.UpdatedFields.Merge(changes)
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode product payload: %w", err)
		}
		if err := tx.Model(&OutboxOperation{}).Where("operation_id = ?", last.OperationID).Update("payload", datatypes.JSON(raw)).Error; err != nil {
			return fmt.Errorf("merge queued update %s: %w", last.OperationID, err)
		}
		return nil
	}

	return s.enqueue(tx, p.TenantID, syncproto.OpUpdate, syncproto.EntityProduct, p.ID, "", syncproto.ProductUpdatePayload{
		TenantID:        p.TenantID,
		ClientUpdatedAt: p.ServerUpdatedAt,
		UpdatedFields:   changes,
	})
}

// rebaseQueuedUpdates moves the clientUpdatedAt of the product's unsent
// updates up to serverUpdatedAt. Called once an earlier update from this
// device is accepted, so the later edits are judged against the copy they
// were made on top of.
func (s *Store) rebaseQueuedUpdates(tx *gorm.DB, tenantID, productID string, serverUpdatedAt time.Time) error {
	var queued []OutboxOperation
	err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND operation_type = ?",
		tenantID, syncproto.EntityProduct, productID, syncproto.OpUpdate).
		Where("(status = ? OR (status = ? AND retry_count < ?))", OutboxPending, OutboxFailed, s.policy.MaxRetries).
		Find(&queued).Error
	if err != nil {
		return fmt.Errorf("load queued updates: %w", err)
	}
	for _, op := range queued {
		var payload syncproto.ProductUpdatePayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return fmt.Errorf("decode queued update %s: %w", op.OperationID, err)
		}
		if payload.ClientUpdatedAt != nil && !payload.ClientUpdatedAt.Before(serverUpdatedAt) {
			continue
		}
		at := serverUpdatedAt
		payload.ClientUpdatedAt = &at
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode product payload: %w", err)
		}
		if err := tx.Model(&OutboxOperation{}).Where("operation_id = ?", op.OperationID).Update("payload", datatypes.JSON(raw)).Error; err != nil {
			return fmt.Errorf("rebase queued update %s: %w", op.OperationID, err)
		}
	}
	return nil
}

// openOperations counts unfinished operations for an entity other than exclude.
// Dead rows are not counted: they will not be sent again.
func (s *Store) openOperations(tx *gorm.DB, tenantID string, entity syncproto.EntityType, entityID, exclude string) (int64, error) {
	var n int64
	err := tx.Model(&OutboxOperation{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND operation_id <> ?", tenantID, entity, entityID, exclude).
		Where("(status IN ? OR (status = ? AND retry_count < ?))",
			[]OutboxStatus{OutboxPending, OutboxProcessing}, OutboxFailed, s.policy.MaxRetries).
		Count(&n).Error
	return n, err
}

func operationIDs(ops []OutboxOperation) []string {
	ids := make([]string, len(ops))
	for i := range ops {
		ids[i] = ops[i].OperationID
	}
	return ids
}

func entityModel(op OutboxOperation) any {
	switch op.EntityType {
	case syncproto.EntityProduct:
		return &LocalProduct{}
	case syncproto.EntityStockMovement:
		return &LocalMovement{}
	}
	return nil
}

func setEntityStatus(tx *gorm.DB, op OutboxOperation, status SyncStatus, reason *string) error {
	model := entityModel(op)
	if model == nil {
		return nil
	}
	err := tx.Model(model).
		Where("tenant_id = ? AND id = ?", op.TenantID, op.EntityID).
		Updates(map[string]any{"sync_status": status, "last_sync_error": reason}).Error
	if err != nil {
		return fmt.Errorf("update %s %s sync status: %w", op.EntityType, op.EntityID, err)
	}
	return nil
}

func releaseEntity(tx *gorm.DB, op OutboxOperation) error {
	model := entityModel(op)
	if model == nil {
		return nil
	}
	return tx.Model(model).
		Where("tenant_id = ? AND id = ? AND sync_status = ?", op.TenantID, op.EntityID, SyncProcessing).
		Update("sync_status", SyncPending).Error
}

// retryDue reports whether a failed row's backoff and any server-imposed
// wait have both elapsed
func (s *Store) retryDue(op OutboxOperation, now time.Time) bool {
	if op.NotBefore != nil && now.Before(*op.NotBefore) {
		return false
	}
	return s.policy.Eligible(op.RetryCount, op.ProcessedAt, now)
}
