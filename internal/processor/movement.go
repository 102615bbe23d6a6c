package processor

import (
	"context"
	"errors"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncproto"
)

// createMovement records a movement and applies its delta in the same
// transaction. Replays are detected by the business idempotency key, not
// by the operation id.
func (p *Processor) createMovement(ctx context.Context, oc *opContext, op syncproto.SyncOperation, cmd syncproto.CreateMovement) (syncproto.SyncResult, error) {
	existing, err := oc.tx.GetMovementByKey(ctx, oc.tenantID, cmd.IdempotencyKey)
	switch {
	case err == nil:
		var qty *int
		if prod, err := oc.tx.GetProduct(ctx, oc.tenantID, existing.ProductID); err == nil {
			qty = &prod.Quantity
		} else if !errors.Is(err, store.ErrNotFound) {
			return syncproto.SyncResult{}, err
		}
		return syncproto.NewResult(op, syncproto.StatusDuplicate, syncproto.NewMovementState(existing, qty))
	case !errors.Is(err, store.ErrNotFound):
		return syncproto.SyncResult{}, err
	}

	prod, err := oc.tx.GetProduct(ctx, oc.tenantID, cmd.Payload.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return syncproto.Failure(op, syncproto.StatusNotFound, CodeNotFound, "product not found"), nil
	}
	if err != nil {
		return syncproto.SyncResult{}, err
	}
	if prod.Deleted() {
		return syncproto.Failure(op, syncproto.StatusNotFound, CodeProductDeleted, "product has been deleted"), nil
	}

	m := &inventory.StockMovement{
		ID:             cmd.ID,
		TenantID:       oc.tenantID,
		ProductID:      prod.ID,
		Type:           cmd.Payload.Type,
		Quantity:       cmd.Payload.Quantity,
		Reason:         cmd.Payload.Reason,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedBy:      oc.userID,
		CreatedAt:      oc.now,
	}
	if err := oc.tx.InsertMovement(ctx, m); err != nil {
		return syncproto.SyncResult{}, err
	}

	qty, err := oc.tx.AdjustQuantity(ctx, oc.tenantID, prod.ID, m.Delta(), oc.now)
	if err != nil {
		return syncproto.SyncResult{}, err
	}
	if err := p.recompute(ctx, oc, prod.ID, qty); err != nil {
		return syncproto.SyncResult{}, err
	}
	return syncproto.NewResult(op, syncproto.StatusSuccess, syncproto.NewMovementState(m, &qty))
}
