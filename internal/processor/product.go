package processor

import (
	"context"
	"errors"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncproto"
)

func productResult(ctx context.Context, oc *opContext, op syncproto.SyncOperation, status syncproto.ResultStatus, id string) (syncproto.SyncResult, error) {
	p, err := oc.tx.GetProduct(ctx, oc.tenantID, id)
	if err != nil {
		return syncproto.SyncResult{}, err
	}
	return syncproto.NewResult(op, status, syncproto.NewProductState(p))
}

func (p *Processor) createProduct(ctx context.Context, oc *opContext, op syncproto.SyncOperation, cmd syncproto.CreateProduct) (syncproto.SyncResult, error) {
	existing, err := oc.tx.GetProduct(ctx, oc.tenantID, cmd.ID)
	switch {
	case err == nil:
		return syncproto.NewResult(op, syncproto.StatusDuplicate, syncproto.NewProductState(existing))
	case !errors.Is(err, store.ErrNotFound):
		return syncproto.SyncResult{}, err
	}

	th, err := inventory.ValidateThresholds(nil, cmd.Payload.Thresholds())
	if err != nil {
		return syncproto.Failure(op, syncproto.StatusValidationError, CodeInvalidThresholds, err.Error()), nil
	}

	prod := &inventory.Product{
		ID:         cmd.ID,
		TenantID:   oc.tenantID,
		Name:       cmd.Payload.Name,
		SKU:        cmd.Payload.SKU,
		Price:      cmd.Payload.Price.Round(2),
		Quantity:   cmd.Payload.Quantity,
		AlertLevel: inventory.AlertOK,
		CreatedBy:  oc.userID,
		CreatedAt:  oc.now,
		UpdatedAt:  oc.now,
		RevisedAt:  oc.now,
	}
	prod.SetThresholds(th)

	if err := oc.tx.InsertProduct(ctx, prod); err != nil {
		return syncproto.SyncResult{}, err
	}
	if err := p.recompute(ctx, oc, prod.ID, prod.Quantity); err != nil {
		return syncproto.SyncResult{}, err
	}
	return productResult(ctx, oc, op, syncproto.StatusSuccess, prod.ID)
}

func (p *Processor) updateProduct(ctx context.Context, oc *opContext, op syncproto.SyncOperation, cmd syncproto.UpdateProduct) (syncproto.SyncResult, error) {
	cur, err := oc.tx.GetProduct(ctx, oc.tenantID, cmd.ID)
	if errors.Is(err, store.ErrNotFound) {
		return syncproto.Failure(op, syncproto.StatusNotFound, CodeNotFound, "product not found"), nil
	}
	if err != nil {
		return syncproto.SyncResult{}, err
	}
	if cur.Deleted() {
		return syncproto.Failure(op, syncproto.StatusNotFound, CodeProductDeleted, "product has been deleted"), nil
	}

	if IsStale(cur.UpdatedAt, cmd.Payload.ClientUpdatedAt) {
		return syncproto.NewResult(op, syncproto.StatusConflictResolved, syncproto.NewProductState(cur))
	}

	changes := cmd.Payload.UpdatedFields
	if changes.Empty() {
		return syncproto.NewResult(op, syncproto.StatusSuccess, syncproto.NewProductState(cur))
	}

	next := *cur
	if in := changes.Thresholds(); !in.Empty() {
		state := cur.Thresholds()
		th, err := inventory.ValidateThresholds(&state, in)
		if err != nil {
			return syncproto.Failure(op, syncproto.StatusValidationError, CodeInvalidThresholds, err.Error()), nil
		}
		next.SetThresholds(th)
	}
	if changes.Name != nil {
		next.Name = *changes.Name
	}
	if changes.SKU != nil {
		next.SKU = *changes.SKU
	}
	if changes.Price != nil {
		next.Price = changes.Price.Round(2)
	}
	next.UpdatedAt = oc.now
	next.RevisedAt = oc.now

	if err := oc.tx.UpdateProduct(ctx, &next); err != nil {
		return syncproto.SyncResult{}, err
	}
	if changes.ThresholdMode != nil {
		if err := p.recompute(ctx, oc, next.ID, next.Quantity); err != nil {
			return syncproto.SyncResult{}, err
		}
	}
	return productResult(ctx, oc, op, syncproto.StatusSuccess, next.ID)
}

func (p *Processor) deleteProduct(ctx context.Context, oc *opContext, op syncproto.SyncOperation, cmd syncproto.DeleteProduct) (syncproto.SyncResult, error) {
	cur, err := oc.tx.GetProduct(ctx, oc.tenantID, cmd.ID)
	if errors.Is(err, store.ErrNotFound) {
		return syncproto.Failure(op, syncproto.StatusNotFound, CodeNotFound, "product not found"), nil
	}
	if err != nil {
		return syncproto.SyncResult{}, err
	}
	if cur.Deleted() {
		return syncproto.NewResult(op, syncproto.StatusSuccess, syncproto.NewProductState(cur))
	}

	next := *cur
	deletedAt := oc.now
	next.DeletedAt = &deletedAt
	next.UpdatedAt = oc.now
	next.RevisedAt = oc.now
	if err := oc.tx.UpdateProduct(ctx, &next); err != nil {
		return syncproto.SyncResult{}, err
	}
	return syncproto.NewResult(op, syncproto.StatusSuccess, syncproto.NewProductState(&next))
}
