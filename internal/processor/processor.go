// Package processor applies batches of queued client operations to the
// system of record.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/alerts"
	"github.com/erauner12/stockbridge/internal/metrics"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Result codes carried in SyncResult.Code
const (
	CodeInvalidPayload    = "invalid_payload"
	CodeUnsupported       = "unsupported_operation"
	CodeInvalidThresholds = "invalid_thresholds"
	CodeTenantMismatch    = "tenant_mismatch"
	CodeNotFound          = "not_found"
	CodeProductDeleted    = "product_deleted"
	CodeConflictingID     = "conflicting_id"
	CodeInternal          = "internal_error"
)

// AlertHook recomputes a product's alert level inside the operation's
// transaction and may return a notification task to flush after commit.
type AlertHook interface {
	Recompute(ctx context.Context, tx store.Tx, tenantID, productID string, currentStock int) (*alerts.Task, error)
}

// Dispatcher delivers notification tasks once their transaction committed
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []alerts.Task) error
}

// Processor is stateless between calls; all state lives in Store.
type Processor struct {
	Store      store.Store
	Alerts     AlertHook
	Dispatcher Dispatcher
	Metrics    *metrics.Sync
	Now        func() time.Time
}

// New creates a processor. hook, dispatcher and m may be nil.
func New(s store.Store, hook AlertHook, dispatcher Dispatcher, m *metrics.Sync) *Processor {
	return &Processor{
		Store:      s,
		Alerts:     hook,
		Dispatcher: dispatcher,
		Metrics:    m,
		Now:        time.Now,
	}
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return syncx.TruncateMs(time.Now())
	}
	return syncx.TruncateMs(p.Now())
}

// Process applies req's operations sequentially in submission order and
// returns one result per operation. It only returns an error when the store
// is unavailable; every other failure is reported inside the results.
func (p *Processor) Process(ctx context.Context, tenantID, userID string, req syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	start := time.Now()
	results := make([]syncproto.SyncResult, 0, len(req.Operations))

	for _, op := range req.Operations {
		res, err := p.processOne(ctx, tenantID, userID, op)
		if err != nil {
			return nil, err
		}
		p.Metrics.ObserveResult(string(op.EntityType), string(res.Status))
		results = append(results, res)
	}

	p.Metrics.ObserveBatch(len(req.Operations), time.Since(start))
	return &syncproto.SyncResponse{
		Checkpoint: syncx.Checkpoint(p.now()),
		Results:    results,
	}, nil
}

func (p *Processor) processOne(ctx context.Context, tenantID, userID string, op syncproto.SyncOperation) (syncproto.SyncResult, error) {
	logger := log.Ctx(ctx).With().
		Str("operationId", op.OperationID).
		Str("entityType", string(op.EntityType)).
		Str("operationType", string(op.OperationType)).
		Logger()

	if op.TenantID != "" && op.TenantID != tenantID {
		logger.Warn().Str("opTenant", op.TenantID).Msg("operation tenant does not match session")
		return syncproto.Failure(op, syncproto.StatusTenantMismatch, CodeTenantMismatch, "operation tenant does not match authenticated tenant"), nil
	}
	if t, ok := syncproto.PayloadTenant(op.Payload); ok && t != tenantID {
		logger.Warn().Str("payloadTenant", t).Msg("payload tenant does not match session")
		return syncproto.Failure(op, syncproto.StatusTenantMismatch, CodeTenantMismatch, "payload tenant does not match authenticated tenant"), nil
	}

	cmd, err := syncproto.DecodeCommand(op)
	if err != nil {
		code := CodeInvalidPayload
		if errors.Is(err, syncproto.ErrUnsupported) {
			code = CodeUnsupported
		}
		logger.Debug().Err(err).Msg("rejected operation payload")
		return syncproto.Failure(op, syncproto.StatusValidationError, code, err.Error()), nil
	}

	res, tasks, err := p.apply(ctx, tenantID, userID, op, cmd)
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent writer inserted the same key; the second attempt sees its row.
		logger.Debug().Err(err).Msg("insert raced, re-applying")
		res, tasks, err = p.apply(ctx, tenantID, userID, op, cmd)
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrUnavailable):
		logger.Error().Err(err).Msg("store unavailable")
		return syncproto.SyncResult{}, fmt.Errorf("operation %s: %w", op.OperationID, err)
	case errors.Is(err, store.ErrDuplicate):
		return syncproto.Failure(op, syncproto.StatusValidationError, CodeConflictingID, err.Error()), nil
	default:
		logger.Error().Err(err).Msg("operation failed")
		return syncproto.Failure(op, syncproto.StatusValidationError, CodeInternal, err.Error()), nil
	}

	p.flush(ctx, logger, tasks)
	return res, nil
}

// opContext is the per-operation state shared by the handlers
type opContext struct {
	tx       store.Tx
	tenantID string
	userID   string
	now      time.Time
	tasks    []alerts.Task
}

// apply runs the command in its own transaction. A panic inside a handler
// rolls the transaction back and is reported as an error.
func (p *Processor) apply(ctx context.Context, tenantID, userID string, op syncproto.SyncOperation, cmd syncproto.Command) (res syncproto.SyncResult, tasks []alerts.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().Interface("panic", r).Str("operationId", op.OperationID).Msg("operation handler panicked")
			res, tasks, err = syncproto.SyncResult{}, nil, fmt.Errorf("unexpected failure: %v", r)
		}
	}()

	var oc *opContext
	err = p.Store.WithTx(ctx, func(tx store.Tx) error {
		oc = &opContext{tx: tx, tenantID: tenantID, userID: userID, now: p.now()}
		var herr error
		res, herr = p.handle(ctx, oc, op, cmd)
		return herr
	})
	if err != nil {
		return syncproto.SyncResult{}, nil, err
	}
	return res, oc.tasks, nil
}

func (p *Processor) handle(ctx context.Context, oc *opContext, op syncproto.SyncOperation, cmd syncproto.Command) (syncproto.SyncResult, error) {
	switch c := cmd.(type) {
	case syncproto.CreateProduct:
		return p.createProduct(ctx, oc, op, c)
	case syncproto.UpdateProduct:
		return p.updateProduct(ctx, oc, op, c)
	case syncproto.DeleteProduct:
		return p.deleteProduct(ctx, oc, op, c)
	case syncproto.CreateMovement:
		return p.createMovement(ctx, oc, op, c)
	default:
		return syncproto.Failure(op, syncproto.StatusValidationError, CodeUnsupported,
			fmt.Sprintf("unsupported command %T", cmd)), nil
	}
}

// recompute calls the alert hook and buffers any task until commit
func (p *Processor) recompute(ctx context.Context, oc *opContext, productID string, stock int) error {
	if p.Alerts == nil {
		return nil
	}
	task, err := p.Alerts.Recompute(ctx, oc.tx, oc.tenantID, productID, stock)
	if err != nil {
		return fmt.Errorf("recompute alert: %w", err)
	}
	if task != nil {
		oc.tasks = append(oc.tasks, *task)
	}
	return nil
}

// flush hands committed tasks to the dispatcher. Delivery failures are
// logged and never change the operation's verdict.
func (p *Processor) flush(ctx context.Context, logger zerolog.Logger, tasks []alerts.Task) {
	if len(tasks) == 0 || p.Dispatcher == nil {
		return
	}
	if err := p.Dispatcher.Dispatch(ctx, tasks); err != nil {
		logger.Warn().Err(err).Int("tasks", len(tasks)).Msg("alert dispatch failed")
	}
}
