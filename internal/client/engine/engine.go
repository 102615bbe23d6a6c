// Package engine drains a tenant's outbox to the sync server and keeps the
// local mirror reconciled with the server's verdicts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/stockbridge/internal/client/connectivity"
	"github.com/erauner12/stockbridge/internal/client/localstore"
	"github.com/erauner12/stockbridge/internal/client/transport"
	"github.com/erauner12/stockbridge/internal/metrics"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// State is the engine's aggregate sync state
type State string

const (
	StateOffline  State = "offline"
	StateSyncing  State = "syncing"
	StateUpToDate State = "upToDate"
	StateError    State = "error"
)

const (
	DefaultBatchSize = 100
	DefaultPullLimit = 200
	// DefaultMaxRounds caps the follow-up rounds run for one trigger when new
	// work keeps appearing
	DefaultMaxRounds = 10
	maxPullPages     = 50

	reasonRateLimited = "rate limited"
	reasonNoResult    = "no result returned for operation"
)

// Status is a snapshot of the engine state
type Status struct {
	TenantID     string
	State        State
	PendingCount int64
	FailedCount  int64
	// DeadCount is the part of FailedCount past the retry ceiling
	DeadCount  int64
	LastSyncAt *time.Time
	LastError  string
}

// Outbox is the local store the engine drains
type Outbox interface {
	ListEligible(ctx context.Context, tenantID string, now time.Time, limit int) ([]localstore.OutboxOperation, error)
	MarkProcessing(ctx context.Context, ops []localstore.OutboxOperation) error
	ReleaseProcessing(ctx context.Context, ops []localstore.OutboxOperation) error
	RecoverProcessing(ctx context.Context, tenantID string) (int64, error)
	MarkFailed(ctx context.Context, op localstore.OutboxOperation, reason string) error
	MarkFailedUntil(ctx context.Context, op localstore.OutboxOperation, reason string, notBefore time.Time) error
	ApplyResult(ctx context.Context, op localstore.OutboxOperation, res syncproto.SyncResult) error
	ApplyPull(ctx context.Context, tenantID string, page syncproto.ProductPullResponse) (int, error)
	Counts(ctx context.Context, tenantID string) (localstore.Counts, error)
	Meta(ctx context.Context, tenantID string) (localstore.SyncMeta, error)
	SaveCheckpoint(ctx context.Context, tenantID, checkpoint string) error
}

// Transport talks to the sync server
type Transport interface {
	Sync(ctx context.Context, req syncproto.SyncRequest) (*syncproto.SyncResponse, error)
	PullProducts(ctx context.Context, cursor string, limit int) (*syncproto.ProductPullResponse, error)
}

// Config tunes one tenant's engine. SyncInterval <= 0 disables the timer.
type Config struct {
	TenantID     string
	SyncInterval time.Duration
	BatchSize    int
	PullLimit    int
	MaxRounds    int
	DisablePull  bool
}

// Option customizes an Engine
type Option func(*Engine)

// WithMetrics counts rounds by outcome
func WithMetrics(m *metrics.Sync) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the per-tenant sync state machine. Sync may be called from any
// goroutine; overlapping calls are coalesced into the round in progress.
type Engine struct {
	cfg       Config
	outbox    Outbox
	transport Transport
	conn      *connectivity.Monitor
	metrics   *metrics.Sync
	now       func() time.Time
	logger    zerolog.Logger

	inFlight atomic.Bool

	mu     sync.Mutex
	status Status

	stopCtx   context.Context
	stop      context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a stopped engine in the offline state
func New(cfg Config, outbox Outbox, tr Transport, conn *connectivity.Monitor, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultPullLimit
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if conn == nil {
		conn = connectivity.NewMonitor(true)
	}
	stopCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		outbox:    outbox,
		transport: tr,
		conn:      conn,
		now:       time.Now,
		logger:    log.With().Str("tenantId", cfg.TenantID).Logger(),
		status:    Status{TenantID: cfg.TenantID, State: StateOffline},
		stopCtx:   stopCtx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns a snapshot of the current state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start recovers rows a previous process left in flight, then runs the
// timer and connectivity listeners until Stop. Calling Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		released, rerr := e.outbox.RecoverProcessing(ctx, e.cfg.TenantID)
		if rerr != nil {
			err = fmt.Errorf("recover in-flight operations: %w", rerr)
			return
		}
		if released > 0 {
			e.logger.Info().Int64("released", released).Msg("released operations left in flight")
		}
		if cerr := e.refreshCounts(ctx); cerr != nil {
			err = cerr
			return
		}

		changes, unsubscribe := e.conn.Subscribe()
		e.wg.Add(1)
		go e.loop(changes, unsubscribe)
	})
	return err
}

// Stop aborts any in-flight request and detaches the listeners. Local state
// already written stays as is. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stop()
		e.wg.Wait()
		e.logger.Debug().Msg("sync engine stopped")
	})
}

func (e *Engine) loop(changes <-chan bool, unsubscribe func()) {
	defer e.wg.Done()
	defer unsubscribe()

	var tick <-chan time.Time
	if e.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.trigger("start")
	for {
		select {
		case <-e.stopCtx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				e.trigger("connectivity")
			} else {
				e.setState(StateOffline, "")
			}
		case <-tick:
			e.trigger("interval")
		}
	}
}

func (e *Engine) trigger(reason string) {
	if err := e.Sync(e.stopCtx); err != nil {
		e.logger.Error().Err(err).Str("trigger", reason).Msg("sync failed")
	}
}

// Sync runs one round, plus follow-up rounds while new work keeps appearing.
// Delivery failures end up in Status and in the outbox; the returned error
// only reports a local store that could not be read or written.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.conn.Online() {
		e.setState(StateOffline, "")
		e.metrics.ObserveRound(string(StateOffline))
		return nil
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inFlight.Store(false)

	ctx, cancel := e.roundContext(ctx)
	defer cancel()

	for i := 0; i < e.cfg.MaxRounds; i++ {
		more, err := e.round(ctx)
		if err != nil {
			e.setState(StateError, err.Error())
			e.metrics.ObserveRound(string(StateError))
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// roundContext is cancelled by either the caller or Stop
func (e *Engine) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	detach := context.AfterFunc(e.stopCtx, cancel)
	return ctx, func() {
		detach()
		cancel()
	}
}

// round pushes one batch and reports whether pending work remains
func (e *Engine) round(ctx context.Context) (bool, error) {
	ops, err := e.outbox.ListEligible(ctx, e.cfg.TenantID, e.clock(), e.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("list eligible operations: %w", err)
	}
	if len(ops) == 0 {
		return false, e.idle(ctx)
	}

	prev := e.Status().State
	e.setState(StateSyncing, "")
	if err := e.outbox.MarkProcessing(ctx, ops); err != nil {
		if ctx.Err() != nil {
			e.setState(prev, "")
			return false, nil
		}
		return false, fmt.Errorf("mark processing: %w", err)
	}

	// From here on the rows are in flight; local writes must not be cut short
	local := context.WithoutCancel(ctx)

	req, err := e.buildRequest(local, ops)
	if err != nil {
		return false, multierr.Append(err, e.outbox.ReleaseProcessing(local, ops))
	}

	e.logger.Debug().Int("operations", len(ops)).Msg("sending sync batch")
	resp, err := e.transport.Sync(ctx, req)
	if err != nil {
		return false, e.deliveryFailed(ctx, ops, prev, err)
	}

	if err := e.applyResults(local, ops, resp); err != nil {
		return false, err
	}
	if resp.Checkpoint != "" {
		if err := e.outbox.SaveCheckpoint(local, e.cfg.TenantID, resp.Checkpoint); err != nil {
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return e.settle(ctx)
}

// idle settles a round with nothing to send. Failed rows still waiting out
// their backoff keep the engine in error; only dead rows, which no retry will
// send, allow upToDate.
func (e *Engine) idle(ctx context.Context) error {
	local := context.WithoutCancel(ctx)
	counts, err := e.outbox.Counts(local, e.cfg.TenantID)
	if err != nil {
		return fmt.Errorf("count outbox: %w", err)
	}
	if waiting := counts.Failed - counts.Dead; waiting > 0 {
		e.update(func(s *Status) {
			s.State = StateError
			s.PendingCount = counts.Pending + counts.Processing
			s.FailedCount = counts.Failed
			s.DeadCount = counts.Dead
			if s.LastError == "" {
				s.LastError = fmt.Sprintf("%d operation(s) waiting to retry", waiting)
			}
		})
		e.metrics.ObserveRound(string(StateError))
		return nil
	}

	e.pull(ctx)
	now := e.clock()
	if err := e.refreshCounts(local); err != nil {
		return err
	}
	e.update(func(s *Status) {
		s.State = StateUpToDate
		s.LastSyncAt = &now
		s.LastError = ""
	})
	e.metrics.ObserveRound(string(StateUpToDate))
	return nil
}

func (e *Engine) buildRequest(ctx context.Context, ops []localstore.OutboxOperation) (syncproto.SyncRequest, error) {
	meta, err := e.outbox.Meta(ctx, e.cfg.TenantID)
	if err != nil {
		return syncproto.SyncRequest{}, fmt.Errorf("load checkpoint: %w", err)
	}
	req := syncproto.SyncRequest{Operations: make([]syncproto.SyncOperation, len(ops))}
	if meta.Checkpoint != "" {
		checkpoint := meta.Checkpoint
		req.Checkpoint = &checkpoint
	}
	for i := range ops {
		req.Operations[i] = ops[i].Wire()
	}
	return req, nil
}

// deliveryFailed handles a request that produced no results. Cancellation
// puts the rows back untouched and restores the previous state; anything
// else fails every row of the round.
func (e *Engine) deliveryFailed(ctx context.Context, ops []localstore.OutboxOperation, prev State, cause error) error {
	local := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		e.logger.Debug().Err(cause).Msg("sync round cancelled")
		if err := e.outbox.ReleaseProcessing(local, ops); err != nil {
			return fmt.Errorf("release cancelled operations: %w", err)
		}
		e.setState(prev, "")
		return e.refreshCounts(local)
	}

	reason := cause.Error()
	outcome := string(StateError)
	var notBefore time.Time
	var limited transport.ErrRateLimited
	if errors.As(cause, &limited) {
		reason = reasonRateLimited
		outcome = "rate_limited"
		if limited.RetryAfter > 0 {
			notBefore = e.clock().Add(limited.RetryAfter)
		}
		e.logger.Warn().Err(cause).Int("operations", len(ops)).Msg("sync batch rate limited")
	} else {
		e.logger.Warn().Err(cause).Int("operations", len(ops)).Msg("sync batch failed")
	}

	for _, op := range ops {
		var err error
		if notBefore.IsZero() {
			err = e.outbox.MarkFailed(local, op, reason)
		} else {
			err = e.outbox.MarkFailedUntil(local, op, reason, notBefore)
		}
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}
	if err := e.refreshCounts(local); err != nil {
		return err
	}
	e.setState(StateError, reason)
	e.metrics.ObserveRound(outcome)
	return nil
}

func (e *Engine) applyResults(ctx context.Context, ops []localstore.OutboxOperation, resp *syncproto.SyncResponse) error {
	byID := make(map[string]syncproto.SyncResult, len(resp.Results))
	for _, res := range resp.Results {
		byID[res.OperationID] = res
	}

	for _, op := range ops {
		res, ok := byID[op.OperationID]
		if !ok {
			e.logger.Warn().Str("operationId", op.OperationID).Msg(reasonNoResult)
			if err := e.outbox.MarkFailed(ctx, op, reasonNoResult); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			continue
		}
		if !res.Status.Resolved() {
			e.logger.Warn().
				Str("operationId", op.OperationID).
				Str("entityType", string(op.EntityType)).
				Str("operationType", string(op.OperationType)).
				Str("status", string(res.Status)).
				Str("code", res.Code).
				Str("message", res.Message).
				Msg("operation rejected")
		}
		if err := e.outbox.ApplyResult(ctx, op, res); err != nil {
			return fmt.Errorf("apply result for %s: %w", op.OperationID, err)
		}
	}
	return nil
}

// settle derives the state after a delivered batch
func (e *Engine) settle(ctx context.Context) (bool, error) {
	local := context.WithoutCancel(ctx)
	counts, err := e.outbox.Counts(local, e.cfg.TenantID)
	if err != nil {
		return false, fmt.Errorf("count outbox: %w", err)
	}
	now := e.clock()

	var state State
	switch {
	case counts.Pending > 0:
		state = StateSyncing
	case counts.Failed > 0:
		state = StateError
	default:
		e.pull(ctx)
		state = StateUpToDate
	}

	e.update(func(s *Status) {
		s.State = state
		s.PendingCount = counts.Pending + counts.Processing
		s.FailedCount = counts.Failed
		s.DeadCount = counts.Dead
		s.LastSyncAt = &now
		if state == StateError {
			s.LastError = fmt.Sprintf("%d operation(s) failed", counts.Failed)
		} else {
			s.LastError = ""
		}
	})
	if state != StateSyncing {
		e.metrics.ObserveRound(string(state))
	}
	return state == StateSyncing, nil
}

// pull brings server-side changes into the local mirror. Failures are logged
// and retried on the next clean round.
func (e *Engine) pull(ctx context.Context) {
	if e.cfg.DisablePull {
		return
	}
	local := context.WithoutCancel(ctx)
	meta, err := e.outbox.Meta(local, e.cfg.TenantID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("load pull cursor")
		return
	}

	cursor := meta.PullCursor
	total := 0
	for page := 0; page < maxPullPages; page++ {
		resp, err := e.transport.PullProducts(ctx, cursor, e.cfg.PullLimit)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("pull products failed")
			}
			return
		}
		applied, err := e.outbox.ApplyPull(local, e.cfg.TenantID, *resp)
		if err != nil {
			e.logger.Warn().Err(err).Msg("apply pulled products failed")
			return
		}
		total += applied
		if resp.NextCursor == nil || *resp.NextCursor == cursor ||
			len(resp.Upserts)+len(resp.Deletes) < e.cfg.PullLimit {
			break
		}
		cursor = *resp.NextCursor
	}
	if total > 0 {
		e.logger.Debug().Int("applied", total).Msg("pulled server products")
	}
}

func (e *Engine) refreshCounts(ctx context.Context) error {
	counts, err := e.outbox.Counts(ctx, e.cfg.TenantID)
	if err != nil {
		return fmt.Errorf("count outbox: %w", err)
	}
	e.update(func(s *Status) {
		s.PendingCount = counts.Pending + counts.Processing
		s.FailedCount = counts.Failed
		s.DeadCount = counts.Dead
	})
	return nil
}

func (e *Engine) setState(state State, lastError string) {
	e.update(func(s *Status) {
		s.State = state
		if state == StateError {
			s.LastError = lastError
		}
	})
}

func (e *Engine) update(fn func(*Status)) {
	e.mu.Lock()
	prev := e.status.State
	fn(&e.status)
	next := e.status.State
	e.mu.Unlock()

	if prev != next {
		e.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("sync state changed")
	}
}

func (e *Engine) clock() time.Time {
	return syncx.TruncateMs(e.now())
}
