package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/stockbridge/internal/client/connectivity"
	"github.com/erauner12/stockbridge/internal/client/localstore"
	"github.com/erauner12/stockbridge/internal/client/transport"
	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

type syncFunc func(ctx context.Context, req syncproto.SyncRequest) (*syncproto.SyncResponse, error)

type fakeTransport struct {
	mu       sync.Mutex
	requests []syncproto.SyncRequest
	pulls    int
	sync     syncFunc
	started  chan struct{}
}

func newFakeTransport(fn syncFunc) *fakeTransport {
	return &fakeTransport{sync: fn, started: make(chan struct{}, 16)}
}

func (f *fakeTransport) Sync(ctx context.Context, req syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.started <- struct{}{}
	return f.sync(ctx, req)
}

func (f *fakeTransport) PullProducts(context.Context, string, int) (*syncproto.ProductPullResponse, error) {
	f.mu.Lock()
	f.pulls++
	f.mu.Unlock()
	return &syncproto.ProductPullResponse{}, nil
}

func (f *fakeTransport) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *fakeTransport) Requests() []syncproto.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncproto.SyncRequest(nil), f.requests...)
}

// answer replies to every operation with status and no server state
func answer(status syncproto.ResultStatus) syncFunc {
	return func(_ context.Context, req syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
		resp := &syncproto.SyncResponse{Checkpoint: "2025-03-01T10:00:00.000Z"}
		for _, op := range req.Operations {
			res := syncproto.SyncResult{OperationID: op.OperationID, Status: status}
			if !status.Resolved() {
				res.Message = "rejected by server"
			}
			resp.Results = append(resp.Results, res)
		}
		return resp, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newLocalStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createProduct(t *testing.T, s *localstore.Store, name string) *localstore.LocalProduct {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), tenant, syncproto.ProductPayload{
		Name:  name,
		Price: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	return p
}

func counts(t *testing.T, s *localstore.Store) localstore.Counts {
	t.Helper()
	c, err := s.Counts(context.Background(), tenant)
	require.NoError(t, err)
	return c
}

func waitStarted(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case <-tr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transport was never called")
	}
}

func TestSync_OfflineDoesNotContactServer(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")
	tr := newFakeTransport(answer(syncproto.StatusSuccess))

	e := New(Config{TenantID: tenant}, local, tr, connectivity.NewMonitor(false))
	assert.Equal(t, StateOffline, e.Status().State, "a new engine starts offline")

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StateOffline, e.Status().State)
	assert.Empty(t, tr.Requests())
	assert.Equal(t, int64(1), counts(t, local).Pending)
}

func TestSync_NothingToSend(t *testing.T) {
	local := newLocalStore(t)
	tr := newFakeTransport(answer(syncproto.StatusSuccess))
	e := New(Config{TenantID: tenant}, local, tr, nil)

	require.NoError(t, e.Sync(context.Background()))
	st := e.Status()
	assert.Equal(t, StateUpToDate, st.State)
	assert.NotNil(t, st.LastSyncAt)
	assert.Empty(t, tr.Requests())
}

func TestSync_Success(t *testing.T) {
	local := newLocalStore(t)
	p := createProduct(t, local, "Flour")
	tr := newFakeTransport(answer(syncproto.StatusSuccess))
	e := New(Config{TenantID: tenant}, local, tr, nil)

	require.NoError(t, e.Sync(context.Background()))

	st := e.Status()
	assert.Equal(t, StateUpToDate, st.State)
	assert.Zero(t, st.PendingCount)
	assert.Zero(t, st.FailedCount)
	assert.Empty(t, st.LastError)

	reqs := tr.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Operations, 1)
	assert.Nil(t, reqs[0].Checkpoint, "first round has no checkpoint")
	assert.Equal(t, p.ID, reqs[0].Operations[0].EntityID)

	got, err := local.Product(context.Background(), tenant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SyncSynced, got.SyncStatus)

	meta, err := local.Meta(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T10:00:00.000Z", meta.Checkpoint)
	assert.Equal(t, 1, tr.Pulls(), "a clean round pulls server changes")

	// next round carries the checkpoint
	createProduct(t, local, "Sugar")
	require.NoError(t, e.Sync(context.Background()))
	reqs = tr.Requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].Checkpoint)
	assert.Equal(t, "2025-03-01T10:00:00.000Z", *reqs[1].Checkpoint)
}

func TestSync_FollowUpRoundsDrainTheQueue(t *testing.T) {
	local := newLocalStore(t)
	for _, name := range []string{"a", "b", "c"} {
		createProduct(t, local, name)
	}
	tr := newFakeTransport(answer(syncproto.StatusSuccess))
	e := New(Config{TenantID: tenant, BatchSize: 1}, local, tr, nil)

	require.NoError(t, e.Sync(context.Background()))
	assert.Len(t, tr.Requests(), 3)
	assert.Equal(t, StateUpToDate, e.Status().State)
	assert.Equal(t, int64(3), counts(t, local).Completed)
}

func TestSync_DeliveryFailures(t *testing.T) {
	tests := []struct {
		name   string
		fn     syncFunc
		reason string
	}{
		{
			name: "rate limited",
			fn: func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
				return nil, transport.ErrRateLimited{RetryAfter: time.Second}
			},
			reason: "rate limited",
		},
		{
			name: "server error",
			fn: func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
				return nil, &transport.StatusError{StatusCode: 500, Message: "store unavailable"}
			},
			reason: "server returned 500: store unavailable",
		},
		{
			name: "network error",
			fn: func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
				return nil, errors.New("connection reset by peer")
			},
			reason: "connection reset by peer",
		},
		{
			name: "missing result",
			fn: func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
				return &syncproto.SyncResponse{Checkpoint: "cp"}, nil
			},
			reason: "no result returned for operation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := newLocalStore(t)
			p := createProduct(t, local, "Flour")
			e := New(Config{TenantID: tenant}, local, newFakeTransport(tt.fn), nil)

			require.NoError(t, e.Sync(context.Background()), "delivery failures never surface as errors")

			st := e.Status()
			assert.Equal(t, StateError, st.State)
			assert.Equal(t, int64(1), st.FailedCount)
			assert.Zero(t, st.DeadCount)

			ops, err := local.Operations(context.Background(), tenant, localstore.OutboxFailed)
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assert.Equal(t, 1, ops[0].RetryCount)
			require.NotNil(t, ops[0].Error)
			assert.Equal(t, tt.reason, *ops[0].Error)

			got, err := local.Product(context.Background(), tenant, p.ID)
			require.NoError(t, err)
			assert.Equal(t, localstore.SyncFailed, got.SyncStatus)
		})
	}
}

func TestSync_RetryBackoffKeepsErrorState(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")
	tr := newFakeTransport(func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
		return nil, errors.New("connection reset by peer")
	})
	e := New(Config{TenantID: tenant}, local, tr, nil)

	require.NoError(t, e.Sync(context.Background()))
	require.Equal(t, StateError, e.Status().State)

	// the failed row is still inside its backoff window
	require.NoError(t, e.Sync(context.Background()))
	st := e.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "connection reset by peer", st.LastError)
	assert.Equal(t, int64(1), st.FailedCount)
	assert.Zero(t, st.DeadCount)
	assert.Len(t, tr.Requests(), 1)
	assert.Equal(t, 0, tr.Pulls())
}

func TestSync_RateLimitRetryAfterDefersRetry(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")
	tr := newFakeTransport(func(context.Context, syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
		return nil, transport.ErrRateLimited{RetryAfter: time.Minute}
	})
	e := New(Config{TenantID: tenant}, local, tr, nil)

	before := time.Now()
	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StateError, e.Status().State)

	ops, err := local.Operations(context.Background(), tenant, localstore.OutboxFailed)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].NotBefore)
	assert.False(t, ops[0].NotBefore.Before(before.Add(time.Minute-time.Millisecond)))

	// the one second backoff is over but the server asked for a minute
	waiting, err := local.ListEligible(context.Background(), tenant, before.Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, waiting)
	ready, err := local.ListEligible(context.Background(), tenant, before.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestSync_PermanentRejection(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")
	tr := newFakeTransport(answer(syncproto.StatusValidationError))
	e := New(Config{TenantID: tenant}, local, tr, nil)

	require.NoError(t, e.Sync(context.Background()))
	st := e.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, int64(1), st.FailedCount)
	assert.Equal(t, int64(1), st.DeadCount)
	assert.Equal(t, 0, tr.Pulls(), "no pull after a round with failures")

	// the dead row is never sent again
	require.NoError(t, e.Sync(context.Background()))
	assert.Len(t, tr.Requests(), 1)
}

func TestSync_CancellationReleasesOperations(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")
	tr := newFakeTransport(blockUntilCancelled)
	e := New(Config{TenantID: tenant}, local, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Sync(ctx) }()

	waitStarted(t, tr)
	assert.Equal(t, StateSyncing, e.Status().State)

	// overlapping trigger is coalesced
	require.NoError(t, e.Sync(context.Background()))
	assert.Len(t, tr.Requests(), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not return after cancel")
	}

	c := counts(t, local)
	assert.Equal(t, int64(1), c.Pending)
	assert.Zero(t, c.Processing)
	assert.Zero(t, c.Failed)
	assert.NotEqual(t, StateError, e.Status().State, "cancellation is not a failure")
}

func TestStartStop(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")

	// a crashed run left the row in flight
	ops, err := local.ListEligible(context.Background(), tenant, time.Now(), 0)
	require.NoError(t, err)
	require.NoError(t, local.MarkProcessing(context.Background(), ops))

	tr := newFakeTransport(blockUntilCancelled)
	e := New(Config{TenantID: tenant, SyncInterval: time.Hour}, local, tr, connectivity.NewMonitor(true))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))

	waitStarted(t, tr)
	reqs := tr.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Operations, 1, "recovered row is sent on start")

	e.Stop()
	e.Stop()

	c := counts(t, local)
	assert.Equal(t, int64(1), c.Pending)
	assert.Zero(t, c.Processing)
}

func TestConnectivityRestoreTriggersSync(t *testing.T) {
	local := newLocalStore(t)
	createProduct(t, local, "Flour")

	conn := connectivity.NewMonitor(false)
	tr := newFakeTransport(answer(syncproto.StatusSuccess))
	e := New(Config{TenantID: tenant}, local, tr, conn)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	assert.Empty(t, tr.Requests())
	conn.Set(true)
	waitStarted(t, tr)

	require.Eventually(t, func() bool {
		return e.Status().State == StateUpToDate
	}, 5*time.Second, 10*time.Millisecond)

	conn.Set(false)
	require.Eventually(t, func() bool {
		return e.Status().State == StateOffline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMovementQuantityIsConfirmedOnce(t *testing.T) {
	local := newLocalStore(t)
	ctx := context.Background()
	p := createProduct(t, local, "Flour")
	_, err := local.RecordMovement(ctx, tenant, syncproto.MovementPayload{
		ProductID: p.ID,
		Type:      inventory.MovementEntry,
		Quantity:  4,
	})
	require.NoError(t, err)

	// duplicate verdicts still confirm exactly once
	tr := newFakeTransport(answer(syncproto.StatusDuplicate))
	e := New(Config{TenantID: tenant}, local, tr, nil)
	require.NoError(t, e.Sync(ctx))
	require.NoError(t, e.Sync(ctx))

	got, err := local.Product(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.ConfirmedQuantity)
	assert.Zero(t, got.PendingDelta)
	assert.Equal(t, 4, got.Quantity())
}
