package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/erauner12/stockbridge/internal/alerts"
	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/store/memstore"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-a"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func ptr[T any](v T) *T { return &v }

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

type taskRecorder struct{ tasks []alerts.Task }

func (r *taskRecorder) Dispatch(_ context.Context, tasks []alerts.Task) error {
	r.tasks = append(r.tasks, tasks...)
	return nil
}

type fixture struct {
	store *memstore.Store
	clock *clock
	sent  *taskRecorder
	proc  *Processor
}

func newFixture() *fixture {
	s := memstore.New()
	c := newClock()
	rec := alerts.NewRecomputer(inventory.DefaultThresholds)
	rec.Now = c.Now
	sent := &taskRecorder{}
	p := New(s, rec, sent, nil)
	p.Now = c.Now
	return &fixture{store: s, clock: c, sent: sent, proc: p}
}

func (f *fixture) run(t *testing.T, ops ...syncproto.SyncOperation) []syncproto.SyncResult {
	t.Helper()
	resp, err := f.proc.Process(context.Background(), tenant, "user-1", syncproto.SyncRequest{Operations: ops})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(ops))
	require.NotEmpty(t, resp.Checkpoint)
	return resp.Results
}

func makeOp(t *testing.T, entity syncproto.EntityType, kind syncproto.OperationType, entityID string, payload any) syncproto.SyncOperation {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id := uuid.NewString()
	return syncproto.SyncOperation{
		OperationID:    id,
		IdempotencyKey: id,
		EntityID:       entityID,
		EntityType:     entity,
		OperationType:  kind,
		TenantID:       tenant,
		Payload:        raw,
	}
}

func createProductOp(t *testing.T, id, name string, qty int) syncproto.SyncOperation {
	return makeOp(t, syncproto.EntityProduct, syncproto.OpCreate, id, map[string]any{
		"tenantId": tenant, "name": name, "price": 2.5, "quantity": qty,
	})
}

func movementOp(t *testing.T, productID, typ string, qty int, key string) syncproto.SyncOperation {
	payload := map[string]any{"tenantId": tenant, "productId": productID, "type": typ, "quantity": qty}
	if key != "" {
		payload["idempotencyKey"] = key
	}
	return makeOp(t, syncproto.EntityStockMovement, syncproto.OpCreate, uuid.NewString(), payload)
}

func updateOp(t *testing.T, id string, clientUpdatedAt *time.Time, fields map[string]any) syncproto.SyncOperation {
	payload := map[string]any{"tenantId": tenant, "updatedFields": fields}
	if clientUpdatedAt != nil {
		payload["clientUpdatedAt"] = clientUpdatedAt.Format(time.RFC3339Nano)
	}
	return makeOp(t, syncproto.EntityProduct, syncproto.OpUpdate, id, payload)
}

func TestProductCreateIsIdempotent(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()

	first := createProductOp(t, id, "Flour", 0)
	replay := first
	replay.OperationID = uuid.NewString()
	replay.Payload = json.RawMessage(`{"tenantId":"tenant-a","name":"Sugar","price":9,"quantity":3}`)

	results := f.run(t, first, replay)
	assert.Equal(t, syncproto.StatusSuccess, results[0].Status)
	assert.Equal(t, syncproto.StatusDuplicate, results[1].Status)

	assert.Equal(t, 1, f.store.ProductCount(tenant))
	stored, ok := f.store.Product(tenant, id)
	require.True(t, ok)
	assert.Equal(t, "Flour", stored.Name)
	assert.Equal(t, 0, stored.Quantity)
	assert.Equal(t, "user-1", stored.CreatedBy)

	state, err := syncproto.DecodeProductState(results[1].ServerState)
	require.NoError(t, err)
	assert.Equal(t, "Flour", state.Name)
}

func TestMovementIdempotencyKeyIsNotOperationID(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 0))

	a := movementOp(t, id, "entry", 10, "scan-42")
	b := movementOp(t, id, "entry", 10, "scan-42")
	require.NotEqual(t, a.OperationID, b.OperationID)

	results := f.run(t, a, b)
	assert.Equal(t, syncproto.StatusSuccess, results[0].Status)
	assert.Equal(t, syncproto.StatusDuplicate, results[1].Status)

	assert.Len(t, f.store.Movements(tenant), 1)
	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, 10, stored.Quantity)

	dup, err := syncproto.DecodeMovementState(results[1].ServerState)
	require.NoError(t, err)
	assert.Equal(t, a.EntityID, dup.ID)
	require.NotNil(t, dup.ProductQuantity)
	assert.Equal(t, 10, *dup.ProductQuantity)
}

func TestMovementKeyFallsBackToOperationKey(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 0))

	op := movementOp(t, id, "exit", 2, "")
	results := f.run(t, op, op)
	assert.Equal(t, syncproto.StatusSuccess, results[0].Status)
	assert.Equal(t, syncproto.StatusDuplicate, results[1].Status)

	movements := f.store.Movements(tenant)
	require.Len(t, movements, 1)
	assert.Equal(t, op.IdempotencyKey, movements[0].IdempotencyKey)
}

func TestQuantityInvariantUnderReplays(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 7))

	deltas := []struct {
		typ string
		qty int
	}{{"entry", 5}, {"exit", 3}, {"entry", 2}, {"exit", 20}}

	var ops []syncproto.SyncOperation
	want := 7
	for i, d := range deltas {
		op := movementOp(t, id, d.typ, d.qty, "")
		ops = append(ops, op)
		want += inventory.SignedDelta(inventory.MovementType(d.typ), d.qty)
		if i%2 == 1 {
			ops = append(ops, op)
		}
	}
	f.run(t, ops...)
	// replay the whole sequence in a later batch
	f.run(t, ops...)

	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, want, stored.Quantity)
	assert.Equal(t, -9, stored.Quantity, "negative stock is recorded as-is")
	assert.Len(t, f.store.Movements(tenant), len(deltas))
}

func TestStaleUpdateResolvesToServerState(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 0))
	stale := f.clock.Now().Add(-time.Minute)

	f.clock.Advance(time.Second)
	res := f.run(t, updateOp(t, id, &stale, map[string]any{"name": "Rye flour", "price": 99}))[0]
	assert.Equal(t, syncproto.StatusConflictResolved, res.Status)

	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, "Flour", stored.Name)
	assert.True(t, stored.Price.Equal(decimalOf(t, "2.5")))

	want, err := json.Marshal(syncproto.NewProductState(&stored))
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(res.ServerState))
}

func TestUpdateWithCurrentTimestampApplies(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	created := f.run(t, createProductOp(t, id, "Flour", 4))[0]
	state, err := syncproto.DecodeProductState(created.ServerState)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	res := f.run(t, updateOp(t, id, &state.UpdatedAt, map[string]any{"name": "Bread flour"}))[0]
	require.Equal(t, syncproto.StatusSuccess, res.Status, res.Message)

	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, "Bread flour", stored.Name)
	assert.True(t, stored.Price.Equal(decimalOf(t, "2.5")), "absent fields are left untouched")
	assert.Equal(t, 4, stored.Quantity)
	assert.True(t, stored.UpdatedAt.After(state.UpdatedAt))

	// first write without any client timestamp proceeds as well
	res = f.run(t, updateOp(t, id, nil, map[string]any{"sku": "FL-1"}))[0]
	assert.Equal(t, syncproto.StatusSuccess, res.Status)
}

func TestUpdateRejectsQuantityField(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 4))

	res := f.run(t, updateOp(t, id, nil, map[string]any{"quantity": 100}))[0]
	assert.Equal(t, syncproto.StatusValidationError, res.Status)
	assert.Equal(t, CodeInvalidPayload, res.Code)
	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, 4, stored.Quantity)
}

func TestThresholdValidationLeavesProductUnchanged(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 30))
	f.run(t, updateOp(t, id, nil, map[string]any{
		"thresholdMode": "custom", "customCriticalThreshold": 3, "customAttentionThreshold": 8,
	}))

	res := f.run(t, updateOp(t, id, nil, map[string]any{
		"thresholdMode": "custom", "customCriticalThreshold": 50, "customAttentionThreshold": 50,
	}))[0]
	assert.Equal(t, syncproto.StatusValidationError, res.Status)
	assert.Equal(t, CodeInvalidThresholds, res.Code)

	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, inventory.ThresholdCustom, stored.ThresholdMode)
	assert.Equal(t, 3, *stored.CustomCriticalThreshold)
	assert.Equal(t, 8, *stored.CustomAttentionThreshold)
}

func TestThresholdRuleOnCreate(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    syncproto.ResultStatus
	}{
		{"defaults", map[string]any{"thresholdMode": "defaults"}, syncproto.StatusSuccess},
		{"custom with both", map[string]any{"thresholdMode": "custom", "customCriticalThreshold": 2, "customAttentionThreshold": 9}, syncproto.StatusSuccess},
		{"custom missing one", map[string]any{"thresholdMode": "custom", "customCriticalThreshold": 2}, syncproto.StatusValidationError},
		{"defaults with values", map[string]any{"thresholdMode": "defaults", "customCriticalThreshold": 2, "customAttentionThreshold": 9}, syncproto.StatusValidationError},
		{"values without mode", map[string]any{"customCriticalThreshold": 2, "customAttentionThreshold": 9}, syncproto.StatusValidationError},
		{"unknown mode", map[string]any{"thresholdMode": "smart"}, syncproto.StatusValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			payload := map[string]any{"tenantId": tenant, "name": "Flour", "price": 1, "quantity": 1}
			for k, v := range tt.payload {
				payload[k] = v
			}
			id := uuid.NewString()
			res := f.run(t, makeOp(t, syncproto.EntityProduct, syncproto.OpCreate, id, payload))[0]
			assert.Equal(t, tt.want, res.Status, res.Message)
			_, exists := f.store.Product(tenant, id)
			assert.Equal(t, tt.want == syncproto.StatusSuccess, exists)
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()

	foreign := makeOp(t, syncproto.EntityProduct, syncproto.OpCreate, id, map[string]any{
		"tenantId": "tenant-b", "name": "Flour", "price": 1, "quantity": 1,
	})
	envelope := createProductOp(t, uuid.NewString(), "Sugar", 1)
	envelope.TenantID = "tenant-b"

	results := f.run(t, foreign, envelope)
	for _, res := range results {
		assert.Equal(t, syncproto.StatusTenantMismatch, res.Status)
		assert.Empty(t, res.ServerState)
	}
	assert.Zero(t, f.store.ProductCount(tenant))
	assert.Zero(t, f.store.ProductCount("tenant-b"))

	// another tenant cannot see or touch tenant-a's rows by id
	f.run(t, createProductOp(t, id, "Flour", 5))
	other := updateOp(t, id, nil, map[string]any{"name": "stolen"})
	other.TenantID = "tenant-b"
	other.Payload = json.RawMessage(`{"updatedFields":{"name":"stolen"}}`)
	resp, err := f.proc.Process(context.Background(), "tenant-b", "user-2", syncproto.SyncRequest{Operations: []syncproto.SyncOperation{other}})
	require.NoError(t, err)
	assert.Equal(t, syncproto.StatusNotFound, resp.Results[0].Status)
	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, "Flour", stored.Name)
}

func TestDeleteProduct(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 5))

	del := makeOp(t, syncproto.EntityProduct, syncproto.OpDelete, id, map[string]any{"tenantId": tenant})
	results := f.run(t,
		del,
		del,
		updateOp(t, id, nil, map[string]any{"name": "ghost"}),
		movementOp(t, id, "entry", 1, ""),
		makeOp(t, syncproto.EntityProduct, syncproto.OpDelete, uuid.NewString(), map[string]any{}),
	)
	assert.Equal(t, syncproto.StatusSuccess, results[0].Status)
	assert.Equal(t, syncproto.StatusSuccess, results[1].Status)
	assert.Equal(t, syncproto.StatusNotFound, results[2].Status)
	assert.Equal(t, syncproto.StatusNotFound, results[3].Status)
	assert.Equal(t, syncproto.StatusNotFound, results[4].Status)

	stored, ok := f.store.Product(tenant, id)
	require.True(t, ok, "delete is soft")
	require.NotNil(t, stored.DeletedAt)
	assert.Equal(t, 5, stored.Quantity)
	assert.Empty(t, f.store.Movements(tenant))
}

func TestUnsupportedOperations(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 5))

	move := movementOp(t, id, "entry", 1, "")
	update := move
	update.OperationType = syncproto.OpUpdate
	remove := move
	remove.OperationType = syncproto.OpDelete
	unknown := move
	unknown.EntityType = "supplier"

	results := f.run(t, update, remove, unknown, movementOp(t, uuid.NewString(), "entry", 1, ""))
	for _, res := range results[:3] {
		assert.Equal(t, syncproto.StatusValidationError, res.Status)
		assert.Equal(t, CodeUnsupported, res.Code)
	}
	assert.Equal(t, syncproto.StatusNotFound, results[3].Status)
	assert.Empty(t, f.store.Movements(tenant))
}

type panickingHook struct{ after int }

func (h *panickingHook) Recompute(context.Context, store.Tx, string, string, int) (*alerts.Task, error) {
	h.after--
	if h.after < 0 {
		panic("hook exploded")
	}
	return nil, nil
}

func TestPanicIsIsolatedToItsOperation(t *testing.T) {
	f := newFixture()
	f.proc.Alerts = &panickingHook{after: 1}
	ok := uuid.NewString()
	broken := uuid.NewString()
	results := f.run(t,
		createProductOp(t, ok, "Flour", 1),
		createProductOp(t, broken, "Sugar", 1),
	)

	assert.Equal(t, syncproto.StatusSuccess, results[0].Status)
	assert.Equal(t, syncproto.StatusValidationError, results[1].Status)
	assert.Contains(t, results[1].Message, "hook exploded")

	_, found := f.store.Product(tenant, ok)
	assert.True(t, found)
	_, found = f.store.Product(tenant, broken)
	assert.False(t, found, "the panicking operation is rolled back")
}

func TestStoreUnavailableAbortsBatch(t *testing.T) {
	f := newFixture()
	f.store.SetUnavailable(true)

	_, err := f.proc.Process(context.Background(), tenant, "user-1", syncproto.SyncRequest{
		Operations: []syncproto.SyncOperation{createProductOp(t, uuid.NewString(), "Flour", 1)},
	})
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestCheckpointReturnedWhenEverythingFails(t *testing.T) {
	f := newFixture()
	resp, err := f.proc.Process(context.Background(), tenant, "user-1", syncproto.SyncRequest{
		Checkpoint: ptr("2020-01-01T00:00:00Z"),
		Operations: []syncproto.SyncOperation{movementOp(t, uuid.NewString(), "entry", 1, "")},
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T09:00:00Z", resp.Checkpoint)
	assert.Equal(t, syncproto.StatusNotFound, resp.Results[0].Status)
}

func TestAlertTasksDispatchedOnCriticalTransition(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()
	f.run(t, createProductOp(t, id, "Flour", 30))
	assert.Empty(t, f.sent.tasks)

	f.run(t, movementOp(t, id, "exit", 12, ""))
	stored, _ := f.store.Product(tenant, id)
	assert.Equal(t, inventory.AlertAttention, stored.AlertLevel)
	assert.Empty(t, f.sent.tasks)

	f.run(t, movementOp(t, id, "exit", 15, ""), movementOp(t, id, "exit", 1, ""))
	require.Len(t, f.sent.tasks, 1, "only the transition into critical notifies")
	task := f.sent.tasks[0]
	assert.Equal(t, id, task.ProductID)
	assert.Equal(t, 3, task.Quantity)
	assert.Equal(t, inventory.AlertAttention, task.Previous)

	// threshold change recomputes: with custom limits 1/2 the product drops to attention
	f.run(t, updateOp(t, id, nil, map[string]any{
		"thresholdMode": "custom", "customCriticalThreshold": 1, "customAttentionThreshold": 2,
	}))
	stored, _ = f.store.Product(tenant, id)
	assert.Equal(t, inventory.AlertAttention, stored.AlertLevel)
	assert.Len(t, f.sent.tasks, 1)
}

type countingHook struct {
	calls int
	next  AlertHook
}

func (h *countingHook) Recompute(ctx context.Context, tx store.Tx, tenantID, productID string, stock int) (*alerts.Task, error) {
	h.calls++
	return h.next.Recompute(ctx, tx, tenantID, productID, stock)
}

func TestHookOnlyRunsWhenThresholdModePresent(t *testing.T) {
	f := newFixture()
	hook := &countingHook{next: f.proc.Alerts}
	f.proc.Alerts = hook
	id := uuid.NewString()

	f.run(t, createProductOp(t, id, "Flour", 30))
	assert.Equal(t, 1, hook.calls)

	f.run(t, updateOp(t, id, nil, map[string]any{"name": "Rye"}))
	assert.Equal(t, 1, hook.calls)

	f.run(t, updateOp(t, id, nil, map[string]any{"thresholdMode": "defaults"}))
	assert.Equal(t, 2, hook.calls)

	f.run(t, movementOp(t, id, "entry", 1, ""))
	assert.Equal(t, 3, hook.calls)
}

func TestIsStale(t *testing.T) {
	server := time.Date(2025, 1, 1, 12, 0, 0, 500_000_000, time.UTC)
	tests := []struct {
		name   string
		client *time.Time
		want   bool
	}{
		{"absent", nil, false},
		{"zero", ptr(time.Time{}), false},
		{"older", ptr(server.Add(-time.Millisecond)), true},
		{"equal", ptr(server), false},
		{"equal at ms precision", ptr(server.Add(400 * time.Microsecond)), false},
		{"newer", ptr(server.Add(time.Second)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(server, tt.client))
		})
	}
}
