package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/store/memstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *memstore.Store, p *inventory.Product) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertProduct(context.Background(), p)
	}))
}

func recompute(t *testing.T, s *memstore.Store, r *Recomputer, tenantID, id string, qty int) *Task {
	t.Helper()
	var task *Task
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		task, err = r.Recompute(context.Background(), tx, tenantID, id, qty)
		return err
	}))
	return task
}

func TestRecomputeTransitions(t *testing.T) {
	s := memstore.New()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecomputer(inventory.DefaultThresholds)
	r.Now = func() time.Time { return now }

	p := &inventory.Product{ID: uuid.NewString(), TenantID: "t1", Name: "Flour",
		ThresholdMode: inventory.ThresholdDefaults, AlertLevel: inventory.AlertOK}
	seed(t, s, p)

	tests := []struct {
		qty      int
		level    inventory.AlertLevel
		notifies bool
	}{
		{30, inventory.AlertOK, false},
		{20, inventory.AlertAttention, false},
		{5, inventory.AlertCritical, true},
		{1, inventory.AlertCritical, false},
		{25, inventory.AlertOK, false},
		{0, inventory.AlertCritical, true},
	}
	for _, tt := range tests {
		task := recompute(t, s, r, "t1", p.ID, tt.qty)
		stored, _ := s.Product("t1", p.ID)
		assert.Equal(t, tt.level, stored.AlertLevel, "qty %d", tt.qty)
		if tt.notifies {
			require.NotNil(t, task, "qty %d", tt.qty)
			assert.Equal(t, tt.qty, task.Quantity)
			assert.Equal(t, "Flour", task.Name)
			assert.Equal(t, now, task.At)
		} else {
			assert.Nil(t, task, "qty %d", tt.qty)
		}
	}
}

func TestRecomputeUsesTenantAndCustomThresholds(t *testing.T) {
	s := memstore.New()
	s.SetTenantThresholds("t1", inventory.Thresholds{Critical: 50, Attention: 100})
	r := NewRecomputer(inventory.DefaultThresholds)

	tenantDefaults := &inventory.Product{ID: uuid.NewString(), TenantID: "t1", ThresholdMode: inventory.ThresholdDefaults, AlertLevel: inventory.AlertOK}
	crit, att := 2, 4
	custom := &inventory.Product{ID: uuid.NewString(), TenantID: "t1", ThresholdMode: inventory.ThresholdCustom,
		CustomCriticalThreshold: &crit, CustomAttentionThreshold: &att, AlertLevel: inventory.AlertOK}
	seed(t, s, tenantDefaults)
	seed(t, s, custom)

	task := recompute(t, s, r, "t1", tenantDefaults.ID, 40)
	require.NotNil(t, task)
	assert.Equal(t, inventory.Thresholds{Critical: 50, Attention: 100}, task.Limits)

	assert.Nil(t, recompute(t, s, r, "t1", custom.ID, 40))
	stored, _ := s.Product("t1", custom.ID)
	assert.Equal(t, inventory.AlertOK, stored.AlertLevel)
}

func TestRecomputeMissingProduct(t *testing.T) {
	s := memstore.New()
	r := NewRecomputer(inventory.DefaultThresholds)
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := r.Recompute(context.Background(), tx, "t1", uuid.NewString(), 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeList struct {
	key    string
	values []any
	err    error
}

func (f *fakeList) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.key = key
	f.values = append(f.values, values...)
	cmd.SetVal(int64(len(f.values)))
	return cmd
}

func TestRedisDispatcherPushesJSON(t *testing.T) {
	list := &fakeList{}
	d := &RedisDispatcher{client: list, key: DefaultListKey}

	require.NoError(t, d.Dispatch(context.Background(), nil))
	assert.Empty(t, list.values)

	tasks := []Task{
		{TenantID: "t1", ProductID: "p1", Quantity: 2, Level: inventory.AlertCritical},
		{TenantID: "t1", ProductID: "p2", Quantity: 0, Level: inventory.AlertCritical},
	}
	require.NoError(t, d.Dispatch(context.Background(), tasks))
	assert.Equal(t, DefaultListKey, list.key)
	require.Len(t, list.values, 2)

	var got Task
	require.NoError(t, json.Unmarshal(list.values[1].([]byte), &got))
	assert.Equal(t, "p2", got.ProductID)
	assert.Equal(t, inventory.AlertCritical, got.Level)
}

func TestRedisDispatcherError(t *testing.T) {
	boom := errors.New("connection refused")
	d := &RedisDispatcher{client: &fakeList{err: boom}, key: "k"}
	err := d.Dispatch(context.Background(), []Task{{ProductID: "p1"}})
	assert.ErrorIs(t, err, boom)
}

func TestLogDispatcher(t *testing.T) {
	assert.NoError(t, LogDispatcher{}.Dispatch(context.Background(), []Task{{ProductID: "p1"}}))
}
