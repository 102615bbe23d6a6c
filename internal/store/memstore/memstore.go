// Package memstore is an in-process implementation of store.Store used in
// dev mode and tests. Transactions are serialized and undone from a log on rollback.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/google/uuid"
)

type key struct {
	tenant string
	id     string
}

// Store keeps products, movements and tenant settings in maps
type Store struct {
	mu        sync.Mutex
	products  map[key]inventory.Product
	movements map[key]inventory.StockMovement
	byIdemKey map[key]string
	tenants   map[string]inventory.Thresholds

	unavailable atomic.Bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		products:  make(map[key]inventory.Product),
		movements: make(map[key]inventory.StockMovement),
		byIdemKey: make(map[key]string),
		tenants:   make(map[string]inventory.Thresholds),
	}
}

// SetUnavailable makes every subsequent transaction fail with store.ErrUnavailable
func (s *Store) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

// SetTenantThresholds configures a tenant's default alert limits
func (s *Store) SetTenantThresholds(tenantID string, t inventory.Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = t
}

// Product returns a copy of the stored product (test helper)
func (s *Store) Product(tenantID, id string) (inventory.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[key{tenantID, id}]
	return p, ok
}

// Movements returns a tenant's movements ordered by creation time
func (s *Store) Movements(tenantID string) []inventory.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.StockMovement
	for k, m := range s.movements {
		if k.tenant == tenantID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ProductCount returns the number of stored products for a tenant
func (s *Store) ProductCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.products {
		if k.tenant == tenantID {
			n++
		}
	}
	return n
}

// WithTx implements store.Store
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if s.unavailable.Load() {
		return fmt.Errorf("begin: %w", store.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin: %w: %v", store.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()

	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// ProductsChangedSince implements store.Store
func (s *Store) ProductsChangedSince(ctx context.Context, tenantID string, cur syncx.Cursor, limit int) ([]inventory.Product, error) {
	if s.unavailable.Load() {
		return nil, store.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.Product
	for k, p := range s.products {
		if k.tenant != tenantID {
			continue
		}
		id, err := uuid.Parse(p.ID)
		if err != nil {
			continue
		}
		if cur.After(p.RevisedAt.UnixMilli(), id) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].RevisedAt.UnixMilli(), out[j].RevisedAt.UnixMilli()
		if mi != mj {
			return mi < mj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tx mutates the live maps and records how to undo each change
type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) putProduct(p inventory.Product) {
	k := key{p.TenantID, p.ID}
	prev, existed := t.s.products[k]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.products[k] = prev
		} else {
			delete(t.s.products, k)
		}
	})
	t.s.products[k] = p
}

func (t *tx) GetProduct(ctx context.Context, tenantID, id string) (*inventory.Product, error) {
	p, ok := t.s.products[key{tenantID, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *tx) InsertProduct(ctx context.Context, p *inventory.Product) error {
	if _, ok := t.s.products[key{p.TenantID, p.ID}]; ok {
		return fmt.Errorf("insert product %s: %w", p.ID, store.ErrDuplicate)
	}
	t.putProduct(*p)
	return nil
}

func (t *tx) UpdateProduct(ctx context.Context, p *inventory.Product) error {
	cur, ok := t.s.products[key{p.TenantID, p.ID}]
	if !ok {
		return store.ErrNotFound
	}
	cur.Name = p.Name
	cur.SKU = p.SKU
	cur.Price = p.Price
	cur.SetThresholds(p.Thresholds())
	cur.UpdatedAt = p.UpdatedAt
	cur.RevisedAt = p.RevisedAt
	cur.DeletedAt = p.DeletedAt
	t.putProduct(cur)
	return nil
}

func (t *tx) AdjustQuantity(ctx context.Context, tenantID, productID string, delta int, at time.Time) (int, error) {
	cur, ok := t.s.products[key{tenantID, productID}]
	if !ok {
		return 0, store.ErrNotFound
	}
	cur.Quantity += delta
	cur.RevisedAt = at
	t.putProduct(cur)
	return cur.Quantity, nil
}

func (t *tx) SetAlertLevel(ctx context.Context, tenantID, productID string, level inventory.AlertLevel, at time.Time) error {
	cur, ok := t.s.products[key{tenantID, productID}]
	if !ok {
		return store.ErrNotFound
	}
	cur.AlertLevel = level
	cur.RevisedAt = at
	t.putProduct(cur)
	return nil
}

func (t *tx) GetMovementByKey(ctx context.Context, tenantID, idemKey string) (*inventory.StockMovement, error) {
	id, ok := t.s.byIdemKey[key{tenantID, idemKey}]
	if !ok {
		return nil, store.ErrNotFound
	}
	m := t.s.movements[key{tenantID, id}]
	return &m, nil
}

func (t *tx) InsertMovement(ctx context.Context, m *inventory.StockMovement) error {
	mk := key{m.TenantID, m.ID}
	ik := key{m.TenantID, m.IdempotencyKey}
	if _, ok := t.s.movements[mk]; ok {
		return fmt.Errorf("insert movement %s: %w", m.ID, store.ErrDuplicate)
	}
	if _, ok := t.s.byIdemKey[ik]; ok {
		return fmt.Errorf("insert movement key %s: %w", m.IdempotencyKey, store.ErrDuplicate)
	}
	t.s.movements[mk] = *m
	t.s.byIdemKey[ik] = m.ID
	t.undo = append(t.undo, func() {
		delete(t.s.movements, mk)
		delete(t.s.byIdemKey, ik)
	})
	return nil
}

func (t *tx) TenantThresholds(ctx context.Context, tenantID string) (inventory.Thresholds, error) {
	th, ok := t.s.tenants[tenantID]
	if !ok {
		return inventory.Thresholds{}, store.ErrNotFound
	}
	return th, nil
}
