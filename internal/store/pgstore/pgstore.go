// Package pgstore implements store.Store on PostgreSQL via pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
	"github.com/erauner12/stockbridge/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Store is a pgx-backed system of record
type Store struct {
	DB *pgxpool.Pool
}

// New wraps an open pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{DB: pool}
}

// classify maps driver errors onto the store sentinels.
// Anything that is not a server-reported SQL error is treated as the
// store being unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w (%s)", op, store.ErrDuplicate, pgErr.ConstraintName)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

// WithTx implements store.Store
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgtx, err := s.DB.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = pgtx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(&tx{tx: pgtx}); err != nil {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Ctx(ctx).Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

const productColumns = `id::text, tenant_id, name, sku, price::text, quantity, threshold_mode,
	custom_critical_threshold, custom_attention_threshold, alert_level, created_by,
	created_at, updated_at, revised_at_ms, deleted_at`

func scanProduct(row pgx.Row) (*inventory.Product, error) {
	var (
		p         inventory.Product
		price     string
		mode      string
		level     string
		revisedMs int64
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &price, &p.Quantity, &mode,
		&p.CustomCriticalThreshold, &p.CustomAttentionThreshold, &level, &p.CreatedBy,
		&p.CreatedAt, &p.UpdatedAt, &revisedMs, &p.DeletedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	p.Price = d
	p.ThresholdMode = inventory.ThresholdMode(mode)
	p.AlertLevel = inventory.AlertLevel(level)
	p.RevisedAt = time.UnixMilli(revisedMs).UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.DeletedAt != nil {
		t := p.DeletedAt.UTC()
		p.DeletedAt = &t
	}
	return &p, nil
}

// ProductsChangedSince implements store.Store
func (s *Store) ProductsChangedSince(ctx context.Context, tenantID string, cur syncx.Cursor, limit int) ([]inventory.Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+productColumns+`
		FROM product
		WHERE tenant_id = $1
		  AND (revised_at_ms, id) > ($2, $3::uuid)
		ORDER BY revised_at_ms, id
		LIMIT $4
	`, tenantID, cur.Ms, cur.ID.String(), limit)
	if err != nil {
		return nil, classify("query products", err)
	}
	defer rows.Close()

	out := make([]inventory.Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("scan product", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate products", err)
	}
	return out, nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) GetProduct(ctx context.Context, tenantID, id string) (*inventory.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx,
		`SELECT `+productColumns+` FROM product WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, id))
	if err != nil {
		return nil, classify("get product", err)
	}
	return p, nil
}

func (t *tx) InsertProduct(ctx context.Context, p *inventory.Product) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO product (tenant_id, id, name, sku, price, quantity, threshold_mode,
			custom_critical_threshold, custom_attention_threshold, alert_level, created_by,
			created_at, updated_at, revised_at_ms, deleted_at)
		VALUES ($1, $2::uuid, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.TenantID, p.ID, p.Name, p.SKU, p.Price.String(), p.Quantity, string(p.ThresholdMode),
		p.CustomCriticalThreshold, p.CustomAttentionThreshold, string(p.AlertLevel), p.CreatedBy,
		p.CreatedAt, p.UpdatedAt, p.RevisedAt.UnixMilli(), p.DeletedAt)
	return classify("insert product", err)
}

func (t *tx) UpdateProduct(ctx context.Context, p *inventory.Product) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE product SET
			name = $3,
			sku = $4,
			price = $5::numeric,
			threshold_mode = $6,
			custom_critical_threshold = $7,
			custom_attention_threshold = $8,
			updated_at = $9,
			revised_at_ms = $10,
			deleted_at = $11
		WHERE tenant_id = $1 AND id = $2::uuid
	`, p.TenantID, p.ID, p.Name, p.SKU, p.Price.String(), string(p.ThresholdMode),
		p.CustomCriticalThreshold, p.CustomAttentionThreshold, p.UpdatedAt, p.RevisedAt.UnixMilli(), p.DeletedAt)
	if err != nil {
		return classify("update product", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) AdjustQuantity(ctx context.Context, tenantID, productID string, delta int, at time.Time) (int, error) {
	var qty int
	err := t.tx.QueryRow(ctx, `
		UPDATE product SET quantity = quantity + $3, revised_at_ms = $4
		WHERE tenant_id = $1 AND id = $2::uuid
		RETURNING quantity
	`, tenantID, productID, delta, at.UnixMilli()).Scan(&qty)
	if err != nil {
		return 0, classify("adjust quantity", err)
	}
	return qty, nil
}

func (t *tx) SetAlertLevel(ctx context.Context, tenantID, productID string, level inventory.AlertLevel, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE product SET alert_level = $3, revised_at_ms = $4
		WHERE tenant_id = $1 AND id = $2::uuid
	`, tenantID, productID, string(level), at.UnixMilli())
	if err != nil {
		return classify("set alert level", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) GetMovementByKey(ctx context.Context, tenantID, key string) (*inventory.StockMovement, error) {
	var (
		m   inventory.StockMovement
		typ string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, tenant_id, product_id::text, type, quantity, reason, idempotency_key, created_by, created_at
		FROM stock_movement
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key).Scan(&m.ID, &m.TenantID, &m.ProductID, &typ, &m.Quantity, &m.Reason,
		&m.IdempotencyKey, &m.CreatedBy, &m.CreatedAt)
	if err != nil {
		return nil, classify("get movement", err)
	}
	m.Type = inventory.MovementType(typ)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (t *tx) InsertMovement(ctx context.Context, m *inventory.StockMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_movement (tenant_id, id, product_id, type, quantity, reason, idempotency_key, created_by, created_at)
		VALUES ($1, $2::uuid, $3::uuid, $4, $5, $6, $7, $8, $9)
	`, m.TenantID, m.ID, m.ProductID, string(m.Type), m.Quantity, m.Reason, m.IdempotencyKey, m.CreatedBy, m.CreatedAt)
	return classify("insert movement", err)
}

func (t *tx) TenantThresholds(ctx context.Context, tenantID string) (inventory.Thresholds, error) {
	var th inventory.Thresholds
	err := t.tx.QueryRow(ctx, `
		SELECT critical_threshold, attention_threshold FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&th.Critical, &th.Attention)
	if err != nil {
		return inventory.Thresholds{}, classify("tenant thresholds", err)
	}
	return th, nil
}
