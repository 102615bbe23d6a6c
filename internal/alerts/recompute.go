// Package alerts recomputes stock alert levels after quantity or threshold
// changes and hands "became critical" notification tasks to a dispatcher.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/store"
)

// Task is a notification that a product just crossed into critical stock
type Task struct {
	TenantID  string               `json:"tenantId"`
	ProductID string               `json:"productId"`
	Name      string               `json:"name"`
	Quantity  int                  `json:"quantity"`
	Limits    inventory.Thresholds `json:"limits"`
	Previous  inventory.AlertLevel `json:"previous"`
	Level     inventory.AlertLevel `json:"level"`
	At        time.Time            `json:"at"`
}

// Recomputer classifies a product's stock against its effective thresholds
// and persists the level. Tenants without settings fall back to Defaults.
type Recomputer struct {
	Defaults inventory.Thresholds
	Now      func() time.Time
}

// NewRecomputer creates a recomputer with the given fallback thresholds
func NewRecomputer(defaults inventory.Thresholds) *Recomputer {
	return &Recomputer{Defaults: defaults, Now: time.Now}
}

// Recompute runs inside the caller's transaction. It returns a task only
// when the product moves into the critical level; the caller must dispatch
// it after the transaction commits.
func (r *Recomputer) Recompute(ctx context.Context, tx store.Tx, tenantID, productID string, currentStock int) (*Task, error) {
	p, err := tx.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return nil, fmt.Errorf("load product for alert: %w", err)
	}

	limits, err := tx.TenantThresholds(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		limits = r.Defaults
	} else if err != nil {
		return nil, fmt.Errorf("load tenant thresholds: %w", err)
	}
	limits = p.Thresholds().Effective(limits)

	level := inventory.Classify(currentStock, limits)
	previous := p.AlertLevel
	if level == previous {
		return nil, nil
	}

	now := r.Now().UTC()
	if err := tx.SetAlertLevel(ctx, tenantID, productID, level, now); err != nil {
		return nil, fmt.Errorf("store alert level: %w", err)
	}

	if level != inventory.AlertCritical {
		return nil, nil
	}
	return &Task{
		TenantID:  tenantID,
		ProductID: productID,
		Name:      p.Name,
		Quantity:  currentStock,
		Limits:    limits,
		Previous:  previous,
		Level:     level,
		At:        now,
	}, nil
}
