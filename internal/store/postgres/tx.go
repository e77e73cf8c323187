package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
)

// pgTx runs one order line. SKU advisory locks are transaction scoped and
// released by commit or rollback.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockSKUs(ctx context.Context, skus []string) error {
	for _, sku := range uniqueSKUs(skus) {
		if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sku); err != nil {
			return fmt.Errorf("advisory lock %s: %w", sku, err)
		}
	}
	return nil
}

func (t *pgTx) ListConsumableLayers(ctx context.Context, sku string) ([]domain.ReceiptLayer, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+layerColumns+`
		FROM receipt_layers
		WHERE sku = $1 AND voided = false AND quantity_remaining > 0
		ORDER BY received_at ASC, id ASC
		FOR UPDATE
	`, sku)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	layers := make([]domain.ReceiptLayer, 0, 8)
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

func (t *pgTx) ConsumeLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidInput
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE receipt_layers
		SET quantity_remaining = quantity_remaining - $2
		WHERE id = $1 AND voided = false AND quantity_remaining >= $2
	`, layerID, qty)
	if err != nil {
		return err
	}
	return t.checkLayerUpdate(ctx, res, layerID, "consume", qty)
}

func (t *pgTx) RestoreLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidInput
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE receipt_layers
		SET quantity_remaining = quantity_remaining + $2
		WHERE id = $1 AND quantity_remaining + $2 <= quantity_received
	`, layerID, qty)
	if err != nil {
		return err
	}
	return t.checkLayerUpdate(ctx, res, layerID, "restore", qty)
}

// checkLayerUpdate tells a missing layer apart from a guarded update that
// matched nothing.
func (t *pgTx) checkLayerUpdate(ctx context.Context, res sql.Result, layerID int64, op string, qty decimal.Decimal) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM receipt_layers WHERE id = $1)`, layerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %s %s on layer %d", store.ErrInvariantViolation, op, qty, layerID)
}

func (t *pgTx) HasActiveAllocation(ctx context.Context, orderID string, sku string) (bool, error) {
	return hasActiveAllocation(ctx, t.tx, orderID, sku)
}

func (t *pgTx) ListActiveLineAllocations(ctx context.Context, orderID string, lineSKU string) ([]domain.CogsAllocation, error) {
	return queryAllocations(ctx, t.tx, `
		SELECT `+allocationColumns+`
		FROM cogs_allocations a
		WHERE a.order_id = $1 AND a.line_sku = $2 AND a.is_reversal = false
			AND NOT EXISTS (SELECT 1 FROM cogs_allocations r WHERE r.reverses_id = a.id)
		ORDER BY a.created_at ASC, a.id ASC
		FOR UPDATE
	`, orderID, lineSKU)
}

func (t *pgTx) AppendAllocations(ctx context.Context, rows []domain.CogsAllocation) error {
	for _, row := range rows {
		if row.ID == "" || row.OrderID == "" || row.SKU == "" || row.LayerID == 0 {
			return store.ErrInvalidInput
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO cogs_allocations (
				id, order_id, sku, line_sku, shipped_at, quantity_allocated, unit_cost_used,
				cost_allocated, layer_id, is_reversal, reverses_id, reason, method, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, row.ID, row.OrderID, row.SKU, row.LineSKU, row.ShippedAt, row.QuantityAllocated, row.UnitCostUsed,
			row.CostAllocated, row.LayerID, row.IsReversal, nullIfEmpty(row.ReversesID), nullIfEmpty(row.Reason),
			row.Method, row.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: allocation %s already reversed", store.ErrInvariantViolation, row.ReversesID)
			}
			return err
		}
	}
	return nil
}

func hasActiveAllocation(ctx context.Context, q dbtx, orderID string, sku string) (bool, error) {
	var active bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM cogs_allocations a
			WHERE a.order_id = $1 AND a.sku = $2 AND a.is_reversal = false
				AND NOT EXISTS (SELECT 1 FROM cogs_allocations r WHERE r.reverses_id = a.id)
		)
	`, orderID, sku).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return active, nil
}
