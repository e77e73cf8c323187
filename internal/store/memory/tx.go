package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/xid"
)

// memTx stages layer changes and ledger rows; nothing reaches the Store
// until commit, so an error from the unit of work discards everything.
type memTx struct {
	s       *Store
	staged  map[int64]domain.ReceiptLayer
	pending []domain.CogsAllocation
}

// LockSKUs is a no-op: RunInTx already holds the store-wide write lock.
func (t *memTx) LockSKUs(_ context.Context, _ []string) error {
	return nil
}

func (t *memTx) layer(id int64) (domain.ReceiptLayer, bool) {
	if staged, ok := t.staged[id]; ok {
		return staged, true
	}
	committed, ok := t.s.layers[id]
	if !ok {
		return domain.ReceiptLayer{}, false
	}
	return *committed, true
}

func (t *memTx) ListConsumableLayers(_ context.Context, sku string) ([]domain.ReceiptLayer, error) {
	ids := t.s.layersBySKU[sku]
	result := make([]domain.ReceiptLayer, 0, len(ids))
	for _, id := range ids {
		layer, ok := t.layer(id)
		if !ok || !layer.Consumable() {
			continue
		}
		result = append(result, layer)
	}
	slices.SortFunc(result, compareLayerFIFO)
	return result, nil
}

func (t *memTx) ConsumeLayer(_ context.Context, layerID int64, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidInput
	}
	layer, ok := t.layer(layerID)
	if !ok {
		return store.ErrNotFound
	}
	if layer.Voided {
		return fmt.Errorf("%w: layer %d is voided", store.ErrInvariantViolation, layerID)
	}
	remaining := layer.QuantityRemaining.Sub(qty)
	if remaining.IsNegative() {
		return fmt.Errorf("%w: layer %d remaining %s cannot cover %s", store.ErrInvariantViolation, layerID, layer.QuantityRemaining, qty)
	}
	layer.QuantityRemaining = remaining
	t.staged[layerID] = layer
	return nil
}

func (t *memTx) RestoreLayer(_ context.Context, layerID int64, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidInput
	}
	layer, ok := t.layer(layerID)
	if !ok {
		return store.ErrNotFound
	}
	remaining := layer.QuantityRemaining.Add(qty)
	if remaining.GreaterThan(layer.QuantityReceived) {
		return fmt.Errorf("%w: layer %d restore %s exceeds received %s", store.ErrInvariantViolation, layerID, qty, layer.QuantityReceived)
	}
	layer.QuantityRemaining = remaining
	t.staged[layerID] = layer
	return nil
}

func (t *memTx) HasActiveAllocation(_ context.Context, orderID string, sku string) (bool, error) {
	return len(t.s.activeFor(orderID, sku, t.pending)) > 0, nil
}

func (t *memTx) ListActiveLineAllocations(_ context.Context, orderID string, lineSKU string) ([]domain.CogsAllocation, error) {
	rows := make([]domain.CogsAllocation, 0, 8)
	for _, row := range t.s.allocations {
		if row.OrderID == orderID {
			rows = append(rows, row)
		}
	}
	for _, row := range t.pending {
		if row.OrderID == orderID {
			rows = append(rows, row)
		}
	}
	return domain.ActiveLineAllocations(rows, orderID, lineSKU), nil
}

func (t *memTx) AppendAllocations(_ context.Context, rows []domain.CogsAllocation) error {
	now := time.Now().UTC()
	for _, row := range rows {
		if row.OrderID == "" || row.SKU == "" || row.LayerID == 0 {
			return store.ErrInvalidInput
		}
		if row.ID == "" {
			row.ID = xid.New("cogs")
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		t.pending = append(t.pending, row)
	}
	return nil
}

func (t *memTx) commit() {
	for id, layer := range t.staged {
		*t.s.layers[id] = layer
	}
	for _, row := range t.pending {
		key := domain.AllocationKey{OrderID: row.OrderID, SKU: row.SKU}
		t.s.allocations = append(t.s.allocations, row)
		t.s.allocationsBy[key] = append(t.s.allocationsBy[key], len(t.s.allocations)-1)
	}
}
