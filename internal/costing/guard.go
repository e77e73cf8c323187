package costing

import (
	"context"
	"strings"
)

// ActiveLookup is satisfied by both store.Repository and store.Tx, so the
// guard can run inside or outside a line's transaction.
type ActiveLookup interface {
	HasActiveAllocation(ctx context.Context, orderID string, sku string) (bool, error)
}

// Guard enforces at most one active allocation per (order, sku).
type Guard struct {
	lookup ActiveLookup
}

func NewGuard(lookup ActiveLookup) *Guard {
	return &Guard{lookup: lookup}
}

func (g *Guard) IsAllocated(ctx context.Context, orderID string, sku string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	sku = strings.TrimSpace(sku)
	if orderID == "" || sku == "" {
		return false, nil
	}
	return g.lookup.HasActiveAllocation(ctx, orderID, sku)
}
