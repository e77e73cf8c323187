package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AllocationKey identifies one logical allocation event.
type AllocationKey struct {
	OrderID string
	SKU     string
}

// AllocationPosition is the folded state of the ledger for one (order, sku) pair.
type AllocationPosition struct {
	Key      AllocationKey
	Active   []CogsAllocation
	Quantity decimal.Decimal
	Cost     decimal.Decimal
}

// HasActive reports whether any allocation row is not cancelled by a reversal.
func (p AllocationPosition) HasActive() bool {
	return len(p.Active) > 0
}

// FoldAllocations derives current state from the append-only ledger. Entries
// are never mutated; an allocation row is active until a reversal row points
// at it.
func FoldAllocations(rows []CogsAllocation) map[AllocationKey]*AllocationPosition {
	reversed := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.IsReversal && row.ReversesID != "" {
			reversed[row.ReversesID] = struct{}{}
		}
	}

	positions := make(map[AllocationKey]*AllocationPosition)
	for _, row := range rows {
		key := AllocationKey{OrderID: row.OrderID, SKU: row.SKU}
		pos, ok := positions[key]
		if !ok {
			pos = &AllocationPosition{Key: key, Quantity: decimal.Zero, Cost: decimal.Zero}
			positions[key] = pos
		}
		pos.Quantity = pos.Quantity.Add(row.QuantityAllocated)
		pos.Cost = pos.Cost.Add(row.CostAllocated)
		if row.IsReversal {
			continue
		}
		if _, done := reversed[row.ID]; !done {
			pos.Active = append(pos.Active, row)
		}
	}
	return positions
}

// ActiveAllocations returns the rows of rows that are still in force for
// (orderID, sku), in ledger order.
func ActiveAllocations(rows []CogsAllocation, orderID string, sku string) []CogsAllocation {
	pos, ok := FoldAllocations(rows)[AllocationKey{OrderID: orderID, SKU: sku}]
	if !ok {
		return nil
	}
	return pos.Active
}

// ActiveLineAllocations returns the rows still in force that were written for
// the order line sold as lineSKU, whichever SKUs they consumed.
func ActiveLineAllocations(rows []CogsAllocation, orderID string, lineSKU string) []CogsAllocation {
	reversed := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.IsReversal && row.ReversesID != "" {
			reversed[row.ReversesID] = struct{}{}
		}
	}
	var active []CogsAllocation
	for _, row := range rows {
		if row.IsReversal || row.OrderID != orderID || row.LineSKU != lineSKU {
			continue
		}
		if _, done := reversed[row.ID]; !done {
			active = append(active, row)
		}
	}
	return active
}

// SummarizeCogs groups ledger rows per order and sku, the way downstream
// reporting is expected to read them.
func SummarizeCogs(rows []CogsAllocation) []OrderCogs {
	positions := FoldAllocations(rows)
	out := make([]OrderCogs, 0, len(positions))
	for key, pos := range positions {
		out = append(out, OrderCogs{
			OrderID:  key.OrderID,
			SKU:      key.SKU,
			Quantity: pos.Quantity,
			Cost:     pos.Cost,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].SKU < out[j].SKU
	})
	return out
}
