package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
)

const allocationColumns = `a.id, a.order_id, a.sku, a.line_sku, a.shipped_at, a.quantity_allocated, a.unit_cost_used,
	a.cost_allocated, a.layer_id, a.is_reversal, a.reverses_id, a.reason, a.method, a.created_at`

func queryAllocations(ctx context.Context, q dbtx, query string, args ...any) ([]domain.CogsAllocation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.CogsAllocation, 0, 16)
	for rows.Next() {
		var (
			row        domain.CogsAllocation
			reversesID sql.NullString
			reason     sql.NullString
		)
		if err := rows.Scan(
			&row.ID, &row.OrderID, &row.SKU, &row.LineSKU, &row.ShippedAt, &row.QuantityAllocated, &row.UnitCostUsed,
			&row.CostAllocated, &row.LayerID, &row.IsReversal, &reversesID, &reason, &row.Method, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		row.ReversesID = reversesID.String
		row.Reason = reason.String
		row.ShippedAt = row.ShippedAt.UTC()
		row.CreatedAt = row.CreatedAt.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) HasActiveAllocation(ctx context.Context, orderID string, sku string) (bool, error) {
	return hasActiveAllocation(ctx, s.db, orderID, sku)
}

func (s *Store) ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.CogsAllocation, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 500
	}
	return queryAllocations(ctx, s.db, `
		SELECT `+allocationColumns+`
		FROM cogs_allocations a
		WHERE ($1 = '' OR a.order_id = $1)
			AND ($2 = '' OR a.sku = $2)
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT $3
	`, filter.OrderID, filter.SKU, limit)
}

// SummarizeCogs sums the signed ledger, so reversed allocations net to zero.
func (s *Store) SummarizeCogs(ctx context.Context, from time.Time, to time.Time) ([]domain.OrderCogs, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, sku, SUM(quantity_allocated), SUM(cost_allocated)
		FROM cogs_allocations
		WHERE shipped_at >= $1 AND shipped_at < $2
		GROUP BY order_id, sku
		ORDER BY order_id, sku
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.OrderCogs, 0, 64)
	for rows.Next() {
		var entry domain.OrderCogs
		if err := rows.Scan(&entry.OrderID, &entry.SKU, &entry.Quantity, &entry.Cost); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) InsertOrderLines(ctx context.Context, lines []domain.ShippedOrderLine) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, line := range lines {
		var quantity any
		if line.Quantity != nil {
			quantity = *line.Quantity
		}
		if line.LineID > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sales_order_lines (line_id, order_id, sku, quantity, shipped_at, status_group)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, line.LineID, line.OrderID, line.SKU, quantity, nullTime(line.ShippedAt), line.StatusGroup)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sales_order_lines (order_id, sku, quantity, shipped_at, status_group)
				VALUES ($1,$2,$3,$4,$5)
			`, line.OrderID, line.SKU, quantity, nullTime(line.ShippedAt), line.StatusGroup)
		}
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}
	}
	return tx.Commit()
}

// ListShippedOrderLines reads one keyset page ordered by
// (shipped_at, order_id, line_id).
func (s *Store) ListShippedOrderLines(ctx context.Context, query domain.OrderLineQuery) ([]domain.ShippedOrderLine, error) {
	if query.Limit < 1 {
		return nil, store.ErrInvalidInput
	}

	var (
		afterAt    any
		afterOrder string
		afterLine  int64
	)
	if query.After != nil {
		afterAt = query.After.ShippedAt
		afterOrder = query.After.OrderID
		afterLine = query.After.LineID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT line_id, order_id, sku, quantity, shipped_at, status_group
		FROM sales_order_lines
		WHERE shipped_at IS NOT NULL
			AND status_group <> $1
			AND shipped_at >= $2
			AND shipped_at < $3
			AND ($4::timestamptz IS NULL OR (shipped_at, order_id, line_id) > ($4::timestamptz, $5::text, $6::bigint))
		ORDER BY shipped_at ASC, order_id ASC, line_id ASC
		LIMIT $7
	`, domain.StatusGroupCancelled, query.From, query.To, afterAt, afterOrder, afterLine, query.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.ShippedOrderLine, 0, query.Limit)
	for rows.Next() {
		var (
			line      domain.ShippedOrderLine
			quantity  decimal.NullDecimal
			shippedAt sql.NullTime
		)
		if err := rows.Scan(&line.LineID, &line.OrderID, &line.SKU, &quantity, &shippedAt, &line.StatusGroup); err != nil {
			return nil, err
		}
		if quantity.Valid {
			q := quantity.Decimal
			line.Quantity = &q
		}
		if shippedAt.Valid {
			at := shippedAt.Time.UTC()
			line.ShippedAt = &at
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
