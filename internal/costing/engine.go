package costing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/lock"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/xid"
)

const tracerName = "opsdash/backend/internal/costing"

// Ledger is the persistence the engine writes through.
type Ledger interface {
	store.Catalog
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
	ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.CogsAllocation, error)
}

// Engine allocates and reverses cost for single order lines. Every line runs
// in one store transaction under per-SKU locks, so a line either writes all
// of its rows or none.
type Engine struct {
	ledger   Ledger
	resolver *Resolver
	locker   lock.Locker
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewEngine(ledger Ledger, locker lock.Locker, logger *logrus.Logger) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		ledger:   ledger,
		resolver: NewResolver(ledger),
		locker:   locker,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateMethod normalizes a costing method name. Empty means FIFO.
func ValidateMethod(method string) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || method == domain.CostingMethodFIFO {
		return domain.CostingMethodFIFO, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
}

func (e *Engine) Allocate(ctx context.Context, req domain.AllocationRequest) (*domain.AllocationResult, error) {
	ctx, span := e.tracer.Start(ctx, "costing.Allocate", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("sku", req.SKU),
	))
	defer span.End()

	result, err := e.allocate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonFor(err))
		return nil, err
	}
	return result, nil
}

func (e *Engine) allocate(ctx context.Context, req domain.AllocationRequest) (*domain.AllocationResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.SKU = strings.TrimSpace(req.SKU)
	if req.OrderID == "" || req.SKU == "" || !req.Quantity.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if req.ShippedAt.IsZero() {
		req.ShippedAt = e.now()
	}

	demands, err := e.resolver.Explode(ctx, req.SKU, req.Quantity)
	if err != nil {
		return nil, err
	}
	skus := demandSKUs(demands)

	release, err := e.locker.Acquire(ctx, skus...)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", strings.Join(skus, ","), err)
	}
	defer release()

	var (
		rows    []domain.CogsAllocation
		skipped []domain.PairSkip
	)
	err = e.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, skipped = nil, nil
		if err := tx.LockSKUs(ctx, skus); err != nil {
			return err
		}
		guard := NewGuard(tx)
		now := e.now()
		for _, demand := range demands {
			allocated, err := guard.IsAllocated(ctx, req.OrderID, demand.SKU)
			if err != nil {
				return err
			}
			if allocated {
				skipped = append(skipped, domain.PairSkip{SKU: demand.SKU, Reason: domain.ReasonAlreadyAllocated})
				continue
			}
			pairRows, err := consumeFIFO(ctx, tx, req, demand, now)
			if err != nil {
				return err
			}
			rows = append(rows, pairRows...)
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.AppendAllocations(ctx, rows)
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"order_id": req.OrderID,
		"sku":      req.SKU,
		"rows":     len(rows),
		"skipped":  len(skipped),
	}).Debug("costing: line allocated")

	return &domain.AllocationResult{
		OrderID:     req.OrderID,
		LineSKU:     req.SKU,
		Allocations: rows,
		Skipped:     skipped,
	}, nil
}

// consumeFIFO walks the SKU's layers oldest first and writes one row per
// layer touched. The full need is checked before any layer is decremented.
func consumeFIFO(ctx context.Context, tx store.Tx, req domain.AllocationRequest, demand Demand, now time.Time) ([]domain.CogsAllocation, error) {
	layers, err := tx.ListConsumableLayers(ctx, demand.SKU)
	if err != nil {
		return nil, err
	}
	available := decimal.Zero
	for _, layer := range layers {
		available = available.Add(layer.QuantityRemaining)
	}
	if available.LessThan(demand.Quantity) {
		return nil, &InsufficientStockError{SKU: demand.SKU, Needed: demand.Quantity, Available: available}
	}

	rows := make([]domain.CogsAllocation, 0, 2)
	need := demand.Quantity
	for _, layer := range layers {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(layer.QuantityRemaining, need)
		if err := tx.ConsumeLayer(ctx, layer.ID, take); err != nil {
			return nil, err
		}
		rows = append(rows, domain.CogsAllocation{
			ID:                xid.New("cogs"),
			OrderID:           req.OrderID,
			SKU:               demand.SKU,
			LineSKU:           req.SKU,
			ShippedAt:         req.ShippedAt,
			QuantityAllocated: take,
			UnitCostUsed:      layer.UnitCost,
			CostAllocated:     take.Mul(layer.UnitCost),
			LayerID:           layer.ID,
			Method:            domain.CostingMethodFIFO,
			CreatedAt:         now,
		})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		return nil, fmt.Errorf("%w: %s left %s unallocated", store.ErrInvariantViolation, demand.SKU, need)
	}
	return rows, nil
}

// Reverse cancels every active allocation for (order, sku) by appending
// negated rows and restoring the consumed layers. A bundle line reverses
// every component row the ledger recorded for it. Nothing to reverse is not
// an error.
func (e *Engine) Reverse(ctx context.Context, req domain.ReversalRequest) (*domain.ReversalResult, error) {
	ctx, span := e.tracer.Start(ctx, "costing.Reverse", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("sku", req.SKU),
	))
	defer span.End()

	result, err := e.reverse(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonFor(err))
		return nil, err
	}
	return result, nil
}

func (e *Engine) reverse(ctx context.Context, req domain.ReversalRequest) (*domain.ReversalResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.SKU = strings.TrimSpace(req.SKU)
	if req.OrderID == "" || req.SKU == "" {
		return nil, store.ErrInvalidInput
	}

	targets, err := e.reversalTargets(ctx, req.OrderID, req.SKU)
	if err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, targets...)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", strings.Join(targets, ","), err)
	}
	defer release()

	var reversals []domain.CogsAllocation
	err = e.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reversals = nil
		if err := tx.LockSKUs(ctx, targets); err != nil {
			return err
		}
		active, err := tx.ListActiveLineAllocations(ctx, req.OrderID, req.SKU)
		if err != nil {
			return err
		}
		// Rows committed after the targets were read still need their SKU locked.
		if extra := missingSKUs(active, targets); len(extra) > 0 {
			if err := tx.LockSKUs(ctx, extra); err != nil {
				return err
			}
		}
		now := e.now()
		for _, row := range active {
			if err := tx.RestoreLayer(ctx, row.LayerID, row.QuantityAllocated); err != nil {
				return err
			}
			reversals = append(reversals, domain.CogsAllocation{
				ID:                xid.New("cogs"),
				OrderID:           row.OrderID,
				SKU:               row.SKU,
				LineSKU:           row.LineSKU,
				ShippedAt:         row.ShippedAt,
				QuantityAllocated: row.QuantityAllocated.Neg(),
				UnitCostUsed:      row.UnitCostUsed,
				CostAllocated:     row.CostAllocated.Neg(),
				LayerID:           row.LayerID,
				IsReversal:        true,
				ReversesID:        row.ID,
				Reason:            req.Reason,
				Method:            row.Method,
				CreatedAt:         now,
			})
		}
		if len(reversals) == 0 {
			return nil
		}
		return tx.AppendAllocations(ctx, reversals)
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"order_id": req.OrderID,
		"sku":      req.SKU,
		"rows":     len(reversals),
	}).Debug("costing: allocation reversed")

	return &domain.ReversalResult{OrderID: req.OrderID, SKU: req.SKU, Reversals: reversals}, nil
}

// reversalTargets lists the SKUs consumed by the line sold as lineSKU,
// read from the ledger so later recipe edits do not change what is reversed.
func (e *Engine) reversalTargets(ctx context.Context, orderID string, lineSKU string) ([]string, error) {
	rows, err := e.ledger.ListAllocations(ctx, domain.AllocationFilter{OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("list allocations of %s: %w", orderID, err)
	}
	targets := []string{lineSKU}
	for _, row := range rows {
		if row.LineSKU == lineSKU {
			targets = append(targets, row.SKU)
		}
	}
	return uniqueSorted(targets), nil
}

func missingSKUs(rows []domain.CogsAllocation, locked []string) []string {
	var extra []string
	for _, row := range rows {
		if !slices.Contains(locked, row.SKU) && !slices.Contains(extra, row.SKU) {
			extra = append(extra, row.SKU)
		}
	}
	return uniqueSorted(extra)
}

func demandSKUs(demands []Demand) []string {
	skus := make([]string, 0, len(demands))
	for _, d := range demands {
		skus = append(skus, d.SKU)
	}
	return uniqueSorted(skus)
}
