package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustLayer(t *testing.T, s *Store, sku string, qty string, cost string, at time.Time) domain.ReceiptLayer {
	t.Helper()
	layer, err := s.CreateLayer(context.Background(), domain.ReceiptLayer{
		SKU:               sku,
		QuantityReceived:  dec(qty),
		QuantityRemaining: dec(qty),
		UnitCost:          dec(cost),
		ReceivedAt:        at,
	})
	if err != nil {
		t.Fatalf("create layer: %v", err)
	}
	return *layer
}

func TestConsumeLayerRejectsUnderflow(t *testing.T) {
	s := New()
	layer := mustLayer(t, s, "SKU-A", "5", "2", time.Now())

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.ConsumeLayer(ctx, layer.ID, dec("6"))
	})
	if !errors.Is(err, store.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}

	layers, _ := s.ListLayers(context.Background(), "SKU-A", false)
	if !layers[0].QuantityRemaining.Equal(dec("5")) {
		t.Fatalf("expected remaining unchanged at 5, got %s", layers[0].QuantityRemaining)
	}
}

func TestRestoreLayerRejectsOverflow(t *testing.T) {
	s := New()
	layer := mustLayer(t, s, "SKU-A", "5", "2", time.Now())

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.RestoreLayer(ctx, layer.ID, dec("0.5"))
	})
	if !errors.Is(err, store.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestRunInTxDiscardsStagedWorkOnError(t *testing.T) {
	s := New()
	layer := mustLayer(t, s, "SKU-A", "10", "1.5", time.Now())
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.ConsumeLayer(ctx, layer.ID, dec("4")); err != nil {
			return err
		}
		if err := tx.AppendAllocations(ctx, []domain.CogsAllocation{{
			OrderID:           "ORD-1",
			SKU:               "SKU-A",
			QuantityAllocated: dec("4"),
			LayerID:           layer.ID,
		}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	layers, _ := s.ListLayers(context.Background(), "SKU-A", false)
	if !layers[0].QuantityRemaining.Equal(dec("10")) {
		t.Fatalf("expected rollback to keep 10 remaining, got %s", layers[0].QuantityRemaining)
	}
	rows, _ := s.ListAllocations(context.Background(), domain.AllocationFilter{OrderID: "ORD-1"})
	if len(rows) != 0 {
		t.Fatalf("expected no committed rows, got %d", len(rows))
	}
}

func TestConsumableLayersSkipVoidedAndEmpty(t *testing.T) {
	s := New()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := mustLayer(t, s, "SKU-A", "3", "1", base)
	second := mustLayer(t, s, "SKU-A", "3", "1", base.Add(time.Hour))
	third := mustLayer(t, s, "SKU-A", "3", "1", base.Add(2*time.Hour))

	if _, err := s.VoidLayer(context.Background(), second.ID); err != nil {
		t.Fatalf("void: %v", err)
	}

	var ids []int64
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.ConsumeLayer(ctx, first.ID, dec("3")); err != nil {
			return err
		}
		layers, err := tx.ListConsumableLayers(ctx, "SKU-A")
		for _, l := range layers {
			ids = append(ids, l.ID)
		}
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if len(ids) != 1 || ids[0] != third.ID {
		t.Fatalf("expected only layer %d consumable, got %v", third.ID, ids)
	}
}

func TestCreateLayerKeepsExplicitRemaining(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	consumed, err := s.CreateLayer(ctx, domain.ReceiptLayer{
		SKU:              "SKU-A",
		QuantityReceived: dec("8"),
		UnitCost:         dec("1.5"),
		ReceivedAt:       at,
		SourceType:       domain.LayerSourceOpeningBalance,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !consumed.QuantityRemaining.IsZero() || consumed.Consumable() {
		t.Fatalf("expected a fully consumed layer, got %+v", consumed)
	}

	if _, err := s.CreateLayer(ctx, domain.ReceiptLayer{SKU: "SKU-A", QuantityReceived: dec("2"), QuantityRemaining: dec("3"), UnitCost: dec("1")}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected remaining above received to be rejected, got %v", err)
	}
}

func TestListShippedOrderLinesKeysetOrder(t *testing.T) {
	s := New()
	day := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	later := day.Add(time.Hour)
	qty := dec("1")
	err := s.InsertOrderLines(context.Background(), []domain.ShippedOrderLine{
		{OrderID: "B", SKU: "X", Quantity: &qty, ShippedAt: &day, StatusGroup: "Shipped"},
		{OrderID: "A", SKU: "X", Quantity: &qty, ShippedAt: &later, StatusGroup: "Shipped"},
		{OrderID: "A", SKU: "Y", Quantity: &qty, ShippedAt: &day, StatusGroup: "Shipped"},
		{OrderID: "C", SKU: "X", Quantity: &qty, ShippedAt: &day, StatusGroup: domain.StatusGroupCancelled},
		{OrderID: "D", SKU: "X", Quantity: &qty, StatusGroup: "Pending"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	query := domain.OrderLineQuery{From: day.Add(-time.Hour), To: day.Add(24 * time.Hour), Limit: 2}
	page, err := s.ListShippedOrderLines(context.Background(), query)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].OrderID != "A" || page[1].OrderID != "B" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	last := page[len(page)-1]
	query.After = &domain.OrderLineCursor{ShippedAt: *last.ShippedAt, OrderID: last.OrderID, LineID: last.LineID}
	page, err = s.ListShippedOrderLines(context.Background(), query)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].OrderID != "A" || !page[0].ShippedAt.Equal(later) {
		t.Fatalf("unexpected second page: %+v", page)
	}
}
