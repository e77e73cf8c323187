package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opsdash/backend/internal/costing"
	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/service"
	"opsdash/backend/internal/store/memory"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, opts options)
	}{
		{name: "batch defaults end to start", args: []string{"-from", "2024-06-01"}, check: func(t *testing.T, opts options) {
			if opts.to != "2024-06-01" || opts.method != domain.CostingMethodFIFO {
				t.Fatalf("unexpected options %+v", opts)
			}
		}},
		{name: "batch requires from", args: []string{"-to", "2024-06-01"}, wantErr: true},
		{name: "reverse requires order and sku", args: []string{"-reverse", "-sku", "A", "-confirm", "REVERSE"}, wantErr: true},
		{name: "reverse requires confirm", args: []string{"-reverse", "-order-id", "O", "-sku", "A"}, wantErr: true},
		{name: "reverse", args: []string{"-reverse", "-order-id", "O", "-sku", "A", "-confirm", "REVERSE"}, check: func(t *testing.T, opts options) {
			if !opts.reverse || opts.orderID != "O" || opts.sku != "A" {
				t.Fatalf("unexpected options %+v", opts)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := parseOptions(tc.args, io.Discard)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, opts)
		})
	}
}

func TestExecuteBatchThenReverse(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := memory.NewSeeded(logger)
	engine := costing.NewEngine(repo, nil, logger)
	runner := costing.NewRunner(repo, repo, engine, costing.RunnerConfig{}, logger)
	svc := service.New(repo, engine, runner, service.Options{Logger: logger})
	ctx := context.Background()

	at := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	qty := decimal.NewFromInt(4)
	if err := repo.InsertOrderLines(ctx, []domain.ShippedOrderLine{
		{OrderID: "ORD-77", SKU: "SKU-MUG-01", Quantity: &qty, ShippedAt: &at, StatusGroup: "Shipped"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var out bytes.Buffer
	if err := execute(ctx, svc, options{from: "2024-06-10", to: "2024-06-10"}, &out); err != nil {
		t.Fatalf("batch: %v", err)
	}
	var summary domain.BatchSummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Successful != 1 {
		t.Fatalf("expected one successful line, got %+v", summary)
	}

	out.Reset()
	if err := execute(ctx, svc, options{reverse: true, orderID: "ORD-77", sku: "SKU-MUG-01", reason: "test"}, &out); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	var reversal domain.ReversalResult
	if err := json.Unmarshal(out.Bytes(), &reversal); err != nil {
		t.Fatalf("decode reversal: %v", err)
	}
	if len(reversal.Reversals) != 1 || !reversal.Reversals[0].QuantityAllocated.Equal(decimal.NewFromInt(-4)) {
		t.Fatalf("unexpected reversal: %+v", reversal)
	}
}
