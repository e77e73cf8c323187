package costing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store/memory"
)

func newTestRunner(t *testing.T, cfg RunnerConfig) (*memory.Store, *Runner) {
	t.Helper()
	repo, engine := newTestEngine(t)
	return repo, NewRunner(repo, repo, engine, cfg, quietLogger())
}

func shippedLine(orderID string, sku string, qty string, at time.Time) domain.ShippedOrderLine {
	line := domain.ShippedOrderLine{OrderID: orderID, SKU: sku, ShippedAt: &at, StatusGroup: "Shipped"}
	if qty != "" {
		q := dec(qty)
		line.Quantity = &q
	}
	return line
}

func insertLines(t *testing.T, repo *memory.Store, lines ...domain.ShippedOrderLine) {
	t.Helper()
	if err := repo.InsertOrderLines(context.Background(), lines); err != nil {
		t.Fatalf("insert lines: %v", err)
	}
}

var juneRun = domain.CostingRunRequest{StartDate: "2024-06-01", EndDate: "2024-06-30"}

func TestRunClassifiesAndAllocates(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{})
	addLayer(t, repo, "SKU-A", "10", "1", day1.Add(-24*time.Hour))
	addLayer(t, repo, "SKU-B", "1", "1", day1.Add(-24*time.Hour))
	if err := repo.UpsertItem(context.Background(), domain.InventoryItem{SKU: "SKU-KIT", IsBundle: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ctx := context.Background()
	engine := NewEngine(repo, nil, quietLogger())
	if _, err := engine.Allocate(ctx, domain.AllocationRequest{OrderID: "ORD-DONE", SKU: "SKU-A", Quantity: dec("1"), ShippedAt: day1}); err != nil {
		t.Fatalf("pre-allocate: %v", err)
	}

	zero := dec("0")
	negative := dec("-1")
	insertLines(t, repo,
		shippedLine("ORD-DONE", "SKU-A", "1", day1),
		shippedLine("ORD-NOSKU", "", "1", day1),
		shippedLine("ORD-NILQTY", "SKU-A", "", day1),
		domain.ShippedOrderLine{OrderID: "ORD-ZERO", SKU: "SKU-A", Quantity: &zero, ShippedAt: &day1},
		domain.ShippedOrderLine{OrderID: "ORD-NEG", SKU: "SKU-A", Quantity: &negative, ShippedAt: &day1},
		shippedLine("ORD-SHORT", "SKU-B", "5", day1),
		shippedLine("ORD-KIT", "SKU-KIT", "1", day1),
		shippedLine("ORD-OK", "SKU-A", "2", day1),
		shippedLine("ORD-LATE", "SKU-A", "1", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)),
	)

	summary, err := runner.Run(ctx, juneRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Total != 8 || summary.Eligible != 3 || summary.Successful != 1 || summary.Skipped != 5 || summary.Failed != 2 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	wantSkipped := map[string]int{
		domain.ReasonAlreadyAllocated: 1,
		domain.ReasonMissingSKU:       1,
		domain.ReasonInvalidQuantity:  3,
	}
	for reason, n := range wantSkipped {
		if summary.SkippedByReason[reason] != n {
			t.Fatalf("skipped %s = %d, want %d", reason, summary.SkippedByReason[reason], n)
		}
	}
	if summary.FailedByReason[domain.ReasonInsufficientStock] != 1 || summary.FailedByReason[domain.ReasonNoRecipe] != 1 {
		t.Fatalf("unexpected failures: %v", summary.FailedByReason)
	}
	if len(summary.Errors) != 7 {
		t.Fatalf("expected 7 issue entries, got %d", len(summary.Errors))
	}
}

func TestRunIsResumable(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{})
	addBundle(t, repo, "SKU-KIT", map[string]string{"SKU-A": "1", "SKU-B": "1"})
	addLayer(t, repo, "SKU-A", "10", "1", day1)
	addLayer(t, repo, "SKU-B", "10", "1", day1)
	insertLines(t, repo,
		shippedLine("ORD-1", "SKU-A", "2", day1),
		shippedLine("ORD-2", "SKU-KIT", "3", day1),
	)
	ctx := context.Background()

	first, err := runner.Run(ctx, juneRun)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Successful != 2 {
		t.Fatalf("expected 2 successful lines, got %+v", first)
	}
	before := remaining(t, repo, "SKU-A")

	second, err := runner.Run(ctx, juneRun)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Successful != 0 || second.SkippedByReason[domain.ReasonAlreadyAllocated] != 2 {
		t.Fatalf("expected every line skipped as already allocated, got %+v", second)
	}
	after := remaining(t, repo, "SKU-A")
	for id, qty := range before {
		if !after[id].Equal(qty) {
			t.Fatalf("re-run consumed layer %d", id)
		}
	}
}

func TestRunPaginationBoundary(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{})
	addLayer(t, repo, "SKU-A", "1000", "0.5", day1.Add(-time.Hour))

	lines := make([]domain.ShippedOrderLine, 0, 1000)
	for i := 0; i < 1000; i++ {
		lines = append(lines, shippedLine(fmt.Sprintf("ORD-%04d", i), "SKU-A", "1", day1.Add(time.Duration(i%7)*time.Minute)))
	}
	insertLines(t, repo, lines...)

	summary, err := runner.Run(context.Background(), juneRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.PagesFetched != 2 {
		t.Fatalf("expected one full page and one empty page, fetched %d", summary.PagesFetched)
	}
	if summary.Total != 1000 || summary.Successful != 1000 || summary.Truncated {
		t.Fatalf("unexpected summary: total=%d successful=%d truncated=%v", summary.Total, summary.Successful, summary.Truncated)
	}
}

func TestRunPageCeilingTruncates(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{PageSize: 2, MaxPages: 2})
	addLayer(t, repo, "SKU-A", "10", "1", day1)
	for i := 0; i < 5; i++ {
		insertLines(t, repo, shippedLine(fmt.Sprintf("ORD-%d", i), "SKU-A", "1", day1))
	}

	summary, err := runner.Run(context.Background(), juneRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Truncated || summary.PagesFetched != 2 || summary.Total != 4 {
		t.Fatalf("expected truncation after 2 pages, got %+v", summary)
	}
}

func TestRunBoundsIssueList(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{MaxIssues: 2})
	for i := 0; i < 5; i++ {
		insertLines(t, repo, shippedLine(fmt.Sprintf("ORD-%d", i), "", "1", day1))
	}

	summary, err := runner.Run(context.Background(), juneRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Errors) != 2 || summary.ErrorsDropped != 3 || summary.Skipped != 5 {
		t.Fatalf("unexpected bounded issues: %+v", summary)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	_, runner := newTestRunner(t, RunnerConfig{})
	tests := []struct {
		name string
		req  domain.CostingRunRequest
		want error
	}{
		{name: "malformed start", req: domain.CostingRunRequest{StartDate: "2024-13-01", EndDate: "2024-12-31"}, want: ErrInvalidDate},
		{name: "malformed end", req: domain.CostingRunRequest{StartDate: "2024-01-01", EndDate: "31/12/2024"}, want: ErrInvalidDate},
		{name: "start after end", req: domain.CostingRunRequest{StartDate: "2024-02-01", EndDate: "2024-01-01"}, want: ErrInvalidDateRange},
		{name: "unsupported method", req: domain.CostingRunRequest{StartDate: "2024-01-01", EndDate: "2024-01-02", Method: "LIFO"}, want: ErrUnsupportedMethod},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			summary, err := runner.Run(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if summary != nil {
				t.Fatalf("expected no summary on validation error")
			}
		})
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	repo, runner := newTestRunner(t, RunnerConfig{})
	addLayer(t, repo, "SKU-A", "10", "1", day1)
	insertLines(t, repo, shippedLine("ORD-1", "SKU-A", "1", day1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := runner.Run(ctx, juneRun)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary == nil || summary.Successful != 0 || summary.FinishedAt.IsZero() {
		t.Fatalf("expected partial summary, got %+v", summary)
	}
}

func TestRunLogsOnlyPhasesThatDoWork(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	repo, engine := newTestEngine(t)
	runner := NewRunner(repo, repo, engine, RunnerConfig{}, logger)
	addLayer(t, repo, "SKU-A", "10", "1", day1)
	insertLines(t, repo, shippedLine("ORD-1", "SKU-A", "1", day1))

	if _, err := runner.Run(context.Background(), juneRun); err != nil {
		t.Fatalf("run: %v", err)
	}

	phases := map[string]bool{}
	for _, entry := range hook.AllEntries() {
		if phase, ok := strings.CutPrefix(entry.Message, "costing phase: "); ok {
			phases[phase] = true
		}
	}
	for _, want := range []string{"fetching", "classifying", "allocating"} {
		if !phases[want] {
			t.Fatalf("expected %q phase to be logged, got %v", want, phases)
		}
	}
	if len(phases) != 3 {
		t.Fatalf("unexpected phases logged: %v", phases)
	}
	if last := hook.LastEntry(); last == nil || last.Message != "costing run finished" {
		t.Fatalf("expected run summary as the last entry, got %+v", last)
	}
}

func TestParseDateRangeIsHalfOpen(t *testing.T) {
	from, to, err := ParseDateRange("2024-06-01", "2024-06-01")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if to.Sub(from) != 24*time.Hour {
		t.Fatalf("expected a one-day window, got %s", to.Sub(from))
	}
}
