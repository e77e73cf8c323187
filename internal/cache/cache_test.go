package cache

import (
	"context"
	"testing"
	"time"

	"opsdash/backend/internal/domain"
)

func TestMemorySummaryCacheExpires(t *testing.T) {
	c := NewMemorySummaryCache()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, &domain.BatchSummary{RunID: "run-1", Total: 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "run-1")
	if err != nil || !ok || got.Total != 3 {
		t.Fatalf("expected cached summary, got %+v %v %v", got, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "run-1"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestNoopSummaryCacheMisses(t *testing.T) {
	var c SummaryCache = NoopSummaryCache{}
	_ = c.Set(context.Background(), &domain.BatchSummary{RunID: "run-1"}, time.Minute)
	if _, ok, _ := c.Get(context.Background(), "run-1"); ok {
		t.Fatal("noop cache must never hit")
	}
}
