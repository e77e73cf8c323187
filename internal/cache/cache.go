package cache

import (
	"context"
	"sync"
	"time"

	"opsdash/backend/internal/domain"
)

// SummaryCache keeps finished costing run summaries by run id.
type SummaryCache interface {
	Get(ctx context.Context, runID string) (*domain.BatchSummary, bool, error)
	Set(ctx context.Context, value *domain.BatchSummary, ttl time.Duration) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.BatchSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ *domain.BatchSummary, _ time.Duration) error {
	return nil
}

// MemorySummaryCache is the in-process cache used when Redis is not
// configured. Entries expire lazily on read.
type MemorySummaryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	summary   domain.BatchSummary
	expiresAt time.Time
}

func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemorySummaryCache) Get(_ context.Context, runID string) (*domain.BatchSummary, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[runID]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, runID)
		c.mu.Unlock()
		return nil, false, nil
	}
	summary := entry.summary
	return &summary, true, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, value *domain.BatchSummary, ttl time.Duration) error {
	if value == nil || value.RunID == "" {
		return nil
	}
	entry := memoryEntry{summary: *value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[value.RunID] = entry
	c.mu.Unlock()
	return nil
}
