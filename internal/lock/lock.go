package lock

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrNotObtained is returned when a key could not be locked before the
// context or retry budget ran out.
var ErrNotObtained = errors.New("lock not obtained")

// Locker grants exclusive access to a set of keys. Release must be called
// exactly once after a successful Acquire.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// normalizeKeys sorts and de-duplicates so every caller locks in the same
// order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			release()
			return nil, errors.Join(ErrNotObtained, err)
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *Local) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return
	}
	<-entry.ch
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
