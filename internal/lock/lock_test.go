package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	locker := NewLocal()
	var inside int32
	var peak int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "SKU-A", "SKU-B")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	locker := NewLocal()
	release, err := locker.Acquire(context.Background(), "SKU-A")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "SKU-B", "SKU-A")
	if !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}

	// SKU-B must have been released by the failed attempt.
	releaseB, err := locker.Acquire(context.Background(), "SKU-B")
	if err != nil {
		t.Fatalf("expected SKU-B to be free: %v", err)
	}
	releaseB()
}

func TestNormalizeKeys(t *testing.T) {
	got := normalizeKeys([]string{"b", " a ", "", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected keys %v", got)
	}
}
