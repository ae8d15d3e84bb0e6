package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterNeverExceedsCap(t *testing.T) {
	const maxHolders = 3
	l, err := New(maxHolders)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer slot.Release()

			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if peak > maxHolders {
		t.Fatalf("observed %d concurrent holders, cap is %d", peak, maxHolders)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, err := New(1)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	slot, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	slot.Release()
	slot.Release() // must not free a second slot

	first := l.TryAcquire()
	if first == nil {
		t.Fatal("expected one free slot after release")
	}
	if second := l.TryAcquire(); second != nil {
		t.Fatal("double release freed an extra slot")
	}
	first.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	l, err := New(1)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	slot, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer slot.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error when no slot frees")
	}
}

func TestNewRejectsNonPositiveCap(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero cap")
	}
}
