package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediakit/imagestudio/internal/limiter"
)

type fakeStore struct {
	mu      sync.Mutex
	puts    map[string]int
	failKey string
	flaky   map[string]int // object key -> failures before success
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string]int), flaky: make(map[string]int)}
}

func (f *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key]++
	if f.failKey != "" && strings.Contains(key, f.failKey) {
		return "", errors.New("storage unavailable")
	}
	if remaining, ok := f.flaky[key]; ok && remaining > 0 {
		f.flaky[key] = remaining - 1
		return "", errors.New("flaky put")
	}
	return "https://cdn.test/" + key, nil
}

func mustLimiter(t *testing.T, n int) *limiter.Limiter {
	t.Helper()
	l, err := limiter.New(n)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	return l
}

func testItems(n int) []Item {
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("item-%d", i)
		items = append(items, Item{
			Key:         key,
			ObjectKey:   "ns/" + key + "/out_1.png",
			Data:        []byte("png bytes"),
			ContentType: "image/png",
		})
	}
	return items
}

func TestUploadAllIsolatesSingleFailure(t *testing.T) {
	store := newFakeStore()
	store.failKey = "item-3"

	b := NewBatch(store, mustLimiter(t, 4), Options{BackoffBase: time.Millisecond})
	results := b.UploadAll(context.Background(), testItems(8))

	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	failed := 0
	for key, r := range results {
		if key == "item-3" {
			if r.Err == nil {
				t.Fatal("expected item-3 to fail")
			}
			failed++
			continue
		}
		if r.Err != nil {
			t.Fatalf("item %s failed: %v", key, r.Err)
		}
		if r.URL != "https://cdn.test/"+r.ObjectKey {
			t.Fatalf("item %s has wrong URL: %s", key, r.URL)
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", failed)
	}
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	items := testItems(1)
	store.flaky[items[0].ObjectKey] = 1

	b := NewBatch(store, mustLimiter(t, 1), Options{MaxRetries: 1, BackoffBase: time.Millisecond})
	results := b.UploadAll(context.Background(), items)

	r := results["item-0"]
	if r.Err != nil {
		t.Fatalf("expected retry to succeed, got: %v", r.Err)
	}
	if store.puts[items[0].ObjectKey] != 2 {
		t.Fatalf("expected 2 put attempts, got %d", store.puts[items[0].ObjectKey])
	}
}

func TestUploadRespectsLimiter(t *testing.T) {
	var active, peak int64
	store := &countingStore{active: &active, peak: &peak}

	b := NewBatch(store, mustLimiter(t, 2), Options{BackoffBase: time.Millisecond})
	b.UploadAll(context.Background(), testItems(10))

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("observed %d concurrent puts, cap is 2", p)
	}
}

type countingStore struct {
	active *int64
	peak   *int64
}

func (c *countingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	n := atomic.AddInt64(c.active, 1)
	for {
		p := atomic.LoadInt64(c.peak)
		if n <= p || atomic.CompareAndSwapInt64(c.peak, p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt64(c.active, -1)
	return "https://cdn.test/" + key, nil
}

func TestUploadAllCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatch(newFakeStore(), mustLimiter(t, 1), Options{BackoffBase: time.Millisecond})
	results := b.UploadAll(ctx, testItems(3))

	for key, r := range results {
		if r.Err == nil {
			t.Fatalf("expected %s to fail under cancelled context", key)
		}
	}
}
