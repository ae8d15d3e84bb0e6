// internal/limiter/limiter.go
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrent holders of a resource. One
// limiter is created per job per stage so a slow stage cannot starve
// the others.
type Limiter struct {
	sem *semaphore.Weighted
	max int
}

// New returns a limiter allowing at most maxConcurrent holders.
func New(maxConcurrent int) (*Limiter, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("limiter: maxConcurrent must be greater than zero (got %d)", maxConcurrent)
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(maxConcurrent)), max: maxConcurrent}, nil
}

// Max reports the configured concurrency cap.
func (l *Limiter) Max() int { return l.max }

// Slot is a single acquired slot. Release is safe to call more than
// once; only the first call returns the slot.
type Slot struct {
	once sync.Once
	l    *Limiter
}

// Release returns the slot to the limiter.
func (s *Slot) Release() {
	s.once.Do(func() { s.l.sem.Release(1) })
}

// Acquire blocks until a slot is free or ctx is done. Callers must
// release the returned slot on every exit path.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Slot{l: l}, nil
}

// TryAcquire grabs a slot without blocking; it returns nil when none
// is free.
func (l *Limiter) TryAcquire() *Slot {
	if !l.sem.TryAcquire(1) {
		return nil
	}
	return &Slot{l: l}
}
