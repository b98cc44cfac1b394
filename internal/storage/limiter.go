package storage

import (
	"context"
	"sync"
)

// DefaultReadConcurrency is the maximum concurrent blob reads per workspace.
const DefaultReadConcurrency = 16

// ReadLimiter bounds concurrent blob reads per workspace. When the limit is
// reached, additional reads wait until a slot is free.
type ReadLimiter struct {
	mu       sync.Mutex
	limit    int
	limiters map[string]chan struct{}
}

// NewReadLimiter creates a ReadLimiter. A non-positive limit uses
// DefaultReadConcurrency.
func NewReadLimiter(limit int) *ReadLimiter {
	if limit <= 0 {
		limit = DefaultReadConcurrency
	}
	return &ReadLimiter{
		limit:    limit,
		limiters: make(map[string]chan struct{}),
	}
}

// Acquire blocks until a read slot is available for the workspace or ctx is
// done. The returned release func must be called once the read completes.
func (l *ReadLimiter) Acquire(ctx context.Context, workspaceID string) (release func(), err error) {
	ch := l.slots(workspaceID)

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveCount returns the number of reads holding a slot for a workspace.
func (l *ReadLimiter) ActiveCount(workspaceID string) int {
	l.mu.Lock()
	ch, ok := l.limiters[workspaceID]
	l.mu.Unlock()

	if !ok {
		return 0
	}
	return len(ch)
}

// Limit returns the per-workspace limit.
func (l *ReadLimiter) Limit() int {
	return l.limit
}

func (l *ReadLimiter) slots(workspaceID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.limiters[workspaceID]
	if !ok {
		ch = make(chan struct{}, l.limit)
		l.limiters[workspaceID] = ch
	}
	return ch
}
