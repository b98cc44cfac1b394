package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewReadLimiter(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultReadConcurrency},
		{-5, DefaultReadConcurrency},
		{8, 8},
	}
	for _, tt := range tests {
		if got := NewReadLimiter(tt.limit).Limit(); got != tt.want {
			t.Errorf("NewReadLimiter(%d).Limit() = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestReadLimiterAcquire(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		l := NewReadLimiter(2)
		ctx := context.Background()

		release1, err := l.Acquire(ctx, "ws1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		release2, err := l.Acquire(ctx, "ws1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if l.ActiveCount("ws1") != 2 {
			t.Errorf("expected 2 active, got %d", l.ActiveCount("ws1"))
		}
		release1()
		release2()
		if l.ActiveCount("ws1") != 0 {
			t.Errorf("expected 0 active after release, got %d", l.ActiveCount("ws1"))
		}
	})

	t.Run("blocks when limit reached", func(t *testing.T) {
		l := NewReadLimiter(1)
		release, _ := l.Acquire(context.Background(), "ws1")
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := l.Acquire(ctx, "ws1"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("workspaces are independent", func(t *testing.T) {
		l := NewReadLimiter(1)
		release, _ := l.Acquire(context.Background(), "ws1")
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		release2, err := l.Acquire(ctx, "ws2")
		if err != nil {
			t.Fatalf("ws2 should not wait for ws1: %v", err)
		}
		release2()
	})

	t.Run("free slot wins over cancelled context", func(t *testing.T) {
		l := NewReadLimiter(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		release, err := l.Acquire(ctx, "ws1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		release()
	})
}
