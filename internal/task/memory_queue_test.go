package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueRedeliversFailedHandlers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(2)
	if err := q.Publish(ctx, "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, id string) error {
			if calls.Add(1) == 1 {
				return errors.New("store unavailable")
			}
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected consume result %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the job twice, got %d", calls.Load())
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := q.Publish(context.Background(), "x"); err == nil {
		t.Fatal("publish after close should fail")
	}
	if err := q.Consume(context.Background(), 2, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue: %v", err)
	}
}
