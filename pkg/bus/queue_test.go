package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testQueue(t *testing.T, capacity int, timeout time.Duration) (*Queue, *Stats) {
	t.Helper()
	stats := &Stats{}
	q, err := NewQueue(capacity, timeout, stats)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q, stats
}

func TestNewQueueRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := NewQueue(0, time.Second, nil); err == nil {
		t.Error("capacity 0 should be rejected")
	}
	if _, err := NewQueue(-5, time.Second, nil); err == nil {
		t.Error("negative capacity should be rejected")
	}
}

// TestQueueFIFOOrder verifies entries come out in the order they went in.
func TestQueueFIFOOrder(t *testing.T) {
	q, _ := testQueue(t, 10, time.Second)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := q.Enqueue(ctx, InboundMessage{ID: i, ChatID: 1}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	for i := int64(1); i <= 5; i++ {
		entry, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d failed: %v", i, err)
		}
		if entry.Msg.ID != i {
			t.Errorf("expected message %d, got %d", i, entry.Msg.ID)
		}
	}
}

// TestEnqueueTimeoutDropsMessage verifies the backpressure policy: a full
// queue blocks the producer up to the timeout, then sheds the message.
func TestEnqueueTimeoutDropsMessage(t *testing.T) {
	q, stats := testQueue(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, InboundMessage{ID: 1}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	start := time.Now()
	err := q.Enqueue(ctx, InboundMessage{ID: 2})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("enqueue returned before timeout: %v", elapsed)
	}
	if stats.Snapshot().DroppedOverload != 1 {
		t.Errorf("expected 1 dropped, got %d", stats.Snapshot().DroppedOverload)
	}

	// Space frees up; subsequent enqueues succeed again.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if err := q.Enqueue(ctx, InboundMessage{ID: 3}); err != nil {
		t.Fatalf("enqueue after free failed: %v", err)
	}
}

func TestDequeueCancellable(t *testing.T) {
	q, _ := testQueue(t, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after cancellation")
	}
}

func TestEnqueueCancellableWhileFull(t *testing.T) {
	q, _ := testQueue(t, 1, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Enqueue(ctx, InboundMessage{ID: 1}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, InboundMessage{ID: 2})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue did not return after cancellation")
	}
}

func TestDiscardAllCountsDropped(t *testing.T) {
	q, stats := testQueue(t, 5, time.Second)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(ctx, InboundMessage{ID: i}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	if n := q.DiscardAll(); n != 3 {
		t.Errorf("expected 3 discarded, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty, has %d", q.Len())
	}
	if stats.Snapshot().DroppedOnShutdown != 3 {
		t.Errorf("expected 3 dropped on shutdown, got %d", stats.Snapshot().DroppedOnShutdown)
	}
}

func TestTryDequeueNonBlocking(t *testing.T) {
	q, _ := testQueue(t, 2, time.Second)

	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue on empty queue should report no entry")
	}

	if err := q.Enqueue(context.Background(), InboundMessage{ID: 7}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	entry, ok := q.TryDequeue()
	if !ok || entry.Msg.ID != 7 {
		t.Errorf("expected entry 7, got %+v ok=%v", entry, ok)
	}
}
