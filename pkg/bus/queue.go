package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue stayed at capacity past
// the enqueue timeout. The message is shed; ingestion continues.
var ErrQueueFull = errors.New("inbound queue full")

// Queue is the bounded FIFO buffer between the ingest loop and the
// dispatcher. Capacity must be positive; an unbounded queue is not allowed.
//
// Entries are dequeued in strict FIFO order. Every entry that enters the
// queue leaves it exactly once, either through Dequeue or through DiscardAll
// during shutdown.
type Queue struct {
	ch             chan Entry
	enqueueTimeout time.Duration
	stats          *Stats
}

func NewQueue(capacity int, enqueueTimeout time.Duration, stats *Stats) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Queue{
		ch:             make(chan Entry, capacity),
		enqueueTimeout: enqueueTimeout,
		stats:          stats,
	}, nil
}

// Enqueue appends msg, blocking while the queue is full, up to the configured
// timeout. On timeout the message is dropped and ErrQueueFull returned. A
// cancelled context interrupts the wait.
func (q *Queue) Enqueue(ctx context.Context, msg InboundMessage) error {
	entry := Entry{Msg: msg, EnqueuedAt: time.Now()}

	select {
	case q.ch <- entry:
		q.stats.AddEnqueued()
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- entry:
		q.stats.AddEnqueued()
		return nil
	case <-timer.C:
		q.stats.AddDroppedOverload()
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an entry is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	select {
	case entry := <-q.ch:
		return entry, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// TryDequeue returns the oldest entry without blocking.
func (q *Queue) TryDequeue() (Entry, bool) {
	select {
	case entry := <-q.ch:
		return entry, true
	default:
		return Entry{}, false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// DiscardAll empties the queue, counting each entry as dropped on shutdown.
// Called after the drain deadline has passed.
func (q *Queue) DiscardAll() int {
	n := 0
	for {
		select {
		case <-q.ch:
			q.stats.AddDroppedOnShutdown()
			n++
		default:
			return n
		}
	}
}
