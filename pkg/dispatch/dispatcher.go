package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pheq/tgbotd/pkg/backoff"
	"github.com/pheq/tgbotd/pkg/bus"
	"github.com/pheq/tgbotd/pkg/command"
	"github.com/pheq/tgbotd/pkg/logger"
	"github.com/pheq/tgbotd/pkg/source"
)

// handlerGrace bounds how long Drain waits for in-flight handlers after the
// drain deadline has expired and their contexts were cancelled.
const handlerGrace = 2 * time.Second

type Config struct {
	// Workers is the pool size W. 1 gives strict global FIFO; larger values
	// allow per-chat concurrency while each chat stays ordered.
	Workers int

	UnknownCommandPolicy string
	UnknownCommandReply  string

	// SendRetries is the number of retries after a failed outbound send.
	SendRetries int
	Backoff     backoff.Policy

	TypingIndicator bool
}

// Dispatcher pulls entries from the queue and routes each to a worker keyed
// by chat id, so messages from one chat are never handled concurrently.
// Handler failures are isolated to the message that caused them.
type Dispatcher struct {
	queue    *bus.Queue
	registry *command.Registry
	src      source.Source
	typing   source.TypingNotifier
	fallback command.Handler
	cfg      Config
	stats    *bus.Stats

	workerChs    []chan bus.Entry
	wg           sync.WaitGroup
	handleCtx    context.Context
	handleCancel context.CancelFunc
	routerDone   chan struct{}

	// parked holds an entry the router had dequeued but not yet handed to a
	// worker when its context was cancelled. Written by Run, read by Drain
	// after routerDone closes.
	parked *bus.Entry
}

func New(queue *bus.Queue, registry *command.Registry, src source.Source, stats *bus.Stats, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	d := &Dispatcher{
		queue:      queue,
		registry:   registry,
		src:        src,
		cfg:        cfg,
		stats:      stats,
		routerDone: make(chan struct{}),
	}
	if cfg.TypingIndicator {
		if tn, ok := src.(source.TypingNotifier); ok {
			d.typing = tn
		}
	}
	return d
}

// SetFallback installs the handler for non-command messages. Must be called
// before Run.
func (d *Dispatcher) SetFallback(h command.Handler) {
	d.fallback = h
}

// Run routes queue entries to workers until ctx is cancelled. In-flight
// handler invocations are not interrupted by ctx; they finish and are hard
// stopped only at the end of Drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.handleCtx, d.handleCancel = context.WithCancel(context.Background())

	d.workerChs = make([]chan bus.Entry, d.cfg.Workers)
	for i := range d.workerChs {
		ch := make(chan bus.Entry)
		d.workerChs[i] = ch
		d.wg.Add(1)
		go d.worker(ch)
	}

	logger.InfoCF("dispatch", "Dispatcher running", map[string]interface{}{
		"workers": d.cfg.Workers,
	})

	defer close(d.routerDone)
	for {
		entry, err := d.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		// The hand-off must stay cancellable: with the target worker busy in
		// a handler, an unconditional send would pin the router past
		// shutdown. The entry in hand is not lost; Drain routes it first.
		select {
		case d.workerChs[d.workerIndex(entry.Msg.ChatID)] <- entry:
		case <-ctx.Done():
			d.parked = &entry
			return nil
		}
	}
}

// Drain keeps dispatching queued entries until the queue is empty or the
// deadline elapses, then stops the workers. Entries left past the deadline
// are discarded and counted. Returns the number dropped.
func (d *Dispatcher) Drain(deadline time.Duration) int {
	drainCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	// Routing must have stopped before Drain takes over the queue. The
	// deadline is armed first: if the router has not exited by then, the
	// handlers are cancelled so busy workers free up and the router's
	// hand-off (or a handler it is waiting behind) can complete.
	select {
	case <-d.routerDone:
	case <-drainCtx.Done():
		d.handleCancel()
		<-d.routerDone
	}

	dropped := 0
routing:
	for {
		entry, ok := d.nextDrainEntry()
		if !ok {
			break
		}
		select {
		case d.workerChs[d.workerIndex(entry.Msg.ChatID)] <- entry:
		case <-drainCtx.Done():
			d.stats.AddDroppedOnShutdown()
			dropped++
			dropped += d.queue.DiscardAll()
			break routing
		}
	}

	for _, ch := range d.workerChs {
		close(ch)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-drainCtx.Done():
		// Deadline hit with handlers still in flight: cancel them and give
		// a short grace period to unwind.
		d.handleCancel()
		select {
		case <-done:
		case <-time.After(handlerGrace):
			logger.WarnC("dispatch", "Workers did not stop within grace period")
		}
	}
	d.handleCancel()

	if dropped > 0 {
		logger.WarnCF("dispatch", "Messages dropped on shutdown", map[string]interface{}{
			"count": dropped,
		})
	}
	return dropped
}

// nextDrainEntry yields the entry the router parked on cancellation, if
// any, then falls back to the queue.
func (d *Dispatcher) nextDrainEntry() (bus.Entry, bool) {
	if d.parked != nil {
		entry := *d.parked
		d.parked = nil
		return entry, true
	}
	return d.queue.TryDequeue()
}

func (d *Dispatcher) workerIndex(chatID int64) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(uint64(chatID) % uint64(len(d.workerChs)))
}

func (d *Dispatcher) worker(ch <-chan bus.Entry) {
	defer d.wg.Done()
	for entry := range ch {
		d.handle(entry)
	}
}

// handle runs one message end to end. A panicking handler is contained
// here; it never takes down the worker.
func (d *Dispatcher) handle(entry bus.Entry) {
	msg := entry.Msg
	defer d.stats.AddDispatched()
	defer func() {
		if r := recover(); r != nil {
			d.stats.AddHandlerFault()
			logger.ErrorCF("dispatch", "Handler panicked", map[string]interface{}{
				"id":             msg.ID,
				"chat_id":        msg.ChatID,
				"correlation_id": msg.CorrelationID,
				"panic":          r,
			})
		}
	}()

	var handler command.Handler
	var name string

	if command.IsCommand(msg.Text) {
		h, token, ok := d.registry.Resolve(msg.Text)
		if !ok {
			d.handleUnknownCommand(msg, token)
			return
		}
		handler, name = h, token
	} else {
		handler, name = d.fallback, "(fallback)"
	}

	if handler == nil {
		logger.DebugCF("dispatch", "No handler for message", map[string]interface{}{
			"id":      msg.ID,
			"chat_id": msg.ChatID,
		})
		return
	}

	if d.typing != nil {
		if err := d.typing.Typing(d.handleCtx, msg.ChatID); err != nil {
			logger.DebugCF("dispatch", "Typing indicator failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	outcome := handler.Process(d.handleCtx, msg)

	switch outcome.Kind {
	case bus.OutcomeReplied:
		d.sendWithRetry(msg.ChatID, outcome.Reply)
	case bus.OutcomeFailed:
		d.stats.AddHandlerFault()
		logger.ErrorCF("dispatch", "Handler failed", map[string]interface{}{
			"handler":        name,
			"id":             msg.ID,
			"chat_id":        msg.ChatID,
			"correlation_id": msg.CorrelationID,
			"error":          errString(outcome.Err),
		})
	case bus.OutcomeIgnored:
	}
}

func (d *Dispatcher) handleUnknownCommand(msg bus.InboundMessage, token string) {
	logger.DebugCF("dispatch", "Unknown command", map[string]interface{}{
		"command": token,
		"chat_id": msg.ChatID,
	})
	if d.cfg.UnknownCommandPolicy == "reply" && d.cfg.UnknownCommandReply != "" {
		d.sendWithRetry(msg.ChatID, d.cfg.UnknownCommandReply)
	}
}

// sendWithRetry delivers a reply, retrying transport failures with backoff
// up to the configured budget. A message that cannot be sent is logged as a
// terminal failure and not requeued.
func (d *Dispatcher) sendWithRetry(chatID int64, text string) {
	bo := backoff.New(d.cfg.Backoff)
	attempts := d.cfg.SendRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.src.Send(d.handleCtx, chatID, text)
		if err == nil {
			return
		}
		if attempt == attempts || d.handleCtx.Err() != nil {
			break
		}
		logger.WarnCF("dispatch", "Send failed, retrying", map[string]interface{}{
			"chat_id": chatID,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if bo.Sleep(d.handleCtx, source.RetryAfterHint(err)) != nil {
			break
		}
	}

	d.stats.AddSendFailure()
	logger.ErrorCF("dispatch", "Send failed permanently", map[string]interface{}{
		"chat_id":  chatID,
		"attempts": attempts,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
