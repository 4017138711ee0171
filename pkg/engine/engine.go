package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pheq/tgbotd/pkg/backoff"
	"github.com/pheq/tgbotd/pkg/bus"
	"github.com/pheq/tgbotd/pkg/command"
	"github.com/pheq/tgbotd/pkg/config"
	"github.com/pheq/tgbotd/pkg/dispatch"
	"github.com/pheq/tgbotd/pkg/ingest"
	"github.com/pheq/tgbotd/pkg/logger"
	"github.com/pheq/tgbotd/pkg/source"
)

// State is the engine lifecycle. Transitions are monotonic:
// Starting -> Running -> Draining -> Stopped.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine owns the queue, registry, ingest loop and dispatcher, and
// coordinates their startup and graceful shutdown. Construct once, register
// commands, then Start.
type Engine struct {
	cfg      *config.Config
	src      source.Source
	registry *command.Registry
	queue    *bus.Queue
	stats    *bus.Stats
	disp     *dispatch.Dispatcher
	ing      *ingest.Loop

	state        atomic.Int32
	cancelIngest context.CancelFunc
	cancelRoute  context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(cfg *config.Config, src source.Source) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stats := &bus.Stats{}
	queue, err := bus.NewQueue(cfg.Engine.QueueCapacity, cfg.EnqueueTimeout(), stats)
	if err != nil {
		return nil, err
	}

	registry := command.NewRegistry()
	policy := backoff.Policy{Initial: cfg.BackoffInitial(), Max: cfg.BackoffMax()}

	disp := dispatch.New(queue, registry, src, stats, dispatch.Config{
		Workers:              cfg.Engine.DispatchWorkers,
		UnknownCommandPolicy: cfg.Engine.UnknownCommandPolicy,
		UnknownCommandReply:  cfg.Engine.UnknownCommandReply,
		SendRetries:          cfg.Engine.SendRetries,
		Backoff:              policy,
		TypingIndicator:      cfg.Engine.TypingIndicator,
	})

	ing := ingest.NewLoop(src, queue, stats, ingest.Config{
		PollTimeout: cfg.PollTimeout(),
		PollLimit:   cfg.Engine.PollLimit,
		Backoff:     policy,
		AllowFrom:   cfg.Telegram.AllowFrom,
	})

	return &Engine{
		cfg:      cfg,
		src:      src,
		registry: registry,
		queue:    queue,
		stats:    stats,
		disp:     disp,
		ing:      ing,
	}, nil
}

// Commands exposes the registry for startup-time registration.
func (e *Engine) Commands() *command.Registry {
	return e.registry
}

// SetFallback installs the handler invoked for non-command messages.
func (e *Engine) SetFallback(h command.Handler) {
	e.disp.SetFallback(h)
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) Stats() bus.Snapshot {
	return e.stats.Snapshot()
}

// Start seals the registry and launches the ingest loop and dispatcher as
// independent goroutines. It fails if the engine was already started.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state %s)", e.State())
	}

	e.registry.Seal()

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	routeCtx, cancelRoute := context.WithCancel(ctx)
	e.cancelIngest = cancelIngest
	e.cancelRoute = cancelRoute

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.disp.Run(routeCtx); err != nil {
			logger.ErrorCF("engine", "Dispatcher exited with error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.ing.Run(ingestCtx); err != nil {
			logger.ErrorCF("engine", "Ingest loop exited with error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("engine", "Engine running", map[string]interface{}{
		"name":     e.cfg.Name,
		"workers":  e.cfg.Engine.DispatchWorkers,
		"capacity": e.cfg.Engine.QueueCapacity,
		"commands": len(e.registry.List()),
	})

	e.sendStartupNotice(ctx)
	return nil
}

// sendStartupNotice tells the first allowlisted chat the bot is up,
// best-effort.
func (e *Engine) sendStartupNotice(ctx context.Context) {
	if !e.cfg.Engine.StartupNotice || len(e.cfg.Telegram.AllowFrom) == 0 {
		return
	}
	chatID := e.cfg.Telegram.AllowFrom[0]
	text := fmt.Sprintf("%s is starting up", e.cfg.Name)
	if err := e.src.Send(ctx, chatID, text); err != nil {
		logger.WarnCF("engine", "Startup notice failed", map[string]interface{}{
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

// Shutdown stops polling immediately, drains the queue up to deadline, then
// stops the workers, closes the source and joins all goroutines. Safe to
// call more than once; later calls are no-ops.
func (e *Engine) Shutdown(deadline time.Duration) error {
	e.shutdownOnce.Do(func() {
		if !e.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
			// Never reached Running; nothing to drain.
			e.state.Store(int32(StateStopped))
			return
		}

		logger.InfoCF("engine", "Draining", map[string]interface{}{
			"deadline": deadline.String(),
			"queued":   e.queue.Len(),
		})

		e.cancelIngest()
		e.cancelRoute()
		dropped := e.disp.Drain(deadline)

		if err := e.src.Close(); err != nil {
			logger.WarnCF("engine", "Source close failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		e.wg.Wait()

		e.state.Store(int32(StateStopped))
		snap := e.stats.Snapshot()
		logger.InfoCF("engine", "Stopped", map[string]interface{}{
			"dispatched":          snap.Dispatched,
			"dropped_on_shutdown": dropped,
			"dropped_overload":    snap.DroppedOverload,
			"handler_faults":      snap.HandlerFaults,
		})
	})
	return nil
}
