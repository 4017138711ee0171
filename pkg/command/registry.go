package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pheq/tgbotd/pkg/bus"
)

var (
	// ErrDuplicateCommand means a handler set registered the same command
	// name twice. This is a programming error and blocks startup.
	ErrDuplicateCommand = errors.New("duplicate command")

	// ErrRegistrySealed means Register was called after the engine started.
	// The registration window is startup-only.
	ErrRegistrySealed = errors.New("registry sealed")
)

// Handler turns an inbound message into an outcome. Implementations are
// supplied by the bot author; the dispatcher only sees this interface.
type Handler interface {
	Process(ctx context.Context, msg bus.InboundMessage) bus.Outcome
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg bus.InboundMessage) bus.Outcome

func (f HandlerFunc) Process(ctx context.Context, msg bus.InboundMessage) bus.Outcome {
	return f(ctx, msg)
}

// Registry maps command names to handlers. Writes happen only before the
// engine starts; once sealed it is read-only, so dispatch-time lookups need
// no locking discipline from callers.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	names    []string
	sealed   atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register stores name -> handler. Names must be non-empty, start with "/",
// and be unique. The first registration of a name wins; a duplicate fails
// without replacing it.
func (r *Registry) Register(name string, handler Handler) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q after start", ErrRegistrySealed, name)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for command %q", name)
	}
	if name == "" || !strings.HasPrefix(name, "/") || len(name) < 2 {
		return fmt.Errorf("invalid command name %q: must be /name", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	r.handlers[name] = handler
	r.names = append(r.names, name)
	return nil
}

// Seal closes the registration window. Called by the engine on start.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Resolve extracts the leading command token from text and returns the
// matching handler. Matching is exact and case-sensitive; a "@botname"
// suffix on the token (Telegram group convention) is ignored.
func (r *Registry) Resolve(text string) (Handler, string, bool) {
	token := commandToken(text)
	if token == "" {
		return nil, "", false
	}

	r.mu.Lock()
	h, ok := r.handlers[token]
	r.mu.Unlock()
	return h, token, ok
}

// List returns the command names in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// IsCommand reports whether text addresses the bot as a command at all,
// regardless of whether the command is registered.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

func commandToken(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	token := text
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	if i := strings.Index(token, "@"); i >= 0 {
		token = token[:i]
	}
	return token
}
