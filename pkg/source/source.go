package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotRunning is returned by Send when the source has been closed.
var ErrNotRunning = errors.New("source not running")

// Raw is a platform message before normalization. ID is the platform's
// monotonically increasing update identifier; a Raw with a zero ChatID or
// empty Text carries no dispatchable content but still advances the cursor.
type Raw struct {
	ID       int64
	ChatID   int64
	SenderID string
	Text     string
}

// Source is the capability the engine consumes: a poll-based inbound stream
// and an outbound send. The wire protocol behind it is not the engine's
// concern.
type Source interface {
	// Poll returns all messages with ID greater than cursor, blocking up to
	// the source's long-poll window. Failures are TransportErrors.
	Poll(ctx context.Context, cursor int64, limit int) ([]Raw, error)

	// Send delivers text to chatID.
	Send(ctx context.Context, chatID int64, text string) error

	Close() error
}

// TypingNotifier is implemented by sources that can show a "typing"
// indicator while a handler runs.
type TypingNotifier interface {
	Typing(ctx context.Context, chatID int64) error
}

// TransportError wraps any failure talking to the platform. Transport
// failures are always retried with backoff, never fatal.
type TransportError struct {
	Op          string
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *TransportError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("transport %s: rate limited (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryAfterHint extracts the remote retry-after delay from err, if any.
func RetryAfterHint(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) && te.RateLimited {
		return te.RetryAfter
	}
	return 0
}
