package bus

import "time"

// InboundMessage is a single message received from the platform. It is
// immutable once built by the ingest loop.
type InboundMessage struct {
	ID            int64             `json:"id"`
	ChatID        int64             `json:"chat_id"`
	SenderID      string            `json:"sender_id"`
	Text          string            `json:"text"`
	ReceivedAt    time.Time         `json:"received_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type OutboundMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// Entry wraps an InboundMessage while it sits in the queue.
type Entry struct {
	Msg        InboundMessage
	EnqueuedAt time.Time
}

type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomeReplied
	OutcomeFailed
)

// Outcome is what a handler invocation produced. Consumed immediately by the
// dispatcher, never stored.
type Outcome struct {
	Kind  OutcomeKind
	Reply string
	Err   error
}

func Replied(text string) Outcome {
	return Outcome{Kind: OutcomeReplied, Reply: text}
}

func Ignored() Outcome {
	return Outcome{Kind: OutcomeIgnored}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
