package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pheq/tgbotd/pkg/bus"
)

// EchoBot replies with whatever it was told, after pretending to think for
// a bit. The thinking preamble can be changed at runtime with /change.
type EchoBot struct {
	mu           sync.Mutex
	thinkingText string
	waitTime     time.Duration
}

func NewEchoBot() *EchoBot {
	return &EchoBot{
		thinkingText: "Let me just process..",
		waitTime:     time.Second,
	}
}

// SetWaitTime overrides the artificial thinking delay (used by tests).
func (b *EchoBot) SetWaitTime(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitTime = d
}

func (b *EchoBot) ThinkingText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thinkingText
}

// Echo is the fallback handler for non-command messages.
func (b *EchoBot) Echo(ctx context.Context, msg bus.InboundMessage) bus.Outcome {
	b.mu.Lock()
	thinking := b.thinkingText
	wait := b.waitTime
	b.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return bus.Failed(ctx.Err())
		}
	}

	return bus.Replied(fmt.Sprintf("%s\nYou said: %s", thinking, msg.Text))
}

// Change handles "/change <text>" by updating the thinking preamble.
func (b *EchoBot) Change(ctx context.Context, msg bus.InboundMessage) bus.Outcome {
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Text), "/change"))
	if text == "" {
		return bus.Replied("Usage: /change <new thinking text>")
	}

	b.mu.Lock()
	b.thinkingText = text
	b.mu.Unlock()

	return bus.Replied(fmt.Sprintf("Ok I will now set the thinking text to: %s", text))
}
