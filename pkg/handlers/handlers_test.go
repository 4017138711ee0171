package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/pheq/tgbotd/pkg/bus"
	"github.com/pheq/tgbotd/pkg/command"
)

func TestEchoRepliesWithText(t *testing.T) {
	b := NewEchoBot()
	b.SetWaitTime(0)

	out := b.Echo(context.Background(), bus.InboundMessage{ChatID: 1, Text: "hello there"})
	if out.Kind != bus.OutcomeReplied {
		t.Fatalf("expected reply, got %+v", out)
	}
	if !strings.Contains(out.Reply, "You said: hello there") {
		t.Errorf("unexpected reply: %q", out.Reply)
	}
}

func TestEchoCancelledWhileThinking(t *testing.T) {
	b := NewEchoBot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := b.Echo(ctx, bus.InboundMessage{Text: "hi"})
	if out.Kind != bus.OutcomeFailed {
		t.Errorf("cancelled echo should fail, got %+v", out)
	}
}

func TestChangeUpdatesThinkingText(t *testing.T) {
	b := NewEchoBot()
	b.SetWaitTime(0)

	out := b.Change(context.Background(), bus.InboundMessage{Text: "/change pondering deeply"})
	if out.Kind != bus.OutcomeReplied {
		t.Fatalf("expected reply, got %+v", out)
	}
	if b.ThinkingText() != "pondering deeply" {
		t.Errorf("thinking text not updated: %q", b.ThinkingText())
	}

	echo := b.Echo(context.Background(), bus.InboundMessage{Text: "x"})
	if !strings.HasPrefix(echo.Reply, "pondering deeply") {
		t.Errorf("echo should use the new preamble: %q", echo.Reply)
	}
}

func TestChangeWithoutArgumentExplainsUsage(t *testing.T) {
	b := NewEchoBot()
	before := b.ThinkingText()

	out := b.Change(context.Background(), bus.InboundMessage{Text: "/change"})
	if !strings.Contains(out.Reply, "Usage") {
		t.Errorf("expected usage hint, got %q", out.Reply)
	}
	if b.ThinkingText() != before {
		t.Error("thinking text must not change without an argument")
	}
}

func TestHelpListsRegisteredCommands(t *testing.T) {
	reg := command.NewRegistry()
	noop := command.HandlerFunc(func(ctx context.Context, msg bus.InboundMessage) bus.Outcome {
		return bus.Ignored()
	})
	if err := reg.Register("/help", noop); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("/change", noop); err != nil {
		t.Fatal(err)
	}

	h := NewHelpHandler(reg, "An echo bot.")
	out := h.Process(context.Background(), bus.InboundMessage{Text: "/help"})

	if out.Kind != bus.OutcomeReplied {
		t.Fatalf("expected reply, got %+v", out)
	}
	for _, want := range []string{"An echo bot.", "/help", "/change"} {
		if !strings.Contains(out.Reply, want) {
			t.Errorf("help text missing %q: %q", want, out.Reply)
		}
	}
}
