package handlers

import (
	"context"
	"strings"

	"github.com/pheq/tgbotd/pkg/bus"
	"github.com/pheq/tgbotd/pkg/command"
)

// NewHelpHandler builds a /help handler from the registry's command list.
// The registry is sealed before dispatch starts, so reading it here is safe.
func NewHelpHandler(registry *command.Registry, about string) command.Handler {
	return command.HandlerFunc(func(ctx context.Context, msg bus.InboundMessage) bus.Outcome {
		var sb strings.Builder
		if about != "" {
			sb.WriteString(about)
			sb.WriteString("\n\n")
		}
		sb.WriteString("Commands:")
		for _, name := range registry.List() {
			sb.WriteString("\n  ")
			sb.WriteString(name)
		}
		return bus.Replied(sb.String())
	})
}
