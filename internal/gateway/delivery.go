// Package gateway wires inbound normalization, conversation serialization,
// agent runs, and outbound delivery into the message pipeline.
package gateway

import (
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/channel"
)

// FallbackReply is the single generic reply sent when an agent run fails.
const FallbackReply = "Sorry, something went wrong while answering. Please try again."

// Delivery renders an agent event sequence into outbound replies.
type Delivery struct {
	logger *slog.Logger
}

// NewDelivery creates a Delivery renderer.
func NewDelivery(logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{
		logger: logger.With(slog.String("component", "delivery")),
	}
}

// Render consumes the full event sequence and returns the reply texts to
// deliver, in order. Deltas buffer until a step boundary; the final text from
// Done supersedes the trailing step when it extends it, so a completed answer
// is sent once, not twice. The first Error event discards everything and
// yields the single generic fallback.
func (d *Delivery) Render(events <-chan agent.Event, markdownCapable bool) []channel.OutboundMessage {
	var (
		steps     []string
		buf       strings.Builder
		finalText string
		failed    bool
	)
	for ev := range events {
		if failed {
			continue // drain the remaining sequence
		}
		switch ev.Kind {
		case agent.EventTextDelta:
			buf.WriteString(ev.Delta)
		case agent.EventStepComplete:
			text := strings.TrimSpace(ev.StepText)
			if text == "" {
				text = strings.TrimSpace(buf.String())
			}
			if text != "" {
				steps = append(steps, text)
			}
			buf.Reset()
		case agent.EventToolCall:
			// Tool activity produces no user-visible output.
		case agent.EventError:
			failed = true
			d.logger.Warn("agent run failed",
				slog.String("kind", ev.ErrKind),
				slog.String("error", ev.ErrMessage))
		case agent.EventDone:
			finalText = strings.TrimSpace(ev.FinalText)
		}
	}
	if failed {
		return []channel.OutboundMessage{{Text: FallbackReply, Format: channel.FormatPlain}}
	}

	replies := steps
	if trailing := strings.TrimSpace(buf.String()); trailing != "" {
		replies = append(replies, trailing)
	}
	if finalText != "" {
		// Done's final text is authoritative for the last segment.
		if n := len(replies); n > 0 && strings.HasPrefix(finalText, replies[n-1]) {
			replies = replies[:n-1]
		}
		if n := len(replies); n == 0 || replies[n-1] != finalText {
			replies = append(replies, finalText)
		}
	}

	format := channel.FormatPlain
	if markdownCapable {
		format = channel.FormatMarkdown
	}
	messages := make([]channel.OutboundMessage, 0, len(replies))
	for _, text := range replies {
		messages = append(messages, channel.OutboundMessage{Text: text, Format: format})
	}
	return messages
}
