package gateway

import (
	"testing"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/channel"
)

func feed(events ...agent.Event) <-chan agent.Event {
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRenderMergesTrailingStepIntoFinal(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventTextDelta, Delta: "Hi"},
		agent.Event{Kind: agent.EventStepComplete},
		agent.Event{Kind: agent.EventDone, FinalText: "Hi there!"},
	), true)
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply, got %d: %+v", len(replies), replies)
	}
	if replies[0].Text != "Hi there!" {
		t.Fatalf("unexpected reply text: %q", replies[0].Text)
	}
	if replies[0].Format != channel.FormatMarkdown {
		t.Fatalf("markdown-capable channel should get markdown, got %s", replies[0].Format)
	}
}

func TestRenderToolRunWithIntermediateStep(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventTextDelta, Delta: "Let me check the weather."},
		agent.Event{Kind: agent.EventStepComplete},
		agent.Event{Kind: agent.EventToolCall, Tool: &agent.ToolCall{Name: "weather"}},
		agent.Event{Kind: agent.EventTextDelta, Delta: "It is sunny, 24C."},
		agent.Event{Kind: agent.EventStepComplete},
		agent.Event{Kind: agent.EventDone, FinalText: "It is sunny, 24C."},
	), false)
	if len(replies) != 2 {
		t.Fatalf("expected two replies, got %d: %+v", len(replies), replies)
	}
	if replies[0].Text != "Let me check the weather." {
		t.Fatalf("unexpected first reply: %q", replies[0].Text)
	}
	if replies[1].Text != "It is sunny, 24C." {
		t.Fatalf("unexpected second reply: %q", replies[1].Text)
	}
	if replies[0].Format != channel.FormatPlain {
		t.Fatalf("plain channel should get plain text, got %s", replies[0].Format)
	}
}

func TestRenderErrorYieldsSingleFallback(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventTextDelta, Delta: "partial answer"},
		agent.Event{Kind: agent.EventError, ErrKind: "agent", ErrMessage: "model overloaded"},
		agent.Event{Kind: agent.EventTextDelta, Delta: "late output"},
		agent.Event{Kind: agent.EventDone, FinalText: "late final"},
	), true)
	if len(replies) != 1 {
		t.Fatalf("expected one fallback reply, got %d: %+v", len(replies), replies)
	}
	if replies[0].Text != FallbackReply {
		t.Fatalf("unexpected fallback text: %q", replies[0].Text)
	}
	if replies[0].Format != channel.FormatPlain {
		t.Fatal("fallback must be plain text")
	}
}

func TestRenderFinalOnly(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventDone, FinalText: "Just the answer."},
	), false)
	if len(replies) != 1 || replies[0].Text != "Just the answer." {
		t.Fatalf("unexpected replies: %+v", replies)
	}
}

func TestRenderUnflushedDeltasDeliveredOnce(t *testing.T) {
	t.Parallel()
	// No step boundary and no final text: buffered deltas still flush.
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventTextDelta, Delta: "half "},
		agent.Event{Kind: agent.EventTextDelta, Delta: "answer"},
		agent.Event{Kind: agent.EventDone},
	), false)
	if len(replies) != 1 || replies[0].Text != "half answer" {
		t.Fatalf("unexpected replies: %+v", replies)
	}
}

func TestRenderEmptyRun(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventDone},
	), true)
	if len(replies) != 0 {
		t.Fatalf("expected no replies for empty run, got %+v", replies)
	}
}

func TestRenderDistinctFinalAppended(t *testing.T) {
	t.Parallel()
	replies := NewDelivery(nil).Render(feed(
		agent.Event{Kind: agent.EventTextDelta, Delta: "Working on it."},
		agent.Event{Kind: agent.EventStepComplete},
		agent.Event{Kind: agent.EventDone, FinalText: "All done, see above."},
	), false)
	if len(replies) != 2 {
		t.Fatalf("expected two replies, got %+v", replies)
	}
	if replies[1].Text != "All done, see above." {
		t.Fatalf("unexpected final reply: %q", replies[1].Text)
	}
}
