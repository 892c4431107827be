package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/channel/inbound"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/memory"
)

type fakeChannels struct {
	mu       sync.Mutex
	sent     []channel.OutboundMessage
	typing   int
	sendErr  error
	markdown bool
}

func (f *fakeChannels) Send(ctx context.Context, provider channel.Provider, msg channel.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannels) SendTyping(ctx context.Context, provider channel.Provider, chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeChannels) MarkdownCapable(provider channel.Provider) bool {
	return f.markdown
}

func (f *fakeChannels) snapshot() ([]channel.OutboundMessage, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out, f.typing
}

// echoInvoker answers every chat with "echo: <message>".
type echoInvoker struct {
	delay time.Duration
	fail  bool
}

func (e *echoInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) error {
	if req.Task != agent.TaskChat {
		req.OnEvent(agent.Event{Kind: agent.EventDone, FinalText: "side"})
		return nil
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail {
		return errors.New("agent down")
	}
	req.OnEvent(agent.Event{Kind: agent.EventDone, FinalText: "echo: " + req.Message})
	return nil
}

func newTestOrchestrator(t *testing.T, invoker agent.Invoker, channels *fakeChannels) (*Orchestrator, *conversation.Registry, *memory.Service) {
	t.Helper()
	registry := conversation.NewRegistry(nil)
	memorySvc := memory.NewService(nil, memory.NewInMemoryStore(20), memory.Options{
		HistoryEnabled: true,
		HistoryLimit:   20,
	})
	o := NewOrchestrator(
		nil,
		inbound.NewNormalizer(nil, nil),
		registry,
		channels,
		agent.NewRunner(nil, invoker),
		memorySvc,
		NewDelivery(nil),
		Defaults{Timezone: "UTC", Locale: "en"},
	)
	return o, registry, memorySvc
}

func rawMessage(chatID, msgID, text string) channel.RawEvent {
	return channel.RawEvent{
		Provider:   channel.ProviderTelegram,
		Kind:       channel.RawEventMessage,
		MessageID:  msgID,
		Author:     channel.RawAuthor{ID: "u1", DisplayName: "Ada"},
		Chat:       channel.RawChat{ID: chatID, Kind: "private"},
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandleInboundDeliversReply(t *testing.T) {
	t.Parallel()
	channels := &fakeChannels{markdown: true}
	o, _, memorySvc := newTestOrchestrator(t, &echoInvoker{}, channels)

	if err := o.HandleInbound(context.Background(), rawMessage("c1", "m1", "hello")); err != nil {
		t.Fatalf("handle inbound failed: %v", err)
	}
	waitUntil(t, func() bool {
		sent, _ := channels.snapshot()
		return len(sent) == 1
	})
	sent, typing := channels.snapshot()
	if sent[0].Text != "echo: hello" || sent[0].ChatID != "c1" {
		t.Fatalf("unexpected reply: %+v", sent[0])
	}
	if sent[0].Format != channel.FormatMarkdown {
		t.Fatalf("expected markdown reply, got %s", sent[0].Format)
	}
	if typing != 1 {
		t.Fatalf("expected exactly one typing signal, got %d", typing)
	}

	// Both sides of the exchange are remembered.
	waitUntil(t, func() bool {
		return len(memorySvc.History(context.Background(), "telegram:c1")) == 2
	})
	history := memorySvc.History(context.Background(), "telegram:c1")
	if history[0].Role != memory.RoleUser || history[0].Content != "hello" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[1].Role != memory.RoleAssistant || history[1].Content != "echo: hello" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestHandleInboundDropsFilteredAndMalformed(t *testing.T) {
	t.Parallel()
	channels := &fakeChannels{}
	o, registry, _ := newTestOrchestrator(t, &echoInvoker{}, channels)

	interaction := rawMessage("c1", "m1", "hi")
	interaction.Kind = channel.RawEventInteraction
	if err := o.HandleInbound(context.Background(), interaction); err != nil {
		t.Fatalf("filtered event must not error: %v", err)
	}

	malformed := rawMessage("c1", "m2", "hi")
	malformed.Author.ID = ""
	if err := o.HandleInbound(context.Background(), malformed); err != nil {
		t.Fatalf("malformed event must be dropped, not errored: %v", err)
	}

	if registry.Len() != 0 {
		t.Fatal("dropped events must not create conversations")
	}
	sent, _ := channels.snapshot()
	if len(sent) != 0 {
		t.Fatalf("dropped events must not produce replies: %+v", sent)
	}
}

func TestMessagesInOneChatProcessedInOrder(t *testing.T) {
	t.Parallel()
	channels := &fakeChannels{}
	o, _, _ := newTestOrchestrator(t, &echoInvoker{delay: 5 * time.Millisecond}, channels)

	const total = 10
	for i := 0; i < total; i++ {
		ev := rawMessage("c1", fmt.Sprintf("m%d", i), fmt.Sprintf("msg-%02d", i))
		if err := o.HandleInbound(context.Background(), ev); err != nil {
			t.Fatalf("handle inbound failed: %v", err)
		}
	}
	waitUntil(t, func() bool {
		sent, _ := channels.snapshot()
		return len(sent) == total
	})
	sent, _ := channels.snapshot()
	for i := 0; i < total; i++ {
		want := fmt.Sprintf("echo: msg-%02d", i)
		if sent[i].Text != want {
			t.Fatalf("reply %d out of order: got %q want %q", i, sent[i].Text, want)
		}
	}
}

func TestAgentFailureSendsSingleFallback(t *testing.T) {
	t.Parallel()
	channels := &fakeChannels{}
	o, _, _ := newTestOrchestrator(t, &echoInvoker{fail: true}, channels)

	if err := o.HandleInbound(context.Background(), rawMessage("c1", "m1", "hello")); err != nil {
		t.Fatalf("handle inbound failed: %v", err)
	}
	waitUntil(t, func() bool {
		sent, _ := channels.snapshot()
		return len(sent) == 1
	})
	sent, _ := channels.snapshot()
	if sent[0].Text != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", sent[0].Text)
	}

	// The next message still processes normally after a failed run.
	o2, _, _ := newTestOrchestrator(t, &echoInvoker{}, channels)
	if err := o2.HandleInbound(context.Background(), rawMessage("c1", "m2", "again")); err != nil {
		t.Fatalf("handle inbound failed: %v", err)
	}
	waitUntil(t, func() bool {
		sent, _ := channels.snapshot()
		return len(sent) == 2
	})
}

func TestDeliveryFailureDoesNotRerunAgent(t *testing.T) {
	t.Parallel()
	channels := &fakeChannels{sendErr: errors.New("network down")}
	invoker := &countingInvoker{}
	o, _, _ := newTestOrchestrator(t, invoker, channels)

	if err := o.HandleInbound(context.Background(), rawMessage("c1", "m1", "hello")); err != nil {
		t.Fatalf("handle inbound failed: %v", err)
	}
	waitUntil(t, func() bool { return invoker.chatCalls() == 1 })
	// Allow the pipeline to settle; the failed delivery must not retrigger a run.
	time.Sleep(50 * time.Millisecond)
	if invoker.chatCalls() != 1 {
		t.Fatalf("agent re-ran after delivery failure: %d calls", invoker.chatCalls())
	}
}

type countingInvoker struct {
	mu    sync.Mutex
	chats int
}

func (c *countingInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) error {
	if req.Task == agent.TaskChat {
		c.mu.Lock()
		c.chats++
		c.mu.Unlock()
	}
	req.OnEvent(agent.Event{Kind: agent.EventDone, FinalText: "reply"})
	return nil
}

func (c *countingInvoker) chatCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chats
}
