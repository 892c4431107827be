package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type flakySenderAdapter struct {
	mockAdapter
	failures int
	attempts int
}

func (a *flakySenderAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	a.attempts++
	if a.attempts <= a.failures {
		return fmt.Errorf("transient network error")
	}
	return nil
}

type authFailReceiver struct {
	mockAdapter
}

func (a *authFailReceiver) Connect(ctx context.Context, handler InboundHandler) (Connection, error) {
	return nil, fmt.Errorf("telegram: %w", ErrAuth)
}

type okReceiver struct {
	mockAdapter
	connected bool
}

func (a *okReceiver) Connect(ctx context.Context, handler InboundHandler) (Connection, error) {
	a.connected = true
	return NewConnection(a.provider, func(ctx context.Context) error { return nil }), nil
}

func fastPolicy() OutboundPolicy {
	return OutboundPolicy{RetryMax: 3, RetryBackoffMs: 1, TextChunkLimit: 4096}
}

func TestManagerSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	adapter := &flakySenderAdapter{
		mockAdapter: mockAdapter{
			provider: ProviderTelegram,
			desc:     Descriptor{Type: ProviderTelegram, OutboundPolicy: fastPolicy()},
		},
		failures: 2,
	}
	registry.MustRegister(adapter)
	manager := NewManager(nil, registry)

	if err := manager.Send(context.Background(), ProviderTelegram, OutboundMessage{ChatID: "1", Text: "hello"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if adapter.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", adapter.attempts)
	}
}

func TestManagerSendExhaustsRetries(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	adapter := &flakySenderAdapter{
		mockAdapter: mockAdapter{
			provider: ProviderTelegram,
			desc:     Descriptor{Type: ProviderTelegram, OutboundPolicy: fastPolicy()},
		},
		failures: 10,
	}
	registry.MustRegister(adapter)
	manager := NewManager(nil, registry)

	err := manager.Send(context.Background(), ProviderTelegram, OutboundMessage{ChatID: "1", Text: "hello"})
	if err == nil {
		t.Fatal("expected send to fail after retries")
	}
	if adapter.attempts != 3 {
		t.Fatalf("expected exactly RetryMax attempts, got %d", adapter.attempts)
	}
}

func TestManagerSendUnknownProvider(t *testing.T) {
	t.Parallel()
	manager := NewManager(nil, NewRegistry())
	if err := manager.Send(context.Background(), ProviderDiscord, OutboundMessage{ChatID: "1", Text: "x"}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("send: %w", &RateLimitError{RetryAfter: 2 * time.Second})
	delay, ok := RetryAfterOf(wrapped)
	if !ok || delay != 2*time.Second {
		t.Fatalf("expected retry-after 2s, got %v ok=%v", delay, ok)
	}
	if _, ok := RetryAfterOf(errors.New("other")); ok {
		t.Fatal("plain error should not carry retry-after")
	}
}

func TestManagerStartSkipsAuthFailedAdapter(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.MustRegister(&authFailReceiver{mockAdapter{provider: ProviderTelegram}})
	healthy := &okReceiver{mockAdapter: mockAdapter{provider: ProviderDiscord}}
	registry.MustRegister(healthy)
	manager := NewManager(nil, registry)

	handler := func(ctx context.Context, event RawEvent) error { return nil }
	if err := manager.Start(context.Background(), handler); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if manager.Connected(ProviderTelegram) {
		t.Fatal("auth-failed adapter should not be connected")
	}
	if !manager.Connected(ProviderDiscord) {
		t.Fatal("healthy adapter should be connected")
	}
	if err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestManagerMiddlewareOrder(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	receiver := &capturingReceiver{mockAdapter: mockAdapter{provider: ProviderWebsite}}
	registry.MustRegister(receiver)
	manager := NewManager(nil, registry)

	var order []string
	manager.Use(func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, event RawEvent) error {
			order = append(order, "first")
			return next(ctx, event)
		}
	})
	manager.Use(func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, event RawEvent) error {
			order = append(order, "second")
			return next(ctx, event)
		}
	})
	if err := manager.Start(context.Background(), func(ctx context.Context, event RawEvent) error {
		order = append(order, "handler")
		return nil
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := receiver.handler(context.Background(), RawEvent{}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("unexpected call order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected call order: %v", order)
		}
	}
}

type capturingReceiver struct {
	mockAdapter
	handler InboundHandler
}

func (a *capturingReceiver) Connect(ctx context.Context, handler InboundHandler) (Connection, error) {
	a.handler = handler
	return NewConnection(a.provider, nil), nil
}
