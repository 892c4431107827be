package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Middleware wraps an InboundHandler with cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// Manager owns the live connections for all registered receiver adapters and
// drives the outbound send pipeline (chunking, bounded retries).
type Manager struct {
	logger      *slog.Logger
	registry    *Registry
	middlewares []Middleware

	mu          sync.Mutex
	connections map[Provider]Connection
	handler     InboundHandler
}

// NewManager creates a Manager over the given registry.
func NewManager(logger *slog.Logger, registry *Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger.With(slog.String("component", "channel_manager")),
		registry:    registry,
		connections: map[Provider]Connection{},
	}
}

// Use appends middlewares applied around the inbound handler. Must be called
// before Start.
func (m *Manager) Use(middlewares ...Middleware) {
	m.middlewares = append(m.middlewares, middlewares...)
}

// Start connects every registered receiver adapter. An authentication failure
// is fatal for that adapter only: the connection is not registered and the
// remaining adapters keep starting.
func (m *Manager) Start(ctx context.Context, handler InboundHandler) error {
	if handler == nil {
		return fmt.Errorf("inbound handler is required")
	}
	wrapped := handler
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		wrapped = m.middlewares[i](wrapped)
	}
	m.mu.Lock()
	m.handler = wrapped
	m.mu.Unlock()

	for _, provider := range m.registry.Types() {
		receiver, ok := m.registry.GetReceiver(provider)
		if !ok {
			continue
		}
		// Connections outlive the inbound request scope.
		conn, err := receiver.Connect(context.WithoutCancel(ctx), wrapped)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				m.logger.Error("adapter rejected credentials, not connecting",
					slog.String("provider", provider.String()),
					slog.Any("error", err))
				continue
			}
			m.logger.Error("adapter connect failed",
				slog.String("provider", provider.String()),
				slog.Any("error", err))
			continue
		}
		m.mu.Lock()
		m.connections[provider] = conn
		m.mu.Unlock()
		m.logger.Info("channel connected", slog.String("provider", provider.String()))
	}
	return nil
}

// Stop shuts down all live connections.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	connections := make([]Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		connections = append(connections, conn)
	}
	m.connections = map[Provider]Connection{}
	m.mu.Unlock()

	var lastErr error
	for _, conn := range connections {
		if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("connection stop failed",
				slog.String("provider", conn.Provider().String()),
				slog.Any("error", err))
			lastErr = err
		}
	}
	return lastErr
}

// Connected reports whether the given provider has a running connection.
func (m *Manager) Connected(provider Provider) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[provider]
	return ok && conn.Running()
}

// MarkdownCapable reports whether the provider declares markdown support.
func (m *Manager) MarkdownCapable(provider Provider) bool {
	caps, ok := m.registry.GetCapabilities(provider)
	return ok && caps.Markdown
}

// Send chunks the message per the provider's outbound policy and delivers each
// chunk with bounded retries. Rate-limit errors honor the platform-provided
// retry delay; other errors back off linearly (attempt x base).
func (m *Manager) Send(ctx context.Context, provider Provider, msg OutboundMessage) error {
	sender, ok := m.registry.GetSender(provider)
	if !ok || sender == nil {
		return fmt.Errorf("unsupported provider: %s", provider)
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	policy := m.resolveOutboundPolicy(provider)
	for _, item := range buildOutboundMessages(msg, policy) {
		if err := m.sendWithRetry(ctx, sender, provider, item, policy); err != nil {
			return err
		}
	}
	return nil
}

// SendTyping shows a typing indicator when the provider supports one.
// Failures are logged and swallowed.
func (m *Manager) SendTyping(ctx context.Context, provider Provider, chatID string) {
	notifier, ok := m.registry.GetTypingNotifier(provider)
	if !ok || notifier == nil {
		return
	}
	if err := notifier.SendTyping(ctx, chatID); err != nil {
		m.logger.Debug("typing indicator failed",
			slog.String("provider", provider.String()),
			slog.Any("error", err))
	}
}

func (m *Manager) resolveOutboundPolicy(provider Provider) OutboundPolicy {
	policy, ok := m.registry.GetOutboundPolicy(provider)
	if !ok {
		policy = OutboundPolicy{}
	}
	return NormalizeOutboundPolicy(policy)
}

func (m *Manager) sendWithRetry(ctx context.Context, sender Sender, provider Provider, msg OutboundMessage, policy OutboundPolicy) error {
	var lastErr error
	for i := 0; i < policy.RetryMax; i++ {
		err := sender.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("send outbound retry",
			slog.String("provider", provider.String()),
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		delay := time.Duration(i+1) * time.Duration(policy.RetryBackoffMs) * time.Millisecond
		if retryAfter, ok := RetryAfterOf(err); ok && retryAfter > 0 {
			delay = retryAfter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("send outbound failed after retries: %w", lastErr)
}
