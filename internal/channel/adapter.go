package channel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// ErrAuth marks a platform authentication failure. Adapters wrap credential
// rejections with this sentinel so the manager can treat the failure as fatal
// for that adapter at startup.
var ErrAuth = errors.New("channel authentication failed")

// RateLimitError is returned by senders when the platform throttles the bot.
// RetryAfter carries the platform-provided wait, zero when unknown.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// RetryAfterOf extracts the platform-provided retry delay from an error chain.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter, true
	}
	return 0, false
}

// InboundHandler is a callback invoked for every raw event an adapter receives.
type InboundHandler func(ctx context.Context, event RawEvent) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() Provider
	Descriptor() Descriptor
}

// Capabilities declares what a channel platform supports.
type Capabilities struct {
	Markdown bool
	Typing   bool
}

// Descriptor holds read-only metadata for a registered channel type.
// It contains no behavior; all behavior is expressed through optional interfaces.
type Descriptor struct {
	Type           Provider
	DisplayName    string
	Capabilities   Capabilities
	OutboundPolicy OutboundPolicy
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// TypingNotifier is an adapter capable of showing a typing indicator.
// Implementations should be best-effort.
type TypingNotifier interface {
	SendTyping(ctx context.Context, chatID string) error
}

// Receiver is an adapter capable of establishing a long-lived connection to receive events.
type Receiver interface {
	Connect(ctx context.Context, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	Provider() Provider
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	provider Provider
	stop     func(ctx context.Context) error
	running  atomic.Bool
}

// NewConnection creates a BaseConnection for the given provider and stop function.
func NewConnection(provider Provider, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		provider: provider,
		stop:     stop,
	}
	conn.running.Store(true)
	return conn
}

// Provider returns the channel type this connection serves.
func (c *BaseConnection) Provider() Provider {
	return c.provider
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
