// Package conversation serializes inbound message processing per chat.
// Each conversation owns a FIFO queue and at most one running pipeline.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/channel"
)

// RunState is the lifecycle state of a conversation's processing loop.
type RunState string

const (
	StateIdle     RunState = "idle"
	StateRunning  RunState = "running"
	StateDraining RunState = "draining"
)

// Conversation is the per-key serialization unit. All fields behind mu are
// owned by the registry and the single run loop goroutine.
type Conversation struct {
	Key      string
	Provider channel.Provider
	ChatID   string

	mu           sync.Mutex
	queue        []channel.InboundMessage
	state        RunState
	title        string
	suggestions  []string
	lastActivity time.Time
	createdAt    time.Time
}

func newConversation(provider channel.Provider, chatID string) *Conversation {
	now := time.Now()
	return &Conversation{
		Key:          channel.GenerateConversationKey(provider, chatID),
		Provider:     provider,
		ChatID:       strings.TrimSpace(chatID),
		state:        StateIdle,
		lastActivity: now,
		createdAt:    now,
	}
}

// State returns the current run state.
func (c *Conversation) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of messages waiting behind the current run.
func (c *Conversation) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Title returns the conversation title, empty until generated.
func (c *Conversation) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// SetTitleOnce sets the title if none is set yet and reports whether it took.
// Repeated generations never overwrite an existing title.
func (c *Conversation) SetTitleOnce(title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.title != "" {
		return false
	}
	c.title = title
	return true
}

// Suggestions returns the follow-up suggestions from the latest run.
func (c *Conversation) Suggestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.suggestions))
	copy(out, c.suggestions)
	return out
}

// SetSuggestions replaces the follow-up suggestions. Each run overwrites the
// previous set.
func (c *Conversation) SetSuggestions(suggestions []string) {
	cleaned := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suggestions = cleaned
}

// LastActivity returns the time of the most recent enqueue or dequeue.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conversation) touchLocked() {
	c.lastActivity = time.Now()
}
