package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/channel"
)

// ErrDraining is returned by Enqueue once the registry has begun shutdown.
var ErrDraining = errors.New("conversation registry is draining")

// Registry is the process-wide map of live conversations. The map lock guards
// resolve/create, eviction, and the draining flag; queue state takes the
// per-entry lock under it.
type Registry struct {
	logger *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	draining      bool

	running sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:        logger.With(slog.String("component", "conversation_registry")),
		conversations: map[string]*Conversation{},
	}
}

// Resolve returns the conversation for the given provider and chat, creating
// it on first contact.
func (r *Registry) Resolve(provider channel.Provider, chatID string) *Conversation {
	key := channel.GenerateConversationKey(provider, chatID)
	r.mu.RLock()
	conv, ok := r.conversations[key]
	r.mu.RUnlock()
	if ok {
		return conv
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[key]; ok {
		return conv
	}
	conv = newConversation(provider, chatID)
	r.conversations[key] = conv
	r.logger.Debug("conversation created", slog.String("key", key))
	return conv
}

// Get returns the conversation for key if it exists.
func (r *Registry) Get(key string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[key]
	return conv, ok
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

// Enqueue appends a message to the conversation's FIFO queue. started reports
// whether the caller must launch the run loop for this conversation: it is
// true exactly when the queue was idle, so at most one loop runs per key.
func (r *Registry) Enqueue(conv *Conversation, msg channel.InboundMessage) (started bool, err error) {
	// The map read lock is held across the whole operation: Drain sets the
	// draining flag under the write lock, so the running counter cannot gain
	// an entry once Drain has begun waiting.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.draining {
		return false, ErrDraining
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.state == StateDraining {
		return false, ErrDraining
	}
	conv.queue = append(conv.queue, msg)
	conv.touchLocked()
	if conv.state == StateIdle {
		conv.state = StateRunning
		r.running.Add(1)
		return true, nil
	}
	return false, nil
}

// Next pops the next queued message for the run loop. When the queue is empty
// the conversation returns to idle and ok is false; the loop must exit.
func (r *Registry) Next(conv *Conversation) (msg channel.InboundMessage, ok bool) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.queue) == 0 {
		if conv.state == StateRunning || conv.state == StateDraining {
			conv.state = StateIdle
			r.running.Done()
		}
		return channel.InboundMessage{}, false
	}
	msg = conv.queue[0]
	conv.queue = conv.queue[1:]
	conv.touchLocked()
	return msg, true
}

// Drain rejects further enqueues and waits for all in-flight run loops to
// finish their queued work, up to the context deadline.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	for _, conv := range r.conversations {
		conv.mu.Lock()
		if conv.state == StateRunning {
			conv.state = StateDraining
		}
		conv.mu.Unlock()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EvictIdle removes conversations idle longer than ttl. Running conversations
// and conversations with queued messages are never evicted. Returns the number
// of evicted entries.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, conv := range r.conversations {
		conv.mu.Lock()
		idle := conv.state == StateIdle && len(conv.queue) == 0 && conv.lastActivity.Before(cutoff)
		conv.mu.Unlock()
		if idle {
			delete(r.conversations, key)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("evicted idle conversations", slog.Int("count", evicted))
	}
	return evicted
}
