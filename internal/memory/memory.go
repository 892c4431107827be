// Package memory provides per-conversation history and working memory over
// pluggable backing stores.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Role labels who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one exchange line in a conversation's history ring.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Scope selects what identity working memory is keyed by.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeConversation Scope = "conversation"
)

// DefaultHistoryLimit bounds the history ring when no limit is configured.
const DefaultHistoryLimit = 20

// Store is the backing storage contract. Implementations must be safe for
// concurrent use.
type Store interface {
	AppendHistory(ctx context.Context, key string, entry Entry) error
	// History returns up to limit entries, oldest first.
	History(ctx context.Context, key string, limit int) ([]Entry, error)
	SetWorkingMemory(ctx context.Context, scopeID, field, value string) error
	WorkingMemory(ctx context.Context, scopeID string) (map[string]string, error)
}

// Options configures the Service facade.
type Options struct {
	HistoryEnabled       bool
	HistoryLimit         int
	WorkingMemoryEnabled bool
	WorkingMemoryScope   Scope
}

// Service wraps a Store with the gateway's memory policy: bounded history,
// scope resolution, and best-effort writes that never fail the reply path.
type Service struct {
	logger *slog.Logger
	store  Store
	opts   Options
}

// NewService creates a Service over the given store.
func NewService(logger *slog.Logger, store Store, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.WorkingMemoryScope == "" {
		opts.WorkingMemoryScope = ScopeUser
	}
	return &Service{
		logger: logger.With(slog.String("component", "memory")),
		store:  store,
		opts:   opts,
	}
}

// Remember appends an exchange line to the conversation's history ring.
// Failures are logged and swallowed; memory writes never block a reply.
func (s *Service) Remember(ctx context.Context, key string, role Role, content string) {
	if !s.opts.HistoryEnabled {
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	entry := Entry{Role: role, Content: content, CreatedAt: time.Now()}
	if err := s.store.AppendHistory(ctx, key, entry); err != nil {
		s.logger.Warn("history append failed",
			slog.String("key", key),
			slog.Any("error", err))
	}
}

// History returns the bounded recent history for a conversation, oldest
// first. Read failures are logged and yield an empty history.
func (s *Service) History(ctx context.Context, key string) []Entry {
	if !s.opts.HistoryEnabled {
		return nil
	}
	entries, err := s.store.History(ctx, key, s.opts.HistoryLimit)
	if err != nil {
		s.logger.Warn("history read failed",
			slog.String("key", key),
			slog.Any("error", err))
		return nil
	}
	return entries
}

// SetWorkingMemory stores a working-memory field for the resolved scope.
// Failures are logged and swallowed.
func (s *Service) SetWorkingMemory(ctx context.Context, userID, conversationKey, field, value string) {
	if !s.opts.WorkingMemoryEnabled {
		return
	}
	scopeID := s.resolveScopeID(userID, conversationKey)
	if scopeID == "" {
		return
	}
	if err := s.store.SetWorkingMemory(ctx, scopeID, field, value); err != nil {
		s.logger.Warn("working memory write failed",
			slog.String("scope_id", scopeID),
			slog.Any("error", err))
	}
}

// WorkingMemory returns the working-memory fields for the resolved scope.
func (s *Service) WorkingMemory(ctx context.Context, userID, conversationKey string) map[string]string {
	if !s.opts.WorkingMemoryEnabled {
		return nil
	}
	scopeID := s.resolveScopeID(userID, conversationKey)
	if scopeID == "" {
		return nil
	}
	fields, err := s.store.WorkingMemory(ctx, scopeID)
	if err != nil {
		s.logger.Warn("working memory read failed",
			slog.String("scope_id", scopeID),
			slog.Any("error", err))
		return nil
	}
	return fields
}

func (s *Service) resolveScopeID(userID, conversationKey string) string {
	switch s.opts.WorkingMemoryScope {
	case ScopeConversation:
		return strings.TrimSpace(conversationKey)
	default:
		return strings.TrimSpace(userID)
	}
}
