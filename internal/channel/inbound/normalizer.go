// Package inbound converts raw adapter events into normalized inbound messages.
package inbound

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/channel"
)

// ErrFiltered marks events the gateway drops silently: non-message
// interactions and messages authored by bots not on the allow-list.
var ErrFiltered = errors.New("inbound event filtered")

// NormalizationError marks a malformed payload. The message is dropped and
// logged; no reply is produced.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("inbound normalization failed: %s", e.Reason)
}

// Normalizer validates raw adapter events and maps them into InboundMessage.
type Normalizer struct {
	logger      *slog.Logger
	allowedBots map[string]struct{}
}

// NewNormalizer creates a Normalizer. allowedBots lists bot author IDs that
// may pass the bot-author filter.
func NewNormalizer(logger *slog.Logger, allowedBots []string) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(allowedBots))
	for _, id := range allowedBots {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &Normalizer{
		logger:      logger.With(slog.String("component", "inbound_normalizer")),
		allowedBots: allowed,
	}
}

// Normalize converts a raw event into an InboundMessage. It returns
// ErrFiltered for events the gateway ignores by policy and a
// *NormalizationError for malformed payloads.
func (n *Normalizer) Normalize(event channel.RawEvent) (channel.InboundMessage, error) {
	if event.Kind != channel.RawEventMessage {
		return channel.InboundMessage{}, ErrFiltered
	}
	if event.Author.IsBot {
		if _, ok := n.allowedBots[strings.TrimSpace(event.Author.ID)]; !ok {
			return channel.InboundMessage{}, ErrFiltered
		}
	}
	if isGroupChat(event.Chat.Kind) && !isAddressedToBot(event.Metadata) {
		return channel.InboundMessage{}, ErrFiltered
	}
	if strings.TrimSpace(event.Author.ID) == "" {
		return channel.InboundMessage{}, &NormalizationError{Reason: "missing author id"}
	}
	if strings.TrimSpace(event.Chat.ID) == "" {
		return channel.InboundMessage{}, &NormalizationError{Reason: "missing chat id"}
	}
	if strings.TrimSpace(event.MessageID) == "" {
		return channel.InboundMessage{}, &NormalizationError{Reason: "missing message id"}
	}
	attachments := normalizeAttachments(event.Attachments)
	content := channel.BuildContent(event.Text, attachments)
	if content.IsEmpty() {
		return channel.InboundMessage{}, &NormalizationError{Reason: "empty content"}
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if event.Chat.Kind != "" {
		metadata["chat_type"] = event.Chat.Kind
	}
	return channel.InboundMessage{
		Provider:   event.Provider,
		ChatID:     strings.TrimSpace(event.Chat.ID),
		MessageID:  strings.TrimSpace(event.MessageID),
		AuthorID:   strings.TrimSpace(event.Author.ID),
		AuthorName: strings.TrimSpace(event.Author.DisplayName),
		Content:    content,
		ReceivedAt: receivedAt,
		Metadata:   metadata,
	}, nil
}

// isGroupChat reports whether the chat kind is a shared room where the bot
// only answers when addressed. Direct chats always get a reply.
func isGroupChat(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "group", "supergroup", "guild":
		return true
	default:
		return false
	}
}

func isAddressedToBot(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	if mentioned, ok := metadata["is_mentioned"].(bool); ok && mentioned {
		return true
	}
	if reply, ok := metadata["is_reply_to_bot"].(bool); ok && reply {
		return true
	}
	return false
}

func normalizeAttachments(attachments []channel.Attachment) []channel.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	normalized := make([]channel.Attachment, 0, len(attachments))
	for _, att := range attachments {
		att.URI = strings.TrimSpace(att.URI)
		if !att.HasReference() {
			continue
		}
		if att.Kind == "" {
			att.Kind = channel.AttachmentFile
		}
		normalized = append(normalized, att)
	}
	return normalized
}
