// Package channel provides a unified abstraction for multi-platform messaging channels.
// It defines types, interfaces, and a registry for channel adapters such as Telegram and Discord.
package channel

import (
	"strings"
	"time"
)

// Provider identifies a messaging platform (e.g., "telegram", "discord").
type Provider string

const (
	ProviderTelegram Provider = "telegram"
	ProviderDiscord  Provider = "discord"
	ProviderWhatsApp Provider = "whatsapp"
	ProviderWebsite  Provider = "website"
)

// String returns the provider as a plain string.
func (p Provider) String() string {
	return string(p)
}

// NormalizeProvider lowercases and trims a raw provider string.
func NormalizeProvider(raw string) Provider {
	return Provider(strings.TrimSpace(strings.ToLower(raw)))
}

// Format indicates how outbound text should be rendered.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// AttachmentKind classifies the kind of attachment reference.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
	AttachmentVoice AttachmentKind = "voice"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a by-reference pointer to platform-hosted content.
// The gateway never downloads attachment bytes; it forwards the reference.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URI  string         `json:"uri"`
	Name string         `json:"name,omitempty"`
	Mime string         `json:"mime,omitempty"`
}

// HasReference reports whether the attachment carries a usable URI.
func (a Attachment) HasReference() bool {
	return strings.TrimSpace(a.URI) != ""
}

// ContentKind discriminates the content variant of an inbound message.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentAttachment ContentKind = "attachment"
	ContentMixed      ContentKind = "mixed"
)

// Content is the body of an inbound message: text, attachment references,
// or a mix of both.
type Content struct {
	Kind        ContentKind  `json:"kind"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TextContent builds a plain text content value.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// BuildContent classifies text and attachments into the right content variant.
func BuildContent(text string, attachments []Attachment) Content {
	text = strings.TrimSpace(text)
	switch {
	case text != "" && len(attachments) > 0:
		return Content{Kind: ContentMixed, Text: text, Attachments: attachments}
	case len(attachments) > 0:
		return Content{Kind: ContentAttachment, Attachments: attachments}
	default:
		return Content{Kind: ContentText, Text: text}
	}
}

// IsEmpty reports whether the content carries neither text nor attachments.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

// PlainText returns the trimmed text portion of the content.
func (c Content) PlainText() string {
	return strings.TrimSpace(c.Text)
}

// InboundMessage is a normalized message received from a platform adapter.
type InboundMessage struct {
	Provider   Provider       `json:"provider"`
	ChatID     string         `json:"chat_id"`
	MessageID  string         `json:"message_id"`
	AuthorID   string         `json:"author_id"`
	AuthorName string         `json:"author_name,omitempty"`
	Content    Content        `json:"content"`
	ReceivedAt time.Time      `json:"received_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ConversationKey returns the stable serialization key for this message.
// Format: provider:chat_id. All messages sharing a key are processed in order.
func (m InboundMessage) ConversationKey() string {
	return GenerateConversationKey(m.Provider, m.ChatID)
}

// GenerateConversationKey builds a conversation key from provider and chat id.
func GenerateConversationKey(provider Provider, chatID string) string {
	return provider.String() + ":" + strings.TrimSpace(chatID)
}

// MetaString returns the trimmed string metadata value for key, or "".
func (m InboundMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	value, _ := m.Metadata[key].(string)
	return strings.TrimSpace(value)
}

// MetaBool returns the boolean metadata value for key, or false.
func (m InboundMessage) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	value, _ := m.Metadata[key].(bool)
	return value
}

// MetaStrings returns the string-slice metadata value for key, or nil.
func (m InboundMessage) MetaStrings(key string) []string {
	if m.Metadata == nil {
		return nil
	}
	switch value := m.Metadata[key].(type) {
	case []string:
		return value
	case []any:
		items := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				items = append(items, strings.TrimSpace(s))
			}
		}
		return items
	default:
		return nil
	}
}

// OutboundMessage pairs a delivery target with rendered reply text.
type OutboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Format Format `json:"format,omitempty"`
}

// IsEmpty reports whether the outbound message carries no text.
func (m OutboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == ""
}

// RawAuthor is the unprocessed author info attached to a RawEvent.
type RawAuthor struct {
	ID          string
	DisplayName string
	IsBot       bool
}

// RawChat is the unprocessed chat info attached to a RawEvent.
type RawChat struct {
	ID   string
	Kind string // "private", "group", "channel" or platform-specific
	Name string
}

// RawEventKind labels the platform interaction carried by a RawEvent.
type RawEventKind string

const (
	RawEventMessage     RawEventKind = "message"
	RawEventInteraction RawEventKind = "interaction" // edits, reactions, joins and other non-message events
)

// RawEvent is the adapter-level payload handed to the inbound normalizer.
// Adapters map platform updates into this shape without deciding policy;
// the normalizer decides what is dropped, rejected, or accepted.
type RawEvent struct {
	Provider    Provider
	Kind        RawEventKind
	MessageID   string
	Author      RawAuthor
	Chat        RawChat
	Text        string
	Attachments []Attachment
	ReceivedAt  time.Time
	Metadata    map[string]any
}
