// Package discord implements the Discord channel adapter over a gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/parleyhq/parley/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.ProviderDiscord

const discordMaxMessageLength = 2000

// inboundDedupTTL bounds how long message IDs are remembered for duplicate
// suppression. Discord redelivers events after gateway reconnects.
const inboundDedupTTL = time.Minute

// Config holds the Discord bot credentials.
type Config struct {
	BotToken string
}

// Adapter is the Discord channel adapter.
type Adapter struct {
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	session *discordgo.Session
	seen    map[string]time.Time
}

// NewAdapter creates a Discord adapter for the given bot token.
func NewAdapter(logger *slog.Logger, cfg Config) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With(slog.String("adapter", Type.String())),
		cfg:    cfg,
		seen:   map[string]time.Time{},
	}
}

// Type returns the channel type.
func (a *Adapter) Type() channel.Provider {
	return Type
}

// Descriptor returns the adapter metadata. Replies go out as plain text;
// Discord chats reach users who may relay to constrained surfaces.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
		Capabilities: channel.Capabilities{
			Markdown: false,
			Typing:   true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: discordMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeText,
		},
	}
}

func (a *Adapter) getSession() (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required: %w", channel.ErrAuth)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	a.session = session
	return session, nil
}

// Connect opens the gateway session and forwards message events to the handler.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	session, err := a.getSession()
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithCancel(ctx)

	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil {
			return
		}
		if a.isDuplicateInbound(m.ID) {
			return
		}
		event := a.mapMessage(s, m.Message)
		go func() {
			if err := handler(connCtx, event); err != nil {
				a.logger.Error("handle inbound failed", slog.Any("error", err))
			}
		}()
	})

	if err := session.Open(); err != nil {
		remove()
		cancel()
		// The gateway closes with an authentication code when the token is
		// rejected; surface every open failure as fatal for this adapter.
		return nil, fmt.Errorf("open discord gateway: %w: %w", channel.ErrAuth, err)
	}
	a.logger.Info("start", slog.String("bot", session.State.User.Username))

	stop := func(_ context.Context) error {
		a.logger.Info("stop")
		remove()
		cancel()
		return session.Close()
	}
	return channel.NewConnection(Type, stop), nil
}

func (a *Adapter) mapMessage(s *discordgo.Session, msg *discordgo.Message) channel.RawEvent {
	event := channel.RawEvent{
		Provider:    Type,
		Kind:        channel.RawEventMessage,
		MessageID:   msg.ID,
		Text:        strings.TrimSpace(msg.Content),
		Attachments: collectAttachments(msg),
		ReceivedAt:  msg.Timestamp,
	}
	if msg.Author != nil {
		event.Author = channel.RawAuthor{
			ID:          msg.Author.ID,
			DisplayName: msg.Author.Username,
			IsBot:       msg.Author.Bot,
		}
	}
	chatKind := "private"
	if strings.TrimSpace(msg.GuildID) != "" {
		chatKind = "group"
	}
	event.Chat = channel.RawChat{
		ID:   msg.ChannelID,
		Kind: chatKind,
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	event.Metadata = map[string]any{
		"is_mentioned":    isBotMentioned(msg, botID),
		"is_reply_to_bot": isReplyToBot(msg, botID),
	}
	return event
}

func collectAttachments(msg *discordgo.Message) []channel.Attachment {
	if len(msg.Attachments) == 0 {
		return nil
	}
	attachments := make([]channel.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att == nil || strings.TrimSpace(att.URL) == "" {
			continue
		}
		kind := channel.AttachmentFile
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = channel.AttachmentImage
		case strings.HasPrefix(att.ContentType, "audio/"):
			kind = channel.AttachmentAudio
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = channel.AttachmentVideo
		}
		attachments = append(attachments, channel.Attachment{
			Kind: kind,
			URI:  att.URL,
			Name: att.Filename,
			Mime: att.ContentType,
		})
	}
	return attachments
}

func isBotMentioned(msg *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, user := range msg.Mentions {
		if user != nil && user.ID == botID {
			return true
		}
	}
	return false
}

func isReplyToBot(msg *discordgo.Message, botID string) bool {
	if botID == "" || msg.ReferencedMessage == nil || msg.ReferencedMessage.Author == nil {
		return false
	}
	return msg.ReferencedMessage.Author.ID == botID
}

// isDuplicateInbound remembers recent message IDs and reports redeliveries.
func (a *Adapter) isDuplicateInbound(messageID string) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	expireBefore := now.Add(-inboundDedupTTL)
	for id, seenAt := range a.seen {
		if seenAt.Before(expireBefore) {
			delete(a.seen, id)
		}
	}
	if _, ok := a.seen[messageID]; ok {
		return true
	}
	a.seen[messageID] = now
	return false
}

// Send delivers one outbound text message to a Discord channel.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	session, err := a.getSession()
	if err != nil {
		return err
	}
	text := truncateText(msg.Text)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	if _, err := session.ChannelMessageSend(msg.ChatID, text); err != nil {
		var rateErr *discordgo.RateLimitError
		if errors.As(err, &rateErr) {
			return fmt.Errorf("discord send: %w", &channel.RateLimitError{RetryAfter: rateErr.RetryAfter})
		}
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in a channel.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	session, err := a.getSession()
	if err != nil {
		return err
	}
	return session.ChannelTyping(chatID)
}

func truncateText(text string) string {
	runes := []rune(text)
	if len(runes) <= discordMaxMessageLength {
		return text
	}
	return string(runes[:discordMaxMessageLength-3]) + "..."
}
