// Package telegram implements the Telegram channel adapter using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/parleyhq/parley/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.ProviderTelegram

const telegramMaxMessageLength = 4096

// Config holds the Telegram bot credentials.
type Config struct {
	BotToken string
}

// Adapter is the Telegram channel adapter.
type Adapter struct {
	logger *slog.Logger
	cfg    Config

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewAdapter creates a Telegram adapter for the given bot token.
func NewAdapter(logger *slog.Logger, cfg Config) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With(slog.String("adapter", Type.String())),
		cfg:    cfg,
	}
}

// Type returns the channel type.
func (a *Adapter) Type() channel.Provider {
	return Type
}

// Descriptor returns the adapter metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Markdown: true,
			Typing:   true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: telegramMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

func (a *Adapter) getBot() (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required: %w", channel.ErrAuth)
	}
	// NewBotAPI performs a getMe call, so a rejected token fails here.
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe failed: %w: %w", channel.ErrAuth, err)
	}
	a.bot = bot
	return bot, nil
}

// Connect starts long-polling for Telegram updates and forwards raw events to the handler.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	bot, err := a.getBot()
	if err != nil {
		return nil, err
	}
	a.logger.Info("start", slog.String("bot", bot.Self.UserName))

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed")
					return
				}
				event := a.mapUpdate(bot, update)
				go func() {
					if err := handler(connCtx, event); err != nil {
						a.logger.Error("handle inbound failed", slog.Any("error", err))
					}
				}()
			}
		}
	}()

	stop := func(_ context.Context) error {
		a.logger.Info("stop")
		bot.StopReceivingUpdates()
		cancel()
		// Drain remaining updates so the library's polling goroutine can
		// finish writing and exit. Without this, the in-flight long-poll
		// request keeps the old getUpdates session alive, causing
		// "Conflict: terminated by other getUpdates request" on reconnect.
		for range updates {
		}
		return nil
	}
	return channel.NewConnection(Type, stop), nil
}

func (a *Adapter) mapUpdate(bot *tgbotapi.BotAPI, update tgbotapi.Update) channel.RawEvent {
	msg := update.Message
	if msg == nil {
		// Edits, channel posts, and callback queries are surfaced as
		// interactions so the normalizer filters them in one place.
		return channel.RawEvent{
			Provider:   Type,
			Kind:       channel.RawEventInteraction,
			ReceivedAt: time.Now(),
		}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	event := channel.RawEvent{
		Provider:    Type,
		Kind:        channel.RawEventMessage,
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        text,
		Attachments: a.collectAttachments(bot, msg),
		ReceivedAt:  time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		event.Author = channel.RawAuthor{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			DisplayName: telegramDisplayName(msg.From),
			IsBot:       msg.From.IsBot,
		}
	}
	if msg.Chat != nil {
		event.Chat = channel.RawChat{
			ID:   strconv.FormatInt(msg.Chat.ID, 10),
			Kind: strings.TrimSpace(msg.Chat.Type),
			Name: strings.TrimSpace(msg.Chat.Title),
		}
	}
	isReplyToBot := msg.ReplyToMessage != nil &&
		msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == bot.Self.ID
	event.Metadata = map[string]any{
		"is_mentioned":    isBotMentioned(msg, bot.Self.UserName),
		"is_reply_to_bot": isReplyToBot,
	}
	return event
}

func telegramDisplayName(user *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	if name != "" {
		return name
	}
	return strings.TrimSpace(user.UserName)
}

func isBotMentioned(msg *tgbotapi.Message, botUserName string) bool {
	botUserName = strings.TrimSpace(botUserName)
	if botUserName == "" {
		return false
	}
	mention := "@" + botUserName
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	// Entity offsets and lengths count UTF-16 code units, so text before the
	// mention containing surrogate pairs shifts them past the rune indices.
	units := utf16.Encode([]rune(text))
	for _, entity := range append(msg.Entities, msg.CaptionEntities...) {
		if entity.Type != "mention" {
			continue
		}
		start := entity.Offset
		end := entity.Offset + entity.Length
		if start < 0 || start > end || end > len(units) {
			continue
		}
		if strings.EqualFold(string(utf16.Decode(units[start:end])), mention) {
			return true
		}
	}
	return false
}

func (a *Adapter) collectAttachments(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) []channel.Attachment {
	var attachments []channel.Attachment
	appendFile := func(kind channel.AttachmentKind, fileID, name, mime string) {
		url, err := bot.GetFileDirectURL(fileID)
		if err != nil {
			a.logger.Warn("resolve attachment url failed", slog.Any("error", err))
			return
		}
		attachments = append(attachments, channel.Attachment{
			Kind: kind,
			URI:  url,
			Name: name,
			Mime: mime,
		})
	}
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		appendFile(channel.AttachmentImage, best.FileID, "", "")
	}
	if msg.Document != nil {
		appendFile(channel.AttachmentFile, msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType)
	}
	if msg.Voice != nil {
		appendFile(channel.AttachmentVoice, msg.Voice.FileID, "", msg.Voice.MimeType)
	}
	if msg.Audio != nil {
		appendFile(channel.AttachmentAudio, msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType)
	}
	if msg.Video != nil {
		appendFile(channel.AttachmentVideo, msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType)
	}
	return attachments
}

// Send delivers one outbound text message to a Telegram chat.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	bot, err := a.getBot()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	text := truncateText(sanitizeText(msg.Text))
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	message := tgbotapi.NewMessage(chatID, text)
	if msg.Format == channel.FormatMarkdown {
		message.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := bot.Send(message); err != nil {
		if isTooManyRequests(err) {
			return fmt.Errorf("telegram send: %w", &channel.RateLimitError{RetryAfter: retryAfterOf(err)})
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendTyping shows the "typing" chat action.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	bot, err := a.getBot()
	if err != nil {
		return err
	}
	chatIDInt, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	action := tgbotapi.NewChatAction(chatIDInt, tgbotapi.ChatTyping)
	_, err = bot.Request(action)
	return err
}

func isTooManyRequests(err error) bool {
	var apiErr tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 429
}

func retryAfterOf(err error) time.Duration {
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

// sanitizeText ensures text is valid UTF-8 for the Telegram API. Invalid byte
// sequences from chunk boundaries are stripped.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateText truncates text to the Telegram message limit on a valid UTF-8
// rune boundary, appending "..." when truncation occurs.
func truncateText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}
