// Package whatsapp implements the WhatsApp channel adapter over the Cloud API:
// an inbound webhook plus JSON-over-HTTP sends.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.ProviderWhatsApp

const whatsappMaxMessageLength = 4096

const defaultAPIBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the Cloud API credentials.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	APIBaseURL    string
}

// Adapter is the WhatsApp channel adapter. Inbound traffic arrives through
// the webhook routes (see Register); outbound goes to the Cloud API.
type Adapter struct {
	logger *slog.Logger
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	handler channel.InboundHandler
	connCtx context.Context
}

// NewAdapter creates a WhatsApp adapter for the given Cloud API credentials.
func NewAdapter(logger *slog.Logger, cfg Config) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return &Adapter{
		logger: logger.With(slog.String("adapter", Type.String())),
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Type returns the channel type.
func (a *Adapter) Type() channel.Provider {
	return Type
}

// Descriptor returns the adapter metadata. WhatsApp renders plain text only
// and has no typing indicator in the Cloud API.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "WhatsApp",
		Capabilities: channel.Capabilities{
			Markdown: false,
			Typing:   false,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: whatsappMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeText,
		},
	}
}

// Connect validates credentials and arms the webhook dispatch. The actual
// listener is the HTTP server; this adapter only holds the handler.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if strings.TrimSpace(a.cfg.AccessToken) == "" || strings.TrimSpace(a.cfg.PhoneNumberID) == "" {
		return nil, fmt.Errorf("whatsapp access token and phone number id are required: %w", channel.ErrAuth)
	}
	a.mu.Lock()
	a.handler = handler
	a.connCtx = ctx
	a.mu.Unlock()
	a.logger.Info("start", slog.String("phone_number_id", a.cfg.PhoneNumberID))

	stop := func(_ context.Context) error {
		a.logger.Info("stop")
		a.mu.Lock()
		a.handler = nil
		a.connCtx = nil
		a.mu.Unlock()
		return nil
	}
	return channel.NewConnection(Type, stop), nil
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             sendTextBody `json:"text"`
}

type sendTextBody struct {
	Body string `json:"body"`
}

// Send delivers one outbound text message through the Cloud API.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	text := truncateText(msg.Text)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimSpace(msg.ChatID),
		Type:             "text",
		Text:             sendTextBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("encode whatsapp message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", a.cfg.APIBaseURL, a.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("whatsapp send rejected (%d): %w", resp.StatusCode, channel.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("whatsapp send: %w", &channel.RateLimitError{RetryAfter: retryAfterHeader(resp)})
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp send failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func truncateText(text string) string {
	runes := []rune(text)
	if len(runes) <= whatsappMaxMessageLength {
		return text
	}
	return string(runes[:whatsappMaxMessageLength-3]) + "..."
}

// dispatch hands a raw event to the connected handler, if any.
func (a *Adapter) dispatch(event channel.RawEvent) {
	a.mu.Lock()
	handler := a.handler
	ctx := a.connCtx
	a.mu.Unlock()
	if handler == nil {
		a.logger.Warn("webhook event dropped, adapter not connected")
		return
	}
	go func() {
		if err := handler(ctx, event); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}()
}
