package whatsapp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/internal/channel"
)

// WebhookPath is where the Cloud API delivers events.
const WebhookPath = "/webhooks/whatsapp"

// Register mounts the webhook verification and delivery endpoints.
func (a *Adapter) Register(e *echo.Echo) {
	e.GET(WebhookPath, a.handleVerify)
	e.POST(WebhookPath, a.handleDelivery)
}

// handleVerify answers the Cloud API subscription handshake.
func (a *Adapter) handleVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode != "subscribe" || token != a.cfg.VerifyToken {
		a.logger.Warn("webhook verification rejected", slog.String("mode", mode))
		return c.NoContent(http.StatusForbidden)
	}
	return c.String(http.StatusOK, challenge)
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *webhookMedia `json:"image"`
	Document *webhookMedia `json:"document"`
	Audio    *webhookMedia `json:"audio"`
	Video    *webhookMedia `json:"video"`
}

type webhookMedia struct {
	Link     string `json:"link"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
}

// handleDelivery maps Cloud API message events into raw events. Status
// updates and other change kinds carry no messages and are acknowledged
// without dispatch.
func (a *Adapter) handleDelivery(c echo.Context) error {
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil {
		a.logger.Warn("webhook payload decode failed", slog.Any("error", err))
		return c.NoContent(http.StatusOK)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				a.dispatch(mapWebhookMessage(msg, names[msg.From]))
			}
		}
	}
	return c.NoContent(http.StatusOK)
}

func mapWebhookMessage(msg webhookMessage, authorName string) channel.RawEvent {
	event := channel.RawEvent{
		Provider:  Type,
		Kind:      channel.RawEventMessage,
		MessageID: msg.ID,
		Author: channel.RawAuthor{
			ID:          msg.From,
			DisplayName: authorName,
		},
		Chat: channel.RawChat{
			ID:   msg.From,
			Kind: "private",
		},
		ReceivedAt: parseTimestamp(msg.Timestamp),
	}
	if msg.Type != "text" && msg.Type != "image" && msg.Type != "document" &&
		msg.Type != "audio" && msg.Type != "video" {
		// Reactions, locations, and system notices are not chat messages.
		event.Kind = channel.RawEventInteraction
		return event
	}
	if msg.Text != nil {
		event.Text = strings.TrimSpace(msg.Text.Body)
	}
	appendMedia := func(kind channel.AttachmentKind, media *webhookMedia) {
		if media == nil || strings.TrimSpace(media.Link) == "" {
			return
		}
		event.Attachments = append(event.Attachments, channel.Attachment{
			Kind: kind,
			URI:  media.Link,
			Name: media.Filename,
			Mime: media.MimeType,
		})
	}
	appendMedia(channel.AttachmentImage, msg.Image)
	appendMedia(channel.AttachmentFile, msg.Document)
	appendMedia(channel.AttachmentAudio, msg.Audio)
	appendMedia(channel.AttachmentVideo, msg.Video)
	return event
}

func parseTimestamp(raw string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Now()
	}
	return time.Unix(seconds, 0).UTC()
}
