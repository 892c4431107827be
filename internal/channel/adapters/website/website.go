// Package website implements the website chat adapter: a JWT-guarded
// websocket endpoint where each socket is its own conversation.
package website

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/channel"
)

// Type is the channel type this adapter serves.
const Type = channel.ProviderWebsite

// SocketPath is where browsers open the chat websocket.
const SocketPath = "/ws/chat"

const websiteMaxMessageLength = 4096

// Config holds the website channel settings.
type Config struct {
	JWTSecret      string
	AllowedOrigins []string
}

// Adapter is the website channel adapter. Inbound traffic arrives through
// the websocket route (see Register); outbound frames go back over
// the same socket, keyed by session id.
type Adapter struct {
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handler  channel.InboundHandler
	connCtx  context.Context
	sessions map[string]*session
}

type session struct {
	id       string
	userID   string
	userName string

	mu   sync.Mutex
	conn *websocket.Conn
}

// clientFrame is what the browser sends over the socket.
type clientFrame struct {
	Type          string   `json:"type"`
	Text          string   `json:"text,omitempty"`
	CurrentPage   string   `json:"current_page,omitempty"`
	AttachedPages []string `json:"attached_pages,omitempty"`
}

// serverFrame is what the gateway sends back.
type serverFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// NewAdapter creates a website adapter for the given settings.
func NewAdapter(logger *slog.Logger, cfg Config) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		logger:   logger.With(slog.String("adapter", Type.String())),
		cfg:      cfg,
		sessions: map[string]*session{},
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

func (a *Adapter) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if strings.EqualFold(origin, strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

// Type returns the channel type.
func (a *Adapter) Type() channel.Provider {
	return Type
}

// Descriptor returns the adapter metadata. The website widget renders plain
// text and shows a typing indicator frame.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Website",
		Capabilities: channel.Capabilities{
			Markdown: false,
			Typing:   true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: websiteMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeText,
		},
	}
}

// Register mounts the websocket endpoint behind JWT auth. Browsers
// pass the token as a query parameter since they cannot set headers on
// websocket upgrades.
func (a *Adapter) Register(e *echo.Echo) {
	e.GET(SocketPath, a.handleSocket, auth.JWTMiddleware(a.cfg.JWTSecret, nil))
}

// Connect validates the settings and arms the websocket dispatch. The actual
// listener is the HTTP server; this adapter only holds the handler.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("website jwt secret is required: %w", channel.ErrAuth)
	}
	a.mu.Lock()
	a.handler = handler
	a.connCtx = ctx
	a.mu.Unlock()
	a.logger.Info("start", slog.String("path", SocketPath))

	stop := func(_ context.Context) error {
		a.logger.Info("stop")
		a.mu.Lock()
		a.handler = nil
		a.connCtx = nil
		sessions := a.sessions
		a.sessions = map[string]*session{}
		a.mu.Unlock()
		for _, sess := range sessions {
			sess.close()
		}
		return nil
	}
	return channel.NewConnection(Type, stop), nil
}

func (a *Adapter) handleSocket(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	userName := auth.DisplayNameFromContext(c)

	conn, err := a.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}

	sess := &session{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		conn:     conn,
	}
	a.mu.Lock()
	a.sessions[sess.id] = sess
	a.mu.Unlock()
	a.logger.Info("session connected",
		slog.String("session_id", sess.id),
		slog.String("user_id", userID))

	// Tell the widget its session id before any chat traffic.
	if err := sess.write(serverFrame{Type: "session", SessionID: sess.id}); err != nil {
		a.logger.Warn("session hello failed", slog.Any("error", err))
	}

	defer func() {
		a.mu.Lock()
		delete(a.sessions, sess.id)
		a.mu.Unlock()
		sess.close()
		a.logger.Info("session disconnected", slog.String("session_id", sess.id))
	}()

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			return nil
		}
		switch frame.Type {
		case "message":
			a.dispatch(a.mapFrame(sess, frame))
		case "typing":
			a.logger.Debug("client typing", slog.String("session_id", sess.id))
		default:
			a.logger.Debug("ignoring frame", slog.String("type", frame.Type))
		}
	}
}

func (a *Adapter) mapFrame(sess *session, frame clientFrame) channel.RawEvent {
	metadata := map[string]any{}
	if page := strings.TrimSpace(frame.CurrentPage); page != "" {
		metadata["current_page"] = page
	}
	if len(frame.AttachedPages) > 0 {
		metadata["attached_pages"] = frame.AttachedPages
	}
	return channel.RawEvent{
		Provider:  Type,
		Kind:      channel.RawEventMessage,
		MessageID: uuid.NewString(),
		Text:      strings.TrimSpace(frame.Text),
		Author: channel.RawAuthor{
			ID:          sess.userID,
			DisplayName: sess.userName,
		},
		Chat: channel.RawChat{
			ID:   sess.id,
			Kind: "private",
		},
		Metadata:   metadata,
		ReceivedAt: time.Now().UTC(),
	}
}

// dispatch hands a raw event to the connected handler, if any.
func (a *Adapter) dispatch(event channel.RawEvent) {
	a.mu.Lock()
	handler := a.handler
	ctx := a.connCtx
	a.mu.Unlock()
	if handler == nil {
		a.logger.Warn("websocket event dropped, adapter not connected")
		return
	}
	go func() {
		if err := handler(ctx, event); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}()
}

func (a *Adapter) sessionFor(chatID string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[chatID]
	if !ok {
		return nil, fmt.Errorf("website session %s is not connected", chatID)
	}
	return sess, nil
}

// Send delivers one outbound text frame to the session socket.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	sess, err := a.sessionFor(msg.ChatID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("message is required")
	}
	if err := sess.write(serverFrame{Type: "message", Text: msg.Text}); err != nil {
		return fmt.Errorf("website send: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator in the widget.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	sess, err := a.sessionFor(chatID)
	if err != nil {
		return err
	}
	return sess.write(serverFrame{Type: "typing"})
}

func (s *session) write(frame serverFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Close()
}
