// Package handlers holds the HTTP API handlers mounted on the gateway server.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/memory"
)

// MemoryHandler exposes working memory reads and writes for the authenticated
// user, so the site backend can seed fields like preferences or the current
// page before a chat starts.
type MemoryHandler struct {
	logger    *slog.Logger
	service   *memory.Service
	jwtSecret string
}

type workingMemoryWritePayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Field           string `json:"field"`
	Value           string `json:"value"`
}

// NewMemoryHandler creates a MemoryHandler guarded by the given JWT secret.
func NewMemoryHandler(log *slog.Logger, service *memory.Service, jwtSecret string) *MemoryHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryHandler{
		logger:    log.With(slog.String("handler", "memory")),
		service:   service,
		jwtSecret: jwtSecret,
	}
}

// Register registers the working-memory routes behind JWT auth.
func (h *MemoryHandler) Register(e *echo.Echo) {
	group := e.Group("/api/memory", auth.JWTMiddleware(h.jwtSecret, nil))
	group.GET("/working", h.GetWorking)
	group.PUT("/working", h.SetWorking)
}

// GetWorking returns the caller's working-memory fields.
func (h *MemoryHandler) GetWorking(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	conversationKey := strings.TrimSpace(c.QueryParam("conversation_key"))
	fields := h.service.WorkingMemory(c.Request().Context(), userID, conversationKey)
	if fields == nil {
		fields = map[string]string{}
	}
	return c.JSON(http.StatusOK, fields)
}

// SetWorking stores one working-memory field for the caller.
func (h *MemoryHandler) SetWorking(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var payload workingMemoryWritePayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	field := strings.TrimSpace(payload.Field)
	if field == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field is required")
	}
	h.service.SetWorkingMemory(c.Request().Context(), userID, payload.ConversationKey, field, payload.Value)
	h.logger.Debug("working memory updated",
		slog.String("user_id", userID),
		slog.String("field", field))
	return c.NoContent(http.StatusNoContent)
}
