package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const invokeStreamMaxLineBytes = 1 << 20

// HTTPInvoker talks to the agent gateway over newline-delimited JSON. Each
// response line is one wire event mapped onto an Event.
type HTTPInvoker struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker for the given gateway base URL.
func NewHTTPInvoker(logger *slog.Logger, baseURL string) *HTTPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInvoker{
		logger:  logger.With(slog.String("component", "agent_invoker")),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			// No overall timeout: runs stream for as long as the agent works.
			Timeout: 0,
		},
	}
}

type invokeWireRequest struct {
	Task          Task              `json:"task"`
	Message       string            `json:"message"`
	Context       AppContext        `json:"context"`
	History       []historyWireItem `json:"history,omitempty"`
	WorkingMemory map[string]string `json:"working_memory,omitempty"`
	Strategy      string            `json:"strategy,omitempty"`
	Attachments   []wireAttachment  `json:"attachments,omitempty"`
}

type historyWireItem struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type wireAttachment struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Mime string `json:"mime,omitempty"`
}

type wireEvent struct {
	Type  string          `json:"type"`
	Delta string          `json:"delta,omitempty"`
	Text  string          `json:"text,omitempty"`
	Final string          `json:"final,omitempty"`
	Tool  *ToolCall       `json:"tool,omitempty"`
	Error *wireEventError `json:"error,omitempty"`
}

type wireEventError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Invoke posts the request and streams wire events into req.OnEvent until the
// response body ends.
func (h *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) error {
	body, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return fmt.Errorf("encode invoke request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), invokeStreamMaxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal(line, &wire); err != nil {
			h.logger.Warn("skipping malformed stream line", slog.Any("error", err))
			continue
		}
		if ev, ok := mapWireEvent(wire); ok && req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read agent stream: %w", err)
	}
	return nil
}

func buildWireRequest(req InvokeRequest) invokeWireRequest {
	history := make([]historyWireItem, 0, len(req.History))
	for _, entry := range req.History {
		history = append(history, historyWireItem{
			Role:      string(entry.Role),
			Content:   entry.Content,
			CreatedAt: entry.CreatedAt,
		})
	}
	attachments := make([]wireAttachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, wireAttachment{
			Kind: string(att.Kind),
			URI:  att.URI,
			Mime: att.Mime,
		})
	}
	return invokeWireRequest{
		Task:          req.Task,
		Message:       req.Message,
		Context:       req.Context,
		History:       history,
		WorkingMemory: req.WorkingMemory,
		Strategy:      req.Strategy,
		Attachments:   attachments,
	}
}

func mapWireEvent(wire wireEvent) (Event, bool) {
	switch wire.Type {
	case "text_delta":
		return Event{Kind: EventTextDelta, Delta: wire.Delta}, true
	case "step_complete":
		return Event{Kind: EventStepComplete, StepText: wire.Text}, true
	case "tool_call":
		return Event{Kind: EventToolCall, Tool: wire.Tool}, true
	case "error":
		ev := Event{Kind: EventError}
		if wire.Error != nil {
			ev.ErrKind = wire.Error.Kind
			ev.ErrMessage = wire.Error.Message
		}
		return ev, true
	case "done":
		return Event{Kind: EventDone, FinalText: wire.Final}, true
	default:
		return Event{}, false
	}
}

var _ Invoker = (*HTTPInvoker)(nil)
