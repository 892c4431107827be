// Package agent defines the event stream contract with the conversational
// agent capability and the runner that drives one dispatch per message.
package agent

import (
	"context"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/memory"
)

// EventKind discriminates the agent event variants.
type EventKind string

const (
	EventTextDelta    EventKind = "text_delta"
	EventStepComplete EventKind = "step_complete"
	EventToolCall     EventKind = "tool_call"
	EventError        EventKind = "error"
	EventDone         EventKind = "done"
)

// ToolCall describes a tool invocation surfaced by the agent.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Event is one element of the ordered finite sequence an agent run produces.
// The sequence terminates with exactly one Done event.
type Event struct {
	Kind       EventKind `json:"kind"`
	Delta      string    `json:"delta,omitempty"`      // text_delta
	StepText   string    `json:"step_text,omitempty"`  // step_complete
	Tool       *ToolCall `json:"tool,omitempty"`       // tool_call
	ErrKind    string    `json:"err_kind,omitempty"`   // error
	ErrMessage string    `json:"err_message,omitempty"`
	FinalText  string    `json:"final_text,omitempty"` // done
}

// AppContext is the immutable per-message context handed to the agent.
type AppContext struct {
	UserID        string   `json:"user_id"`
	UserName      string   `json:"user_name,omitempty"`
	ChatID        string   `json:"chat_id"`
	Provider      string   `json:"provider"`
	CurrentPage   string   `json:"current_page,omitempty"`
	AttachedPages []string `json:"attached_pages,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	Locale        string   `json:"locale,omitempty"`
}

// Task selects which agent pipeline an invocation runs.
type Task string

const (
	TaskChat        Task = "chat"
	TaskTitle       Task = "title"
	TaskSuggestions Task = "suggestions"
)

// InvokeRequest carries one agent invocation. OnEvent is called for every
// event the agent emits, in order, from a single goroutine.
type InvokeRequest struct {
	Task          Task
	Message       string
	Attachments   []channel.Attachment
	Context       AppContext
	History       []memory.Entry
	WorkingMemory map[string]string
	Strategy      string
	OnEvent       func(Event)
}

// Invoker is the boundary to the opaque agent capability.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) error
}

// Options bounds a chat run.
type Options struct {
	Strategy  string
	MaxRounds int
	MaxSteps  int
}

// NormalizeOptions fills zero-value fields with defaults.
func NormalizeOptions(opts Options) Options {
	if opts.Strategy == "" {
		opts.Strategy = "default"
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 40
	}
	return opts
}
