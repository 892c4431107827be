package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/memory"
)

const sideTaskTimeout = 30 * time.Second

// SideTaskTarget receives the results of post-run side tasks. Implemented by
// conversation.Conversation.
type SideTaskTarget interface {
	Title() string
	SetTitleOnce(title string) bool
	SetSuggestions(suggestions []string)
}

// RunRequest describes one chat dispatch.
type RunRequest struct {
	Key           string
	Message       channel.InboundMessage
	Context       AppContext
	History       []memory.Entry
	WorkingMemory map[string]string
	Options       Options
	// Conversation, when set, receives the title and suggestions side-task
	// results after the run completes.
	Conversation SideTaskTarget
}

// Runner drives agent invocations and exposes each run as an ordered finite
// event channel terminated by exactly one Done event.
type Runner struct {
	logger  *slog.Logger
	invoker Invoker
}

// NewRunner creates a Runner over the given invoker.
func NewRunner(logger *slog.Logger, invoker Invoker) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:  logger.With(slog.String("component", "agent_runner")),
		invoker: invoker,
	}
}

// Run starts the agent for one message and returns the event channel. The
// channel is closed after the terminal Done event. When the run exceeds
// MaxRounds tool calls or MaxSteps completed steps, the invocation context
// is canceled and Done carries the text accumulated so far. An
// invoker failure surfaces as one Error event before Done. After Done the
// runner schedules the title and suggestions side tasks; they never block
// the reply path.
func (r *Runner) Run(ctx context.Context, req RunRequest) <-chan Event {
	opts := NormalizeOptions(req.Options)
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		// runCtx tears down the invocation as soon as the run is finished,
		// so a bound trip does not leave the agent streaming into the void.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var (
			stepBuf  strings.Builder // deltas of the in-progress step
			stepText []string        // completed step texts
			steps    int
			rounds   int
			done     bool
			canceled bool
		)
		emit := func(ev Event) {
			if done || canceled {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				canceled = true
			}
		}
		accumulated := func() string {
			parts := append([]string{}, stepText...)
			if trailing := strings.TrimSpace(stepBuf.String()); trailing != "" {
				parts = append(parts, trailing)
			}
			return strings.Join(parts, "\n\n")
		}
		finish := func(finalText string) {
			emit(Event{Kind: EventDone, FinalText: strings.TrimSpace(finalText)})
			done = true
			cancel()
		}

		err := r.invoker.Invoke(runCtx, InvokeRequest{
			Task:          TaskChat,
			Message:       req.Message.Content.PlainText(),
			Attachments:   req.Message.Content.Attachments,
			Context:       req.Context,
			History:       req.History,
			WorkingMemory: req.WorkingMemory,
			Strategy:      opts.Strategy,
			OnEvent: func(ev Event) {
				if done || canceled {
					return
				}
				switch ev.Kind {
				case EventTextDelta:
					stepBuf.WriteString(ev.Delta)
					emit(ev)
				case EventStepComplete:
					if strings.TrimSpace(ev.StepText) == "" {
						ev.StepText = strings.TrimSpace(stepBuf.String())
					}
					if strings.TrimSpace(ev.StepText) != "" {
						stepText = append(stepText, strings.TrimSpace(ev.StepText))
					}
					stepBuf.Reset()
					steps++
					emit(ev)
					if steps >= opts.MaxSteps {
						r.logger.Warn("run exceeded max steps",
							slog.String("key", req.Key),
							slog.Int("max_steps", opts.MaxSteps))
						finish(accumulated())
					}
				case EventToolCall:
					rounds++
					emit(ev)
					if rounds >= opts.MaxRounds {
						r.logger.Warn("run exceeded max rounds",
							slog.String("key", req.Key),
							slog.Int("max_rounds", opts.MaxRounds))
						finish(accumulated())
					}
				case EventError:
					emit(ev)
					finish(accumulated())
				case EventDone:
					finish(ev.FinalText)
				}
			},
		})
		if canceled {
			return
		}
		if err != nil && !done {
			r.logger.Error("agent invocation failed",
				slog.String("key", req.Key),
				slog.Any("error", err))
			emit(Event{Kind: EventError, ErrKind: "agent", ErrMessage: err.Error()})
			finish(accumulated())
		}
		if !done {
			// Invoker returned without a terminal event.
			finish(accumulated())
		}
		if !canceled {
			r.scheduleSideTasks(req)
		}
	}()
	return out
}

func (r *Runner) scheduleSideTasks(req RunRequest) {
	if req.Conversation == nil {
		return
	}
	if req.Conversation.Title() == "" {
		go r.generateTitle(req)
	}
	go r.generateSuggestions(req)
}

func (r *Runner) generateTitle(req RunRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), sideTaskTimeout)
	defer cancel()
	title, err := r.invokeCollect(ctx, InvokeRequest{
		Task:    TaskTitle,
		Message: req.Message.Content.PlainText(),
		Context: req.Context,
		History: req.History,
	})
	if err != nil {
		r.logger.Warn("title generation failed",
			slog.String("key", req.Key),
			slog.Any("error", err))
		return
	}
	if req.Conversation.SetTitleOnce(title) {
		r.logger.Debug("conversation titled",
			slog.String("key", req.Key),
			slog.String("title", title))
	}
}

func (r *Runner) generateSuggestions(req RunRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), sideTaskTimeout)
	defer cancel()
	raw, err := r.invokeCollect(ctx, InvokeRequest{
		Task:    TaskSuggestions,
		Message: req.Message.Content.PlainText(),
		Context: req.Context,
		History: req.History,
	})
	if err != nil {
		r.logger.Warn("suggestion generation failed",
			slog.String("key", req.Key),
			slog.Any("error", err))
		return
	}
	req.Conversation.SetSuggestions(parseSuggestions(raw))
}

// invokeCollect runs a side-task invocation and returns its final text.
func (r *Runner) invokeCollect(ctx context.Context, req InvokeRequest) (string, error) {
	var buf strings.Builder
	var final string
	req.OnEvent = func(ev Event) {
		switch ev.Kind {
		case EventTextDelta:
			buf.WriteString(ev.Delta)
		case EventDone:
			final = ev.FinalText
		}
	}
	if err := r.invoker.Invoke(ctx, req); err != nil {
		return "", err
	}
	if strings.TrimSpace(final) == "" {
		final = buf.String()
	}
	return strings.TrimSpace(final), nil
}

func parseSuggestions(raw string) []string {
	lines := strings.Split(raw, "\n")
	suggestions := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "-")
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line != "" {
			suggestions = append(suggestions, line)
		}
	}
	return suggestions
}
