package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/channel/inbound"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/memory"
)

// Defaults carries orchestration settings from config.
type Defaults struct {
	Timezone string
	Locale   string
	Agent    agent.Options
}

// Channels is the outbound surface the orchestrator needs from the channel
// manager.
type Channels interface {
	Send(ctx context.Context, provider channel.Provider, msg channel.OutboundMessage) error
	SendTyping(ctx context.Context, provider channel.Provider, chatID string)
	MarkdownCapable(provider channel.Provider) bool
}

// Orchestrator is the per-message pipeline: normalize, resolve, enqueue, run
// the agent, deliver, remember.
type Orchestrator struct {
	logger     *slog.Logger
	normalizer *inbound.Normalizer
	registry   *conversation.Registry
	channels   Channels
	runner     *agent.Runner
	memory     *memory.Service
	delivery   *Delivery
	defaults   Defaults
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(
	logger *slog.Logger,
	normalizer *inbound.Normalizer,
	registry *conversation.Registry,
	channels Channels,
	runner *agent.Runner,
	memorySvc *memory.Service,
	delivery *Delivery,
	defaults Defaults,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:     logger.With(slog.String("component", "orchestrator")),
		normalizer: normalizer,
		registry:   registry,
		channels:   channels,
		runner:     runner,
		memory:     memorySvc,
		delivery:   delivery,
		defaults:   defaults,
	}
}

// HandleInbound is the channel manager's inbound handler. Filtered events and
// malformed payloads are dropped here; accepted messages enqueue into their
// conversation, starting its run loop if idle.
func (o *Orchestrator) HandleInbound(ctx context.Context, event channel.RawEvent) error {
	msg, err := o.normalizer.Normalize(event)
	if err != nil {
		if errors.Is(err, inbound.ErrFiltered) {
			return nil
		}
		var normErr *inbound.NormalizationError
		if errors.As(err, &normErr) {
			o.logger.Warn("dropping malformed inbound event",
				slog.String("provider", event.Provider.String()),
				slog.String("reason", normErr.Reason))
			return nil
		}
		return err
	}

	conv := o.registry.Resolve(msg.Provider, msg.ChatID)
	started, err := o.registry.Enqueue(conv, msg)
	if err != nil {
		if errors.Is(err, conversation.ErrDraining) {
			o.logger.Info("rejecting message during drain", slog.String("key", conv.Key))
			return nil
		}
		return err
	}
	if started {
		// The run loop outlives the inbound event scope.
		go o.runLoop(context.WithoutCancel(ctx), conv)
	}
	return nil
}

// runLoop processes a conversation's queue strictly in order and exits when
// the queue empties.
func (o *Orchestrator) runLoop(ctx context.Context, conv *conversation.Conversation) {
	for {
		msg, ok := o.registry.Next(conv)
		if !ok {
			return
		}
		o.process(ctx, conv, msg)
	}
}

func (o *Orchestrator) process(ctx context.Context, conv *conversation.Conversation, msg channel.InboundMessage) {
	// One typing signal at pipeline start; never repeated mid-run.
	o.channels.SendTyping(ctx, msg.Provider, msg.ChatID)

	history := o.memory.History(ctx, conv.Key)
	working := o.memory.WorkingMemory(ctx, msg.AuthorID, conv.Key)
	events := o.runner.Run(ctx, agent.RunRequest{
		Key:           conv.Key,
		Message:       msg,
		Context:       o.buildAppContext(msg),
		History:       history,
		WorkingMemory: working,
		Options:       o.defaults.Agent,
		Conversation:  conv,
	})

	replies := o.delivery.Render(events, o.channels.MarkdownCapable(msg.Provider))
	var delivered []string
	for _, reply := range replies {
		reply.ChatID = msg.ChatID
		if err := o.channels.Send(ctx, msg.Provider, reply); err != nil {
			// Delivery failures never re-run the agent.
			o.logger.Error("reply delivery failed",
				slog.String("key", conv.Key),
				slog.Any("error", err))
			continue
		}
		delivered = append(delivered, reply.Text)
	}

	o.memory.Remember(ctx, conv.Key, memory.RoleUser, msg.Content.PlainText())
	for _, text := range delivered {
		o.memory.Remember(ctx, conv.Key, memory.RoleAssistant, text)
	}
}

func (o *Orchestrator) buildAppContext(msg channel.InboundMessage) agent.AppContext {
	return agent.AppContext{
		UserID:        msg.AuthorID,
		UserName:      msg.AuthorName,
		ChatID:        msg.ChatID,
		Provider:      msg.Provider.String(),
		CurrentPage:   msg.MetaString("current_page"),
		AttachedPages: msg.MetaStrings("attached_pages"),
		Timezone:      o.defaults.Timezone,
		Locale:        o.defaults.Locale,
	}
}
