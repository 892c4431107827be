package conversation

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Evictor periodically removes conversations that have been idle past the TTL.
// A zero TTL disables eviction entirely.
type Evictor struct {
	logger   *slog.Logger
	registry *Registry
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
}

// NewEvictor creates an Evictor sweeping the registry on the given cron
// schedule (e.g. "@every 10m").
func NewEvictor(logger *slog.Logger, registry *Registry, ttl time.Duration, schedule string) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		logger:   logger.With(slog.String("component", "conversation_evictor")),
		registry: registry,
		ttl:      ttl,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the scheduler.
func (e *Evictor) Start() error {
	if e.ttl <= 0 {
		e.logger.Info("conversation eviction disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(e.schedule, e.sweep); err != nil {
		return err
	}
	c.Start()
	e.cron = c
	e.logger.Info("conversation eviction scheduled",
		slog.String("schedule", e.schedule),
		slog.Duration("ttl", e.ttl))
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (e *Evictor) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
}

func (e *Evictor) sweep() {
	e.registry.EvictIdle(e.ttl)
}
