package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/channel/adapters/discord"
	"github.com/parleyhq/parley/internal/channel/adapters/telegram"
	"github.com/parleyhq/parley/internal/channel/adapters/website"
	"github.com/parleyhq/parley/internal/channel/adapters/whatsapp"
	"github.com/parleyhq/parley/internal/channel/inbound"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/handlers"
	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideAdapters,
			provideChannelRegistry,
			provideChannelManager,
			provideNormalizer,
			provideConversationRegistry,
			provideEvictor,
			provideMemoryStore,
			provideMemoryService,
			provideInvoker,
			provideRunner,
			gateway.NewDelivery,
			provideOrchestrator,
			provideMemoryHandler,
			provideServer,
		),
		fx.Invoke(
			startEvictor,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// adapterSet holds the adapters enabled by config. Disabled entries are nil.
type adapterSet struct {
	Telegram *telegram.Adapter
	Discord  *discord.Adapter
	WhatsApp *whatsapp.Adapter
	Website  *website.Adapter
}

func provideAdapters(log *slog.Logger, cfg config.Config) *adapterSet {
	set := &adapterSet{}
	if cfg.Channels.Telegram.Enabled {
		set.Telegram = telegram.NewAdapter(log, telegram.Config{
			BotToken: cfg.Channels.Telegram.BotToken,
		})
	}
	if cfg.Channels.Discord.Enabled {
		set.Discord = discord.NewAdapter(log, discord.Config{
			BotToken: cfg.Channels.Discord.BotToken,
		})
	}
	if cfg.Channels.WhatsApp.Enabled {
		set.WhatsApp = whatsapp.NewAdapter(log, whatsapp.Config{
			AccessToken:   cfg.Channels.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			APIBaseURL:    cfg.Channels.WhatsApp.APIBaseURL,
		})
	}
	if cfg.Channels.Website.Enabled {
		set.Website = website.NewAdapter(log, website.Config{
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowedOrigins: cfg.Channels.Website.AllowedOrigins,
		})
	}
	return set
}

func provideChannelRegistry(adapters *adapterSet) *channel.Registry {
	registry := channel.NewRegistry()
	if adapters.Telegram != nil {
		registry.MustRegister(adapters.Telegram)
	}
	if adapters.Discord != nil {
		registry.MustRegister(adapters.Discord)
	}
	if adapters.WhatsApp != nil {
		registry.MustRegister(adapters.WhatsApp)
	}
	if adapters.Website != nil {
		registry.MustRegister(adapters.Website)
	}
	return registry
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry) *channel.Manager {
	return channel.NewManager(log, registry)
}

func provideNormalizer(log *slog.Logger, cfg config.Config) *inbound.Normalizer {
	return inbound.NewNormalizer(log, cfg.Gateway.AllowedBots)
}

func provideConversationRegistry(log *slog.Logger) *conversation.Registry {
	return conversation.NewRegistry(log)
}

func provideEvictor(log *slog.Logger, registry *conversation.Registry, cfg config.Config) (*conversation.Evictor, error) {
	ttl, err := cfg.Conversations.ParsedIdleTTL()
	if err != nil {
		return nil, fmt.Errorf("conversations idle ttl: %w", err)
	}
	return conversation.NewEvictor(log, registry, ttl, cfg.Conversations.SweepSchedule), nil
}

func provideMemoryStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (memory.Store, error) {
	if cfg.Memory.Backend != "postgres" {
		return memory.NewInMemoryStore(cfg.Memory.HistoryLimit), nil
	}
	dbCfg := db.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}
	if err := db.Migrate(dbCfg); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), dbCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	log.Info("memory backed by postgres", slog.String("database", cfg.Postgres.Database))
	return memory.NewPostgresStore(pool, cfg.Memory.HistoryLimit), nil
}

func provideMemoryService(log *slog.Logger, store memory.Store, cfg config.Config) *memory.Service {
	return memory.NewService(log, store, memory.Options{
		HistoryEnabled:       cfg.Memory.HistoryEnabled,
		HistoryLimit:         cfg.Memory.HistoryLimit,
		WorkingMemoryEnabled: cfg.Memory.WorkingMemoryEnabled,
		WorkingMemoryScope:   memory.Scope(cfg.Memory.WorkingMemoryScope),
	})
}

func provideInvoker(log *slog.Logger, cfg config.Config) agent.Invoker {
	return agent.NewHTTPInvoker(log, cfg.AgentGateway.BaseURL())
}

func provideRunner(log *slog.Logger, invoker agent.Invoker) *agent.Runner {
	return agent.NewRunner(log, invoker)
}

func provideOrchestrator(
	log *slog.Logger,
	normalizer *inbound.Normalizer,
	registry *conversation.Registry,
	manager *channel.Manager,
	runner *agent.Runner,
	memorySvc *memory.Service,
	delivery *gateway.Delivery,
	cfg config.Config,
) *gateway.Orchestrator {
	return gateway.NewOrchestrator(log, normalizer, registry, manager, runner, memorySvc, delivery, gateway.Defaults{
		Timezone: cfg.Gateway.Timezone,
		Locale:   cfg.Gateway.Locale,
		Agent: agent.Options{
			Strategy:  cfg.Gateway.Strategy,
			MaxRounds: cfg.Gateway.MaxRounds,
			MaxSteps:  cfg.Gateway.MaxSteps,
		},
	})
}

// provideMemoryHandler returns nil when no JWT secret is configured; the
// working-memory API cannot be mounted without auth.
func provideMemoryHandler(log *slog.Logger, cfg config.Config, memorySvc *memory.Service) *handlers.MemoryHandler {
	if cfg.Auth.JWTSecret == "" {
		return nil
	}
	return handlers.NewMemoryHandler(log, memorySvc, cfg.Auth.JWTSecret)
}

func provideServer(log *slog.Logger, cfg config.Config, adapters *adapterSet, memoryHandler *handlers.MemoryHandler) *server.Server {
	var hs []server.Handler
	if adapters.WhatsApp != nil {
		hs = append(hs, adapters.WhatsApp)
	}
	if adapters.Website != nil {
		hs = append(hs, adapters.Website)
	}
	if memoryHandler != nil {
		hs = append(hs, memoryHandler)
	}
	return server.NewServer(log, cfg.Server.Addr, hs...)
}

func startEvictor(lc fx.Lifecycle, evictor *conversation.Evictor) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return evictor.Start() },
		OnStop:  func(_ context.Context) error { evictor.Stop(); return nil },
	})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager, registry *conversation.Registry, orchestrator *gateway.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return manager.Start(ctx, orchestrator.HandleInbound)
		},
		OnStop: func(ctx context.Context) error {
			// Drain first so in-flight runs finish before sockets close.
			if err := registry.Drain(ctx); err != nil {
				return err
			}
			return manager.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}
