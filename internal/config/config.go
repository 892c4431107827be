// Package config loads the gateway's TOML configuration with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "parley"
	DefaultPGSSLMode     = "disable"
	DefaultHistoryLimit  = 20
	DefaultIdleTTL       = "24h"
	DefaultSweepSchedule = "@every 5m"
)

type Config struct {
	Log           LogConfig           `toml:"log"`
	Server        ServerConfig        `toml:"server"`
	Auth          AuthConfig          `toml:"auth"`
	AgentGateway  AgentGatewayConfig  `toml:"agent_gateway"`
	Gateway       GatewayConfig       `toml:"gateway"`
	Memory        MemoryConfig        `toml:"memory"`
	Postgres      PostgresConfig      `toml:"postgres"`
	Conversations ConversationsConfig `toml:"conversations"`
	Channels      ChannelsConfig      `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// AgentGatewayConfig points at the agent runtime this gateway invokes.
type AgentGatewayConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

func (c AgentGatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8081
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

type GatewayConfig struct {
	Timezone    string   `toml:"timezone"`
	Locale      string   `toml:"locale"`
	AllowedBots []string `toml:"allowed_bots"`
	Strategy    string   `toml:"strategy"`
	MaxRounds   int      `toml:"max_rounds" validate:"gte=0"`
	MaxSteps    int      `toml:"max_steps" validate:"gte=0"`
}

type MemoryConfig struct {
	Backend              string `toml:"backend" validate:"oneof=memory postgres"`
	HistoryEnabled       bool   `toml:"history_enabled"`
	HistoryLimit         int    `toml:"history_limit" validate:"gte=0"`
	WorkingMemoryEnabled bool   `toml:"working_memory_enabled"`
	WorkingMemoryScope   string `toml:"working_memory_scope" validate:"oneof=user conversation"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port" validate:"gte=0,lte=65535"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type ConversationsConfig struct {
	IdleTTL       string `toml:"idle_ttl"`
	SweepSchedule string `toml:"sweep_schedule"`
}

// ParsedIdleTTL returns the idle TTL as a duration, zero disables eviction.
func (c ConversationsConfig) ParsedIdleTTL() (time.Duration, error) {
	if c.IdleTTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.IdleTTL)
}

type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
	Website  WebsiteConfig  `toml:"website"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
}

type WhatsAppConfig struct {
	Enabled       bool   `toml:"enabled"`
	AccessToken   string `toml:"access_token"`
	PhoneNumberID string `toml:"phone_number_id"`
	VerifyToken   string `toml:"verify_token"`
	APIBaseURL    string `toml:"api_base_url"`
}

type WebsiteConfig struct {
	Enabled        bool     `toml:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		AgentGateway: AgentGatewayConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Gateway: GatewayConfig{
			Timezone: "UTC",
			Locale:   "en",
		},
		Memory: MemoryConfig{
			Backend:              "memory",
			HistoryEnabled:       true,
			HistoryLimit:         DefaultHistoryLimit,
			WorkingMemoryEnabled: true,
			WorkingMemoryScope:   "user",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Conversations: ConversationsConfig{
			IdleTTL:       DefaultIdleTTL,
			SweepSchedule: DefaultSweepSchedule,
		},
	}
}

// Load reads the TOML file at path, falling back to defaults when the file
// does not exist, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Conversations.ParsedIdleTTL(); err != nil {
		return fmt.Errorf("invalid conversations.idle_ttl: %w", err)
	}
	if c.Channels.Website.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when the website channel is enabled")
	}
	return nil
}
