package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
	if cfg.Memory.Backend != "memory" || cfg.Memory.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("unexpected memory defaults: %+v", cfg.Memory)
	}
	ttl, err := cfg.Conversations.ParsedIdleTTL()
	if err != nil || ttl != 24*time.Hour {
		t.Fatalf("unexpected idle ttl: %v %v", ttl, err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[gateway]
timezone = "Europe/Berlin"
allowed_bots = ["newsbot"]
max_rounds = 5

[memory]
backend = "postgres"
history_limit = 50
working_memory_scope = "conversation"

[channels.telegram]
enabled = true
bot_token = "123:abc"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Gateway.Timezone != "Europe/Berlin" || cfg.Gateway.MaxRounds != 5 {
		t.Fatalf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Memory.Backend != "postgres" || cfg.Memory.HistoryLimit != 50 {
		t.Fatalf("unexpected memory config: %+v", cfg.Memory)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "123:abc" {
		t.Fatalf("unexpected telegram config: %+v", cfg.Channels.Telegram)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatal("untouched sections must keep defaults")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
	}{
		{"bad log level", "[log]\nlevel = \"loud\"\n"},
		{"bad memory backend", "[memory]\nbackend = \"redis\"\n"},
		{"bad working memory scope", "[memory]\nworking_memory_scope = \"global\"\n"},
		{"bad idle ttl", "[conversations]\nidle_ttl = \"soon\"\n"},
		{"website without secret", "[channels.website]\nenabled = true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAgentGatewayBaseURL(t *testing.T) {
	t.Parallel()
	if got := (AgentGatewayConfig{}).BaseURL(); got != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected default base url: %s", got)
	}
	if got := (AgentGatewayConfig{Host: "agent.internal", Port: 9000}).BaseURL(); got != "http://agent.internal:9000" {
		t.Fatalf("unexpected base url: %s", got)
	}
}
