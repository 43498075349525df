package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_RELAY_TOKEN", "tok-123")

	path := writeConfig(t, `
relay:
  url: https://chat.example.com
  service_token: ${TEST_RELAY_TOKEN}
agent:
  api_url: http://localhost:8080/v1/chat/completions
  model: qwen3-8b
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Relay.ServiceToken != "tok-123" {
		t.Errorf("ServiceToken = %q, want env-expanded tok-123", cfg.Relay.ServiceToken)
	}
	if cfg.Relay.TimeoutSec != 15 {
		t.Errorf("Relay.TimeoutSec = %d, want default 15", cfg.Relay.TimeoutSec)
	}
	if cfg.Agent.TimeoutSec != 60 {
		t.Errorf("Agent.TimeoutSec = %d, want default 60", cfg.Agent.TimeoutSec)
	}
	if cfg.Agent.MaxRetries != 3 {
		t.Errorf("Agent.MaxRetries = %d, want default 3", cfg.Agent.MaxRetries)
	}
	if cfg.Agent.CircuitFailures != 3 {
		t.Errorf("Agent.CircuitFailures = %d, want default 3", cfg.Agent.CircuitFailures)
	}
	if cfg.Worker.PollIntervalSec != 2 {
		t.Errorf("Worker.PollIntervalSec = %d, want default 2", cfg.Worker.PollIntervalSec)
	}
	if cfg.Worker.MaxToolIterations != 8 {
		t.Errorf("Worker.MaxToolIterations = %d, want default 8", cfg.Worker.MaxToolIterations)
	}
	if cfg.Worker.QueueSize != 64 {
		t.Errorf("Worker.QueueSize = %d, want default 64", cfg.Worker.QueueSize)
	}
	if cfg.ChatLog.Path != "chat-events.db" {
		t.Errorf("ChatLog.Path = %q, want default chat-events.db", cfg.ChatLog.Path)
	}
	if cfg.MQTT.TopicPrefix != "terrarium/worker" {
		t.Errorf("MQTT.TopicPrefix = %q, want default terrarium/worker", cfg.MQTT.TopicPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadExplicitValuesOverrideDefaults(t *testing.T) {
	path := writeConfig(t, `
relay:
  url: https://chat.example.com
  service_token: tok
  timeout_sec: 5
agent:
  api_url: http://localhost:8080/v1/chat/completions
  model: qwen3-8b
  max_retries: 1
worker:
  poll_interval_sec: 10
  suppress_poll_when_push_connected: true
  stale_after_hours: 6
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Relay.Timeout(); got != 5*time.Second {
		t.Errorf("Relay.Timeout() = %v, want 5s", got)
	}
	if cfg.Agent.MaxRetries != 1 {
		t.Errorf("Agent.MaxRetries = %d, want 1", cfg.Agent.MaxRetries)
	}
	if got := cfg.Worker.PollInterval(); got != 10*time.Second {
		t.Errorf("Worker.PollInterval() = %v, want 10s", got)
	}
	if !cfg.Worker.SuppressPollWhenPushConnected {
		t.Error("SuppressPollWhenPushConnected should be true")
	}
	if got := cfg.Worker.StaleAfter(); got != 6*time.Hour {
		t.Errorf("Worker.StaleAfter() = %v, want 6h", got)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "relay: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Relay.URL = "https://chat.example.com"
		cfg.Relay.ServiceToken = "tok"
		cfg.Agent.APIURL = "http://localhost:8080/v1/chat/completions"
		cfg.Agent.Model = "qwen3-8b"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing relay url", func(c *Config) { c.Relay.URL = "" }, "relay.url"},
		{"missing service token", func(c *Config) { c.Relay.ServiceToken = "" }, "relay.service_token"},
		{"missing agent url", func(c *Config) { c.Agent.APIURL = "" }, "agent.api_url"},
		{"missing model", func(c *Config) { c.Agent.Model = "" }, "agent.model"},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfigExplicitPath(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for nonexistent explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, info)
	if got.Value.Any() != any(slog.LevelInfo) {
		t.Errorf("info level should pass through unchanged, got %v", got.Value)
	}
}
