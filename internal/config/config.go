// Package config handles terrarium-worker configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/terrarium-worker/config.yaml,
// /etc/terrarium-worker/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "terrarium-worker", "config.yaml"))
	}

	paths = append(paths, "/etc/terrarium-worker/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all terrarium-worker configuration.
type Config struct {
	Relay    RelayConfig   `yaml:"relay"`
	Agent    AgentConfig   `yaml:"agent"`
	Worker   WorkerConfig  `yaml:"worker"`
	ChatLog  ChatLogConfig `yaml:"chat_log"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	LogLevel string        `yaml:"log_level"`
}

// RelayConfig defines the connection to the hosted chat relay.
type RelayConfig struct {
	// URL is the relay REST API base, e.g. https://chat.example.com.
	URL string `yaml:"url"`
	// ServiceToken is the shared worker credential, sent as x-service-token.
	ServiceToken string `yaml:"service_token"`
	// SigningKey enables per-request HMAC signatures when non-empty.
	SigningKey string `yaml:"signing_key"`
	// EventsURL is the worker-updates WebSocket endpoint. Empty disables
	// push ingestion and the worker runs on polling alone.
	EventsURL string `yaml:"events_url"`
	// TimeoutSec bounds each relay request (default 15).
	TimeoutSec int `yaml:"timeout_sec"`
}

// AgentConfig defines the inference backend connection.
type AgentConfig struct {
	// APIURL is the OpenAI-compatible chat completions endpoint.
	APIURL string `yaml:"api_url"`
	// Model is the model name sent with every completion request.
	Model string `yaml:"model"`
	// HealthURL overrides the derived health endpoint. When empty, the
	// health URL is derived from APIURL by replacing the path after the
	// /v1/ marker with /health.
	HealthURL string `yaml:"health_url"`
	// TimeoutSec bounds each completion request (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
	// SystemPromptFile points at a file whose contents replace the
	// built-in system prompt.
	SystemPromptFile string `yaml:"system_prompt_file"`
	// MaxRetries is the attempt budget per request (default 3, min 1).
	MaxRetries int `yaml:"max_retries"`
	// CircuitFailures is the consecutive-failure threshold that opens
	// the circuit breaker (default 3).
	CircuitFailures int `yaml:"circuit_breaker_failures"`
	// CircuitCooldownSec is how long the circuit stays open (default 10).
	CircuitCooldownSec int `yaml:"circuit_breaker_cooldown_sec"`
}

// WorkerConfig defines orchestration cadence and budgets.
type WorkerConfig struct {
	// PollIntervalSec is the open-chat poll cadence (default 2).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// SuppressPollWhenPushConnected skips poll ticks while the push
	// event stream is live. Off by default: polling continues as a
	// safety net and enqueue dedup absorbs the overlap.
	SuppressPollWhenPushConnected bool `yaml:"suppress_poll_when_push_connected"`
	// MaxTurns caps the conversation history sent to the model (default 16).
	MaxTurns int `yaml:"max_turns"`
	// MaxToolIterations caps agent round-trips per visitor message (default 8).
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// StatusProbeIntervalSec is the backend health probe cadence (default 30).
	StatusProbeIntervalSec int `yaml:"status_probe_interval_sec"`
	// LLMProbeIntervalSec is the minimum spacing between LLM liveness
	// probes (default 180). Longer than the health cadence so the probe
	// does not flood the inference endpoint.
	LLMProbeIntervalSec int `yaml:"llm_probe_interval_sec"`
	// PushRetrySec is the delay between push-stream reconnects (default 5).
	PushRetrySec int `yaml:"push_retry_sec"`
	// QueueWorkers is the chat-processing pool size (default 1).
	QueueWorkers int `yaml:"queue_workers"`
	// QueueSize is the dispatch queue capacity (default 64).
	QueueSize int `yaml:"queue_size"`
	// StaleAfterHours is the conversation GC threshold (default 2).
	StaleAfterHours int `yaml:"stale_after_hours"`
}

// ChatLogConfig defines the optional per-chat event log.
type ChatLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file (default chat-events.db).
	Path string `yaml:"path"`
}

// MQTTConfig defines the optional MQTT status mirror.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"` // e.g. mqtt://broker.local:1883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	// TopicPrefix defaults to "terrarium/worker".
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Relay.TimeoutSec <= 0 {
		c.Relay.TimeoutSec = 15
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 60
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = 3
	}
	if c.Agent.CircuitFailures <= 0 {
		c.Agent.CircuitFailures = 3
	}
	if c.Agent.CircuitCooldownSec <= 0 {
		c.Agent.CircuitCooldownSec = 10
	}
	if c.Worker.PollIntervalSec <= 0 {
		c.Worker.PollIntervalSec = 2
	}
	if c.Worker.MaxTurns <= 0 {
		c.Worker.MaxTurns = 16
	}
	if c.Worker.MaxToolIterations <= 0 {
		c.Worker.MaxToolIterations = 8
	}
	if c.Worker.StatusProbeIntervalSec <= 0 {
		c.Worker.StatusProbeIntervalSec = 30
	}
	if c.Worker.LLMProbeIntervalSec <= 0 {
		c.Worker.LLMProbeIntervalSec = 180
	}
	if c.Worker.PushRetrySec <= 0 {
		c.Worker.PushRetrySec = 5
	}
	if c.Worker.QueueWorkers <= 0 {
		c.Worker.QueueWorkers = 1
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.StaleAfterHours <= 0 {
		c.Worker.StaleAfterHours = 2
	}
	if c.ChatLog.Path == "" {
		c.ChatLog.Path = "chat-events.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "terrarium/worker"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "terrarium-worker"
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Relay.ServiceToken == "" {
		return fmt.Errorf("relay.service_token is required")
	}
	if c.Agent.APIURL == "" {
		return fmt.Errorf("agent.api_url is required")
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt.enabled is true")
	}
	return nil
}

// Duration helpers: YAML carries integer seconds, callers want time.Duration.

func (c RelayConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }
func (c AgentConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }
func (c AgentConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSec) * time.Second
}
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
func (c WorkerConfig) StatusProbeInterval() time.Duration {
	return time.Duration(c.StatusProbeIntervalSec) * time.Second
}
func (c WorkerConfig) LLMProbeInterval() time.Duration {
	return time.Duration(c.LLMProbeIntervalSec) * time.Second
}
func (c WorkerConfig) PushRetry() time.Duration {
	return time.Duration(c.PushRetrySec) * time.Second
}
func (c WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}
