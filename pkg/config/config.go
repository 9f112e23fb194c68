package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	envConfigPath      = "CHATROUTER_CONFIG"
	envSlackBotToken   = "SLACK_BOT_TOKEN"
	envTelegramToken   = "TELEGRAM_BOT_TOKEN"
	envDiscordToken    = "DISCORD_BOT_TOKEN"
	envAllowUsers      = "CHATROUTER_ALLOW_USERS"
	envAllowChannels   = "CHATROUTER_ALLOW_CHANNELS"
	defaultWorkers     = 10
	defaultQueueSize   = 256
	defaultPollMillis  = 1000
	defaultDrainSecs   = 10
	defaultTaskSecs    = 120
	defaultSendsPerSec = 1.0
	defaultSendBurst   = 3
	defaultMemoryTurns = 50

	// QueuePolicyBlock makes submission wait for queue room.
	QueuePolicyBlock = "block"
	// QueuePolicyReject makes submission fail fast when the queue is full.
	QueuePolicyReject = "reject"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Router    RouterConfig    `json:"router"`
	Fallback  FallbackConfig  `json:"fallback"`
	Plugins   PluginsConfig   `json:"plugins"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// RouterConfig sizes the worker pool and paces the event loop.
type RouterConfig struct {
	Workers             int     `json:"workers"`
	QueueSize           int     `json:"queue_size"`
	QueuePolicy         string  `json:"queue_policy"`
	PollIntervalMillis  int     `json:"poll_interval_ms"`
	DrainTimeoutSeconds int     `json:"drain_timeout_seconds"`
	TaskTimeoutSeconds  int     `json:"task_timeout_seconds"`
	SendsPerSecond      float64 `json:"sends_per_second"`
	SendBurst           int     `json:"send_burst"`
}

// FallbackConfig configures the conversational engine and who may reach it.
type FallbackConfig struct {
	Enabled       bool     `json:"enabled"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Persona       string   `json:"persona"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	MemoryTurns   int      `json:"memory_turns"`
	AllowUsers    []string `json:"allow_users"`
	AllowChannels []string `json:"allow_channels"`
}

// PluginsConfig selects builtin plugins; empty means all.
type PluginsConfig struct {
	Enabled []string `json:"enabled"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ChannelsConfig stores transport settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// SlackConfig configures the Slack RTM transport.
type SlackConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	APIURL  string `json:"api_url"`
}

// TelegramConfig configures Telegram long polling.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// DiscordConfig configures the Discord gateway transport.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// GatewayConfig configures the status server bind address.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFile(configPath)
}

// LoadConfigFile loads configPath and applies environment overrides.
func LoadConfigFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Router.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (r RouterConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(r.QueuePolicy)) {
	case "", QueuePolicyBlock, QueuePolicyReject:
	default:
		return fmt.Errorf("router.queue_policy must be %q or %q, got %q", QueuePolicyBlock, QueuePolicyReject, r.QueuePolicy)
	}
	if r.Workers < 0 || r.QueueSize < 0 {
		return fmt.Errorf("router.workers and router.queue_size must not be negative")
	}
	return nil
}

// WorkerCount returns the configured pool size or the default.
func (r RouterConfig) WorkerCount() int {
	if r.Workers <= 0 {
		return defaultWorkers
	}
	return r.Workers
}

func (r RouterConfig) QueueCapacity() int {
	if r.QueueSize <= 0 {
		return defaultQueueSize
	}
	return r.QueueSize
}

// Policy returns the normalized queue backpressure policy.
func (r RouterConfig) Policy() string {
	if strings.EqualFold(strings.TrimSpace(r.QueuePolicy), QueuePolicyReject) {
		return QueuePolicyReject
	}
	return QueuePolicyBlock
}

func (r RouterConfig) PollInterval() time.Duration {
	if r.PollIntervalMillis <= 0 {
		return defaultPollMillis * time.Millisecond
	}
	return time.Duration(r.PollIntervalMillis) * time.Millisecond
}

func (r RouterConfig) DrainTimeout() time.Duration {
	if r.DrainTimeoutSeconds <= 0 {
		return defaultDrainSecs * time.Second
	}
	return time.Duration(r.DrainTimeoutSeconds) * time.Second
}

// TaskTimeout returns the per-message deadline; negative disables it.
func (r RouterConfig) TaskTimeout() time.Duration {
	if r.TaskTimeoutSeconds < 0 {
		return 0
	}
	if r.TaskTimeoutSeconds == 0 {
		return defaultTaskSecs * time.Second
	}
	return time.Duration(r.TaskTimeoutSeconds) * time.Second
}

// SendRate returns outbound messages per second and burst size.
func (r RouterConfig) SendRate() (float64, int) {
	perSecond := r.SendsPerSecond
	if perSecond <= 0 {
		perSecond = defaultSendsPerSec
	}
	burst := r.SendBurst
	if burst <= 0 {
		burst = defaultSendBurst
	}
	return perSecond, burst
}

// MemoryLimit returns how many transcript entries the fallback keeps.
func (f FallbackConfig) MemoryLimit() int {
	if f.MemoryTurns <= 0 {
		return defaultMemoryTurns
	}
	return f.MemoryTurns
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envSlackBotToken)); token != "" {
		cfg.Channels.Slack.Token = token
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := strings.TrimSpace(os.Getenv(envDiscordToken)); token != "" {
		cfg.Channels.Discord.Token = token
	}

	if raw := strings.TrimSpace(os.Getenv(envAllowUsers)); raw != "" {
		cfg.Fallback.AllowUsers = parseCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(envAllowChannels)); raw != "" {
		cfg.Fallback.AllowChannels = parseCSV(raw)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATROUTER_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
