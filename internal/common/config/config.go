// Package config provides configuration management for ADT.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ADT.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `mapstructure:"rateLimit"`
	Channels     ChannelsConfig     `mapstructure:"channels"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentsConfig holds agent session defaults.
type AgentsConfig struct {
	// Command is the agent program launched per project session.
	Command string `mapstructure:"command"`
	// Args are appended to the command before the task prompt.
	Args []string `mapstructure:"args"`
}

// OrchestratorConfig holds the autonomous scheduling loop configuration.
type OrchestratorConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	PollInterval  int  `mapstructure:"pollInterval"`  // in seconds
	MaxConcurrent int  `mapstructure:"maxConcurrent"` // concurrent agent sessions
	StuckTimeout  int  `mapstructure:"stuckTimeout"`  // in seconds
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	PerSecond int `mapstructure:"perSecond"`
	PerMinute int `mapstructure:"perMinute"`
}

// ChannelsConfig holds external channel adapter configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds the Telegram bot adapter configuration.
// Token may be a ${NAME} reference resolved through the vault.
type TelegramConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Token        string  `mapstructure:"token"`
	AllowedUsers []int64 `mapstructure:"allowedUsers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollIntervalDuration returns the orchestrator poll interval as a time.Duration.
func (o *OrchestratorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(o.PollInterval) * time.Second
}

// StuckTimeoutDuration returns the stuck-agent threshold as a time.Duration.
func (o *OrchestratorConfig) StuckTimeoutDuration() time.Duration {
	return time.Duration(o.StuckTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Home returns the ADT home directory (~/.adt, overridable with ADT_HOME).
func Home() string {
	if home := os.Getenv("ADT_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".adt"
	}
	return filepath.Join(userHome, ".adt")
}

// DataDir returns the directory holding the sqlite databases and registries.
func DataDir() string { return filepath.Join(Home(), "data") }

// LogsDir returns the directory holding agent and process logs.
func LogsDir() string { return filepath.Join(Home(), "logs") }

// AgentLogsDir returns the directory holding per-project agent logs.
func AgentLogsDir() string { return filepath.Join(LogsDir(), "agents") }

// ProcessLogsDir returns the directory holding per-process logs.
func ProcessLogsDir() string { return filepath.Join(LogsDir(), "processes") }

// AgentStateDir returns the directory holding agent session snapshots.
func AgentStateDir() string { return filepath.Join(Home(), "agents") }

// ProcessStateDir returns the directory holding managed-process snapshots.
func ProcessStateDir() string { return filepath.Join(Home(), "processes") }

// EnsureDirs creates the ADT home directory tree.
func EnsureDirs() error {
	for _, dir := range []string{Home(), DataDir(), LogsDir(), AgentLogsDir(), ProcessLogsDir(), AgentStateDir(), ProcessStateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ADT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. Localhost only: the gateway trusts its host.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent session defaults
	v.SetDefault("agents.command", "claude")
	v.SetDefault("agents.args", []string{"--dangerously-skip-permissions", "-p"})

	// Orchestrator defaults
	v.SetDefault("orchestrator.enabled", true)
	v.SetDefault("orchestrator.pollInterval", 5)
	v.SetDefault("orchestrator.maxConcurrent", 3)
	v.SetDefault("orchestrator.stuckTimeout", 300)

	// Rate limit defaults
	v.SetDefault("rateLimit.perSecond", 10)
	v.SetDefault("rateLimit.perMinute", 60)

	// Channels defaults
	v.SetDefault("channels.telegram.enabled", false)
	v.SetDefault("channels.telegram.token", "")
	v.SetDefault("channels.telegram.allowedUsers", []int64{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ADT_ with snake_case naming.
// The config file is config.yaml in the ADT home directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or the ADT home.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ADT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where camelCase config keys don't map to SNAKE_CASE
	// env vars through AutomaticEnv.
	_ = v.BindEnv("orchestrator.maxConcurrent", "ADT_ORCHESTRATOR_MAX_CONCURRENT")
	_ = v.BindEnv("orchestrator.stuckTimeout", "ADT_ORCHESTRATOR_STUCK_TIMEOUT")
	_ = v.BindEnv("orchestrator.pollInterval", "ADT_ORCHESTRATOR_POLL_INTERVAL")
	_ = v.BindEnv("channels.telegram.token", "ADT_TELEGRAM_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(Home())
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var secretRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// SecretResolver resolves a secret name to its value. The vault satisfies
// this; the environment is the fallback.
type SecretResolver interface {
	Resolve(name string) (string, bool)
}

// ResolveSecrets replaces ${NAME} values with secrets from the resolver,
// falling back to environment variables. Unresolved references are left
// verbatim so callers can report them.
func (c *Config) ResolveSecrets(r SecretResolver) {
	c.Channels.Telegram.Token = resolveRef(c.Channels.Telegram.Token, r)
}

func resolveRef(value string, r SecretResolver) string {
	m := secretRefPattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	name := m[1]
	if r != nil {
		if v, ok := r.Resolve(name); ok {
			return v
		}
	}
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return value
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Orchestrator.PollInterval <= 0 {
		errs = append(errs, "orchestrator.pollInterval must be positive")
	}
	if cfg.Orchestrator.MaxConcurrent <= 0 {
		errs = append(errs, "orchestrator.maxConcurrent must be positive")
	}
	if cfg.Orchestrator.StuckTimeout <= 0 {
		errs = append(errs, "orchestrator.stuckTimeout must be positive")
	}

	if cfg.RateLimit.PerSecond <= 0 || cfg.RateLimit.PerMinute <= 0 {
		errs = append(errs, "rateLimit.perSecond and rateLimit.perMinute must be positive")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when the telegram channel is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Template is the commented config written by `adt config init`.
const Template = `# ADT Command Center configuration.
# Values of the form ${NAME} are resolved from the secret vault, then from
# the environment.

server:
  host: 127.0.0.1
  port: 8420

# nats:
#   url: nats://localhost:4222

agents:
  command: claude
  args: ["--dangerously-skip-permissions", "-p"]

orchestrator:
  enabled: true
  pollInterval: 5
  maxConcurrent: 3
  stuckTimeout: 300

channels:
  telegram:
    enabled: false
    token: ${TELEGRAM_BOT_TOKEN}
    allowedUsers: []

logging:
  level: info
`
