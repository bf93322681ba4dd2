// Package config provides configuration management for codepilot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Models    []ModelConfig   `mapstructure:"models" yaml:"models"`
	Prompts   PromptsConfig   `mapstructure:"prompts" yaml:"prompts"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Nvim      NvimConfig      `mapstructure:"nvim" yaml:"nvim"`
}

// ServerConfig holds the websocket gateway configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout" yaml:"readTimeout"`   // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout" yaml:"writeTimeout"` // in seconds
}

// TransportConfig selects and tunes the message transport.
type TransportConfig struct {
	// Kind is one of auto, inprocess, window, hostbridge.
	Kind string `mapstructure:"kind" yaml:"kind"`
	// IDE names the embedding editor; used when Kind is auto.
	IDE           string `mapstructure:"ide" yaml:"ide"`
	SendRetries   int    `mapstructure:"sendRetries" yaml:"sendRetries"`
	SendBaseDelay int    `mapstructure:"sendBaseDelay" yaml:"sendBaseDelay"` // in milliseconds
	PollInterval  int    `mapstructure:"pollInterval" yaml:"pollInterval"`   // in milliseconds
}

// EventsConfig holds event bus configuration. An empty NATSURL selects the in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl" yaml:"natsUrl"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
	Namespace     string `mapstructure:"namespace" yaml:"namespace"`
}

// DatabaseConfig holds apply history storage configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path" yaml:"path"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbName" yaml:"dbName"`
	SSLMode  string `mapstructure:"sslMode" yaml:"sslMode"`
	MaxConns int    `mapstructure:"maxConns" yaml:"maxConns"`
	MinConns int    `mapstructure:"minConns" yaml:"minConns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" yaml:"outputPath"`
}

// TracingConfig holds the OTLP exporter endpoint. Empty disables tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// ModelConfig describes one OpenAI-compatible model endpoint.
type ModelConfig struct {
	Title         string   `mapstructure:"title" yaml:"title"`
	Provider      string   `mapstructure:"provider" yaml:"provider"`
	Model         string   `mapstructure:"model" yaml:"model"`
	APIBase       string   `mapstructure:"apiBase" yaml:"apiBase"`
	APIKey        string   `mapstructure:"apiKey" yaml:"-"`
	ContextLength int      `mapstructure:"contextLength" yaml:"contextLength"`
	Roles         []string `mapstructure:"roles" yaml:"roles"`
}

// PromptsConfig holds template overrides keyed by purpose.
type PromptsConfig struct {
	Apply string `mapstructure:"apply" yaml:"apply"`
	Edit  string `mapstructure:"edit" yaml:"edit"`
}

// WorkspaceConfig lists the workspace roots served to the UI.
type WorkspaceConfig struct {
	Dirs []string `mapstructure:"dirs" yaml:"dirs"`
}

// NvimConfig points at a running Neovim instance. Empty disables the Neovim host.
type NvimConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SendBaseDelayDuration returns the first retry delay as a time.Duration.
func (t *TransportConfig) SendBaseDelayDuration() time.Duration {
	return time.Duration(t.SendBaseDelay) * time.Millisecond
}

// PollIntervalDuration returns the stream poll interval as a time.Duration.
func (t *TransportConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Millisecond
}

// HasRole reports whether the model is configured for role.
func (m *ModelConfig) HasRole(role string) bool {
	for _, r := range m.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("CODEPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7331)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("transport.kind", "auto")
	v.SetDefault("transport.ide", "")
	v.SetDefault("transport.sendRetries", 5)
	v.SetDefault("transport.sendBaseDelay", 1000)
	v.SetDefault("transport.pollInterval", 50)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "codepilot")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.namespace", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", defaultDBPath())
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "codepilot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "codepilot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("prompts.apply", "")
	v.SetDefault("prompts.edit", "")

	v.SetDefault("workspace.dirs", []string{})
	v.SetDefault("nvim.address", "")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "codepilot.db"
	}
	return home + "/.codepilot/history.db"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEPILOT_ with dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys need explicit snake_case bindings.
	_ = v.BindEnv("transport.sendRetries", "CODEPILOT_TRANSPORT_SEND_RETRIES")
	_ = v.BindEnv("transport.sendBaseDelay", "CODEPILOT_TRANSPORT_SEND_BASE_DELAY")
	_ = v.BindEnv("transport.pollInterval", "CODEPILOT_TRANSPORT_POLL_INTERVAL")
	_ = v.BindEnv("events.natsUrl", "CODEPILOT_EVENTS_NATS_URL", "NATS_URL")
	_ = v.BindEnv("tracing.endpoint", "CODEPILOT_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("nvim.address", "CODEPILOT_NVIM_ADDRESS", "NVIM_LISTEN_ADDRESS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.codepilot")
	}

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validKinds := map[string]bool{"auto": true, "inprocess": true, "window": true, "hostbridge": true}
	if !validKinds[strings.ToLower(cfg.Transport.Kind)] {
		errs = append(errs, "transport.kind must be one of: auto, inprocess, window, hostbridge")
	}
	if cfg.Transport.SendRetries < 0 {
		errs = append(errs, "transport.sendRetries must not be negative")
	}
	if cfg.Transport.PollInterval <= 0 {
		errs = append(errs, "transport.pollInterval must be positive")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for i, m := range cfg.Models {
		if m.Model == "" {
			errs = append(errs, fmt.Sprintf("models[%d].model is required", i))
		}
		if m.ContextLength < 0 {
			errs = append(errs, fmt.Sprintf("models[%d].contextLength must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
