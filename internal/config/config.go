// Package config provides Viper-based configuration loading for the chat coordinator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig holds websocket gateway settings.
type GatewayConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path upgraded to websocket connections.
	Path string `mapstructure:"path"`
	// ReadTimeout is how long a connection may stay silent (no frames, no pongs) before it is dropped.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive ping period; must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbound queue depth.
	SendBuffer int `mapstructure:"send_buffer"`
	// MaxMessageBytes caps the size of one inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// AllowedOrigins lists accepted Origin headers; empty accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// HealthConfig holds gRPC health service settings.
type HealthConfig struct {
	// Enabled toggles the gRPC health service.
	Enabled bool `mapstructure:"enabled"`
	// GRPCHost is the bind address for the health service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the health service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ChatConfig holds coordinator and chat group policy settings.
type ChatConfig struct {
	// QueueSize is the depth of the coordinator's inbound event queue.
	QueueSize int `mapstructure:"queue_size"`
	// InvitationTTL is the lifetime of a pending invitation. Zero keeps invitations
	// until they are resolved or a party disconnects.
	InvitationTTL time.Duration `mapstructure:"invitation_ttl"`
	// SweepInterval is how often expired invitations are purged when InvitationTTL > 0.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// NotifyGroupLeave sends playerLeftGroup to the remaining members when someone
	// leaves or disconnects.
	NotifyGroupLeave bool `mapstructure:"notify_group_leave"`
}

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
	Chat    ChatConfig    `mapstructure:"chat"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.Port < 1 || g.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port must be 1-65535, got %d", g.Port))
	}
	if !strings.HasPrefix(g.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path must start with '/', got %q", g.Path))
	}
	if g.ReadTimeout < 0 {
		errs = append(errs, "gateway.read_timeout must not be negative")
	}
	if g.WriteTimeout < 0 {
		errs = append(errs, "gateway.write_timeout must not be negative")
	}
	if g.PingInterval < 0 {
		errs = append(errs, "gateway.ping_interval must not be negative")
	}
	if g.ReadTimeout > 0 && g.PingInterval >= g.ReadTimeout {
		errs = append(errs, "gateway.ping_interval must be shorter than gateway.read_timeout")
	}
	if g.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_buffer must be >= 1, got %d", g.SendBuffer))
	}
	if g.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_message_bytes must be >= 1, got %d", g.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if h.GRPCPort < 1 || h.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 1-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("chat.queue_size must be >= 1, got %d", c.QueueSize))
	}
	if c.InvitationTTL < 0 {
		errs = append(errs, "chat.invitation_ttl must not be negative")
	}
	if c.InvitationTTL > 0 && c.SweepInterval <= 0 {
		errs = append(errs, "chat.sweep_interval must be positive when chat.invitation_ttl is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with NEARCHAT_ prefix
	v.SetEnvPrefix("NEARCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the built-in defaults.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 3000)
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.read_timeout", "60s")
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.ping_interval", "30s")
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.max_message_bytes", 4096)
	v.SetDefault("gateway.allowed_origins", []string{})

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("chat.queue_size", 1024)
	v.SetDefault("chat.invitation_ttl", "0s")
	v.SetDefault("chat.sweep_interval", "5s")
	v.SetDefault("chat.notify_group_leave", false)
}
