// Package config loads server configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig holds token verification configuration.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	TokenTTL         time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`

	TokenTTLRaw         string `yaml:"token_ttl"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables cross-node fan-out when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether a Redis relay should be started.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// WebSocketConfig holds per-connection limits.
type WebSocketConfig struct {
	SendBufferSize int   `yaml:"send_buffer_size"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// HistoryConfig controls the session event log used for backfill.
type HistoryConfig struct {
	Capacity  int           `yaml:"capacity"`
	Persist   bool          `yaml:"persist"`
	Retention time.Duration `yaml:"-"`

	RetentionRaw string `yaml:"retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults
const (
	DefaultAddr             = ":8080"
	DefaultDBPath           = "data/realtime.db"
	DefaultTokenTTL         = 5 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRedisChannel     = "realtime:broadcast"
	DefaultSendBufferSize   = 256
	DefaultMaxMessageSize   = 64 * 1024
	DefaultHistoryCapacity  = 500
	DefaultHistoryRetention = time.Hour
	DefaultMetricsPath      = "/metrics"
)

// Load reads configuration. If path is empty only the environment and
// defaults are used. Environment variables in the format ${VAR_NAME} are
// expanded inside the YAML file.
func Load(path string) (*Config, error) {
	// .env is optional; missing file is not an error
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overrides file values with well-known environment variables.
func applyEnv(cfg *Config) {
	cfg.Env = getEnv("ENV", cfg.Env)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTLRaw = getEnv("TOKEN_TTL", cfg.Auth.TokenTTLRaw)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	if v := os.Getenv("HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.Capacity = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
	if cfg.Auth.HandshakeTimeout == 0 {
		cfg.Auth.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = DefaultRedisChannel
	}
	if cfg.WebSocket.SendBufferSize <= 0 {
		cfg.WebSocket.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.WebSocket.MaxMessageSize <= 0 {
		cfg.WebSocket.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.History.Capacity <= 0 {
		cfg.History.Capacity = DefaultHistoryCapacity
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = DefaultHistoryRetention
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Auth.HandshakeTimeoutRaw != "" {
		cfg.Auth.HandshakeTimeout, err = time.ParseDuration(cfg.Auth.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Auth.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.History.RetentionRaw != "" {
		cfg.History.Retention, err = time.ParseDuration(cfg.History.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing history retention %q: %w", cfg.History.RetentionRaw, err)
		}
	}

	return nil
}

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL < 0 || c.Auth.HandshakeTimeout < 0 {
		return errors.New("auth durations must be positive")
	}
	if c.IsProduction() && c.Database.Path == "" {
		return errors.New("database.path is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
