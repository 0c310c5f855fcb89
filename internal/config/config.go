// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Admin         AdminConfig         `yaml:"admin"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	ClientVersion ClientVersionConfig `yaml:"client_version"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Timezone      string              `yaml:"timezone"` // IANA name for window anchoring
	Providers     []ProviderEntry     `yaml:"providers"`
	Users         []UserEntry         `yaml:"users"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // generous: SSE responses stay open
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ForceHTTP2      bool          `yaml:"force_http2"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds shared-state settings. An empty URL selects the
// in-process fallback store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AdminConfig holds the admin API settings.
type AdminConfig struct {
	Token string `yaml:"token"` // empty disables the admin API
}

// RateLimitConfig controls limit enforcement.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ClientVersionConfig controls the client version guard.
type ClientVersionConfig struct {
	Enabled     bool `yaml:"enabled"`
	GAThreshold int  `yaml:"ga_threshold"` // distinct users before a version is GA
}

// PricingConfig controls the model price import.
type PricingConfig struct {
	ImportURL string `yaml:"import_url"` // empty disables the periodic import
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry seeds an upstream provider on first run.
type ProviderEntry struct {
	Name                  string            `yaml:"name"`
	Type                  string            `yaml:"type"`
	URL                   string            `yaml:"url"`
	Credential            string            `yaml:"credential"`
	Priority              int               `yaml:"priority"`
	Weight                int               `yaml:"weight"`
	Group                 string            `yaml:"group"`
	ModelRedirects        map[string]string `yaml:"model_redirects"`
	AllowedModels         []string          `yaml:"allowed_models"`
	ProxyURL              string            `yaml:"proxy_url"`
	ProxyFallbackToDirect bool              `yaml:"proxy_fallback_to_direct"`
	Enabled               *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// UserEntry seeds a user, optionally with pre-set keys, on first run.
type UserEntry struct {
	Name string     `yaml:"name"`
	Role string     `yaml:"role"`
	Keys []KeyEntry `yaml:"keys"`
}

// KeyEntry seeds an API key. The plaintext is hashed at bootstrap and
// never persisted.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment
// variables, then applies well-known environment overrides. An empty path
// yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "llmrelay.db",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
		},
		ClientVersion: ClientVersionConfig{
			Enabled:     false,
			GAThreshold: 2,
		},
		Timezone: "Asia/Shanghai",
	}
}

// applyEnv lets the common deployment knobs come straight from the
// environment without a config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("TZ"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("ENABLE_RATE_LIMIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("ENABLE_CLIENT_VERSION_GUARD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ClientVersion.Enabled = b
		}
	}
	if v := os.Getenv("CLIENT_VERSION_GA_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClientVersion.GAThreshold = n
		}
	}
	if v := os.Getenv("PRICE_IMPORT_URL"); v != "" {
		cfg.Pricing.ImportURL = v
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
