// Package config loads process configuration from the environment.
// All keys use the HEARTH_ prefix, e.g. HEARTH_HTTP_PORT.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable process configuration.
type Config struct {
	Environment string // "production" or "development"

	HTTPHost string
	HTTPPort int

	// AllowedOrigins is the CORS allow-list. No wildcard unless explicitly
	// configured as "*".
	AllowedOrigins []string

	// InternalToken admits non-private IPs to internal-only routes.
	InternalToken string
	// RealtimeAuthSecret is required in the websocket handshake in production.
	RealtimeAuthSecret string

	RateLimitPerMinute int
	MaxBodyBytes       int64

	DeviceTimeoutSeconds int

	SettingsPath string

	DefaultTariffSEK float64

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEARTH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("environment", "development")
	v.SetDefault("http_host", "0.0.0.0")
	v.SetDefault("http_port", 8091)
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:8091")
	v.SetDefault("internal_token", "")
	v.SetDefault("realtime_auth_secret", "")
	v.SetDefault("rate_limit_per_minute", 120)
	v.SetDefault("max_body_bytes", int64(1<<20))
	v.SetDefault("device_timeout_seconds", 3)
	v.SetDefault("settings_path", "")
	v.SetDefault("default_tariff_sek", 2.5)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	cfg := &Config{
		Environment:          strings.ToLower(strings.TrimSpace(v.GetString("environment"))),
		HTTPHost:             v.GetString("http_host"),
		HTTPPort:             v.GetInt("http_port"),
		AllowedOrigins:       splitOrigins(v.GetString("allowed_origins")),
		InternalToken:        v.GetString("internal_token"),
		RealtimeAuthSecret:   v.GetString("realtime_auth_secret"),
		RateLimitPerMinute:   v.GetInt("rate_limit_per_minute"),
		MaxBodyBytes:         v.GetInt64("max_body_bytes"),
		DeviceTimeoutSeconds: v.GetInt("device_timeout_seconds"),
		SettingsPath:         v.GetString("settings_path"),
		DefaultTariffSEK:     v.GetFloat64("default_tariff_sek"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.HTTPPort)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.DeviceTimeoutSeconds <= 0 {
		return fmt.Errorf("device timeout must be positive, got %d", c.DeviceTimeoutSeconds)
	}
	if c.IsProduction() && c.RealtimeAuthSecret == "" {
		return fmt.Errorf("realtime auth secret is required in production")
	}
	return nil
}

// IsProduction reports whether the process runs with production policy.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
