// internal/common/config/config.go
package config

import "time"

// Config is the main application configuration struct.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Billing BillingConfig `mapstructure:"billing"`
	Credits CreditsConfig `mapstructure:"credits"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// --- Core App Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// AuthConfig holds settings for the token refresh endpoint.
type AuthConfig struct {
	TokenURL       string `mapstructure:"token_url"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	MaxRetries     int    `mapstructure:"max_retries"`
	InitialBackoff int    `mapstructure:"initial_backoff"` // milliseconds
}

// Timeout returns the request timeout as a duration.
func (a AuthConfig) Timeout() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Millisecond
}

// Backoff returns the initial retry backoff as a duration.
func (a AuthConfig) Backoff() time.Duration {
	return time.Duration(a.InitialBackoff) * time.Millisecond
}

// BillingConfig holds settings for the billing provider API.
type BillingConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

func (b BillingConfig) Timeout() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Millisecond
}

// CreditsConfig holds settings for the credit ledger backend.
type CreditsConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

func (c CreditsConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QuotaConfig holds the per-tier generation quota settings.
type QuotaConfig struct {
	CreatorWeeklyLimit int `mapstructure:"creator_weekly_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// TracingConfig holds the Jaeger collector settings. An empty endpoint
// disables trace export.
type TracingConfig struct {
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}
