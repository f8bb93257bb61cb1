package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRBaseURL     string   `mapstructure:"FHIR_BASE_URL"`
	SubscriptionIDs []string `mapstructure:"SUBSCRIPTION_IDS"`

	WebhookAddr   string `mapstructure:"WEBHOOK_ADDR"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	StreamBuffer          int           `mapstructure:"STREAM_BUFFER"`
	ReconnectMaxAttempts  int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectInitialDelay time.Duration `mapstructure:"RECONNECT_INITIAL_DELAY"`
	ReconnectMaxDelay     time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	ReconnectMultiplier   float64       `mapstructure:"RECONNECT_MULTIPLIER"`
	ReconnectJitter       bool          `mapstructure:"RECONNECT_JITTER"`
	DialTimeout           time.Duration `mapstructure:"DIAL_TIMEOUT"`
	ReadIdleTimeout       time.Duration `mapstructure:"READ_IDLE_TIMEOUT"`

	AuthTokenURL       string   `mapstructure:"AUTH_TOKEN_URL"`
	AuthClientID       string   `mapstructure:"AUTH_CLIENT_ID"`
	AuthPrivateKeyFile string   `mapstructure:"AUTH_PRIVATE_KEY_FILE"`
	AuthScopes         []string `mapstructure:"AUTH_SCOPES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STREAM_BUFFER", 64)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("RECONNECT_INITIAL_DELAY", "1s")
	v.SetDefault("RECONNECT_MAX_DELAY", "30s")
	v.SetDefault("RECONNECT_MULTIPLIER", 2.0)
	v.SetDefault("RECONNECT_JITTER", true)
	v.SetDefault("DIAL_TIMEOUT", "10s")
	v.SetDefault("READ_IDLE_TIMEOUT", "0s")
	v.SetDefault("AUTH_SCOPES", "system/*.read")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("SUBSCRIPTION_IDS")
	v.BindEnv("WEBHOOK_ADDR")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("STREAM_BUFFER")
	v.BindEnv("RECONNECT_MAX_ATTEMPTS")
	v.BindEnv("RECONNECT_INITIAL_DELAY")
	v.BindEnv("RECONNECT_MAX_DELAY")
	v.BindEnv("RECONNECT_MULTIPLIER")
	v.BindEnv("RECONNECT_JITTER")
	v.BindEnv("DIAL_TIMEOUT")
	v.BindEnv("READ_IDLE_TIMEOUT")
	v.BindEnv("AUTH_TOKEN_URL")
	v.BindEnv("AUTH_CLIENT_ID")
	v.BindEnv("AUTH_PRIVATE_KEY_FILE")
	v.BindEnv("AUTH_SCOPES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Slice values arrive as comma-separated strings from the environment.
	if ids := v.GetString("SUBSCRIPTION_IDS"); ids != "" {
		cfg.SubscriptionIDs = splitCSV(ids)
	}
	if scopes := v.GetString("AUTH_SCOPES"); scopes != "" {
		cfg.AuthScopes = splitCSV(scopes)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasAuth reports whether SMART Backend Services credentials are configured.
func (c *Config) HasAuth() bool {
	return c.AuthTokenURL != "" || c.AuthClientID != "" || c.AuthPrivateKeyFile != ""
}

// Validate checks that the configuration is safe to run. The auth settings
// are all-or-none: a partial credential set is almost always a typo, so it
// is rejected instead of silently running unauthenticated.
func (c *Config) Validate() error {
	if c.FHIRBaseURL != "" {
		u, err := url.Parse(c.FHIRBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("FHIR_BASE_URL must be an http(s) URL, got %q", c.FHIRBaseURL)
		}
	}

	if c.StreamBuffer < 1 {
		return fmt.Errorf("STREAM_BUFFER must be at least 1, got %d", c.StreamBuffer)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative, got %d", c.ReconnectMaxAttempts)
	}
	if c.ReconnectMultiplier <= 0 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be greater than zero, got %g", c.ReconnectMultiplier)
	}
	if c.ReconnectInitialDelay < 0 || c.ReconnectMaxDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.DialTimeout < 0 || c.ReadIdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.HasAuth() {
		if c.AuthTokenURL == "" {
			return fmt.Errorf("AUTH_TOKEN_URL is required when auth is configured")
		}
		if c.AuthClientID == "" {
			return fmt.Errorf("AUTH_CLIENT_ID is required when auth is configured")
		}
		if c.AuthPrivateKeyFile == "" {
			return fmt.Errorf("AUTH_PRIVATE_KEY_FILE is required when auth is configured")
		}
	}

	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}

	return nil
}
