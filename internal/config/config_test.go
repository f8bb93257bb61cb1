package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"ENV", "LOG_LEVEL", "FHIR_BASE_URL", "SUBSCRIPTION_IDS", "STREAM_BUFFER", "RECONNECT_MAX_ATTEMPTS", "AUTH_SCOPES"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if cfg.StreamBuffer != 64 {
		t.Errorf("expected default stream buffer 64, got %d", cfg.StreamBuffer)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectInitialDelay != time.Second {
		t.Errorf("expected default initial delay 1s, got %v", cfg.ReconnectInitialDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("expected default max delay 30s, got %v", cfg.ReconnectMaxDelay)
	}
	if cfg.ReconnectMultiplier != 2.0 {
		t.Errorf("expected default multiplier 2.0, got %g", cfg.ReconnectMultiplier)
	}
	if !cfg.ReconnectJitter {
		t.Error("expected jitter on by default")
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("expected default dial timeout 10s, got %v", cfg.DialTimeout)
	}
	if len(cfg.AuthScopes) != 1 || cfg.AuthScopes[0] != "system/*.read" {
		t.Errorf("expected default scope system/*.read, got %v", cfg.AuthScopes)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	env := map[string]string{
		"FHIR_BASE_URL":           "https://fhir.example.com/r4",
		"SUBSCRIPTION_IDS":        "sub-1, sub-2",
		"WEBHOOK_ADDR":            ":8080",
		"WEBHOOK_SECRET":          "s3cret",
		"RECONNECT_MAX_ATTEMPTS":  "8",
		"RECONNECT_INITIAL_DELAY": "250ms",
		"RECONNECT_JITTER":        "false",
		"AUTH_SCOPES":             "system/Patient.read,system/Encounter.read",
	}
	for key, value := range env {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range env {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FHIRBaseURL != "https://fhir.example.com/r4" {
		t.Errorf("expected FHIR_BASE_URL to be set, got %s", cfg.FHIRBaseURL)
	}
	if len(cfg.SubscriptionIDs) != 2 || cfg.SubscriptionIDs[0] != "sub-1" || cfg.SubscriptionIDs[1] != "sub-2" {
		t.Errorf("expected trimmed subscription ids, got %v", cfg.SubscriptionIDs)
	}
	if cfg.WebhookAddr != ":8080" {
		t.Errorf("expected webhook addr :8080, got %s", cfg.WebhookAddr)
	}
	if cfg.ReconnectMaxAttempts != 8 {
		t.Errorf("expected max attempts 8, got %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectInitialDelay != 250*time.Millisecond {
		t.Errorf("expected initial delay 250ms, got %v", cfg.ReconnectInitialDelay)
	}
	if cfg.ReconnectJitter {
		t.Error("expected jitter to be disabled")
	}
	if len(cfg.AuthScopes) != 2 {
		t.Errorf("expected 2 scopes, got %v", cfg.AuthScopes)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:                   "production",
			LogLevel:              "info",
			FHIRBaseURL:           "https://fhir.example.com/r4",
			StreamBuffer:          64,
			ReconnectMaxAttempts:  5,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			ReconnectMultiplier:   2.0,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty base url allowed", func(c *Config) { c.FHIRBaseURL = "" }, false},
		{"bad base url scheme", func(c *Config) { c.FHIRBaseURL = "ftp://fhir.example.com" }, true},
		{"base url without host", func(c *Config) { c.FHIRBaseURL = "https://" }, true},
		{"zero stream buffer", func(c *Config) { c.StreamBuffer = 0 }, true},
		{"negative max attempts", func(c *Config) { c.ReconnectMaxAttempts = -1 }, true},
		{"zero multiplier", func(c *Config) { c.ReconnectMultiplier = 0 }, true},
		{"negative delay", func(c *Config) { c.ReconnectInitialDelay = -time.Second }, true},
		{"partial auth", func(c *Config) { c.AuthTokenURL = "https://auth.example.com/token" }, true},
		{"complete auth", func(c *Config) {
			c.AuthTokenURL = "https://auth.example.com/token"
			c.AuthClientID = "fhirsub"
			c.AuthPrivateKeyFile = "/etc/fhirsub/key.pem"
		}, false},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_HasAuth(t *testing.T) {
	c := &Config{}
	if c.HasAuth() {
		t.Error("expected HasAuth() to be false with no credentials")
	}

	c.AuthClientID = "fhirsub"
	if !c.HasAuth() {
		t.Error("expected HasAuth() to be true once any credential is set")
	}
}
