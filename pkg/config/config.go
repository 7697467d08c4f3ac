package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// weakSecrets are known placeholder values that must never reach
// production. Startup fails if the HMAC secret matches any of them.
var weakSecrets = map[string]struct{}{
	"changeme":                         {},
	"secret":                           {},
	"password":                         {},
	"test-secret":                      {},
	"00000000000000000000000000000000": {},
	"dev-secret-do-not-use-in-prod!!!": {},
}

// HMACConfig configures webhook signature verification.
type HMACConfig struct {
	Secret           string `yaml:"secret"`
	FreshnessSeconds int64  `yaml:"freshness_seconds"`
}

// FreshnessWindow returns the timestamp skew window as a duration.
func (c HMACConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessSeconds) * time.Second
}

// RateLimitConfig configures the distributed token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// TokenConfig configures the session token service.
type TokenConfig struct {
	PrivateKeyPath    string `yaml:"private_key_path"`
	PublicKeyPath     string `yaml:"public_key_path"`
	KeyID             string `yaml:"key_id"`
	ExpirationSeconds int64  `yaml:"expiration_seconds"`
	Issuer            string `yaml:"issuer"`
}

// Expiration returns the token lifetime as a duration.
func (c TokenConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationSeconds) * time.Second
}

// EmailConfig configures the email channel.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	From     string `yaml:"from"`
	SMTPAddr string `yaml:"smtp_addr"`
}

// NotificationsConfig groups channel configuration.
type NotificationsConfig struct {
	Email EmailConfig `yaml:"email"`
}

// DispatchConfig configures per-notification retry.
type DispatchConfig struct {
	MaxAttempts   int   `yaml:"max_attempts"`
	BackoffBaseMS int64 `yaml:"backoff_base_ms"`
}

// BackoffBase returns the base backoff as a duration.
func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// CircuitConfig configures the per-channel circuit breaker.
type CircuitConfig struct {
	Window         int   `yaml:"window"`
	FailureRatePct int   `yaml:"failure_rate_pct"`
	CoolOffSeconds int64 `yaml:"cool_off_seconds"`
}

// CoolOff returns the open-state cool-off as a duration.
func (c CircuitConfig) CoolOff() time.Duration {
	return time.Duration(c.CoolOffSeconds) * time.Second
}

// Config is the full Stackwatch configuration.
type Config struct {
	ListenAddr    string              `yaml:"listen_addr"`
	LogLevel      string              `yaml:"log_level"`
	LogJSON       bool                `yaml:"log_json"`
	DBURL         string              `yaml:"db_url"`
	KVURL         string              `yaml:"kv_url"`
	KVPassword    string              `yaml:"kv_password"`
	HMAC          HMACConfig          `yaml:"hmac"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Token         TokenConfig         `yaml:"token"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Circuit       CircuitConfig       `yaml:"circuit"`
}

// Default returns a configuration populated with defaults. The HMAC secret
// and store URLs have no default and must be supplied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogJSON:    true,
		HMAC: HMACConfig{
			FreshnessSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
		},
		Token: TokenConfig{
			ExpirationSeconds: 900,
			Issuer:            "stackwatch",
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   3,
			BackoffBaseMS: 1000,
		},
		Circuit: CircuitConfig{
			Window:         10,
			FailureRatePct: 50,
			CoolOffSeconds: 30,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STACKWATCH_DB_URL"); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv("STACKWATCH_KV_URL"); v != "" {
		cfg.KVURL = v
	}
	if v := os.Getenv("STACKWATCH_KV_PASSWORD"); v != "" {
		cfg.KVPassword = v
	}
	if v := os.Getenv("STACKWATCH_HMAC_SECRET"); v != "" {
		cfg.HMAC.Secret = v
	}
	if v := os.Getenv("STACKWATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STACKWATCH_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
}

// Validate enforces the startup invariants. The HMAC secret must be
// present, at least 32 bytes, and not a known weak default.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("db_url is required")
	}
	if c.KVURL == "" {
		return fmt.Errorf("kv_url is required")
	}
	if err := ValidateSecret(c.HMAC.Secret); err != nil {
		return err
	}
	if c.HMAC.FreshnessSeconds <= 0 {
		return fmt.Errorf("hmac.freshness_seconds must be positive")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	return nil
}

// ValidateSecret checks the HMAC secret against the startup invariant.
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("hmac.secret is required")
	}
	if len(secret) < 32 {
		return fmt.Errorf("hmac.secret must be at least 32 bytes, got %d", len(secret))
	}
	if _, weak := weakSecrets[secret]; weak {
		return fmt.Errorf("hmac.secret matches a known weak default")
	}
	return nil
}
