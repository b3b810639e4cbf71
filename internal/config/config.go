package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Cryptix server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	Webhook   WebhookConfig
	Flow      FlowConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// PublicBaseURL is the externally reachable origin used when building
	// checkpoint callback URLs handed to ad providers.
	PublicBaseURL string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ProvidersConfig configures the third-party verification APIs. Base URLs are
// overridable so tests can point strategies at local fakes.
type ProvidersConfig struct {
	Linkvertise ProviderConfig
	LootLabs    ProviderConfig
	WorkInk     ProviderConfig
}

type ProviderConfig struct {
	BaseURL string
	Timeout time.Duration
}

type WebhookConfig struct {
	Timeout time.Duration
}

// FlowConfig tunes the visitor-facing flow.
type FlowConfig struct {
	// MinCheckpointAge is the minimum dwell time on a provider page before a
	// returning callback is accepted.
	MinCheckpointAge time.Duration
	// SessionRequestsPerMinute is the per-IP budget on session creation.
	SessionRequestsPerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("CRYPTIX_PORT", 8080),
			Env:           envString("CRYPTIX_ENV", "development"),
			PublicBaseURL: envString("CRYPTIX_PUBLIC_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Providers: ProvidersConfig{
			Linkvertise: ProviderConfig{
				BaseURL: envString("LINKVERTISE_API_URL", "https://publisher.linkvertise.com/api/v1/anti_bypassing"),
				Timeout: envDuration("LINKVERTISE_TIMEOUT", 10*time.Second),
			},
			LootLabs: ProviderConfig{
				BaseURL: envString("LOOTLABS_API_URL", "https://be.lootlabs.gg/api/lootlabs/url_encryptor"),
				Timeout: envDuration("LOOTLABS_TIMEOUT", 10*time.Second),
			},
			WorkInk: ProviderConfig{
				BaseURL: envString("WORKINK_API_URL", "https://work.ink/_api/v2/token/isValid"),
				Timeout: envDuration("WORKINK_TIMEOUT", 10*time.Second),
			},
		},
		Webhook: WebhookConfig{
			Timeout: envDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		},
		Flow: FlowConfig{
			MinCheckpointAge:         envDurationSecs("CHECKPOINT_MIN_AGE_SECS", 30*time.Second),
			SessionRequestsPerMinute: envInt("SESSION_REQUESTS_PER_MINUTE", 30),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	for name, p := range map[string]ProviderConfig{
		"LINKVERTISE_API_URL": c.Providers.Linkvertise,
		"LOOTLABS_API_URL":    c.Providers.LootLabs,
		"WORKINK_API_URL":     c.Providers.WorkInk,
	} {
		if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, p.BaseURL)
		}
	}

	if c.Flow.MinCheckpointAge <= 0 {
		return fmt.Errorf("CHECKPOINT_MIN_AGE_SECS must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
