// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// At least one upstream provider key (or TEST_PROVIDER=true) is required for
// the gateway to start. Redis is only required when a redis-backed keystore
// or history store is selected.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream providers. A provider with an empty API key is disabled.
	DeepSeek ProviderConfig
	Moonshot ProviderConfig
	ZAI      ProviderConfig

	// TestProvider enables the in-process synthetic provider under the
	// "test" prefix. No external calls; used for benchmarks and smoke tests.
	TestProvider bool

	// Auth selects and seeds the credential store.
	Auth AuthConfig

	// Redis holds the connection URL shared by redis-backed stores.
	Redis RedisConfig

	// Cache controls the TTLs of the two hot-path caches.
	Cache CacheConfig

	// History controls conversation-history persistence.
	History HistoryConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// AuthConfig selects the credential store backend.
type AuthConfig struct {
	// Backend selects the keystore:
	//   "memory" — seeded from Keys. No external deps; default.
	//   "redis"  — credential hashes in Redis (requires REDIS_URL).
	//   "sqlite" — local SQLite database at SQLitePath.
	Backend string

	// Keys seeds the memory backend. Each entry is "key" or "key:purpose".
	Keys []string

	// SQLitePath is the database file for the sqlite backend.
	// Default: "data/keys.db".
	SQLitePath string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the hot-path TTL caches.
type CacheConfig struct {
	// ModelTTL is how long the aggregated model listing stays fresh.
	// Default: 5m.
	ModelTTL time.Duration

	// KeyTTL is how long credential verification results (positive and
	// negative) stay fresh. Bounds revocation latency. Default: 1m.
	KeyTTL time.Duration
}

// HistoryConfig controls conversation-history persistence.
type HistoryConfig struct {
	// Backend selects the history store:
	//   "file"  — one JSON file per conversation under Dir. Default.
	//   "redis" — one JSON value per conversation (requires REDIS_URL).
	//   "none"  — persistence disabled.
	Backend string

	// Dir is the base directory for the file backend. Default: "chat_history".
	Dir string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TEST_PROVIDER", false)

	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com")
	v.SetDefault("MOONSHOT_BASE_URL", "https://api.moonshot.cn/v1")
	v.SetDefault("ZAI_BASE_URL", "https://api.z.ai/api/paas/v4")

	v.SetDefault("AUTH_BACKEND", "memory")
	v.SetDefault("AUTH_SQLITE_PATH", "data/keys.db")

	v.SetDefault("MODEL_CACHE_TTL", "5m")
	v.SetDefault("KEY_CACHE_TTL", "1m")

	v.SetDefault("HISTORY_BACKEND", "file")
	v.SetDefault("HISTORY_DIR", "chat_history")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DeepSeek: ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Moonshot: ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY"), BaseURL: v.GetString("MOONSHOT_BASE_URL")},
		ZAI:      ProviderConfig{APIKey: v.GetString("ZAI_API_KEY"), BaseURL: v.GetString("ZAI_BASE_URL")},

		TestProvider: v.GetBool("TEST_PROVIDER"),

		Auth: AuthConfig{
			Backend:    strings.ToLower(v.GetString("AUTH_BACKEND")),
			Keys:       v.GetStringSlice("AUTH_KEYS"),
			SQLitePath: v.GetString("AUTH_SQLITE_PATH"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			ModelTTL: v.GetDuration("MODEL_CACHE_TTL"),
			KeyTTL:   v.GetDuration("KEY_CACHE_TTL"),
		},

		History: HistoryConfig{
			Backend: strings.ToLower(v.GetString("HISTORY_BACKEND")),
			Dir:     v.GetString("HISTORY_DIR"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider is required " +
				"(DEEPSEEK_API_KEY, MOONSHOT_API_KEY, ZAI_API_KEY, or TEST_PROVIDER=true)",
		)
	}

	switch c.Auth.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf(
			"config: invalid AUTH_BACKEND %q; must be one of: memory, redis, sqlite",
			c.Auth.Backend,
		)
	}
	if c.Auth.Backend == "memory" && len(c.Auth.Keys) == 0 {
		return fmt.Errorf("config: AUTH_KEYS is required when AUTH_BACKEND=memory")
	}
	if c.Auth.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when AUTH_BACKEND=redis")
	}

	switch c.History.Backend {
	case "file", "redis", "none":
	default:
		return fmt.Errorf(
			"config: invalid HISTORY_BACKEND %q; must be one of: file, redis, none",
			c.History.Backend,
		)
	}
	if c.History.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when HISTORY_BACKEND=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Cache.ModelTTL <= 0 {
		return fmt.Errorf("config: MODEL_CACHE_TTL must be a positive duration")
	}
	if c.Cache.KeyTTL <= 0 {
		return fmt.Errorf("config: KEY_CACHE_TTL must be a positive duration")
	}

	return nil
}

// AtLeastOneProvider returns true if at least one upstream is configured.
func (c *Config) AtLeastOneProvider() bool {
	return c.DeepSeek.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.TestProvider
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
