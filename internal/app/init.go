package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-bridge/internal/cache"
	"github.com/nulpointcorp/llm-bridge/internal/config"
	"github.com/nulpointcorp/llm-bridge/internal/history"
	"github.com/nulpointcorp/llm-bridge/internal/keystore"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-bridge/internal/providers/synthetic"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
)

// initInfra establishes optional external connections. Redis is only
// required when a redis-backed keystore or history store is selected.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Auth.Backend == "redis" || a.cfg.History.Backend == "redis"
	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the upstream provider map. At least one provider must
// be configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no providers configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// buildProviders constructs one client per configured upstream. The map key
// is the routing prefix clients use in the model field.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.DeepSeek.APIKey != "" {
		// DeepSeek rejects multimodal tool results, so tool-role content is
		// flattened to plain text.
		provs["deepseek"] = openaicompat.New("deepseek", cfg.DeepSeek.BaseURL, cfg.DeepSeek.APIKey,
			openaicompat.WithToolContentMerge())
	}
	if cfg.Moonshot.APIKey != "" {
		provs["moonshot"] = openaicompat.New("moonshot", cfg.Moonshot.BaseURL, cfg.Moonshot.APIKey)
	}
	if cfg.ZAI.APIKey != "" {
		provs["zai"] = openaicompat.New("zai", cfg.ZAI.BaseURL, cfg.ZAI.APIKey)
	}
	if cfg.TestProvider {
		provs["test"] = synthetic.New()
	}

	return provs
}

// initServices creates the keystore, history store, caches, background
// workers, and the Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	// ── Keystore ─────────────────────────────────────────────────────────────
	switch a.cfg.Auth.Backend {
	case "memory":
		s, err := keystore.NewMemoryStore(a.cfg.Auth.Keys)
		if err != nil {
			return err
		}
		a.keys = s
		a.log.Info("keystore backend: memory", slog.Int("keys", len(a.cfg.Auth.Keys)))

	case "redis":
		a.keys = keystore.NewRedisStoreFromClient(a.rdb)
		a.log.Info("keystore backend: redis")

	case "sqlite":
		s, err := keystore.NewSQLiteStore(a.cfg.Auth.SQLitePath)
		if err != nil {
			return err
		}
		a.sqliteKeys = s
		a.keys = s
		a.log.Info("keystore backend: sqlite", slog.String("path", a.cfg.Auth.SQLitePath))

	default:
		return fmt.Errorf("unknown auth backend: %s", a.cfg.Auth.Backend)
	}

	// ── History store + async writer ─────────────────────────────────────────
	var histStore history.Store
	switch a.cfg.History.Backend {
	case "file":
		s, err := history.NewFileStore(a.cfg.History.Dir)
		if err != nil {
			return err
		}
		histStore = s
		a.log.Info("history backend: file", slog.String("dir", a.cfg.History.Dir))

	case "redis":
		histStore = history.NewRedisStoreFromClient(a.rdb)
		a.log.Info("history backend: redis")

	case "none":
		a.log.Info("history backend: disabled")

	default:
		return fmt.Errorf("unknown history backend: %s", a.cfg.History.Backend)
	}
	a.histWriter = history.NewWriter(histStore, a.log)

	// ── Usage accounting ─────────────────────────────────────────────────────
	ul, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.usageLogger = ul

	// ── Metrics ──────────────────────────────────────────────────────────────
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Hot-path caches ──────────────────────────────────────────────────────
	a.credCache = cache.NewCredentialCache(a.keys, a.cfg.Cache.KeyTTL, a.log, a.prom)
	a.modelCache = cache.NewModelCache(a.provs, a.cfg.Cache.ModelTTL, a.log, a.prom)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.baseCtx, a.provs, a.credCache, a.modelCache, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Usage:   a.usageLogger,
		History: a.histWriter,
	})

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
