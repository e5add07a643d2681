// Package cache holds the gateway's two hot-path TTL caches: the aggregated
// model listing and credential verification results.
//
// Both follow the same shape: mutex-guarded read-check, absolute TTL expiry,
// and a backing fetch performed outside the lock so a slow backend never
// stalls concurrent readers on a fresh entry.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// DefaultModelTTL is how long an aggregated model listing stays fresh.
const DefaultModelTTL = 5 * time.Minute

// ModelCache caches the aggregated model listing across all registered
// providers as a single entry.
type ModelCache struct {
	registry map[string]providers.Provider
	ttl      time.Duration
	log      *slog.Logger
	metrics  *metrics.Registry

	now func() time.Time

	mu        sync.Mutex
	models    []providers.Model
	fetchedAt time.Time
}

// NewModelCache builds a cache over the given provider registry. ttl <= 0
// falls back to DefaultModelTTL.
func NewModelCache(registry map[string]providers.Provider, ttl time.Duration, log *slog.Logger, m *metrics.Registry) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelTTL
	}
	return &ModelCache{
		registry: registry,
		ttl:      ttl,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// List returns the aggregated model listing, refreshing it when stale. Every
// id is prefixed with its provider name. A provider that fails to list
// contributes zero models without failing the aggregate, so one degraded
// upstream never blanks the catalog.
func (c *ModelCache) List(ctx context.Context) []providers.Model {
	c.mu.Lock()
	if c.models != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		out := append([]providers.Model(nil), c.models...)
		c.mu.Unlock()
		c.metrics.ModelCacheHit()
		return out
	}
	c.mu.Unlock()
	c.metrics.ModelCacheMiss()

	models := c.fetch(ctx)

	c.mu.Lock()
	c.models = models
	c.fetchedAt = c.now()
	c.mu.Unlock()

	return append([]providers.Model(nil), models...)
}

func (c *ModelCache) fetch(ctx context.Context) []providers.Model {
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([][]providers.Model, len(names))

	var g errgroup.Group
	for i, name := range names {
		p := c.registry[name]
		g.Go(func() error {
			listCtx, cancel := context.WithTimeout(ctx, providers.ListModelsTimeout)
			defer cancel()

			upstream, err := p.ListModels(listCtx)
			if err != nil {
				c.log.Warn("model listing failed",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				return nil
			}

			tagged := make([]providers.Model, len(upstream))
			for j, m := range upstream {
				m.ID = name + "/" + m.ID
				if m.Object == "" {
					m.Object = "model"
				}
				if m.OwnedBy == "" {
					m.OwnedBy = name
				}
				tagged[j] = m
			}
			results[i] = tagged
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are logged above

	models := make([]providers.Model, 0, 32)
	for _, part := range results {
		models = append(models, part...)
	}
	return models
}

// Invalidate drops the cached listing so the next List refetches.
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.mu.Unlock()
}
