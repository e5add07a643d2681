package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/keystore"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
)

// DefaultCredentialTTL bounds how long a revocation can go unnoticed.
const DefaultCredentialTTL = time.Minute

type credEntry struct {
	cred      *keystore.Credential // nil marks a cached negative
	expiresAt time.Time
}

// CredentialCache fronts a keystore.Store with a TTL map keyed by the raw
// credential. Absent and inactive keys are cached negatively for the same
// TTL, so repeated probing with a bad key costs one backend lookup per
// window. Backend failures are never cached: the request is rejected and the
// next one retries the store.
type CredentialCache struct {
	store   keystore.Store
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Registry

	now func() time.Time

	mu      sync.Mutex
	entries map[string]credEntry
}

// NewCredentialCache builds a cache over store. ttl <= 0 falls back to
// DefaultCredentialTTL.
func NewCredentialCache(store keystore.Store, ttl time.Duration, log *slog.Logger, m *metrics.Registry) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &CredentialCache{
		store:   store,
		ttl:     ttl,
		log:     log,
		metrics: m,
		now:     time.Now,
		entries: make(map[string]credEntry),
	}
}

// Lookup resolves a raw key to a credential. nil means the key is invalid
// (absent, inactive, or the backend failed).
func (c *CredentialCache) Lookup(ctx context.Context, key string) *keystore.Credential {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			if e.cred == nil {
				c.metrics.KeyCacheNegativeHit()
			} else {
				c.metrics.KeyCacheHit()
			}
			return e.cred
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.metrics.KeyCacheMiss()

	cred, err := c.store.Lookup(ctx, key)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		cred = nil
	case err != nil:
		c.log.Error("credential lookup failed", slog.String("error", err.Error()))
		return nil
	}

	c.mu.Lock()
	c.entries[key] = credEntry{cred: cred, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return cred
}
