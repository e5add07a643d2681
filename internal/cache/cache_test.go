package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/keystore"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listProvider implements providers.Provider with a canned model listing.
type listProvider struct {
	name   string
	models []providers.Model
	err    error
	calls  int64
}

func (p *listProvider) Name() string { return p.name }

func (p *listProvider) ChatCompletion(context.Context, *providers.ChatRequest) (*providers.ChatCompletion, error) {
	return nil, errors.New("not implemented")
}

func (p *listProvider) ChatCompletionStream(context.Context, *providers.ChatRequest) (<-chan string, error) {
	return nil, errors.New("not implemented")
}

func (p *listProvider) ListModels(context.Context) ([]providers.Model, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.err != nil {
		return nil, p.err
	}
	return p.models, nil
}

func TestModelCacheAggregationResilience(t *testing.T) {
	registry := map[string]providers.Provider{
		"alpha": &listProvider{name: "alpha", models: []providers.Model{{ID: "a1"}, {ID: "a2"}}},
		"beta":  &listProvider{name: "beta", err: errors.New("upstream down")},
		"gamma": &listProvider{name: "gamma", models: []providers.Model{{ID: "g1"}}},
	}
	c := NewModelCache(registry, time.Minute, testLogger(), nil)

	models := c.List(context.Background())
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d: %+v", len(models), models)
	}

	ids := make(map[string]bool, len(models))
	for _, m := range models {
		ids[m.ID] = true
		if m.OwnedBy == "" {
			t.Fatalf("owned_by not defaulted on %q", m.ID)
		}
	}
	for _, want := range []string{"alpha/a1", "alpha/a2", "gamma/g1"} {
		if !ids[want] {
			t.Fatalf("missing %q in %v", want, ids)
		}
	}
}

func TestModelCacheDeterministicOrder(t *testing.T) {
	registry := map[string]providers.Provider{
		"beta":  &listProvider{name: "beta", models: []providers.Model{{ID: "b1"}}},
		"alpha": &listProvider{name: "alpha", models: []providers.Model{{ID: "a1"}}},
	}
	c := NewModelCache(registry, time.Minute, testLogger(), nil)

	models := c.List(context.Background())
	if models[0].ID != "alpha/a1" || models[1].ID != "beta/b1" {
		t.Fatalf("listing not sorted by provider: %+v", models)
	}
}

func TestModelCacheServesFromCacheWithinTTL(t *testing.T) {
	p := &listProvider{name: "alpha", models: []providers.Model{{ID: "a1"}}}
	c := NewModelCache(map[string]providers.Provider{"alpha": p}, time.Minute, testLogger(), nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	c.List(context.Background())
	c.List(context.Background())
	if n := atomic.LoadInt64(&p.calls); n != 1 {
		t.Fatalf("expected 1 upstream call within TTL, got %d", n)
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.List(context.Background())
	if n := atomic.LoadInt64(&p.calls); n != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", n)
	}
}

// countingStore wraps a memory store and counts Lookup calls.
type countingStore struct {
	inner keystore.Store
	err   error
	calls int64
}

func (s *countingStore) Lookup(ctx context.Context, key string) (*keystore.Credential, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Lookup(ctx, key)
}

func TestCredentialCacheHit(t *testing.T) {
	mem, err := keystore.NewMemoryStore([]string{"sk-good:cursor"})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	store := &countingStore{inner: mem}
	c := NewCredentialCache(store, time.Minute, testLogger(), nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		cred := c.Lookup(ctx, "sk-good")
		if cred == nil || cred.Purpose != "cursor" {
			t.Fatalf("lookup %d: unexpected credential %+v", i, cred)
		}
	}
	if n := atomic.LoadInt64(&store.calls); n != 1 {
		t.Fatalf("expected 1 backing call within TTL, got %d", n)
	}
}

func TestCredentialCacheNegative(t *testing.T) {
	mem, err := keystore.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	store := &countingStore{inner: mem}
	c := NewCredentialCache(store, time.Minute, testLogger(), nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if cred := c.Lookup(ctx, "sk-bad"); cred != nil {
			t.Fatalf("invalid key resolved: %+v", cred)
		}
	}
	if n := atomic.LoadInt64(&store.calls); n != 1 {
		t.Fatalf("negative result not cached: %d backing calls", n)
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Lookup(ctx, "sk-bad")
	if n := atomic.LoadInt64(&store.calls); n != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", n)
	}
}

func TestCredentialCacheStoreErrorNotCached(t *testing.T) {
	mem, err := keystore.NewMemoryStore([]string{"sk-good"})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	store := &countingStore{inner: mem, err: errors.New("backend unreachable")}
	c := NewCredentialCache(store, time.Minute, testLogger(), nil)

	ctx := context.Background()
	if cred := c.Lookup(ctx, "sk-good"); cred != nil {
		t.Fatalf("lookup during outage resolved: %+v", cred)
	}

	// Backend recovers; the failure must not have been cached.
	store.err = nil
	if cred := c.Lookup(ctx, "sk-good"); cred == nil {
		t.Fatal("lookup after recovery still rejected")
	}
	if n := atomic.LoadInt64(&store.calls); n != 2 {
		t.Fatalf("expected 2 backing calls, got %d", n)
	}
}
