package keystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is a config-seeded in-memory keystore. It is the default
// backend for single-node deployments and for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Credential
}

// NewMemoryStore builds a store from "key:purpose" pairs. A pair without a
// colon gets an empty purpose. Each seeded key is active and owned by a
// synthetic sequential user id.
func NewMemoryStore(seeds []string) (*MemoryStore, error) {
	s := &MemoryStore{keys: make(map[string]Credential, len(seeds))}
	for i, seed := range seeds {
		key, purpose, _ := strings.Cut(seed, ":")
		if key == "" {
			return nil, fmt.Errorf("keystore: empty key in seed %d", i)
		}
		s.keys[key] = Credential{UserID: int64(i + 1), Active: true, Purpose: purpose}
	}
	return s, nil
}

// Add inserts or replaces a key.
func (s *MemoryStore) Add(key string, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = cred
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, key string) (*Credential, error) {
	s.mu.RLock()
	cred, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok || !cred.Active {
		return nil, ErrNotFound
	}
	out := cred
	return &out, nil
}
