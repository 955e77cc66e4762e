// Package cache provides a read-through cache in front of a MemoryStore for
// the cache-backed tiers.
//
// Records in a tier whose backend is tier.BackendCache are kept in a
// ristretto cache for that tier's TTL. Every write through the decorator
// invalidates the affected ids, so the cache never serves a record older
// than the last local write.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Config sizes the cache.
type Config struct {
	// MaxItems bounds the number of cached records.
	MaxItems int64

	// BufferItems is ristretto's Get buffer size.
	BufferItems int64
}

// DefaultConfig returns a cache sized for a few thousand hot records.
func DefaultConfig() Config {
	return Config{MaxItems: 10000, BufferItems: 64}
}

// Store decorates a MemoryStore with a tier-aware read cache.
type Store struct {
	storage.MemoryStore

	cache *ristretto.Cache
	table tier.Table
}

var _ storage.MemoryStore = (*Store)(nil)

// New wraps inner.
func New(inner storage.MemoryStore, table tier.Table, cfg Config) (*Store, error) {
	if cfg.MaxItems <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxItems * 10,
		MaxCost:     cfg.MaxItems,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("NewCache: %w", err)
	}
	return &Store{MemoryStore: inner, cache: c, table: table}, nil
}

func (s *Store) admit(m *types.Memory) {
	if m.IsDeleted {
		return
	}
	ttl, ok := s.table.CacheTTL(m.Tier)
	if !ok {
		return
	}
	if m.ExpiresAt != nil {
		if until := time.Until(*m.ExpiresAt); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	s.cache.SetWithTTL(m.ID, m.Clone(), 1, ttl)
}

func (s *Store) invalidate(ids ...string) {
	for _, id := range ids {
		s.cache.Del(id)
	}
}

// Get serves cache-tier records from memory and falls through otherwise.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if v, ok := s.cache.Get(id); ok {
		if m, ok := v.(*types.Memory); ok {
			return m.Clone(), nil
		}
	}
	m, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.admit(m)
	return m, nil
}

func (s *Store) Save(ctx context.Context, m *types.Memory) error {
	s.invalidate(m.ID)
	return s.MemoryStore.Save(ctx, m)
}

func (s *Store) Update(ctx context.Context, m *types.Memory, opts *storage.UpdateOptions) error {
	defer s.invalidate(m.ID)
	return s.MemoryStore.Update(ctx, m, opts)
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	defer s.invalidate(id)
	return s.MemoryStore.SoftDelete(ctx, id)
}

func (s *Store) HardDelete(ctx context.Context, id string) error {
	defer s.invalidate(id)
	return s.MemoryStore.HardDelete(ctx, id)
}

func (s *Store) UpdateTier(ctx context.Context, id string, t types.Tier, changedAt time.Time, opts *storage.UpdateOptions) error {
	defer s.invalidate(id)
	return s.MemoryStore.UpdateTier(ctx, id, t, changedAt, opts)
}

func (s *Store) UpdateDecay(ctx context.Context, id string, decay types.Decay, opts *storage.UpdateOptions) error {
	defer s.invalidate(id)
	return s.MemoryStore.UpdateDecay(ctx, id, decay, opts)
}

func (s *Store) UpdateAccess(ctx context.Context, id string, accessedAt time.Time) error {
	defer s.invalidate(id)
	return s.MemoryStore.UpdateAccess(ctx, id, accessedAt)
}

func (s *Store) SaveBatch(ctx context.Context, ms []*types.Memory) error {
	for _, m := range ms {
		s.invalidate(m.ID)
	}
	return s.MemoryStore.SaveBatch(ctx, ms)
}

func (s *Store) DeleteBatch(ctx context.Context, ids []string, hard bool) error {
	defer s.invalidate(ids...)
	return s.MemoryStore.DeleteBatch(ctx, ids, hard)
}

// CleanupExpired clears the whole cache since the removed ids are unknown.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	defer s.cache.Clear()
	return s.MemoryStore.CleanupExpired(ctx, now)
}

// Close releases the cache and the wrapped store.
func (s *Store) Close() error {
	s.cache.Close()
	return s.MemoryStore.Close()
}

// Wait blocks until buffered cache writes are applied.
func (s *Store) Wait() { s.cache.Wait() }

// Stats reports cache hits and misses.
func (s *Store) Stats() (hits, misses uint64) {
	return s.cache.Metrics.Hits(), s.cache.Metrics.Misses()
}
