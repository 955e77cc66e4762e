package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/storage/cache"
	"github.com/oceanbase/tiermem-go/pkg/storage/inmemory"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

func newMemory(id string, t types.Tier) *types.Memory {
	now := time.Now().UTC()
	return &types.Memory{
		ID:              id,
		TenantID:        "t1",
		UserID:          "u1",
		Content:         "memory " + id,
		Type:            types.MemoryTypeFact,
		Tier:            t,
		ImportanceScore: 0.5,
		Confidence:      types.Confidence{Score: 0.7, Basis: types.BasisInferred},
		Decay:           types.Decay{Score: 1, RatePerDay: 0.05, LastCalculated: now},
		Metadata:        types.Metadata{CreatedAt: now, UpdatedAt: now, Source: types.SourceObservation},
		TierChangedAt:   now,
	}
}

func newStore(t *testing.T) *cache.Store {
	s, err := cache.New(inmemory.New(), tier.DefaultTable(), cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCachesOnlyCacheBackedTiers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, newMemory("w", types.TierWorking)))
	require.NoError(t, s.Save(ctx, newMemory("l", types.TierLongTerm)))

	for i := 0; i < 2; i++ {
		_, err := s.Get(ctx, "w")
		require.NoError(t, err)
		_, err = s.Get(ctx, "l")
		require.NoError(t, err)
		s.Wait()
	}

	hits, misses := s.Stats()
	assert.Equal(t, uint64(1), hits, "second read of the working record is served from cache")
	assert.Equal(t, uint64(3), misses)
}

func TestWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, newMemory("w", types.TierShortTerm)))
	cached, err := s.Get(ctx, "w")
	require.NoError(t, err)
	s.Wait()

	updated := cached.Clone()
	updated.Content = "changed"
	updated.Metadata.UpdatedAt = cached.Metadata.UpdatedAt.Add(time.Second)
	require.NoError(t, s.Update(ctx, updated, storage.Fence(cached)))
	s.Wait()

	got, err := s.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Content)
	s.Wait()

	require.NoError(t, s.UpdateTier(ctx, "w", types.TierLongTerm, time.Now().UTC(), nil))
	s.Wait()
	got, err = s.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, types.TierLongTerm, got.Tier)

	require.NoError(t, s.HardDelete(ctx, "w"))
	s.Wait()
	_, err = s.Get(ctx, "w")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCachedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, newMemory("w", types.TierWorking)))
	first, err := s.Get(ctx, "w")
	require.NoError(t, err)
	s.Wait()

	first.Content = "mutated by caller"
	second, err := s.Get(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "memory w", second.Content)
}
