package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	sqliteStore "github.com/oceanbase/tiermem-go/pkg/storage/sqlite"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupSQLiteTest(t *testing.T) *sqliteStore.Client {
	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath:         filepath.Join(t.TempDir(), "tiermem.db"),
		CollectionName: "memories",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMemory(id, user string, vec []float32) *types.Memory {
	m := &types.Memory{
		ID:              id,
		TenantID:        "t1",
		UserID:          user,
		Content:         "memory " + id,
		Type:            types.MemoryTypeFact,
		Tier:            types.TierShortTerm,
		ImportanceScore: 0.5,
		Confidence:      types.Confidence{Score: 0.7, Basis: types.BasisInferred},
		Decay:           types.Decay{Score: 1, RatePerDay: 0.05, LastCalculated: base},
		Metadata: types.Metadata{
			CreatedAt: base,
			UpdatedAt: base,
			Source:    types.SourceObservation,
		},
		TierChangedAt: base,
	}
	if vec != nil {
		m.Embedding = &types.Embedding{Vector: vec, Model: "test", Dimension: len(vec), GeneratedAt: base}
	}
	return m
}

func TestSQLiteClient_SaveAndGet(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	m := newMemory("1", "u1", []float32{0.1, 0.2, 0.3})
	m.Tags = []string{"work"}
	m.StructuredData = &types.StructuredData{Subject: "User", Predicate: "works_at", Object: "DNB"}
	require.NoError(t, store.Save(ctx, m))

	got, err := store.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, []string{"work"}, got.Tags)
	assert.Equal(t, "DNB", got.StructuredData.Object)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding.Vector)
	assert.True(t, got.Metadata.CreatedAt.Equal(base))

	assert.ErrorIs(t, store.Save(ctx, m), types.ErrValidation)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSQLiteClient_VectorSearch(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	bot := newMemory("b", "u1", []float32{0.8, 0.6, 0})
	bot.ChatbotID = "support"
	require.NoError(t, store.SaveBatch(ctx, []*types.Memory{
		newMemory("a", "u1", []float32{1, 0, 0}),
		bot,
		newMemory("c", "u1", []float32{0, 1, 0}),
		newMemory("d", "u2", []float32{1, 0, 0}),
	}))

	hits, err := store.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Memory.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "b", hits[1].Memory.ID)

	hits, err = store.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{ChatbotID: "support"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Memory.ID)

	require.NoError(t, store.SoftDelete(ctx, "a"))
	hits, err = store.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Memory.ID)
}

func TestSQLiteClient_FencedUpdate(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, newMemory("1", "u1", nil)))

	stale, err := store.Get(ctx, "1")
	require.NoError(t, err)

	first := stale.Clone()
	first.Content = "first"
	first.Metadata.UpdatedAt = base.Add(time.Second)
	require.NoError(t, store.Update(ctx, first, storage.Fence(stale)))

	second := stale.Clone()
	second.Content = "second"
	assert.ErrorIs(t, store.Update(ctx, second, storage.Fence(stale)), types.ErrConcurrencyConflict)
	assert.ErrorIs(t, store.UpdateDecay(ctx, "1", types.Decay{Score: 0.5, RatePerDay: 0.05, LastCalculated: base}, storage.Fence(stale)), types.ErrConcurrencyConflict)

	missing := newMemory("nope", "u1", nil)
	assert.ErrorIs(t, store.Update(ctx, missing, nil), types.ErrNotFound)
}

func TestSQLiteClient_PartialUpdatesAndQueries(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	low := newMemory("low", "u1", nil)
	low.Decay.Score = 0.2
	ep := newMemory("ep", "u1", nil)
	ep.Tier = types.TierEpisodic
	tagged := newMemory("tag", "u1", nil)
	tagged.Tags = []string{"food"}
	require.NoError(t, store.SaveBatch(ctx, []*types.Memory{newMemory("high", "u1", nil), low, ep, tagged}))

	at := base.Add(time.Hour)
	require.NoError(t, store.UpdateAccess(ctx, "high", at))
	require.NoError(t, store.UpdateTier(ctx, "high", types.TierLongTerm, at.Add(time.Minute), nil))

	got, err := store.Get(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.AccessCount)
	assert.Equal(t, types.TierLongTerm, got.Tier)
	assert.True(t, got.TierChangedAt.Equal(at.Add(time.Minute)))

	cands, err := store.GetForConsolidation(ctx, "t1", "u1", &storage.ConsolidationQuery{CreatedBefore: base})
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "low", cands[0].ID)

	found, err := store.FindByCriteria(ctx, &storage.Criteria{TenantID: "t1", Tags: []string{"food"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "tag", found[0].ID)

	n, err := store.CountByUser(ctx, "t1", "u1", types.TierShortTerm)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.DeleteBatch(ctx, []string{"low", "tag"}, false))
	n, err = store.CountByUser(ctx, "t1", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteClient_CleanupExpired(t *testing.T) {
	store := setupSQLiteTest(t)
	ctx := context.Background()

	exp := newMemory("exp", "u1", nil)
	past := base.Add(-time.Minute)
	exp.ExpiresAt = &past
	require.NoError(t, store.SaveBatch(ctx, []*types.Memory{exp, newMemory("keep", "u1", nil)}))

	n, err := store.CleanupExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "exp")
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, store.HealthCheck(ctx))
}
