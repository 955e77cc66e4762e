package inmemory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/storage/inmemory"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

func TestSaveGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	m := newMemory("1", "u1", []float32{1, 0, 0})
	m.Tags = []string{"a"}
	require.NoError(t, s.Save(ctx, m))

	m.Tags[0] = "mutated"
	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)

	got.Content = "changed"
	again, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "memory 1", again.Content)

	assert.ErrorIs(t, s.Save(ctx, newMemory("1", "u1", nil)), types.ErrValidation)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestVectorSearchScopesAndOrders(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	require.NoError(t, s.SaveBatch(ctx, []*types.Memory{
		newMemory("a", "u1", []float32{1, 0, 0}),
		newMemory("b", "u1", []float32{0.8, 0.6, 0}),
		newMemory("c", "u1", []float32{0, 1, 0}),
		newMemory("d", "u2", []float32{1, 0, 0}),
		newMemory("e", "u1", nil),
	}))

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Memory.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Equal(t, "b", hits[1].Memory.ID)
	assert.InDelta(t, 0.8, hits[1].Similarity, 1e-5)

	hits, err = s.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.VectorSearch(ctx, []float32{1, 0, 0}, "nobody", "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorSearchHonoursChatbotScopeAndDeletion(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	bot := newMemory("bot", "u1", []float32{1, 0})
	bot.ChatbotID = "support"
	other := newMemory("other", "u1", []float32{1, 0})
	other.ChatbotID = "sales"
	global := newMemory("global", "u1", []float32{1, 0})
	superseded := newMemory("old", "u1", []float32{1, 0})
	superseded.SupersededBy = []string{"bot"}
	require.NoError(t, s.SaveBatch(ctx, []*types.Memory{bot, other, global, superseded}))

	ids := func(hits []*storage.SearchHit) []string {
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			out = append(out, h.Memory.ID)
		}
		return out
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0}, "u1", "t1", &storage.VectorSearchOptions{ChatbotID: "support"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot"}, ids(hits))

	hits, err = s.VectorSearch(ctx, []float32{1, 0}, "u1", "t1", &storage.VectorSearchOptions{ChatbotID: "support", IncludeGlobal: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot", "global"}, ids(hits))

	hits, err = s.VectorSearch(ctx, []float32{1, 0}, "u1", "t1", &storage.VectorSearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot", "global", "other"}, ids(hits))

	require.NoError(t, s.SoftDelete(ctx, "bot"))
	hits, err = s.VectorSearch(ctx, []float32{1, 0}, "u1", "t1", &storage.VectorSearchOptions{ChatbotID: "support"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	got, err := s.Get(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestFencedUpdate(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()
	require.NoError(t, s.Save(ctx, newMemory("1", "u1", nil)))

	stale, err := s.Get(ctx, "1")
	require.NoError(t, err)

	first := stale.Clone()
	first.Content = "first writer"
	first.Metadata.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.Update(ctx, first, storage.Fence(stale)))

	second := stale.Clone()
	second.Content = "second writer"
	second.Metadata.UpdatedAt = base.Add(2 * time.Minute)
	err = s.Update(ctx, second, storage.Fence(stale))
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	err = s.UpdateTier(ctx, "1", types.TierLongTerm, base.Add(time.Hour), storage.Fence(stale))
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Content)

	require.NoError(t, s.UpdateTier(ctx, "1", types.TierLongTerm, base.Add(time.Hour), storage.Fence(got)))
	got, err = s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, types.TierLongTerm, got.Tier)
	assert.Equal(t, base.Add(time.Hour), got.TierChangedAt)
}

func TestPartialUpdates(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()
	require.NoError(t, s.Save(ctx, newMemory("1", "u1", nil)))

	at := base.Add(3 * time.Hour)
	require.NoError(t, s.UpdateAccess(ctx, "1", at))
	require.NoError(t, s.UpdateAccess(ctx, "1", at))
	require.NoError(t, s.UpdateDecay(ctx, "1", types.Decay{Score: 1.7, RatePerDay: 0.1, LastCalculated: at}, nil))

	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.AccessCount)
	require.NotNil(t, got.Metadata.LastAccessedAt)
	assert.Equal(t, at, *got.Metadata.LastAccessedAt)
	assert.Equal(t, 1.0, got.Decay.Score)
	assert.Equal(t, 0.1, got.Decay.RatePerDay)

	assert.ErrorIs(t, s.UpdateAccess(ctx, "missing", at), types.ErrNotFound)
	assert.ErrorIs(t, s.UpdateTier(ctx, "1", types.Tier("bogus"), at, nil), types.ErrValidation)
}

func TestFindByCriteriaAndCounts(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	pref := newMemory("p", "u1", nil)
	pref.Type = types.MemoryTypePreference
	pref.Tags = []string{"food"}
	work := newMemory("w", "u1", nil)
	work.Tier = types.TierWorking
	gone := newMemory("g", "u1", nil)
	require.NoError(t, s.SaveBatch(ctx, []*types.Memory{pref, work, gone, newMemory("x", "u2", nil)}))
	require.NoError(t, s.SoftDelete(ctx, "g"))

	found, err := s.FindByCriteria(ctx, &storage.Criteria{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.FindByCriteria(ctx, &storage.Criteria{TenantID: "t1", UserID: "u1", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, found, 3)

	found, err = s.FindByCriteria(ctx, &storage.Criteria{TenantID: "t1", Tags: []string{"food"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "p", found[0].ID)

	found, err = s.FindByCriteria(ctx, &storage.Criteria{TenantID: "t1", Tiers: []types.Tier{types.TierWorking}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "w", found[0].ID)

	n, err := s.CountByUser(ctx, "t1", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.CountByUser(ctx, "t1", "u1", types.TierWorking)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetForConsolidation(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	low := newMemory("low", "u1", nil)
	low.Decay.Score = 0.2
	high := newMemory("high", "u1", nil)
	high.Decay.Score = 0.9
	episodic := newMemory("ep", "u1", nil)
	episodic.Tier = types.TierEpisodic
	late := newMemory("late", "u1", nil)
	late.Metadata.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.SaveBatch(ctx, []*types.Memory{high, low, episodic, late}))

	got, err := s.GetForConsolidation(ctx, "t1", "", &storage.ConsolidationQuery{CreatedBefore: base})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "low", got[0].ID)
	assert.Equal(t, "high", got[1].ID)
}

func TestDeleteBatchAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := inmemory.New()

	expired := newMemory("exp", "u1", []float32{1, 0})
	past := base.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, s.SaveBatch(ctx, []*types.Memory{expired, newMemory("a", "u1", []float32{1, 0}), newMemory("b", "u1", nil)}))

	n, err := s.CleanupExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "exp")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = s.DeleteBatch(ctx, []string{"a", "missing", "b"}, true)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 0, s.Len())

	hits, err := s.VectorSearch(ctx, []float32{1, 0}, "u1", "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestClosedAndCancelled(t *testing.T) {
	s := inmemory.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.HealthCheck(ctx), types.ErrStorage)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.HealthCheck(context.Background()), types.ErrStorage)
}
