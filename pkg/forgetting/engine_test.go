package forgetting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/forgetting"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/storage/inmemory"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func memory(id string, importance, decay float64, age time.Duration) *types.Memory {
	created := now.Add(-age)
	return &types.Memory{
		ID:              id,
		TenantID:        "t1",
		UserID:          "u1",
		Tier:            types.TierLongTerm,
		Type:            types.MemoryTypeFact,
		Content:         "memory " + id,
		ImportanceScore: importance,
		Confidence:      types.Confidence{Score: 0.6, Basis: types.BasisInferred},
		// LastCalculated at now keeps the effective decay equal to the stored score.
		Decay: types.Decay{Score: decay, RatePerDay: 0.05, LastCalculated: now},
		Metadata: types.Metadata{
			CreatedAt: created,
			UpdatedAt: created,
			Source:    types.SourceObservation,
		},
		TierChangedAt: created,
	}
}

func newEngine(t *testing.T, store storage.MemoryStore) *forgetting.Engine {
	t.Helper()
	scoring, err := intelligence.NewEngine(intelligence.DefaultConfig())
	require.NoError(t, err)
	return forgetting.New(store, scoring, forgetting.WithClock(func() time.Time { return now }))
}

func seed(t *testing.T, ms ...*types.Memory) *inmemory.Store {
	t.Helper()
	s := inmemory.New()
	for _, m := range ms {
		require.NoError(t, s.Save(context.Background(), m))
	}
	return s
}

func TestHighImportanceIsSkipped(t *testing.T) {
	store := seed(t,
		memory("x", 0.9, 0.05, time.Hour),
		memory("y", 0.4, 0.05, time.Hour),
		memory("z", 0.4, 0.8, time.Hour),
	)
	e := newEngine(t, store)
	criteria := types.ForgetCriteria{
		TenantID:            "t1",
		DecayThreshold:      0.1,
		SkipHighImportance:  true,
		ImportanceThreshold: 0.8,
	}

	res, err := e.Forget(context.Background(), criteria)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.Equal(t, []string{"y"}, res.Forgotten)
	assert.Equal(t, []types.SkippedItem{{MemoryID: "x", Reason: forgetting.ReasonHighImportance}}, res.Skipped)
	assert.False(t, res.HardDelete)

	y, err := store.Get(context.Background(), "y")
	require.NoError(t, err)
	assert.True(t, y.IsDeleted)

	again, err := e.Forget(context.Background(), criteria)
	require.NoError(t, err)
	assert.Empty(t, again.Forgotten)
}

func TestProtectedMemoriesSurviveDecayThreshold(t *testing.T) {
	protected := memory("p", 0.5, 0.02, time.Hour)
	protected.Decay.Protected = true
	store := seed(t, protected, memory("q", 0.5, 0.02, time.Hour))

	res, err := newEngine(t, store).Forget(context.Background(), types.ForgetCriteria{TenantID: "t1", DecayThreshold: 0.1, HardDelete: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, res.Forgotten)
	assert.Equal(t, []types.SkippedItem{{MemoryID: "p", Reason: forgetting.ReasonDecayProtected}}, res.Skipped)

	_, err = store.Get(context.Background(), "q")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFiltersAreANDed(t *testing.T) {
	old := memory("old", 0.5, 1, 40*24*time.Hour)
	old.Content = "User's Old Phone number is 555"
	oldOther := memory("old-other", 0.5, 1, 40*24*time.Hour)
	recent := memory("recent", 0.5, 1, 24*time.Hour)
	recent.Content = "User's new phone number"
	pref := memory("pref", 0.5, 1, 40*24*time.Hour)
	pref.Type = types.MemoryTypePreference
	pref.Content = "phone calls are preferred"
	store := seed(t, old, oldOther, recent, pref)

	res, err := newEngine(t, store).Forget(context.Background(), types.ForgetCriteria{
		TenantID:         "t1",
		UserID:           "u1",
		Types:            []types.MemoryType{types.MemoryTypeFact},
		OlderThanDays:    30,
		ContainsKeywords: []string{"PHONE"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, res.Forgotten)
	assert.Equal(t, 1, res.Evaluated)
}

func TestExplicitIDsAndTags(t *testing.T) {
	a := memory("a", 0.5, 1, time.Hour)
	a.Tags = []string{"temp"}
	b := memory("b", 0.5, 1, time.Hour)
	b.Tags = []string{"temp"}
	c := memory("c", 0.5, 1, time.Hour)
	store := seed(t, a, b, c)

	res, err := newEngine(t, store).Forget(context.Background(), types.ForgetCriteria{
		TenantID:  "t1",
		MemoryIDs: []string{"a", "c"},
		Tags:      []string{"temp"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Forgotten)
}

type flakyStore struct {
	storage.MemoryStore
	fail string
}

func (f *flakyStore) SoftDelete(ctx context.Context, id string) error {
	if id == f.fail {
		return types.StorageError("SoftDelete", errors.New("connection reset"))
	}
	return f.MemoryStore.SoftDelete(ctx, id)
}

func TestStorageErrorsAreSkippedNotFatal(t *testing.T) {
	inner := seed(t, memory("a", 0.5, 0.05, time.Hour), memory("b", 0.5, 0.05, time.Hour))
	res, err := newEngine(t, &flakyStore{MemoryStore: inner, fail: "a"}).Forget(context.Background(),
		types.ForgetCriteria{TenantID: "t1", DecayThreshold: 0.1})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, res.Forgotten)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "a", res.Skipped[0].MemoryID)
	assert.Contains(t, res.Skipped[0].Reason, "storage")
	assert.Equal(t, res.Evaluated, len(res.Forgotten)+len(res.Skipped))
}

func TestForgetValidatesAndCancels(t *testing.T) {
	e := newEngine(t, seed(t, memory("a", 0.5, 0.05, time.Hour)))

	_, err := e.Forget(context.Background(), types.ForgetCriteria{})
	assert.ErrorIs(t, err, types.ErrValidation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Forget(ctx, types.ForgetCriteria{TenantID: "t1"})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Forgotten)
}
