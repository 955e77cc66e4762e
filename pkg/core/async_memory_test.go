package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/core"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

func TestAsyncClient(t *testing.T) {
	f := newFixture(t, nil)
	ac := core.WrapAsync(f.client)
	ctx := context.Background()

	created := <-ac.CreateAsync(ctx, explicitFact("User works at DNB"))
	require.NoError(t, created.Error)
	require.NotNil(t, created.Memory)

	ingested := <-ac.IngestAsync(ctx, "I prefer window seats on flights", core.WithScope("tenant-1", "user-1"))
	require.NoError(t, ingested.Error)
	assert.Len(t, ingested.Result.Actions, 1)

	opts := types.DefaultRetrievalOptions()
	opts.TrackAccess = false
	retrieved := <-ac.RetrieveAsync(ctx, types.MemoryRetrievalQuery{
		Query:    "User works at DNB",
		TenantID: "tenant-1",
		UserID:   "user-1",
	}, opts)
	require.NoError(t, retrieved.Error)
	require.NotEmpty(t, retrieved.Result.Memories)
	assert.Equal(t, created.Memory.ID, retrieved.Result.Memories[0].Memory.ID)

	consolidated := <-ac.ConsolidateAsync(ctx, types.ConsolidationOptions{TenantID: "tenant-1", DryRun: true})
	require.NoError(t, consolidated.Error)
	assert.True(t, consolidated.Result.DryRun)

	forgotten := <-ac.ForgetAsync(ctx, types.ForgetCriteria{})
	assert.ErrorIs(t, forgotten.Error, core.ErrValidation)

	assert.NoError(t, <-ac.CleanupExpiredAsync(ctx))
	require.NoError(t, ac.Close())
}

func TestAsyncClient_ConcurrentCreates(t *testing.T) {
	f := newFixture(t, nil)
	ac := core.WrapAsync(f.client)
	ctx := context.Background()

	contents := []string{
		"User works at DNB",
		"User lives in Oslo",
		"User speaks Norwegian",
		"User plans to visit Tokyo",
		"User prefers tea over coffee",
	}
	chans := make([]<-chan *core.MemoryResult, 0, len(contents))
	for _, c := range contents {
		chans = append(chans, ac.CreateAsync(ctx, explicitFact(c)))
	}
	ac.Wait()

	ids := make(map[string]struct{})
	for _, ch := range chans {
		res, ok := <-ch
		require.True(t, ok)
		require.NoError(t, res.Error)
		ids[res.Memory.ID] = struct{}{}

		_, open := <-ch
		assert.False(t, open)
	}
	assert.Len(t, ids, len(contents))
	assert.Equal(t, len(contents), f.store.Len())
}
