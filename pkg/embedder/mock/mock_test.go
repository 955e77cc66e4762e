package mock_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/embedder"
	"github.com/oceanbase/tiermem-go/pkg/embedder/mock"
)

func TestDeterministicUnitVectors(t *testing.T) {
	ctx := context.Background()
	m := mock.New(16)

	a, err := m.Embed(ctx, "User works at DNB")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "  user works at dnb ")
	require.NoError(t, err)
	c, err := m.Embed(ctx, "User likes tea")
	require.NoError(t, err)

	require.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.InDelta(t, 1.0, m.Similarity(a, b), 1e-6)
}

func TestFixedVectorsAndFailures(t *testing.T) {
	ctx := context.Background()
	m := mock.New(3)
	m.Set("coffee", []float32{1, 0, 0})

	v, err := m.Embed(ctx, "Coffee")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v)

	batch, err := m.EmbedBatch(ctx, []string{"coffee", "tea"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 3, m.Calls())

	boom := errors.New("boom")
	m.FailWith(boom)
	_, err = m.Embed(ctx, "coffee")
	assert.ErrorIs(t, err, embedder.ErrEmbedding)
	assert.ErrorIs(t, err, boom)
	assert.Error(t, m.HealthCheck(ctx))

	m.FailWith(nil)
	assert.NoError(t, m.HealthCheck(ctx))
}
