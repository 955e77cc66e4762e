package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	postgresStore "github.com/oceanbase/tiermem-go/pkg/storage/postgres"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

func setupPostgresTest(t *testing.T) *postgresStore.Client {
	_ = godotenv.Load(filepath.Join("..", "..", "..", ".env"))

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("Skipping PostgreSQL test: POSTGRES_HOST not set")
	}
	port, err := strconv.Atoi(getenv("POSTGRES_PORT", "5432"))
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: invalid POSTGRES_PORT")
	}

	store, err := postgresStore.NewClient(&postgresStore.Config{
		Host:               host,
		Port:               port,
		User:               getenv("POSTGRES_USER", "postgres"),
		Password:           os.Getenv("POSTGRES_PASSWORD"),
		DBName:             getenv("POSTGRES_DATABASE", "postgres"),
		CollectionName:     "tiermem_test_" + strconv.FormatInt(time.Now().UnixNano(), 36),
		EmbeddingModelDims: 3,
	})
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestConfigDSN(t *testing.T) {
	cfg := &postgresStore.Config{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "mem"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=mem sslmode=disable", cfg.DSN())

	_, err := postgresStore.NewClient(&postgresStore.Config{})
	assert.Error(t, err)
}

func TestPostgresClient_SaveSearch(t *testing.T) {
	store := setupPostgresTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := &types.Memory{
		ID: "1", TenantID: "t1", UserID: "u1",
		Content: "User works at DNB", Type: types.MemoryTypeFact, Tier: types.TierShortTerm,
		ImportanceScore: 0.9,
		Confidence:      types.Confidence{Score: 0.9, Basis: types.BasisExplicit},
		Decay:           types.Decay{Score: 1, RatePerDay: 0.05, LastCalculated: now},
		Metadata:        types.Metadata{CreatedAt: now, UpdatedAt: now, Source: types.SourceExplicitStatement},
		Embedding:       &types.Embedding{Vector: []float32{1, 0, 0}, Dimension: 3},
		TierChangedAt:   now,
	}
	require.NoError(t, store.Save(ctx, m))

	hits, err := store.VectorSearch(ctx, []float32{1, 0, 0}, "u1", "t1", &storage.VectorSearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
}
