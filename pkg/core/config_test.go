package core_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/core"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := core.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "inmemory", cfg.Store.Provider)
	assert.Equal(t, "mock", cfg.Embedder.Provider)
	assert.Nil(t, cfg.LLM)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Config)
	}{
		{"unknown store", func(c *core.Config) { c.Store.Provider = "redis" }},
		{"unknown embedder", func(c *core.Config) { c.Embedder.Provider = "word2vec" }},
		{"remote embedder without key", func(c *core.Config) { c.Embedder.Provider = "qwen" }},
		{"negative dimensions", func(c *core.Config) { c.Embedder.Dimensions = -1 }},
		{"unknown llm", func(c *core.Config) { c.LLM = &core.LLMConfig{Provider: "palm"} }},
		{"duplicate threshold out of range", func(c *core.Config) { c.Intelligence.DuplicateThreshold = 1.5 }},
		{"unknown extractor", func(c *core.Config) { c.Intelligence.Extractor = "spacy" }},
		{"llm extractor without llm", func(c *core.Config) { c.Intelligence.Extractor = "llm" }},
		{"reconcile without llm", func(c *core.Config) { c.Intelligence.Reconcile = true }},
		{"negative retrieval setting", func(c *core.Config) { c.Retrieval.CandidateMultiplier = -2 }},
		{"thresholds out of order", func(c *core.Config) {
			c.Intelligence.Thresholds.LongTermPromotion = 0.95
		}},
		{"unknown type weight", func(c *core.Config) {
			c.Intelligence.TypeWeights = map[types.MemoryType]float64{"mood": 0.5}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := core.DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrInvalidConfig)
		})
	}
}

func TestConfigValidate_LLMEnablesReconcile(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.LLM = &core.LLMConfig{Provider: "openai", APIKey: "sk-test"}
	cfg.Intelligence.Extractor = "llm"
	cfg.Intelligence.Reconcile = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiermem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  provider: sqlite
  config:
    db_path: /tmp/tiermem-test.db
  cache: true
embedder:
  provider: mock
  dimensions: 16
intelligence:
  deduplication: true
  duplicate_threshold: 0.9
  decay:
    base_rate_per_day: 0.1
retrieval:
  recency_half_life_days: 14
scheduler:
  tenant_id: tenant-1
  consolidation_cron: "@every 1h"
`), 0o600))

	cfg, err := core.LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Provider)
	assert.Equal(t, "/tmp/tiermem-test.db", cfg.Store.Config["db_path"])
	assert.True(t, cfg.Store.Cache)
	assert.Equal(t, 16, cfg.Embedder.Dimensions)
	assert.True(t, cfg.Intelligence.Deduplication)
	assert.Equal(t, 0.9, cfg.Intelligence.DuplicateThreshold)
	assert.Equal(t, 0.1, cfg.Intelligence.Decay.BaseRatePerDay)
	assert.Equal(t, 0.9, cfg.Intelligence.Thresholds.DecayProtection)
	assert.Equal(t, 14.0, cfg.Retrieval.RecencyHalfLifeDays)
	assert.Equal(t, "tenant-1", cfg.Scheduler.TenantID)
	assert.Equal(t, "@every 1h", cfg.Scheduler.ConsolidationCron)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiermem.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"store": {"provider": "inmemory"},
		"llm": {"provider": "anthropic", "api_key": "sk-ant-test"},
		"intelligence": {"extractor": "llm", "reconcile": true}
	}`), 0o600))

	cfg, err := core.LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.LLM)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "mock", cfg.Embedder.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := core.LoadConfigFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"store": `), 0o600))
	_, err = core.LoadConfigFromJSON(path)
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("EMBEDDING_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_DIMS", "768")
	t.Setenv("LLM_PROVIDER", "deepseek")
	t.Setenv("LLM_API_KEY", "sk-ds")
	t.Setenv("MEMORY_DEDUPLICATION", "true")
	t.Setenv("MEMORY_DUPLICATE_THRESHOLD", "0.92")
	t.Setenv("MEMORY_EXTRACTOR", "llm")
	t.Setenv("SCHEDULER_TENANT_ID", "tenant-9")
	t.Setenv("SCHEDULER_CLEANUP_CRON", "@daily")
	t.Setenv("SCHEDULER_TIMEOUT_SECONDS", "120")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres", cfg.Store.Provider)
	assert.Equal(t, "db.internal", cfg.Store.Config["host"])
	assert.Equal(t, 6543, cfg.Store.Config["port"])
	assert.Equal(t, 768, cfg.Store.Config["embedding_model_dims"])
	assert.Equal(t, 768, cfg.Embedder.Dimensions)
	require.NotNil(t, cfg.LLM)
	assert.Equal(t, "deepseek", cfg.LLM.Provider)
	assert.True(t, cfg.Intelligence.Deduplication)
	assert.Equal(t, 0.92, cfg.Intelligence.DuplicateThreshold)
	assert.Equal(t, "llm", cfg.Intelligence.Extractor)
	assert.Equal(t, "tenant-9", cfg.Scheduler.TenantID)
	assert.Equal(t, "@daily", cfg.Scheduler.CleanupCron)
	assert.Equal(t, 120, cfg.Scheduler.TimeoutSeconds)
}

func TestLoadConfigFromEnv_MalformedNumber(t *testing.T) {
	t.Setenv("EMBEDDING_DIMS", "lots")
	_, err := core.LoadConfigFromEnv()
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestNewClient_FromSQLiteConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store = core.StoreConfig{
		Provider: "sqlite",
		Config:   map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "tiermem.db")},
		Cache:    true,
	}

	client, err := core.NewClient(cfg, core.WithClock(func() time.Time { return epoch }))
	require.NoError(t, err)
	defer client.Close()

	ctx := t.Context()
	m, err := client.Create(ctx, explicitFact("User works at DNB"))
	require.NoError(t, err)

	got, err := client.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "User works at DNB", got.Content)
	assert.NoError(t, client.HealthCheck(ctx))
}
