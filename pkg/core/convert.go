package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/embedder"
	"github.com/oceanbase/tiermem-go/pkg/embedder/mock"
	openaiEmbedder "github.com/oceanbase/tiermem-go/pkg/embedder/openai"
	"github.com/oceanbase/tiermem-go/pkg/extraction"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/llm"
	anthropicLLM "github.com/oceanbase/tiermem-go/pkg/llm/anthropic"
	openaiLLM "github.com/oceanbase/tiermem-go/pkg/llm/openai"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/storage/cache"
	"github.com/oceanbase/tiermem-go/pkg/storage/inmemory"
	"github.com/oceanbase/tiermem-go/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/tiermem-go/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/tiermem-go/pkg/storage/sqlite"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// scoringConfig merges the intelligence section over the package defaults.
// A zero Thresholds block means "use defaults"; zero decay fields fall back
// one by one.
func (c *Config) scoringConfig() (intelligence.Config, error) {
	out := intelligence.DefaultConfig()
	in := c.Intelligence

	if in.Thresholds != (intelligence.Thresholds{}) {
		out.Thresholds = in.Thresholds
	}
	if in.Decay.BaseRatePerDay > 0 {
		out.Decay.BaseRatePerDay = in.Decay.BaseRatePerDay
	}
	if in.Decay.AcceleratedMultiplier > 0 {
		out.Decay.AcceleratedMultiplier = in.Decay.AcceleratedMultiplier
	}
	if in.Decay.ReinforcementFactor > 0 {
		out.Decay.ReinforcementFactor = in.Decay.ReinforcementFactor
	}
	if in.Decay.WriteEpsilon > 0 {
		out.Decay.WriteEpsilon = in.Decay.WriteEpsilon
	}
	if len(in.TypeWeights) > 0 {
		weights := out.Weights.AsMap()
		for t, w := range in.TypeWeights {
			weights[t] = w
		}
		tw, err := intelligence.NewTypeWeights(weights)
		if err != nil {
			return intelligence.Config{}, err
		}
		out.Weights = tw
	}
	return out, out.Validate()
}

// tierTable overlays configured rows on the default tier table.
func (c *Config) tierTable() (tier.Table, error) {
	if len(c.Tiers) == 0 {
		return tier.DefaultTable(), nil
	}
	rows := tier.DefaultTable().AsMap()
	for t, row := range c.Tiers {
		rows[t] = row
	}
	return tier.NewTable(rows)
}

func (c *Config) duplicateThreshold() float64 {
	if c.Intelligence.DuplicateThreshold > 0 {
		return c.Intelligence.DuplicateThreshold
	}
	return DefaultDuplicateThreshold
}

// initStorage opens the configured backend and, when enabled, wraps it with
// the tier cache.
func initStorage(cfg StoreConfig, table tier.Table) (storage.MemoryStore, error) {
	var store storage.MemoryStore
	switch cfg.Provider {
	case "inmemory":
		store = inmemory.New()
	case "sqlite":
		client, err := sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:         stringParam(cfg.Config, "db_path", "./tiermem.db"),
			CollectionName: stringParam(cfg.Config, "collection_name", "memories"),
		})
		if err != nil {
			return nil, err
		}
		store = client
	case "postgres":
		client, err := postgresStore.NewClient(&postgresStore.Config{
			Host:               stringParam(cfg.Config, "host", "localhost"),
			Port:               intParam(cfg.Config, "port", 5432),
			User:               stringParam(cfg.Config, "user", "postgres"),
			Password:           stringParam(cfg.Config, "password", ""),
			DBName:             stringParam(cfg.Config, "db_name", "tiermem"),
			CollectionName:     stringParam(cfg.Config, "collection_name", "memories"),
			EmbeddingModelDims: intParam(cfg.Config, "embedding_model_dims", 1536),
			SSLMode:            stringParam(cfg.Config, "ssl_mode", "disable"),
		})
		if err != nil {
			return nil, err
		}
		store = client
	case "oceanbase":
		client, err := oceanbase.NewClient(&oceanbase.Config{
			Host:               stringParam(cfg.Config, "host", "127.0.0.1"),
			Port:               intParam(cfg.Config, "port", 2881),
			User:               stringParam(cfg.Config, "user", "root@sys"),
			Password:           stringParam(cfg.Config, "password", ""),
			DBName:             stringParam(cfg.Config, "db_name", "tiermem"),
			CollectionName:     stringParam(cfg.Config, "collection_name", "memories"),
			EmbeddingModelDims: intParam(cfg.Config, "embedding_model_dims", 1536),
		})
		if err != nil {
			return nil, err
		}
		store = client
	default:
		return nil, fmt.Errorf("%w: unsupported store provider: %s", ErrInvalidConfig, cfg.Provider)
	}

	if !cfg.Cache {
		return store, nil
	}
	cacheCfg := cache.DefaultConfig()
	if cfg.CacheMaxItems > 0 {
		cacheCfg.MaxItems = cfg.CacheMaxItems
	}
	cached, err := cache.New(store, table, cacheCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return cached, nil
}

// initEmbedder creates the configured embedding provider.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "mock":
		dims := cfg.Dimensions
		if dims == 0 {
			dims = 64
		}
		return mock.New(dims), nil
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "qwen":
		qc := openaiEmbedder.QwenConfig(cfg.APIKey)
		if cfg.Model != "" {
			qc.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			qc.BaseURL = cfg.BaseURL
		}
		if cfg.Dimensions > 0 {
			qc.Dimensions = cfg.Dimensions
		}
		return openaiEmbedder.NewClient(qc)
	default:
		return nil, fmt.Errorf("%w: unsupported embedder provider: %s", ErrInvalidConfig, cfg.Provider)
	}
}

// initLLM creates the configured LLM provider. A nil config yields no provider.
func initLLM(cfg *LLMConfig) (llm.Provider, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Provider {
	case "anthropic":
		return anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "openai", "deepseek", "qwen", "ollama":
		preset, err := openaiLLM.PresetConfig(cfg.Provider, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			preset.BaseURL = cfg.BaseURL
		}
		return openaiLLM.NewClient(preset)
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider: %s", ErrInvalidConfig, cfg.Provider)
	}
}

// initExtractor picks the ingestion extractor and optional reconciler.
func initExtractor(cfg IntelligenceConfig, provider llm.Provider) (extraction.Extractor, *extraction.Reconciler) {
	var ex extraction.Extractor = extraction.NewPatternExtractor()
	if cfg.Extractor == "llm" && provider != nil {
		ex = extraction.NewLLMExtractor(provider)
	}
	var rec *extraction.Reconciler
	if cfg.Reconcile && provider != nil {
		rec = extraction.NewReconciler(provider)
	}
	return ex, rec
}

// initialConfidence is the confidence a new memory starts with.
func initialConfidence(basis types.ConfidenceBasis) float64 {
	switch basis {
	case types.BasisExplicit:
		return 0.9
	case types.BasisCorrected:
		return 0.95
	default:
		return 0.6
	}
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// stringParam reads a string from a provider config map.
func stringParam(m map[string]interface{}, key, def string) string {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case fmt.Stringer:
			return s.String()
		}
	}
	return def
}

// intParam reads an integer from a provider config map. JSON decodes numbers
// as float64, YAML as int, and environment-derived maps may hold strings.
func intParam(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
