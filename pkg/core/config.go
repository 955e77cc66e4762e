package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Config contains the complete configuration for a tiermem client.
//
// It includes settings for:
//   - Store (memory persistence and the optional tier cache)
//   - Embedder (vector generation)
//   - LLM (optional, for LLM-backed extraction and reconciliation)
//   - Intelligence (scoring thresholds, decay, ingestion behaviour)
//   - Tiers (per-tier TTL, capacity and dwell overrides)
//   - Retrieval and Scheduler tuning
//
// Example:
//
//	config := &core.Config{
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./tiermem.db",
//	        },
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	}
type Config struct {
	// Store contains memory store configuration.
	Store StoreConfig `json:"store" yaml:"store"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder" yaml:"embedder"`

	// LLM contains LLM provider configuration (optional).
	LLM *LLMConfig `json:"llm,omitempty" yaml:"llm,omitempty"`

	// Intelligence contains scoring and ingestion configuration.
	Intelligence IntelligenceConfig `json:"intelligence" yaml:"intelligence"`

	// Tiers overrides individual rows of the default tier table.
	Tiers map[types.Tier]tier.Config `json:"tiers,omitempty" yaml:"tiers,omitempty"`

	// Retrieval tunes the retrieval ranker.
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// Scheduler configures the periodic consolidation and cleanup jobs.
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

// StoreConfig contains configuration for the memory store.
//
// Supported providers: inmemory, sqlite, postgres, oceanbase
type StoreConfig struct {
	// Provider is the store provider name.
	Provider string `json:"provider" yaml:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, collection_name
	// For OceanBase: host, port, user, password, db_name, collection_name, embedding_model_dims
	// For PostgreSQL: host, port, user, password, db_name, collection_name, embedding_model_dims, ssl_mode
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Cache wraps the store with a read cache for cache-backed tiers.
	Cache bool `json:"cache,omitempty" yaml:"cache,omitempty"`

	// CacheMaxItems bounds the cache size. Zero uses the cache default.
	CacheMaxItems int64 `json:"cache_max_items,omitempty" yaml:"cache_max_items,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen, mock
type EmbedderConfig struct {
	Provider   string `json:"provider" yaml:"provider"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, deepseek, qwen, ollama, anthropic
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// IntelligenceConfig contains scoring and ingestion configuration.
//
// Zero values fall back to the defaults of the intelligence package.
type IntelligenceConfig struct {
	Thresholds intelligence.Thresholds  `json:"thresholds" yaml:"thresholds"`
	Decay      intelligence.DecayConfig `json:"decay" yaml:"decay"`

	// TypeWeights overrides individual base weights.
	TypeWeights map[types.MemoryType]float64 `json:"type_weights,omitempty" yaml:"type_weights,omitempty"`

	// PromotionMinAccess is the access count that counts as sustained use.
	PromotionMinAccess int `json:"promotion_min_access,omitempty" yaml:"promotion_min_access,omitempty"`

	// Deduplication reinforces a near-duplicate instead of creating a new memory.
	Deduplication bool `json:"deduplication" yaml:"deduplication"`

	// DuplicateThreshold is the cosine similarity at or above which two
	// memories are duplicates. Default: 0.95
	DuplicateThreshold float64 `json:"duplicate_threshold,omitempty" yaml:"duplicate_threshold,omitempty"`

	// Extractor selects the ingestion extractor: "pattern" (default) or "llm".
	Extractor string `json:"extractor,omitempty" yaml:"extractor,omitempty"`

	// Reconcile lets the LLM decide ADD/UPDATE/DELETE/NONE against existing
	// memories during ingestion. Requires an LLM.
	Reconcile bool `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
}

// RetrievalConfig tunes the retrieval ranker.
type RetrievalConfig struct {
	RecencyHalfLifeDays  float64 `json:"recency_half_life_days,omitempty" yaml:"recency_half_life_days,omitempty"`
	CandidateMultiplier  int     `json:"candidate_multiplier,omitempty" yaml:"candidate_multiplier,omitempty"`
	AccessTimeoutSeconds int     `json:"access_timeout_seconds,omitempty" yaml:"access_timeout_seconds,omitempty"`
}

// SchedulerConfig configures the periodic jobs.
//
// Schedules use cron syntax, including descriptors such as "@every 1h".
// An empty schedule disables the job.
type SchedulerConfig struct {
	TenantID          string  `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ConsolidationCron string  `json:"consolidation_cron,omitempty" yaml:"consolidation_cron,omitempty"`
	CleanupCron       string  `json:"cleanup_cron,omitempty" yaml:"cleanup_cron,omitempty"`
	MergeSimilar      bool    `json:"merge_similar" yaml:"merge_similar"`
	MinAgeHours       float64 `json:"min_age_hours,omitempty" yaml:"min_age_hours,omitempty"`
	TimeoutSeconds    int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// DefaultDuplicateThreshold applies when deduplication is on and no threshold is set.
const DefaultDuplicateThreshold = 0.95

// DefaultConfig returns a self-contained configuration: in-memory store and
// the deterministic mock embedder. Useful for tests and examples.
func DefaultConfig() *Config {
	return &Config{
		Store:    StoreConfig{Provider: "inmemory"},
		Embedder: EmbedderConfig{Provider: "mock", Dimensions: 64},
		Intelligence: IntelligenceConfig{
			Thresholds: intelligence.DefaultThresholds(),
			Decay:      intelligence.DefaultDecayConfig(),
		},
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (inmemory, sqlite, oceanbase, postgres), CACHE_ENABLED
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, etc.
//   - SQLITE_PATH, SQLITE_COLLECTION
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL, EMBEDDING_DIMS
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - MEMORY_DEDUPLICATION, MEMORY_DUPLICATE_THRESHOLD, MEMORY_EXTRACTOR, MEMORY_RECONCILE
//   - SCHEDULER_TENANT_ID, SCHEDULER_CONSOLIDATION_CRON, SCHEDULER_CLEANUP_CRON
//
// Returns a Config instance, or an error if a numeric variable cannot be parsed.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	var errs []string
	intEnv := func(key string, def int) int {
		v, err := strconv.Atoi(getEnvOrDefault(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, key)
			return def
		}
		return v
	}
	floatEnv := func(key string, def float64) float64 {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, key)
			return def
		}
		return v
	}

	dims := intEnv("EMBEDDING_DIMS", 1536)

	cfg.Store.Provider = getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	cfg.Store.Cache = os.Getenv("CACHE_ENABLED") == "true"
	switch cfg.Store.Provider {
	case "oceanbase":
		cfg.Store.Config = map[string]interface{}{
			"host":                 getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			"port":                 intEnv("OCEANBASE_PORT", 2881),
			"user":                 getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			"password":             os.Getenv("OCEANBASE_PASSWORD"),
			"db_name":              getEnvOrDefault("OCEANBASE_DATABASE", "tiermem"),
			"collection_name":      getEnvOrDefault("OCEANBASE_COLLECTION", "memories"),
			"embedding_model_dims": dims,
		}
	case "sqlite":
		cfg.Store.Config = map[string]interface{}{
			"db_path":         getEnvOrDefault("SQLITE_PATH", "./tiermem.db"),
			"collection_name": getEnvOrDefault("SQLITE_COLLECTION", "memories"),
		}
	case "postgres":
		cfg.Store.Config = map[string]interface{}{
			"host":                 getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":                 intEnv("POSTGRES_PORT", 5432),
			"user":                 getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":             os.Getenv("POSTGRES_PASSWORD"),
			"db_name":              getEnvOrDefault("POSTGRES_DATABASE", "tiermem"),
			"collection_name":      getEnvOrDefault("POSTGRES_COLLECTION", "memories"),
			"embedding_model_dims": dims,
			"ssl_mode":             getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	}

	cfg.Embedder = EmbedderConfig{
		Provider:   getEnvOrDefault("EMBEDDING_PROVIDER", "qwen"),
		APIKey:     os.Getenv("EMBEDDING_API_KEY"),
		Model:      os.Getenv("EMBEDDING_MODEL"),
		BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
		Dimensions: dims,
	}

	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM = &LLMConfig{
			Provider: provider,
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_MODEL"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		}
	}

	cfg.Intelligence.Deduplication = os.Getenv("MEMORY_DEDUPLICATION") == "true"
	cfg.Intelligence.DuplicateThreshold = floatEnv("MEMORY_DUPLICATE_THRESHOLD", 0)
	cfg.Intelligence.Extractor = os.Getenv("MEMORY_EXTRACTOR")
	cfg.Intelligence.Reconcile = os.Getenv("MEMORY_RECONCILE") == "true"
	cfg.Intelligence.Decay.BaseRatePerDay = floatEnv("MEMORY_DECAY_RATE", cfg.Intelligence.Decay.BaseRatePerDay)

	cfg.Scheduler = SchedulerConfig{
		TenantID:          os.Getenv("SCHEDULER_TENANT_ID"),
		ConsolidationCron: os.Getenv("SCHEDULER_CONSOLIDATION_CRON"),
		CleanupCron:       os.Getenv("SCHEDULER_CLEANUP_CRON"),
		MergeSimilar:      os.Getenv("SCHEDULER_MERGE_SIMILAR") == "true",
		MinAgeHours:       floatEnv("SCHEDULER_MIN_AGE_HOURS", 0),
		TimeoutSeconds:    intEnv("SCHEDULER_TIMEOUT_SECONDS", 0),
	}

	if len(errs) > 0 {
		return nil, NewMemoryError("LoadConfigFromEnv",
			fmt.Errorf("%w: malformed numeric variables: %s", ErrInvalidConfig, strings.Join(errs, ", ")))
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields absent from
// the file keep the values of DefaultConfig.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	return config, nil
}

// LoadConfigFromYAML loads configuration from a YAML file. Fields absent from
// the file keep the values of DefaultConfig. Tier durations accept Go
// duration strings such as "72h".
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}
	return config, nil
}

// LoadConfigFromFile picks the loader by file extension: .yaml/.yml, .json,
// or anything else as a .env file.
func LoadConfigFromFile(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadConfigFromYAML(path)
	case ".json":
		return LoadConfigFromJSON(path)
	default:
		return LoadConfigFromEnvFile(path)
	}
}

var (
	storeProviders    = []string{"inmemory", "sqlite", "postgres", "oceanbase"}
	embedderProviders = []string{"openai", "qwen", "mock"}
	llmProviders      = []string{"openai", "deepseek", "qwen", "ollama", "anthropic"}
)

// Validate checks the configuration.
//
// Checks that:
//   - the store, embedder and (when set) LLM providers are known
//   - remote embedders carry an API key
//   - the scoring and tier tables are valid
//   - LLM extraction and reconciliation have an LLM to talk to
//
// Returns an error wrapping ErrInvalidConfig, nil otherwise.
func (c *Config) Validate() error {
	return c.validate(injected{})
}

// injected marks collaborators supplied through ClientOptions, whose config
// sections are then ignored.
type injected struct {
	store, embedder, llm bool
}

func (c *Config) validate(inj injected) error {
	if !inj.store && !oneOf(c.Store.Provider, storeProviders) {
		return configError("unknown store provider %q", c.Store.Provider)
	}
	if !inj.embedder {
		if !oneOf(c.Embedder.Provider, embedderProviders) {
			return configError("unknown embedder provider %q", c.Embedder.Provider)
		}
		if c.Embedder.Provider != "mock" && c.Embedder.APIKey == "" {
			return configError("embedder %q requires an api key", c.Embedder.Provider)
		}
		if c.Embedder.Dimensions < 0 {
			return configError("embedder dimensions must be >= 0")
		}
	}
	hasLLM := inj.llm || c.LLM != nil
	if !inj.llm && c.LLM != nil && !oneOf(c.LLM.Provider, llmProviders) {
		return configError("unknown llm provider %q", c.LLM.Provider)
	}

	if _, err := c.scoringConfig(); err != nil {
		return configError("intelligence: %v", err)
	}
	if _, err := c.tierTable(); err != nil {
		return configError("tiers: %v", err)
	}

	in := c.Intelligence
	if in.DuplicateThreshold < 0 || in.DuplicateThreshold > 1 {
		return configError("duplicate_threshold out of range")
	}
	switch in.Extractor {
	case "", "pattern":
	case "llm":
		if !hasLLM {
			return configError("llm extractor requires an llm provider")
		}
	default:
		return configError("unknown extractor %q", in.Extractor)
	}
	if in.Reconcile && !hasLLM {
		return configError("reconcile requires an llm provider")
	}
	if c.Retrieval.RecencyHalfLifeDays < 0 || c.Retrieval.CandidateMultiplier < 0 || c.Retrieval.AccessTimeoutSeconds < 0 {
		return configError("retrieval settings must be >= 0")
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
