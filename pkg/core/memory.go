package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oceanbase/tiermem-go/pkg/consolidation"
	"github.com/oceanbase/tiermem-go/pkg/embedder"
	"github.com/oceanbase/tiermem-go/pkg/extraction"
	"github.com/oceanbase/tiermem-go/pkg/forgetting"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/llm"
	"github.com/oceanbase/tiermem-go/pkg/retrieval"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// dedupCandidates is how many vector hits Create inspects for a duplicate.
const dedupCandidates = 5

// Client is the main tiermem client.
//
// It provides the complete memory lifecycle:
//   - Create, Access, Reinforce, Correct and FlagContradiction on single memories
//   - Ingest for free text through an extractor
//   - Retrieve for relevance-ranked recall
//   - Consolidate, Forget and CleanupExpired for bulk maintenance
//
// The client is safe for concurrent use. Every operation is a single-record
// unit of work except the bulk ones, which are idempotent.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	memory, _ := client.Create(ctx, &types.CreateMemoryInput{
//	    TenantID: "tenant-1",
//	    UserID:   "user-1",
//	    Type:     types.MemoryTypeFact,
//	    Content:  "User works at DNB",
//	    Source:   types.SourceExplicitStatement,
//	})
type Client struct {
	config *Config

	store    storage.MemoryStore
	embedder embedder.Provider
	llm      llm.Provider

	scoring      *intelligence.Engine
	tiers        *tier.Manager
	consolidator *consolidation.Consolidator
	forgetter    *forgetting.Engine
	ranker       *retrieval.Ranker

	extractor  extraction.Extractor
	reconciler *extraction.Reconciler

	dedup          bool
	dedupThreshold float64

	snowflakeNode *snowflake.Node
	now           func() time.Time
	logger        zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a new tiermem client.
//
// The client is initialized with:
//   - Memory store (in-memory, SQLite, PostgreSQL or OceanBase, optionally cached)
//   - Embedding provider (OpenAI, Qwen or the mock)
//   - LLM provider when configured (OpenAI-compatible presets or Anthropic)
//   - Scoring engine, tier manager, consolidator, forgetting engine and ranker
//
// Collaborators passed as options replace the configured ones.
//
// Parameters:
//   - cfg: Configuration; nil means DefaultConfig()
//   - opts: Optional collaborators and overrides
//
// Returns a new Client instance, or an error if initialization fails.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &clientOptions{nodeID: 1}
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.validate(injected{store: o.store != nil, embedder: o.embedder != nil, llm: o.llm != nil}); err != nil {
		return nil, err
	}

	scoringCfg, err := cfg.scoringConfig()
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}
	scoring, err := intelligence.NewEngine(scoringCfg)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}
	table, err := cfg.tierTable()
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	node, err := snowflake.NewNode(o.nodeID)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	store := o.store
	if store == nil {
		if store, err = initStorage(cfg.Store, table); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	emb := o.embedder
	if emb == nil {
		if emb, err = initEmbedder(cfg.Embedder); err != nil {
			_ = store.Close()
			return nil, NewMemoryError("NewClient", err)
		}
	}

	provider := o.llm
	if provider == nil {
		if provider, err = initLLM(cfg.LLM); err != nil {
			_ = store.Close()
			return nil, NewMemoryError("NewClient", err)
		}
	}

	c := &Client{
		config:         cfg,
		store:          store,
		embedder:       emb,
		llm:            provider,
		scoring:        scoring,
		tiers:          tier.NewManager(table, scoringCfg.Thresholds, cfg.Intelligence.PromotionMinAccess),
		dedup:          cfg.Intelligence.Deduplication,
		dedupThreshold: cfg.duplicateThreshold(),
		snowflakeNode:  node,
		now:            time.Now,
		logger:         log.With().Str("component", "core").Logger(),
	}
	if o.dedup != nil {
		c.dedup = *o.dedup
	}
	if o.now != nil {
		c.now = o.now
	}
	if o.logger != nil {
		c.logger = *o.logger
	}

	c.extractor, c.reconciler = initExtractor(cfg.Intelligence, provider)
	if o.extractor != nil {
		c.extractor = o.extractor
	}
	if o.reconciler != nil {
		c.reconciler = o.reconciler
	}

	consolidationOpts := []consolidation.Option{consolidation.WithClock(c.now)}
	forgettingOpts := []forgetting.Option{forgetting.WithClock(c.now)}
	retrievalOpts := []retrieval.Option{
		retrieval.WithClock(c.now),
		retrieval.WithRecencyHalfLife(cfg.Retrieval.RecencyHalfLifeDays),
		retrieval.WithCandidateMultiplier(cfg.Retrieval.CandidateMultiplier),
		retrieval.WithAccessTimeout(secondsOr(cfg.Retrieval.AccessTimeoutSeconds, retrieval.DefaultAccessTimeout)),
		retrieval.WithSearchableTiers(table.IndexedTiers()),
	}
	if o.logger != nil {
		consolidationOpts = append(consolidationOpts, consolidation.WithLogger(*o.logger))
		forgettingOpts = append(forgettingOpts, forgetting.WithLogger(*o.logger))
		retrievalOpts = append(retrievalOpts, retrieval.WithLogger(*o.logger))
	}
	c.consolidator = consolidation.New(store, scoring, c.tiers, consolidationOpts...)
	c.forgetter = forgetting.New(store, scoring, forgettingOpts...)
	c.ranker = retrieval.New(store, emb, scoring, retrievalOpts...)

	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config { return c.config }

// Store returns the underlying memory store.
func (c *Client) Store() storage.MemoryStore { return c.store }

// Scoring returns the scoring engine.
func (c *Client) Scoring() *intelligence.Engine { return c.scoring }

// Tiers returns the tier manager.
func (c *Client) Tiers() *tier.Manager { return c.tiers }

// Create scores a candidate and stores it in the working tier.
//
// The method:
//  1. Validates the input (Source defaults to observation)
//  2. Scores importance and initial decay; candidates below the minimum
//     store threshold are rejected with ErrDiscarded
//  3. Embeds the content
//  4. With deduplication on, reinforces a near-duplicate in the same
//     tenant/user/chatbot/type scope instead of creating a new record
//  5. Persists the new memory
//
// Returns the created (or reinforced) memory.
func (c *Client) Create(ctx context.Context, in *types.CreateMemoryInput) (*types.Memory, error) {
	m, _, err := c.create(ctx, in)
	return m, err
}

func (c *Client) create(ctx context.Context, in *types.CreateMemoryInput) (*types.Memory, bool, error) {
	if in == nil {
		return nil, false, NewMemoryError("Create", fmt.Errorf("%w: input is required", ErrValidation))
	}
	if in.Source == "" {
		in.Source = types.SourceObservation
	}
	if err := in.Validate(); err != nil {
		return nil, false, NewMemoryError("Create", err)
	}

	now := c.now()
	breakdown, decay, keep := c.scoring.ScoreCandidate(in, now)
	if !keep {
		c.logger.Debug().
			Str("user_id", in.UserID).
			Float64("importance", breakdown.Score).
			Msg("memory_discarded")
		return nil, false, NewMemoryError("Create", fmt.Errorf("%w: importance %.3f below %.3f",
			ErrDiscarded, breakdown.Score, c.scoring.Thresholds().MinimumStore))
	}

	m, err := c.build(ctx, in, breakdown.Score, decay, now)
	if err != nil {
		return nil, false, NewMemoryError("Create", err)
	}

	if c.dedup {
		dup, err := c.findDuplicate(ctx, m)
		if err != nil {
			return nil, false, NewMemoryError("Create", err)
		}
		if dup != nil {
			fence := storage.Fence(dup)
			dup.Tags = types.UnionStrings(dup.Tags, m.Tags)
			c.scoring.Reinforce(dup, now)
			if err := c.store.Update(ctx, dup, fence); err != nil {
				return nil, false, NewMemoryError("Create", err)
			}
			c.logger.Debug().Str("memory_id", dup.ID).Int("reinforcements", dup.Confidence.Reinforcements).Msg("memory_reinforced")
			return dup, true, nil
		}
	}

	if err := c.store.Save(ctx, m); err != nil {
		return nil, false, NewMemoryError("Create", err)
	}
	c.logger.Debug().
		Str("memory_id", m.ID).
		Str("user_id", m.UserID).
		Str("type", string(m.Type)).
		Float64("importance", m.ImportanceScore).
		Msg("memory_created")
	return m, false, nil
}

// build assembles a new working-tier memory from a validated input.
func (c *Client) build(ctx context.Context, in *types.CreateMemoryInput, importance float64, decay types.Decay, now time.Time) (*types.Memory, error) {
	vec, err := c.embedder.Embed(ctx, in.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	basis := types.BasisForSource(in.Source)
	var custom map[string]interface{}
	if len(in.CustomMetadata) > 0 {
		custom = make(map[string]interface{}, len(in.CustomMetadata))
		for k, v := range in.CustomMetadata {
			custom[k] = v
		}
	}
	var expires *time.Time
	if in.ExpiresAt != nil {
		at := *in.ExpiresAt
		expires = &at
	}

	m := &types.Memory{
		ID:              c.snowflakeNode.Generate().String(),
		TenantID:        in.TenantID,
		UserID:          in.UserID,
		ChatbotID:       in.ChatbotID,
		Tier:            types.TierWorking,
		Type:            in.Type,
		Content:         strings.TrimSpace(in.Content),
		StructuredData:  in.StructuredData,
		ImportanceScore: importance,
		Confidence: types.Confidence{
			Score:       initialConfidence(basis),
			Basis:       basis,
			LastUpdated: now,
		},
		Decay: decay,
		Metadata: types.Metadata{
			CreatedAt:            now,
			UpdatedAt:            now,
			Source:               in.Source,
			SourceConversationID: in.SourceConversationID,
			SourceMessageIDs:     append([]string(nil), in.SourceMessageIDs...),
			Custom:               custom,
		},
		Embedding: &types.Embedding{
			Vector:      vec,
			Model:       c.embedder.Model(),
			Dimension:   len(vec),
			GeneratedAt: now,
		},
		Tags:          types.UnionStrings(nil, in.Tags),
		ExpiresAt:     expires,
		TierChangedAt: now,
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// findDuplicate returns the most similar live memory in m's merge scope
// whose similarity reaches the duplicate threshold, or nil.
func (c *Client) findDuplicate(ctx context.Context, m *types.Memory) (*types.Memory, error) {
	hits, err := c.store.VectorSearch(ctx, m.Embedding.Vector, m.UserID, m.TenantID, &storage.VectorSearchOptions{
		Limit:         dedupCandidates,
		MinSimilarity: c.dedupThreshold,
		ChatbotID:     m.ChatbotID,
		Types:         []types.MemoryType{m.Type},
	})
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		if intelligence.SameMergeScope(m, h.Memory) {
			return h.Memory, nil
		}
	}
	return nil, nil
}

// Get returns a live memory. Soft-deleted memories are reported as not found.
func (c *Client) Get(ctx context.Context, id string) (*types.Memory, error) {
	m, err := c.live(ctx, id)
	if err != nil {
		return nil, NewMemoryError("Get", err)
	}
	return m, nil
}

func (c *Client) live(ctx context.Context, id string) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Access records a read of a memory: the access count and last access time
// are bumped and the decay score is refreshed (unless protected).
func (c *Client) Access(ctx context.Context, id string) (*types.Memory, error) {
	return c.mutate(ctx, "Access", id, func(m *types.Memory, now time.Time) {
		c.scoring.Access(m, now)
	})
}

// Reinforce records a repeated observation of a memory: reinforcements
// grow, confidence rises, importance is re-scored with the repetition boost
// and decay is refreshed.
func (c *Client) Reinforce(ctx context.Context, id string) (*types.Memory, error) {
	return c.mutate(ctx, "Reinforce", id, func(m *types.Memory, now time.Time) {
		c.scoring.Reinforce(m, now)
	})
}

// mutate applies fn to a live memory and writes it back fenced on the
// version that was read.
func (c *Client) mutate(ctx context.Context, op, id string, fn func(*types.Memory, time.Time)) (*types.Memory, error) {
	m, err := c.live(ctx, id)
	if err != nil {
		return nil, NewMemoryError(op, err)
	}
	fence := storage.Fence(m)
	fn(m, c.now())
	if err := c.store.Update(ctx, m, fence); err != nil {
		return nil, NewMemoryError(op, err)
	}
	return m, nil
}

// Correct replaces a memory with a corrected version.
//
// A new memory is created with source correction and basis corrected; it
// keeps at least the importance of the original. The original stays in
// place with SupersededBy pointing at the new record, which hides it from
// retrieval by default.
//
// Returns the new memory.
func (c *Client) Correct(ctx context.Context, id, content string, opts ...CorrectOption) (*types.Memory, error) {
	old, err := c.live(ctx, id)
	if err != nil {
		return nil, NewMemoryError("Correct", err)
	}
	if old.IsSuperseded() {
		return nil, NewMemoryError("Correct", fmt.Errorf("%w: memory %s is already superseded by %v",
			ErrValidation, id, old.SupersededBy))
	}

	co := &CorrectOptions{Type: old.Type, StructuredData: old.StructuredData, Tags: old.Tags}
	for _, opt := range opts {
		opt(co)
	}
	in := &types.CreateMemoryInput{
		TenantID:             old.TenantID,
		UserID:               old.UserID,
		ChatbotID:            old.ChatbotID,
		Type:                 co.Type,
		Content:              content,
		StructuredData:       co.StructuredData,
		Source:               types.SourceCorrection,
		SourceConversationID: old.Metadata.SourceConversationID,
		Tags:                 co.Tags,
		ExpiresAt:            old.ExpiresAt,
	}
	if err := in.Validate(); err != nil {
		return nil, NewMemoryError("Correct", err)
	}

	now := c.now()
	breakdown, _, _ := c.scoring.ScoreCandidate(in, now)
	importance := breakdown.Score
	if old.ImportanceScore > importance {
		importance = old.ImportanceScore
	}
	next, err := c.build(ctx, in, importance, c.scoring.Decay().Initial(importance, now), now)
	if err != nil {
		return nil, NewMemoryError("Correct", err)
	}
	if err := c.store.Save(ctx, next); err != nil {
		return nil, NewMemoryError("Correct", err)
	}

	fence := storage.Fence(old)
	old.SupersededBy = types.AppendUnique(old.SupersededBy, next.ID)
	old.Metadata.UpdatedAt = now
	if err := c.store.Update(ctx, old, fence); err != nil {
		if delErr := c.store.HardDelete(ctx, next.ID); delErr != nil {
			c.logger.Warn().Err(delErr).Str("memory_id", next.ID).Msg("correction_rollback_failed")
		}
		return nil, NewMemoryError("Correct", err)
	}

	c.logger.Debug().Str("memory_id", next.ID).Str("supersedes", old.ID).Msg("memory_corrected")
	return next, nil
}

// FlagContradiction links two memories of the same user as contradicting
// each other. Nothing else changes: neither record is hidden, demoted or
// rescored. Flagging the same pair twice is a no-op.
func (c *Client) FlagContradiction(ctx context.Context, idA, idB string) error {
	if idA == idB {
		return NewMemoryError("FlagContradiction", fmt.Errorf("%w: a memory cannot contradict itself", ErrValidation))
	}
	a, err := c.live(ctx, idA)
	if err != nil {
		return NewMemoryError("FlagContradiction", err)
	}
	b, err := c.live(ctx, idB)
	if err != nil {
		return NewMemoryError("FlagContradiction", err)
	}
	if a.TenantID != b.TenantID || a.UserID != b.UserID {
		return NewMemoryError("FlagContradiction", fmt.Errorf("%w: memories belong to different users", ErrValidation))
	}

	now := c.now()
	for _, pair := range [][2]*types.Memory{{a, b}, {b, a}} {
		m, other := pair[0], pair[1]
		linked := types.AppendUnique(m.Contradicts, other.ID)
		if len(linked) == len(m.Contradicts) {
			continue
		}
		fence := storage.Fence(m)
		m.Contradicts = linked
		m.Metadata.UpdatedAt = now
		if err := c.store.Update(ctx, m, fence); err != nil {
			return NewMemoryError("FlagContradiction", err)
		}
	}
	return nil
}

// Retrieve answers a semantic query with relevance-ranked memories.
//
// Example:
//
//	opts := types.DefaultRetrievalOptions()
//	opts.DiversitySampling = true
//	res, err := client.Retrieve(ctx, types.MemoryRetrievalQuery{
//	    Query:    "where does the user work?",
//	    TenantID: "tenant-1",
//	    UserID:   "user-1",
//	}, opts)
func (c *Client) Retrieve(ctx context.Context, q types.MemoryRetrievalQuery, opts types.MemoryRetrievalOptions) (*types.MemoryRetrievalResult, error) {
	res, err := c.ranker.Retrieve(ctx, q, opts)
	if err != nil {
		if errors.Is(err, embedder.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		return nil, NewMemoryError("Retrieve", err)
	}
	return res, nil
}

// Consolidate runs one consolidation sweep. On cancellation the partial
// result is returned together with the error.
func (c *Client) Consolidate(ctx context.Context, opts types.ConsolidationOptions) (*types.ConsolidationResult, error) {
	res, err := c.consolidator.Consolidate(ctx, opts)
	return res, NewMemoryError("Consolidate", err)
}

// Forget removes memories matching the criteria. On cancellation the
// partial result is returned together with the error.
func (c *Client) Forget(ctx context.Context, criteria types.ForgetCriteria) (*types.ForgetResult, error) {
	res, err := c.forgetter.Forget(ctx, criteria)
	return res, NewMemoryError("Forget", err)
}

// CleanupExpired hard-deletes memories whose ExpiresAt has passed and
// returns how many were removed.
func (c *Client) CleanupExpired(ctx context.Context) (int, error) {
	n, err := c.store.CleanupExpired(ctx, c.now())
	if err != nil {
		return n, NewMemoryError("CleanupExpired", err)
	}
	if n > 0 {
		c.logger.Info().Int("removed", n).Msg("expired_memories_removed")
	}
	return n, nil
}

// HealthCheck verifies the store and the embedder. Both are checked; the
// returned error joins every failure.
func (c *Client) HealthCheck(ctx context.Context) error {
	var errs []error
	if err := c.store.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.embedder.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("embedder: %w", err))
	}
	return NewMemoryError("HealthCheck", errors.Join(errs...))
}

// Close waits for background access tracking and releases the store,
// embedder and LLM. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.ranker.Wait()
		var errs []error
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.llm != nil {
			if err := c.llm.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = NewMemoryError("Close", errors.Join(errs...))
	})
	return c.closeErr
}
