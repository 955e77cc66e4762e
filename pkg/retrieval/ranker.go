// Package retrieval answers semantic queries with relevance-ranked memories.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/tiermem-go/internal/telemetry"
	"github.com/oceanbase/tiermem-go/pkg/embedder"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Defaults.
const (
	DefaultRecencyHalfLifeDays = 7.0
	DefaultCandidateMultiplier = 5
	DefaultAccessTimeout       = 5 * time.Second
	minCandidatePool           = 50
)

var (
	tracer = telemetry.Tracer("github.com/oceanbase/tiermem-go/pkg/retrieval")

	retrievedCounter = telemetry.NewCounter("memory.retrieval.returned", "Memories returned by retrieval")
)

// Ranker embeds a query, delegates the vector search to the store and
// re-ranks the hits.
//
// The relevance of a hit is
//
//	similarity + recencyBoost*f(age) + importanceBoost*importance - (1 - decay)
//
// where f(age) = exp(-ln2 * days / halfLife) over the days since the last
// access (or creation) and decay is the effective decay at query time. Hits
// are sorted by relevance, then similarity, then id, so identical inputs
// always produce the same order.
type Ranker struct {
	store    storage.MemoryStore
	embedder embedder.Provider
	scoring  *intelligence.Engine

	now                 func() time.Time
	logger              zerolog.Logger
	halfLifeDays        float64
	candidateMultiplier int
	accessTimeout       time.Duration
	searchable          []types.Tier

	pending sync.WaitGroup
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) {
		r.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Ranker) {
		r.logger = logger
	}
}

// WithRecencyHalfLife sets the half-life of the recency term in days.
func WithRecencyHalfLife(days float64) Option {
	return func(r *Ranker) {
		if days > 0 {
			r.halfLifeDays = days
		}
	}
}

// WithCandidateMultiplier sets how many hits per requested result are
// fetched from the store before re-ranking.
func WithCandidateMultiplier(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.candidateMultiplier = n
		}
	}
}

// WithAccessTimeout bounds the background access-tracking writes.
func WithAccessTimeout(d time.Duration) Option {
	return func(r *Ranker) {
		if d > 0 {
			r.accessTimeout = d
		}
	}
}

// WithSearchableTiers limits retrieval to tiers that carry a vector index.
// Memories in any other tier are reachable by id only. Nil searches every tier.
func WithSearchableTiers(tiers []types.Tier) Option {
	return func(r *Ranker) {
		if tiers != nil {
			r.searchable = append([]types.Tier{}, tiers...)
		}
	}
}

// New creates a Ranker.
func New(store storage.MemoryStore, emb embedder.Provider, scoring *intelligence.Engine, opts ...Option) *Ranker {
	r := &Ranker{
		store:               store,
		embedder:            emb,
		scoring:             scoring,
		now:                 time.Now,
		logger:              log.With().Str("component", "retrieval").Logger(),
		halfLifeDays:        DefaultRecencyHalfLifeDays,
		candidateMultiplier: DefaultCandidateMultiplier,
		accessTimeout:       DefaultAccessTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve answers q.
//
// Access tracking, when enabled, runs in the background after the result is
// assembled; its failures are logged and never affect the result.
func (r *Ranker) Retrieve(ctx context.Context, q types.MemoryRetrievalQuery, opts types.MemoryRetrievalOptions) (*types.MemoryRetrievalResult, error) {
	if err := validate(q, &opts); err != nil {
		return nil, err
	}

	start := time.Now()
	now := r.now()

	ctx, span := tracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(
			attribute.String("tenant_id", q.TenantID),
			attribute.String("user_id", q.UserID),
			attribute.String("chatbot_id", q.ChatbotID),
			attribute.Int("limit", opts.Limit),
		))
	defer span.End()

	vec, err := r.embedder.Embed(ctx, q.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("Retrieve: %w", err)
	}

	tiers := r.searchTiers(opts.Tiers)
	search := &storage.VectorSearchOptions{
		Limit:             r.poolSize(opts.Limit),
		MinSimilarity:     opts.SimilarityThreshold,
		ChatbotID:         q.ChatbotID,
		IncludeGlobal:     q.IncludeGlobal,
		Types:             opts.Types,
		Tiers:             tiers,
		Tags:              opts.Tags,
		ExcludeIDs:        opts.ExcludeIDs,
		IncludeSuperseded: opts.IncludeSuperseded,
	}
	if opts.MaxAgeDays > 0 {
		after := now.Add(-time.Duration(opts.MaxAgeDays * 24 * float64(time.Hour)))
		search.CreatedAfter = &after
	}

	var hits []*storage.SearchHit
	if len(tiers) > 0 {
		hits, err = r.store.VectorSearch(ctx, vec, q.UserID, q.TenantID, search)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("Retrieve: %w", err)
		}
	}

	ranked := make([]types.RetrievedMemory, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, r.score(h, opts, now))
	}
	Sort(ranked)

	var selected []types.RetrievedMemory
	if opts.DiversitySampling {
		selected = Diversify(ranked, opts.Limit, opts.DiversityThreshold)
	} else {
		selected = ranked
		if len(selected) > opts.Limit {
			selected = selected[:opts.Limit]
		}
	}

	result := &types.MemoryRetrievalResult{
		Memories:       selected,
		TotalMatched:   len(hits),
		Query:          q.Query,
		QueryEmbedding: vec,
		DurationMs:     time.Since(start).Milliseconds(),
		TiersSearched:  tiers,
	}

	if opts.TrackAccess && len(selected) > 0 {
		r.trackAccess(selected, now)
	}

	retrievedCounter.Add(ctx, len(selected), attribute.String("tenant_id", q.TenantID))
	span.SetAttributes(attribute.Int("total_matched", len(hits)), attribute.Int("returned", len(selected)))
	r.logger.Debug().
		Str("user_id", q.UserID).
		Int("total_matched", len(hits)).
		Int("returned", len(selected)).
		Int64("duration_ms", result.DurationMs).
		Msg("retrieval_completed")
	return result, nil
}

func validate(q types.MemoryRetrievalQuery, opts *types.MemoryRetrievalOptions) error {
	switch {
	case strings.TrimSpace(q.Query) == "":
		return fmt.Errorf("Retrieve: %w: query is required", types.ErrValidation)
	case q.TenantID == "":
		return fmt.Errorf("Retrieve: %w: tenant_id is required", types.ErrValidation)
	case q.UserID == "":
		return fmt.Errorf("Retrieve: %w: user_id is required", types.ErrValidation)
	case opts.SimilarityThreshold < -1 || opts.SimilarityThreshold > 1:
		return fmt.Errorf("Retrieve: %w: similarity_threshold out of range", types.ErrValidation)
	case opts.DiversityThreshold < 0 || opts.DiversityThreshold > 1:
		return fmt.Errorf("Retrieve: %w: diversity_threshold out of range", types.ErrValidation)
	case opts.MaxAgeDays < 0:
		return fmt.Errorf("Retrieve: %w: max_age_days must be >= 0", types.ErrValidation)
	}
	if opts.Limit <= 0 {
		opts.Limit = types.DefaultRetrievalOptions().Limit
	}
	if opts.DiversitySampling && opts.DiversityThreshold == 0 {
		opts.DiversityThreshold = types.DefaultRetrievalOptions().DiversityThreshold
	}
	return nil
}

// searchTiers returns the requested tiers that may be searched, in promotion
// order. An empty request means every searchable tier.
func (r *Ranker) searchTiers(requested []types.Tier) []types.Tier {
	allowed := r.searchable
	if allowed == nil {
		allowed = types.AllTiers
	}
	out := make([]types.Tier, 0, len(allowed))
	for _, t := range types.AllTiers {
		if !containsTier(allowed, t) {
			continue
		}
		if len(requested) > 0 && !containsTier(requested, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func containsTier(list []types.Tier, t types.Tier) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func (r *Ranker) poolSize(limit int) int {
	n := limit * r.candidateMultiplier
	if n < minCandidatePool {
		n = minCandidatePool
	}
	return n
}

// score computes the relevance of one hit.
func (r *Ranker) score(h *storage.SearchHit, opts types.MemoryRetrievalOptions, now time.Time) types.RetrievedMemory {
	m := h.Memory
	decay := r.scoring.EffectiveDecay(m, now)

	ageDays := now.Sub(m.LastTouched()).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-math.Ln2 * ageDays / r.halfLifeDays)

	b := types.ScoreBreakdown{
		Similarity:   h.Similarity,
		RecencyTerm:  opts.RecencyBoost * recency,
		Importance:   opts.ImportanceBoost * m.ImportanceScore,
		DecayPenalty: 1 - decay,
		AgeDays:      ageDays,
		Decay:        decay,
	}
	return types.RetrievedMemory{
		Memory:          m,
		SimilarityScore: h.Similarity,
		RelevanceScore:  b.Similarity + b.RecencyTerm + b.Importance - b.DecayPenalty,
		ScoreBreakdown:  b,
	}
}

// Sort orders results by descending relevance, then descending similarity,
// then ascending id.
func Sort(rs []types.RetrievedMemory) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// Diversify greedily keeps results in order, rejecting any whose embedding
// similarity to an already kept result exceeds threshold, until limit
// results are kept. rs must already be sorted.
func Diversify(rs []types.RetrievedMemory, limit int, threshold float64) []types.RetrievedMemory {
	out := make([]types.RetrievedMemory, 0, limit)
	for _, cand := range rs {
		if len(out) == limit {
			break
		}
		redundant := false
		for _, kept := range out {
			if intelligence.MemorySimilarity(cand.Memory, kept.Memory) > threshold {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, cand)
		}
	}
	return out
}

// trackAccess records accesses in the background under a detached context.
func (r *Ranker) trackAccess(selected []types.RetrievedMemory, at time.Time) {
	ids := make([]string, len(selected))
	for i, rm := range selected {
		ids[i] = rm.Memory.ID
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.accessTimeout)
		defer cancel()
		for _, id := range ids {
			if err := r.store.UpdateAccess(ctx, id, at); err != nil {
				r.logger.Warn().Err(err).Str("memory_id", id).Msg("access_tracking_failed")
			}
		}
	}()
}

// Wait blocks until background access tracking has finished.
func (r *Ranker) Wait() {
	r.pending.Wait()
}
