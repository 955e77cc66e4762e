// Package consolidation implements the periodic sweep that promotes, demotes,
// archives and merges memories.
//
// A sweep is a batch job triggered from outside (a scheduler, the CLI or an
// API call). It is idempotent: every write is fenced on the record's
// UpdatedAt, tier moves reset the dwell clock, negligible decay changes are
// not written, and merged records are soft-deleted. Running a second sweep
// straight after the first therefore changes nothing.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/tiermem-go/internal/telemetry"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/tier"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Defaults applied to zero-valued options.
const (
	DefaultBatchSize      = 100
	DefaultMergeThreshold = 0.92
)

var (
	tracer = telemetry.Tracer("github.com/oceanbase/tiermem-go/pkg/consolidation")

	promotedCounter = telemetry.NewCounter("memory.consolidation.promoted", "Memories promoted by consolidation sweeps")
	demotedCounter  = telemetry.NewCounter("memory.consolidation.demoted", "Memories demoted by consolidation sweeps")
	archivedCounter = telemetry.NewCounter("memory.consolidation.archived", "Memories archived by consolidation sweeps")
	mergedCounter   = telemetry.NewCounter("memory.consolidation.merged", "Memories merged by consolidation sweeps")
	deletedCounter  = telemetry.NewCounter("memory.consolidation.deleted", "Memories deleted by consolidation sweeps")
	failedCounter   = telemetry.NewCounter("memory.consolidation.failed", "Per-item failures in consolidation sweeps")
)

// Consolidator runs consolidation sweeps against a MemoryStore.
type Consolidator struct {
	store   storage.MemoryStore
	scoring *intelligence.Engine
	tiers   *tier.Manager
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) {
		c.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consolidator) {
		c.logger = logger
	}
}

// New creates a Consolidator.
func New(store storage.MemoryStore, scoring *intelligence.Engine, tiers *tier.Manager, opts ...Option) *Consolidator {
	c := &Consolidator{
		store:   store,
		scoring: scoring,
		tiers:   tiers,
		now:     time.Now,
		logger:  log.With().Str("component", "consolidation").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sweep carries the state of one run.
type sweep struct {
	*Consolidator
	opts   types.ConsolidationOptions
	now    time.Time
	result *types.ConsolidationResult

	// view holds the latest known state of every record the sweep touched.
	// In a real run it mirrors the store; in a dry run it holds the planned state.
	view map[string]*types.Memory
	// users lists the user scopes seen, in first-seen order.
	users []string
}

// Consolidate runs one sweep.
//
// Candidates are non-deleted, non-episodic memories older than MinAgeHours,
// most at-risk (lowest decay) first, capped at BatchSize. Each candidate gets
// its decay recomputed and a tier decision; then, with MergeSimilar,
// near-duplicate candidates are merged; finally every touched user scope is
// brought back under its tier capacities.
//
// Per-item failures are recorded in Result.Failed and the sweep continues.
// On cancellation the partial result is returned together with ctx.Err().
func (c *Consolidator) Consolidate(ctx context.Context, opts types.ConsolidationOptions) (*types.ConsolidationResult, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("Consolidate: %w: tenant_id is required", types.ErrValidation)
	}
	if opts.MinAgeHours < 0 {
		return nil, fmt.Errorf("Consolidate: %w: min_age_hours must be >= 0", types.ErrValidation)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = DefaultMergeThreshold
	}
	if opts.MergeThreshold > 1 {
		return nil, fmt.Errorf("Consolidate: %w: merge_threshold must be <= 1", types.ErrValidation)
	}

	start := time.Now()
	s := &sweep{
		Consolidator: c,
		opts:         opts,
		now:          c.now(),
		result: &types.ConsolidationResult{
			RunID:    uuid.NewString(),
			Promoted: []types.ConsolidationEntry{},
			Demoted:  []types.ConsolidationEntry{},
			Merged:   []types.ConsolidationEntry{},
			Archived: []types.ConsolidationEntry{},
			Deleted:  []types.ConsolidationEntry{},
			DryRun:   opts.DryRun,
		},
		view: make(map[string]*types.Memory),
	}

	ctx, span := tracer.Start(ctx, "consolidation.sweep",
		trace.WithAttributes(
			attribute.String("run_id", s.result.RunID),
			attribute.String("tenant_id", opts.TenantID),
			attribute.String("user_id", opts.UserID),
			attribute.Bool("dry_run", opts.DryRun),
		))
	defer span.End()

	err := s.run(ctx)
	s.result.DurationMs = time.Since(start).Milliseconds()
	s.record(ctx, span)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			s.result.Cancelled = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn().Err(err).
			Str("run_id", s.result.RunID).
			Int("processed", s.result.Processed).
			Msg("consolidation_interrupted")
		return s.result, err
	}

	s.logger.Info().
		Str("run_id", s.result.RunID).
		Str("tenant_id", opts.TenantID).
		Str("user_id", opts.UserID).
		Bool("dry_run", opts.DryRun).
		Int("processed", s.result.Processed).
		Int("promoted", len(s.result.Promoted)).
		Int("demoted", len(s.result.Demoted)).
		Int("archived", len(s.result.Archived)).
		Int("merged", len(s.result.Merged)).
		Int("deleted", len(s.result.Deleted)).
		Int("failed", len(s.result.Failed)).
		Int64("duration_ms", s.result.DurationMs).
		Msg("consolidation_completed")
	return s.result, nil
}

func (s *sweep) run(ctx context.Context) error {
	q := &storage.ConsolidationQuery{Limit: s.opts.BatchSize}
	if s.opts.MinAgeHours > 0 {
		q.CreatedBefore = s.now.Add(-time.Duration(s.opts.MinAgeHours * float64(time.Hour)))
	}
	candidates, err := s.store.GetForConsolidation(ctx, s.opts.TenantID, s.opts.UserID, q)
	if err != nil {
		return fmt.Errorf("Consolidate: %w", err)
	}

	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.result.Processed++
		s.trackUser(m.UserID)
		if err := s.processCandidate(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(m.ID, err)
		}
	}

	if s.opts.MergeSimilar {
		if err := s.mergePass(ctx, candidates); err != nil {
			return err
		}
	}
	return s.capacityPass(ctx)
}

func (s *sweep) trackUser(userID string) {
	for _, u := range s.users {
		if u == userID {
			return
		}
	}
	s.users = append(s.users, userID)
}

// processCandidate recomputes decay and applies the tier decision of m.
func (s *sweep) processCandidate(ctx context.Context, m *types.Memory) error {
	next := m.Clone()
	next.Decay = s.scoring.Decay().Recompute(m, s.now)
	decayChanged := s.scoring.Decay().Changed(m.Decay, next.Decay)

	decision := s.tiers.Evaluate(next, s.now)
	entry := types.ConsolidationEntry{MemoryID: m.ID, FromTier: m.Tier, Reason: decision.Reason}

	switch decision.Kind {
	case tier.KindNone:
		if decayChanged && !s.opts.DryRun {
			if err := s.store.UpdateDecay(ctx, m.ID, next.Decay, storage.Fence(m)); err != nil {
				return err
			}
			next.Metadata.UpdatedAt = next.Decay.LastCalculated
		}
		if !decayChanged {
			next.Decay = m.Decay
		}
		s.view[m.ID] = next
		return nil

	case tier.KindDelete:
		next.IsDeleted = true
		next.Metadata.UpdatedAt = s.now
		if err := s.write(ctx, next, m); err != nil {
			return err
		}
		s.result.Deleted = append(s.result.Deleted, entry)
		return nil
	}

	if err := s.tiers.Transition(next, decision.To, s.now); err != nil {
		return err
	}
	if err := s.write(ctx, next, m); err != nil {
		return err
	}
	entry.ToTier = decision.To
	s.appendMove(decision.Kind, entry)
	return nil
}

// write persists next fenced on the stored state prev, unless dry-running,
// and records next in the view.
func (s *sweep) write(ctx context.Context, next, prev *types.Memory) error {
	if !s.opts.DryRun {
		if err := s.store.Update(ctx, next, storage.Fence(prev)); err != nil {
			return err
		}
	}
	s.view[next.ID] = next
	return nil
}

func (s *sweep) appendMove(kind tier.Kind, entry types.ConsolidationEntry) {
	switch kind {
	case tier.KindPromote:
		s.result.Promoted = append(s.result.Promoted, entry)
	case tier.KindDemote:
		s.result.Demoted = append(s.result.Demoted, entry)
	case tier.KindArchive:
		s.result.Archived = append(s.result.Archived, entry)
	}
}

func (s *sweep) fail(id string, err error) {
	s.result.Failed = append(s.result.Failed, types.FailedItem{MemoryID: id, Error: err.Error()})
	s.logger.Warn().Err(err).Str("run_id", s.result.RunID).Str("memory_id", id).Msg("consolidation_item_failed")
}

func (s *sweep) failScope(userID string, err error) {
	s.result.Failed = append(s.result.Failed, types.FailedItem{UserID: userID, Error: err.Error()})
	s.logger.Warn().Err(err).Str("run_id", s.result.RunID).Str("user_id", userID).Msg("consolidation_scope_failed")
}

// mergePass merges near-duplicate candidates until no pair in the batch is
// above the threshold. A survivor may absorb several records; an absorbed
// record is never a survivor.
//
// Groups are planned on copies. Each group is then applied absorbed-first:
// every absorbed record is soft-deleted with a fenced write, and the survivor
// is rebuilt from its stored state plus only the records that were actually
// absorbed, then written last. If the survivor write fails, the absorbed
// records are restored.
func (s *sweep) mergePass(ctx context.Context, candidates []*types.Memory) error {
	stored := make(map[string]*types.Memory, len(candidates))
	var plan []*types.Memory
	for _, m := range candidates {
		v, ok := s.view[m.ID]
		if !ok || v.IsDeleted || v.Embedding == nil {
			continue
		}
		stored[m.ID] = v.Clone()
		plan = append(plan, v.Clone())
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].ID < plan[j].ID })

	absorbedBy := make(map[string]string)
	survivors := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(plan); i++ {
			a := plan[i]
			if _, gone := absorbedBy[a.ID]; gone {
				continue
			}
			for j := i + 1; j < len(plan); j++ {
				b := plan[j]
				if _, gone := absorbedBy[b.ID]; gone {
					continue
				}
				if !intelligence.SameMergeScope(a, b) || intelligence.MemorySimilarity(a, b) < s.opts.MergeThreshold {
					continue
				}
				survivor, other := intelligence.ChooseSurvivor(a, b)
				intelligence.Merge(survivor, other, s.now)
				absorbedBy[other.ID] = survivor.ID
				survivors[survivor.ID] = true
				delete(survivors, other.ID)
				changed = true
				if other == a {
					break
				}
			}
		}
	}

	// Records absorbed by a record that was itself absorbed later belong to
	// the final survivor.
	final := func(id string) string {
		for {
			next, ok := absorbedBy[id]
			if !ok {
				return id
			}
			id = next
		}
	}
	groups := make(map[string][]string, len(survivors))
	for id := range absorbedBy {
		root := final(id)
		groups[root] = append(groups[root], id)
	}

	ids := make([]string, 0, len(survivors))
	for id := range survivors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, survivorID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		members := groups[survivorID]
		sort.Strings(members)
		s.applyMerge(ctx, survivorID, members, stored)
	}
	return nil
}

// applyMerge folds members into survivorID. Failed members stay live and
// are left out of the survivor.
func (s *sweep) applyMerge(ctx context.Context, survivorID string, members []string, stored map[string]*types.Memory) {
	var absorbed []*types.Memory
	for _, id := range members {
		next := stored[id].Clone()
		next.SupersededBy = types.AppendUnique(next.SupersededBy, survivorID)
		next.IsDeleted = true
		next.Metadata.UpdatedAt = s.now
		if !s.opts.DryRun {
			if err := s.store.Update(ctx, next, storage.Fence(stored[id])); err != nil {
				s.fail(id, err)
				continue
			}
		}
		absorbed = append(absorbed, next)
	}
	if len(absorbed) == 0 {
		return
	}

	survivor := stored[survivorID].Clone()
	for _, m := range absorbed {
		intelligence.Merge(survivor, stored[m.ID].Clone(), s.now)
	}
	if !s.opts.DryRun {
		if err := s.store.Update(ctx, survivor, storage.Fence(stored[survivorID])); err != nil {
			s.fail(survivorID, err)
			for _, m := range absorbed {
				if rerr := s.store.Update(ctx, stored[m.ID], storage.Fence(m)); rerr != nil {
					s.fail(m.ID, fmt.Errorf("restoring after failed merge: %w", rerr))
					s.view[m.ID] = m
				}
			}
			return
		}
	}

	s.view[survivorID] = survivor
	for _, m := range absorbed {
		s.view[m.ID] = m
		s.result.Merged = append(s.result.Merged, types.ConsolidationEntry{
			MemoryID: m.ID,
			TargetID: survivorID,
			FromTier: m.Tier,
			Reason:   "near-duplicate content",
		})
	}
}

// capacityPass evicts the lowest-ranked members of every over-capacity tier
// in each touched user scope. Tiers are processed in forward order so that
// an eviction into the next tier is accounted for in the same sweep.
func (s *sweep) capacityPass(ctx context.Context) error {
	for _, userID := range s.users {
		for _, t := range []types.Tier{types.TierWorking, types.TierShortTerm, types.TierLongTerm} {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.evict(ctx, userID, t); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.failScope(userID, fmt.Errorf("capacity %s: %w", t, err))
			}
		}
	}
	return nil
}

func (s *sweep) evict(ctx context.Context, userID string, t types.Tier) error {
	limit := s.tiers.Table().Get(t).MaxMemories
	target, ok := s.tiers.EvictionTarget(t)
	if limit <= 0 || !ok {
		return nil
	}
	if !s.opts.DryRun {
		n, err := s.store.CountByUser(ctx, s.opts.TenantID, userID, t)
		if err != nil {
			return err
		}
		if n <= limit {
			return nil
		}
	}

	members, err := s.members(ctx, userID, t)
	if err != nil {
		return err
	}
	for _, victim := range s.tiers.SelectForEviction(members, t) {
		prev := victim.Clone()
		next := victim.Clone()
		if err := s.tiers.Transition(next, target, s.now); err != nil {
			s.fail(victim.ID, err)
			continue
		}
		if err := s.write(ctx, next, prev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(victim.ID, err)
			continue
		}
		kind, _ := s.tiers.TransitionKind(t, target)
		s.appendMove(kind, types.ConsolidationEntry{
			MemoryID: victim.ID,
			FromTier: t,
			ToTier:   target,
			Reason:   "tier over capacity",
		})
	}
	return nil
}

// members returns the live members of one tier, overlaid with the sweep's
// view so that a dry run sees its own planned moves.
func (s *sweep) members(ctx context.Context, userID string, t types.Tier) ([]*types.Memory, error) {
	stored, err := s.store.FindByCriteria(ctx, &storage.Criteria{
		TenantID: s.opts.TenantID,
		UserID:   userID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Memory, 0, len(stored))
	for _, m := range stored {
		if v, ok := s.view[m.ID]; ok {
			m = v
		}
		if m.IsDeleted || m.Tier != t {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *sweep) record(ctx context.Context, span trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("tenant_id", s.opts.TenantID), attribute.Bool("dry_run", s.opts.DryRun)}
	promotedCounter.Add(ctx, len(s.result.Promoted), attrs...)
	demotedCounter.Add(ctx, len(s.result.Demoted), attrs...)
	archivedCounter.Add(ctx, len(s.result.Archived), attrs...)
	mergedCounter.Add(ctx, len(s.result.Merged), attrs...)
	deletedCounter.Add(ctx, len(s.result.Deleted), attrs...)
	failedCounter.Add(ctx, len(s.result.Failed), attrs...)
	span.SetAttributes(
		attribute.Int("processed", s.result.Processed),
		attribute.Int("changes", s.result.Changes()),
		attribute.Int("failed", len(s.result.Failed)),
	)
}
