// Package forgetting implements criteria-driven bulk removal of memories.
package forgetting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/tiermem-go/internal/telemetry"
	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// DefaultImportanceThreshold applies when SkipHighImportance is set without a threshold.
const DefaultImportanceThreshold = 0.8

// Skip reasons.
const (
	ReasonHighImportance = "importance above threshold"
	ReasonDecayProtected = "decay protected"
)

var (
	tracer = telemetry.Tracer("github.com/oceanbase/tiermem-go/pkg/forgetting")

	forgottenCounter = telemetry.NewCounter("memory.forgetting.forgotten", "Memories removed by forgetting runs")
	skippedCounter   = telemetry.NewCounter("memory.forgetting.skipped", "Matched memories kept by forgetting runs")
)

// Engine removes memories matching ForgetCriteria.
type Engine struct {
	store   storage.MemoryStore
	scoring *intelligence.Engine
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a forgetting engine.
func New(store storage.MemoryStore, scoring *intelligence.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		scoring: scoring,
		now:     time.Now,
		logger:  log.With().Str("component", "forgetting").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Forget evaluates every live memory in scope against the criteria (filters
// are ANDed) and removes the matches.
//
// A match is skipped when SkipHighImportance is set and its importance is at
// or above ImportanceThreshold, or when it was matched by DecayThreshold but
// its decay is protected. Storage errors on one item put that item in
// Skipped and the run continues. Every evaluated memory ends up in exactly
// one of Forgotten and Skipped.
//
// Soft-deleted memories are out of scope, so repeating a run with the same
// criteria forgets nothing new.
func (e *Engine) Forget(ctx context.Context, c types.ForgetCriteria) (*types.ForgetResult, error) {
	if c.TenantID == "" {
		return nil, fmt.Errorf("Forget: %w: tenant_id is required", types.ErrValidation)
	}
	if c.DecayThreshold < 0 || c.DecayThreshold > 1 {
		return nil, fmt.Errorf("Forget: %w: decay_threshold out of range", types.ErrValidation)
	}
	if c.OlderThanDays < 0 {
		return nil, fmt.Errorf("Forget: %w: older_than_days must be >= 0", types.ErrValidation)
	}
	if c.SkipHighImportance && c.ImportanceThreshold == 0 {
		c.ImportanceThreshold = DefaultImportanceThreshold
	}

	start := time.Now()
	now := e.now()
	result := &types.ForgetResult{
		Forgotten:  []string{},
		Skipped:    []types.SkippedItem{},
		HardDelete: c.HardDelete,
	}

	ctx, span := tracer.Start(ctx, "forgetting.forget",
		trace.WithAttributes(
			attribute.String("tenant_id", c.TenantID),
			attribute.String("user_id", c.UserID),
			attribute.Bool("hard_delete", c.HardDelete),
		))
	defer span.End()

	err := e.run(ctx, c, now, result)
	result.DurationMs = time.Since(start).Milliseconds()

	attrs := []attribute.KeyValue{attribute.String("tenant_id", c.TenantID), attribute.Bool("hard_delete", c.HardDelete)}
	forgottenCounter.Add(ctx, len(result.Forgotten), attrs...)
	skippedCounter.Add(ctx, len(result.Skipped), attrs...)
	span.SetAttributes(
		attribute.Int("evaluated", result.Evaluated),
		attribute.Int("forgotten", len(result.Forgotten)),
		attribute.Int("skipped", len(result.Skipped)),
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			result.Cancelled = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn().Err(err).Int("evaluated", result.Evaluated).Msg("forget_interrupted")
		return result, err
	}

	e.logger.Info().
		Str("tenant_id", c.TenantID).
		Str("user_id", c.UserID).
		Bool("hard_delete", c.HardDelete).
		Int("evaluated", result.Evaluated).
		Int("forgotten", len(result.Forgotten)).
		Int("skipped", len(result.Skipped)).
		Int64("duration_ms", result.DurationMs).
		Msg("forget_completed")
	return result, nil
}

func (e *Engine) run(ctx context.Context, c types.ForgetCriteria, now time.Time, result *types.ForgetResult) error {
	candidates, err := e.store.FindByCriteria(ctx, &storage.Criteria{
		TenantID:  c.TenantID,
		UserID:    c.UserID,
		ChatbotID: c.ChatbotID,
		Types:     c.Types,
		Tags:      c.Tags,
		IDs:       c.MemoryIDs,
	})
	if err != nil {
		return fmt.Errorf("Forget: %w", err)
	}

	for _, m := range candidates {
		if !e.matches(m, c, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Evaluated++

		if reason := e.skipReason(m, c); reason != "" {
			result.Skipped = append(result.Skipped, types.SkippedItem{MemoryID: m.ID, Reason: reason})
			continue
		}

		var delErr error
		if c.HardDelete {
			delErr = e.store.HardDelete(ctx, m.ID)
		} else {
			delErr = e.store.SoftDelete(ctx, m.ID)
		}
		if delErr != nil {
			if ctx.Err() != nil {
				result.Evaluated--
				return ctx.Err()
			}
			e.logger.Warn().Err(delErr).Str("memory_id", m.ID).Msg("forget_item_failed")
			result.Skipped = append(result.Skipped, types.SkippedItem{MemoryID: m.ID, Reason: "storage: " + delErr.Error()})
			continue
		}
		result.Forgotten = append(result.Forgotten, m.ID)
	}
	return nil
}

// matches applies the filters the store cannot.
func (e *Engine) matches(m *types.Memory, c types.ForgetCriteria, now time.Time) bool {
	if c.DecayThreshold > 0 && e.scoring.EffectiveDecay(m, now) >= c.DecayThreshold {
		return false
	}
	if c.OlderThanDays > 0 {
		cutoff := now.Add(-time.Duration(c.OlderThanDays * 24 * float64(time.Hour)))
		if m.Metadata.CreatedAt.After(cutoff) {
			return false
		}
	}
	if len(c.ContainsKeywords) > 0 && !containsAny(m.Content, c.ContainsKeywords) {
		return false
	}
	return true
}

func (e *Engine) skipReason(m *types.Memory, c types.ForgetCriteria) string {
	if c.SkipHighImportance && m.ImportanceScore >= c.ImportanceThreshold {
		return ReasonHighImportance
	}
	if c.DecayThreshold > 0 && m.Decay.Protected {
		return ReasonDecayProtected
	}
	return ""
}

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
