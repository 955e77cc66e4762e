package intelligence

import (
	"time"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Config bundles every scoring parameter.
type Config struct {
	Thresholds Thresholds
	Decay      DecayConfig
	Weights    TypeWeights
}

// DefaultConfig returns the stock scoring configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Decay:      DefaultDecayConfig(),
		Weights:    DefaultTypeWeights(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Decay.Validate(); err != nil {
		return err
	}
	_, err := NewTypeWeights(c.Weights.AsMap())
	return err
}

// Engine is the scoring engine used by the client, the consolidator and the
// retrieval ranker.
//
// It integrates:
//   - ImportanceEvaluator: initial and re-scored importance
//   - DecayCalculator: lazy exponential decay and access refresh
//   - Thresholds: shared cut-offs
type Engine struct {
	importance *ImportanceEvaluator
	decay      *DecayCalculator
	thresholds Thresholds
}

// NewEngine validates cfg and creates a scoring engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		importance: NewImportanceEvaluator(cfg.Weights),
		decay:      NewDecayCalculator(cfg.Decay, cfg.Thresholds),
		thresholds: cfg.Thresholds,
	}, nil
}

// Thresholds returns the engine thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Decay returns the decay calculator.
func (e *Engine) Decay() *DecayCalculator { return e.decay }

// Importance returns the importance evaluator.
func (e *Engine) Importance() *ImportanceEvaluator { return e.importance }

// ScoreCandidate evaluates a new candidate.
//
// Returns the breakdown, the initial decay state and whether the candidate
// clears the minimum store threshold.
func (e *Engine) ScoreCandidate(in *types.CreateMemoryInput, now time.Time) (ImportanceBreakdown, types.Decay, bool) {
	b := e.importance.Evaluate(ImportanceInput{
		Type:           in.Type,
		Content:        in.Content,
		StructuredData: in.StructuredData,
		Source:         in.Source,
		Emphasized:     in.Emphasized,
	})
	return b, e.decay.Initial(b.Score, now), b.Score >= e.thresholds.MinimumStore
}

// Reinforce applies a repeated observation to m in place: reinforcements
// grow, confidence rises, importance is re-scored with the repetition boost,
// and decay is refreshed.
func (e *Engine) Reinforce(m *types.Memory, now time.Time) {
	m.Confidence.Reinforcements++
	m.Confidence.Score = types.Clamp01(m.Confidence.Score + 0.1*(1-m.Confidence.Score))
	if m.Confidence.Basis != types.BasisCorrected {
		m.Confidence.Basis = types.BasisRepeated
	}
	m.Confidence.LastUpdated = now

	rescored := e.importance.EvaluateImportance(ImportanceInput{
		Type:           m.Type,
		Content:        m.Content,
		StructuredData: m.StructuredData,
		Source:         m.Metadata.Source,
		Reinforcements: m.Confidence.Reinforcements,
	})
	if rescored > m.ImportanceScore {
		m.ImportanceScore = rescored
	}

	m.Decay = e.decay.Refresh(m, now)
	if m.ImportanceScore >= e.thresholds.DecayProtection {
		m.Decay.Protected = true
	}
	m.Metadata.UpdatedAt = now
	m.Normalize()
}

// Access applies a read access to m in place.
func (e *Engine) Access(m *types.Memory, now time.Time) {
	m.Decay = e.decay.Refresh(m, now)
	m.Metadata.AccessCount++
	at := now
	m.Metadata.LastAccessedAt = &at
	m.Metadata.UpdatedAt = now
}

// EffectiveDecay returns the decay score of m at now without persisting it.
func (e *Engine) EffectiveDecay(m *types.Memory, now time.Time) float64 {
	return e.decay.Recompute(m, now).Score
}
