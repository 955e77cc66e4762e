// Package intelligence implements the scoring engine: importance evaluation,
// exponential decay and merge arithmetic.
package intelligence

import (
	"fmt"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Thresholds are the score cut-offs shared by scoring, tiering and consolidation.
type Thresholds struct {
	// MinimumStore discards candidates scoring below it.
	MinimumStore float64 `json:"minimum_store" yaml:"minimum_store"`

	// LongTermPromotion is the importance needed for forward promotion.
	LongTermPromotion float64 `json:"long_term_promotion" yaml:"long_term_promotion"`

	// AcceleratedDecay applies a faster decay rate to memories below it.
	AcceleratedDecay float64 `json:"accelerated_decay" yaml:"accelerated_decay"`

	// DecayProtection auto-protects memories at or above it.
	DecayProtection float64 `json:"decay_protection" yaml:"decay_protection"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinimumStore:      0.1,
		LongTermPromotion: 0.6,
		AcceleratedDecay:  0.3,
		DecayProtection:   0.9,
	}
}

// Validate checks ranges and ordering.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"minimum_store":       t.MinimumStore,
		"long_term_promotion": t.LongTermPromotion,
		"accelerated_decay":   t.AcceleratedDecay,
		"decay_protection":    t.DecayProtection,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: threshold %s=%v out of range", types.ErrValidation, name, v)
		}
	}
	if t.MinimumStore > t.LongTermPromotion || t.LongTermPromotion > t.DecayProtection {
		return fmt.Errorf("%w: thresholds must satisfy minimum_store <= long_term_promotion <= decay_protection",
			types.ErrValidation)
	}
	return nil
}

// TypeWeights is an immutable per-type base importance table.
type TypeWeights struct {
	weights map[types.MemoryType]float64
}

// NewTypeWeights copies and validates w. Every memory type must be present.
func NewTypeWeights(w map[types.MemoryType]float64) (TypeWeights, error) {
	copied := make(map[types.MemoryType]float64, len(types.AllMemoryTypes))
	for _, t := range types.AllMemoryTypes {
		v, ok := w[t]
		if !ok {
			return TypeWeights{}, fmt.Errorf("%w: missing base weight for type %q", types.ErrValidation, t)
		}
		if v < 0 || v > 1 {
			return TypeWeights{}, fmt.Errorf("%w: base weight for %q out of range", types.ErrValidation, t)
		}
		copied[t] = v
	}
	for t := range w {
		if !t.Valid() {
			return TypeWeights{}, fmt.Errorf("%w: unknown memory type %q", types.ErrValidation, t)
		}
	}
	return TypeWeights{weights: copied}, nil
}

// DefaultTypeWeights returns the stock base weights.
func DefaultTypeWeights() TypeWeights {
	w, _ := NewTypeWeights(map[types.MemoryType]float64{
		types.MemoryTypeGoal:         0.8,
		types.MemoryTypePreference:   0.7,
		types.MemoryTypeRelationship: 0.65,
		types.MemoryTypeFact:         0.6,
		types.MemoryTypeSkill:        0.55,
		types.MemoryTypeEvent:        0.5,
		types.MemoryTypeFeedback:     0.45,
		types.MemoryTypeContext:      0.4,
	})
	return w
}

// Weight returns the base weight for t, or 0 for unknown types.
func (w TypeWeights) Weight(t types.MemoryType) float64 {
	return w.weights[t]
}

// AsMap returns a copy of the table.
func (w TypeWeights) AsMap() map[types.MemoryType]float64 {
	out := make(map[types.MemoryType]float64, len(w.weights))
	for k, v := range w.weights {
		out[k] = v
	}
	return out
}

// DecayConfig tunes the decay calculator.
type DecayConfig struct {
	// BaseRatePerDay is the initial per-day decay rate.
	BaseRatePerDay float64 `json:"base_rate_per_day" yaml:"base_rate_per_day"`

	// AcceleratedMultiplier scales the rate of low-importance memories.
	AcceleratedMultiplier float64 `json:"accelerated_multiplier" yaml:"accelerated_multiplier"`

	// ReinforcementFactor is how much of the lost retention an access restores.
	ReinforcementFactor float64 `json:"reinforcement_factor" yaml:"reinforcement_factor"`

	// WriteEpsilon suppresses decay writes smaller than this.
	WriteEpsilon float64 `json:"write_epsilon" yaml:"write_epsilon"`
}

// DefaultDecayConfig returns the stock decay parameters.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		BaseRatePerDay:        0.05,
		AcceleratedMultiplier: 2.0,
		ReinforcementFactor:   0.3,
		WriteEpsilon:          1e-3,
	}
}

// Validate checks the decay parameters.
func (c DecayConfig) Validate() error {
	switch {
	case !(c.BaseRatePerDay > 0):
		return fmt.Errorf("%w: base_rate_per_day must be > 0", types.ErrValidation)
	case c.AcceleratedMultiplier < 1:
		return fmt.Errorf("%w: accelerated_multiplier must be >= 1", types.ErrValidation)
	case c.ReinforcementFactor < 0 || c.ReinforcementFactor > 1:
		return fmt.Errorf("%w: reinforcement_factor out of range", types.ErrValidation)
	case c.WriteEpsilon < 0:
		return fmt.Errorf("%w: write_epsilon must be >= 0", types.ErrValidation)
	}
	return nil
}
