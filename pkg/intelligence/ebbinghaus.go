package intelligence

import (
	"math"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// DecayCalculator models forgetting with an exponential (Ebbinghaus) curve.
//
// Each memory carries its own per-day rate. The effective score at
// evaluation time is
//
//	score = clamp(score_prev * e^(-rate * days_elapsed))
//
// where days_elapsed is measured from the decay baseline: the latest of the
// last calculation, the last access and creation. Access therefore acts as a
// refresh. Memories whose importance is below the accelerated-decay threshold
// decay with a multiplied rate. Protected memories are frozen.
//
// Decay is computed lazily; nothing in this type runs on a timer.
type DecayCalculator struct {
	cfg        DecayConfig
	thresholds Thresholds
}

// NewDecayCalculator creates a calculator with validated parameters.
func NewDecayCalculator(cfg DecayConfig, thresholds Thresholds) *DecayCalculator {
	return &DecayCalculator{cfg: cfg, thresholds: thresholds}
}

// Initial returns the decay state of a freshly scored memory.
func (c *DecayCalculator) Initial(importance float64, now time.Time) types.Decay {
	return types.Decay{
		Score:          1.0,
		RatePerDay:     c.cfg.BaseRatePerDay,
		LastCalculated: now,
		Protected:      importance >= c.thresholds.DecayProtection,
	}
}

// EffectiveRate returns the per-day rate applied to m.
func (c *DecayCalculator) EffectiveRate(m *types.Memory) float64 {
	rate := m.Decay.RatePerDay
	if rate <= 0 {
		rate = c.cfg.BaseRatePerDay
	}
	if m.ImportanceScore < c.thresholds.AcceleratedDecay {
		rate *= c.cfg.AcceleratedMultiplier
	}
	return rate
}

// Baseline returns the instant elapsed time is measured from.
func (c *DecayCalculator) Baseline(m *types.Memory) time.Time {
	base := m.Metadata.CreatedAt
	if m.Decay.LastCalculated.After(base) {
		base = m.Decay.LastCalculated
	}
	if m.Metadata.LastAccessedAt != nil && m.Metadata.LastAccessedAt.After(base) {
		base = *m.Metadata.LastAccessedAt
	}
	return base
}

// Recompute returns the decay state of m at now without mutating m.
//
// Protected memories are returned unchanged.
func (c *DecayCalculator) Recompute(m *types.Memory, now time.Time) types.Decay {
	d := m.Decay
	if d.Protected {
		return d
	}

	days := now.Sub(c.Baseline(m)).Hours() / 24.0
	if days <= 0 {
		return d
	}

	d.Score = types.Clamp01(d.Score * math.Exp(-c.EffectiveRate(m)*days))
	d.LastCalculated = now
	return d
}

// Refresh applies an access: the score is reinforced with
//
//	new = score + factor * (1 - score)
//
// and the baseline moves to now. Protected memories are returned unchanged.
func (c *DecayCalculator) Refresh(m *types.Memory, now time.Time) types.Decay {
	if m.Decay.Protected {
		return m.Decay
	}
	d := c.Recompute(m, now)
	d.Score = types.Clamp01(d.Score + c.cfg.ReinforcementFactor*(1.0-d.Score))
	d.LastCalculated = now
	return d
}

// Changed reports whether next differs from prev enough to be worth a write.
func (c *DecayCalculator) Changed(prev, next types.Decay) bool {
	return math.Abs(prev.Score-next.Score) >= c.cfg.WriteEpsilon || prev.Protected != next.Protected
}

// Config returns the calculator parameters.
func (c *DecayCalculator) Config() DecayConfig {
	return c.cfg
}
