package intelligence_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/intelligence"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *intelligence.Engine {
	t.Helper()
	e, err := intelligence.NewEngine(intelligence.DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestImportanceExplicitOrgFact(t *testing.T) {
	ev := intelligence.NewImportanceEvaluator(intelligence.DefaultTypeWeights())
	b := ev.Evaluate(intelligence.ImportanceInput{
		Type:    types.MemoryTypeFact,
		Content: "User works at DNB",
		Source:  types.SourceExplicitStatement,
	})

	assert.Equal(t, 0.6, b.Base)
	assert.Equal(t, intelligence.EntityBonus, b.Entity)
	assert.GreaterOrEqual(t, b.Score, 0.6+intelligence.EntityBonus)
	assert.InDelta(t, 0.91, b.Score, 1e-9)
}

func TestImportanceBonuses(t *testing.T) {
	ev := intelligence.NewImportanceEvaluator(intelligence.DefaultTypeWeights())
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, b intelligence.ImportanceBreakdown)
	}{
		{"temporal", "meeting is tomorrow", func(t *testing.T, b intelligence.ImportanceBreakdown) {
			assert.Equal(t, intelligence.TemporalBonus, b.Temporal)
		}},
		{"emotion", "really hates loud music", func(t *testing.T, b intelligence.ImportanceBreakdown) {
			assert.Equal(t, intelligence.EmotionBonus, b.Emotion)
		}},
		{"numeric", "runs 5 km", func(t *testing.T, b intelligence.ImportanceBreakdown) {
			assert.Equal(t, intelligence.NumericBonus, b.Numeric)
		}},
		{"capitalised name", "sister is called Anna", func(t *testing.T, b intelligence.ImportanceBreakdown) {
			assert.Equal(t, intelligence.EntityBonus, b.Entity)
		}},
		{"plain", "likes tea", func(t *testing.T, b intelligence.ImportanceBreakdown) {
			assert.Zero(t, b.Entity+b.Temporal+b.Emotion+b.Numeric)
			assert.Equal(t, 1.0, b.Specificity)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ev.Evaluate(intelligence.ImportanceInput{
				Type: types.MemoryTypeContext, Content: tt.content, Source: types.SourceInference,
			}))
		})
	}
}

func TestImportanceAlwaysClamped(t *testing.T) {
	ev := intelligence.NewImportanceEvaluator(intelligence.DefaultTypeWeights())
	for _, mt := range types.AllMemoryTypes {
		b := ev.Evaluate(intelligence.ImportanceInput{
			Type:           mt,
			Content:        "Please remember this!! On 2026-05-01 I happily paid 300 NOK to Acme Corp in Oslo for a long and detailed reason",
			Source:         types.SourceExplicitStatement,
			Emphasized:     true,
			Reinforcements: 10,
		})
		assert.Greater(t, b.Raw, 1.0)
		assert.Equal(t, 1.0, b.Score)
	}
}

func TestSpecificityAndRepetitionCapped(t *testing.T) {
	ev := intelligence.NewImportanceEvaluator(intelligence.DefaultTypeWeights())
	long := ev.Evaluate(intelligence.ImportanceInput{
		Type:    types.MemoryTypeContext,
		Content: "a b c d e f g h i j k l m n o p q r s t u v w x y z aa bb cc dd",
		Source:  types.SourceObservation,
	})
	assert.Equal(t, intelligence.MaxSpecificity, long.Specificity)

	rep := ev.Evaluate(intelligence.ImportanceInput{
		Type: types.MemoryTypeContext, Content: "likes tea", Source: types.SourceObservation, Reinforcements: 99,
	})
	assert.InDelta(t, intelligence.MaxRepetitionBoost, rep.Repetition, 1e-12)
}

func TestTypeWeightsValidation(t *testing.T) {
	_, err := intelligence.NewTypeWeights(map[types.MemoryType]float64{types.MemoryTypeFact: 0.5})
	assert.ErrorIs(t, err, types.ErrValidation)

	w := intelligence.DefaultTypeWeights().AsMap()
	w[types.MemoryTypeGoal] = 1.5
	_, err = intelligence.NewTypeWeights(w)
	assert.ErrorIs(t, err, types.ErrValidation)

	// The table is a copy: mutating the source map does not leak in.
	src := intelligence.DefaultTypeWeights().AsMap()
	tw, err := intelligence.NewTypeWeights(src)
	require.NoError(t, err)
	src[types.MemoryTypeFact] = 0
	assert.Equal(t, 0.6, tw.Weight(types.MemoryTypeFact))
}

func TestThresholdsValidation(t *testing.T) {
	require.NoError(t, intelligence.DefaultThresholds().Validate())

	bad := intelligence.DefaultThresholds()
	bad.LongTermPromotion = 0.95
	assert.ErrorIs(t, bad.Validate(), types.ErrValidation)
}

func decayMemory(importance, rate float64) *types.Memory {
	return &types.Memory{
		ImportanceScore: importance,
		Decay:           types.Decay{Score: 1, RatePerDay: rate, LastCalculated: t0},
		Metadata:        types.Metadata{CreatedAt: t0},
	}
}

func TestDecayRecomputeExponential(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	m := decayMemory(0.5, 0.1)

	d := calc.Recompute(m, t0.Add(10*24*time.Hour))
	assert.InDelta(t, math.Exp(-1), d.Score, 1e-9)
	assert.Equal(t, t0.Add(10*24*time.Hour), d.LastCalculated)
	// The input is untouched.
	assert.Equal(t, 1.0, m.Decay.Score)
}

func TestDecayAcceleratedForLowImportance(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	low := decayMemory(0.2, 0.1)
	high := decayMemory(0.5, 0.1)
	later := t0.Add(5 * 24 * time.Hour)

	assert.Less(t, calc.Recompute(low, later).Score, calc.Recompute(high, later).Score)
	assert.InDelta(t, 0.2, calc.EffectiveRate(low), 1e-12)
}

func TestDecayProtectedIsFrozen(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	m := decayMemory(0.95, 0.5)
	m.Decay.Score = 0.7
	m.Decay.Protected = true

	d := calc.Recompute(m, t0.Add(365*24*time.Hour))
	assert.Equal(t, m.Decay, d)
	assert.Equal(t, m.Decay, calc.Refresh(m, t0.Add(time.Hour)))
}

func TestDecayFallsBelowAcceleratedThreshold(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	m := decayMemory(0.5, 0.02)

	d := calc.Recompute(m, t0.Add(90*24*time.Hour))
	assert.Less(t, d.Score, intelligence.DefaultThresholds().AcceleratedDecay)
}

func TestDecayAccessResetsBaseline(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	m := decayMemory(0.5, 0.1)
	accessed := t0.Add(20 * 24 * time.Hour)
	m.Metadata.LastAccessedAt = &accessed

	assert.Equal(t, accessed, calc.Baseline(m))
	d := calc.Recompute(m, accessed.Add(24*time.Hour))
	assert.InDelta(t, math.Exp(-0.1), d.Score, 1e-9)
}

func TestDecayRefreshReinforces(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	m := decayMemory(0.5, 0.1)
	m.Decay.Score = 0.5

	d := calc.Refresh(m, t0)
	assert.InDelta(t, 0.5+0.3*0.5, d.Score, 1e-9)
}

func TestInitialDecayProtection(t *testing.T) {
	calc := intelligence.NewDecayCalculator(intelligence.DefaultDecayConfig(), intelligence.DefaultThresholds())
	assert.True(t, calc.Initial(0.9, t0).Protected)
	assert.False(t, calc.Initial(0.89, t0).Protected)
	assert.Equal(t, 1.0, calc.Initial(0.5, t0).Score)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, intelligence.CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, intelligence.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, intelligence.CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, intelligence.CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestMergePreservesProperties(t *testing.T) {
	a := &types.Memory{
		ID: "a", ImportanceScore: 0.7, Content: "likes tea",
		Tags:       []string{"drink", "uk"},
		Confidence: types.Confidence{Score: 0.6, Basis: types.BasisExplicit, Reinforcements: 2},
		Embedding:  &types.Embedding{Vector: []float32{1, 0}, Dimension: 2},
		Metadata:   types.Metadata{CreatedAt: t0},
	}
	b := &types.Memory{
		ID: "b", ImportanceScore: 0.5, Content: "likes green tea in the morning",
		Tags:       []string{"drink", "morning"},
		Confidence: types.Confidence{Score: 0.9, Basis: types.BasisInferred, Reinforcements: 3},
		Embedding:  &types.Embedding{Vector: []float32{0.9, 0.1}, Dimension: 2},
		Metadata:   types.Metadata{CreatedAt: t0.Add(time.Hour)},
	}

	survivor, other := intelligence.ChooseSurvivor(b, a)
	require.Equal(t, "a", survivor.ID)

	intelligence.Merge(survivor, other, t0.Add(2*time.Hour))

	assert.Equal(t, []string{"drink", "morning", "uk"}, survivor.Tags)
	assert.Equal(t, 0.7, survivor.ImportanceScore)
	assert.Equal(t, 0.9, survivor.Confidence.Score)
	assert.Equal(t, 5, survivor.Confidence.Reinforcements)
	assert.Equal(t, "likes green tea in the morning", survivor.Content)
	assert.Equal(t, []float32{0.9, 0.1}, survivor.Embedding.Vector)
	assert.Equal(t, []string{"a"}, other.SupersededBy)
	assert.True(t, other.IsDeleted)
}

func TestEngineScoreCandidateDiscard(t *testing.T) {
	cfg := intelligence.DefaultConfig()
	w := cfg.Weights.AsMap()
	w[types.MemoryTypeContext] = 0.05
	tw, err := intelligence.NewTypeWeights(w)
	require.NoError(t, err)
	cfg.Weights = tw
	e, err := intelligence.NewEngine(cfg)
	require.NoError(t, err)

	_, _, keep := e.ScoreCandidate(&types.CreateMemoryInput{
		Type: types.MemoryTypeContext, Content: "ok", Source: types.SourceObservation,
	}, t0)
	assert.False(t, keep)
}

func TestEngineReinforce(t *testing.T) {
	e := newEngine(t)
	m := &types.Memory{
		Type:            types.MemoryTypeContext,
		Content:         "likes tea",
		ImportanceScore: 0.4,
		Confidence:      types.Confidence{Score: 0.5, Basis: types.BasisInferred},
		Decay:           types.Decay{Score: 0.5, RatePerDay: 0.05, LastCalculated: t0},
		Metadata:        types.Metadata{CreatedAt: t0, Source: types.SourceObservation},
	}

	e.Reinforce(m, t0.Add(time.Hour))

	assert.Equal(t, 1, m.Confidence.Reinforcements)
	assert.Equal(t, types.BasisRepeated, m.Confidence.Basis)
	assert.Greater(t, m.Confidence.Score, 0.5)
	assert.InDelta(t, 0.4*1.05, m.ImportanceScore, 1e-9)
	assert.Greater(t, m.Decay.Score, 0.5)
}

func TestEngineAccess(t *testing.T) {
	e := newEngine(t)
	m := decayMemory(0.5, 0.05)
	m.Decay.Score = 0.4

	now := t0.Add(time.Minute)
	e.Access(m, now)

	assert.Equal(t, 1, m.Metadata.AccessCount)
	require.NotNil(t, m.Metadata.LastAccessedAt)
	assert.Equal(t, now, *m.Metadata.LastAccessedAt)
	assert.Greater(t, m.Decay.Score, 0.4)
}
