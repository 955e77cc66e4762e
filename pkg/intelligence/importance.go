package intelligence

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Additive content bonuses.
const (
	EntityBonus   = 0.10
	TemporalBonus = 0.08
	EmotionBonus  = 0.05
	NumericBonus  = 0.06
)

// Multiplicative boosts.
const (
	ExplicitSourceBoost = 1.3
	EmphasisBoost       = 1.5

	// MaxRepetitionBoost is reached after repetitionSaturation reinforcements.
	MaxRepetitionBoost   = 1.2
	repetitionSaturation = 4

	// MaxSpecificity caps the specificity multiplier.
	MaxSpecificity = 1.15
)

var (
	acronymPattern  = regexp.MustCompile(`\b[A-Z][A-Z0-9&]{1,}\b`)
	orgSuffix       = regexp.MustCompile(`(?i)\b(inc|ltd|llc|corp|corporation|company|bank|university|gmbh|group|asa)\b`)
	numericPattern  = regexp.MustCompile(`\d`)
	temporalPattern = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|yesterday|now|soon|ago|weekend|morning|evening|` +
		`daily|weekly|monthly|yearly|annually|(next|last|this)\s+(week|month|year|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|` +
		`monday|tuesday|wednesday|thursday|friday|saturday|sunday|` +
		`january|february|march|april|june|july|august|september|october|november|december|` +
		`\d{4}-\d{2}-\d{2}|\d{1,2}:\d{2}|(19|20)\d{2})\b`)
	emotionPattern = regexp.MustCompile(`(?i)\b(love[sd]?|hate[sd]?|happy|sad|angry|excited|worried|afraid|scared|` +
		`enjoy(s|ed)?|frustrated|anxious|proud|upset|thrilled|annoyed|delighted|nervous|disappointed|grateful)\b`)
	emphasisPattern = regexp.MustCompile(`(?i)(remember (this|that)|don'?t forget|do not forget|never forget|` +
		`very important|really important|always remember|!!)`)
)

// pronouns and sentence starters never count as named entities.
var entityStopWords = map[string]struct{}{
	"I": {}, "I'm": {}, "I've": {}, "I'd": {}, "I'll": {}, "User": {}, "The": {}, "A": {}, "An": {},
}

// ImportanceInput is the scoring view of a candidate memory.
type ImportanceInput struct {
	Type           types.MemoryType
	Content        string
	StructuredData *types.StructuredData
	Source         types.Source
	Emphasized     bool
	Reinforcements int
}

// ImportanceBreakdown records every term of an importance evaluation.
type ImportanceBreakdown struct {
	Base        float64 `json:"base"`
	Entity      float64 `json:"entity"`
	Temporal    float64 `json:"temporal"`
	Emotion     float64 `json:"emotion"`
	Numeric     float64 `json:"numeric"`
	Specificity float64 `json:"specificity"`
	Source      float64 `json:"source"`
	Emphasis    float64 `json:"emphasis"`
	Repetition  float64 `json:"repetition"`
	Raw         float64 `json:"raw"`
	Score       float64 `json:"score"`
}

// ImportanceEvaluator scores how worth-remembering a candidate memory is.
//
// The score starts from a per-type base weight, adds content bonuses
// (named entity, temporal reference, emotional language, numeric quantity),
// is scaled by a capped specificity multiplier and by source, emphasis and
// repetition boosts, and is finally clamped to [0,1].
//
// Example usage:
//
//	evaluator := NewImportanceEvaluator(DefaultTypeWeights())
//	b := evaluator.Evaluate(ImportanceInput{
//	    Type:    types.MemoryTypeFact,
//	    Content: "User works at DNB",
//	    Source:  types.SourceExplicitStatement,
//	})
//	// b.Score is about 0.91: (0.6 base + 0.1 entity) x 1.3 explicit
type ImportanceEvaluator struct {
	weights TypeWeights
}

// NewImportanceEvaluator creates an evaluator over an immutable weight table.
func NewImportanceEvaluator(weights TypeWeights) *ImportanceEvaluator {
	return &ImportanceEvaluator{weights: weights}
}

// EvaluateImportance returns only the clamped score.
func (e *ImportanceEvaluator) EvaluateImportance(in ImportanceInput) float64 {
	return e.Evaluate(in).Score
}

// Evaluate scores in and returns the full breakdown.
func (e *ImportanceEvaluator) Evaluate(in ImportanceInput) ImportanceBreakdown {
	b := ImportanceBreakdown{
		Base:        e.weights.Weight(in.Type),
		Specificity: specificity(in.Content, in.StructuredData),
		Source:      1,
		Emphasis:    1,
		Repetition:  repetitionBoost(in.Reinforcements),
	}

	if hasNamedEntity(in.Content) {
		b.Entity = EntityBonus
	}
	if temporalPattern.MatchString(in.Content) || hasTemporalData(in.StructuredData) {
		b.Temporal = TemporalBonus
	}
	if emotionPattern.MatchString(in.Content) {
		b.Emotion = EmotionBonus
	}
	if numericPattern.MatchString(in.Content) {
		b.Numeric = NumericBonus
	}
	if in.Source == types.SourceExplicitStatement {
		b.Source = ExplicitSourceBoost
	}
	if in.Emphasized || emphasisPattern.MatchString(in.Content) {
		b.Emphasis = EmphasisBoost
	}

	additive := b.Base + b.Entity + b.Temporal + b.Emotion + b.Numeric
	b.Raw = additive * b.Specificity * b.Source * b.Emphasis * b.Repetition
	b.Score = types.Clamp01(b.Raw)
	return b
}

// hasNamedEntity detects acronyms, organisation suffixes, or capitalised
// words that do not start a sentence.
func hasNamedEntity(content string) bool {
	for _, m := range acronymPattern.FindAllString(content, -1) {
		if _, stop := entityStopWords[m]; !stop {
			return true
		}
	}
	if orgSuffix.MatchString(content) {
		return true
	}

	words := strings.Fields(content)
	for i := 1; i < len(words); i++ {
		prev := words[i-1]
		if strings.HasSuffix(prev, ".") || strings.HasSuffix(prev, "!") || strings.HasSuffix(prev, "?") {
			continue
		}
		w := strings.TrimFunc(words[i], func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
		if w == "" {
			continue
		}
		if _, stop := entityStopWords[w]; stop {
			continue
		}
		if unicode.IsUpper([]rune(w)[0]) {
			return true
		}
	}
	return false
}

func hasTemporalData(sd *types.StructuredData) bool {
	return sd != nil && sd.Temporal != nil &&
		(sd.Temporal.Reference != "" || sd.Temporal.ValidFrom != nil || sd.Temporal.ValidUntil != nil)
}

// specificity grows with word count and structure, capped at MaxSpecificity.
func specificity(content string, sd *types.StructuredData) float64 {
	words := len(strings.Fields(content))
	m := 1.0
	if words > 4 {
		m += 0.01 * float64(words-4)
	}
	if sd != nil && sd.Subject != "" && sd.Predicate != "" && sd.Object != "" {
		m += 0.05
	}
	return math.Min(m, MaxSpecificity)
}

func repetitionBoost(reinforcements int) float64 {
	if reinforcements <= 0 {
		return 1
	}
	if reinforcements > repetitionSaturation {
		reinforcements = repetitionSaturation
	}
	return 1 + (MaxRepetitionBoost-1)*float64(reinforcements)/repetitionSaturation
}
