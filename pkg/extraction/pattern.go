package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

var (
	sentenceSplit = regexp.MustCompile(`[.!?\n;]+`)
	smallTalk     = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|bye|good (morning|evening|night)|yes|no)\b[\s,]*$`)
	emphasis      = regexp.MustCompile(`(?i)(remember (this|that)|don'?t forget|never forget|always remember|very important)`)

	firstPerson = []struct {
		re   *regexp.Regexp
		with string
	}{
		{regexp.MustCompile(`(?i)\bI am\b|\bI'm\b`), "User is"},
		{regexp.MustCompile(`(?i)\bI have\b|\bI've\b`), "User has"},
		{regexp.MustCompile(`(?i)^I\b`), "User"},
		{regexp.MustCompile(`\bI\b`), "user"},
		{regexp.MustCompile(`(?i)\bmy\b`), "user's"},
		{regexp.MustCompile(`(?i)\bme\b`), "user"},
	}

	typeRules = []struct {
		re  *regexp.Regexp
		typ types.MemoryType
	}{
		{regexp.MustCompile(`(?i)\b(want to|plan(ning)? to|going to|goal|hope to|need to|intend to|trying to)\b`), types.MemoryTypeGoal},
		{regexp.MustCompile(`(?i)\b(prefer|like|love|enjoy|hate|dislike|favou?rite|can't stand)\b`), types.MemoryTypePreference},
		{regexp.MustCompile(`(?i)\b(wife|husband|partner|son|daughter|mother|father|mom|dad|brother|sister|friend|boss|colleague|manager)\b`), types.MemoryTypeRelationship},
		{regexp.MustCompile(`(?i)\b(can speak|speaks?|know how to|skilled|good at|fluent|certified)\b`), types.MemoryTypeSkill},
		{regexp.MustCompile(`(?i)\b(yesterday|tomorrow|last (week|month|year)|next (week|month|year)|appointment|meeting|trip|visited|went to|birthday)\b`), types.MemoryTypeEvent},
		{regexp.MustCompile(`(?i)\b(too long|too short|too verbose|be more|be less|stop (doing|saying)|don't (tell|say)|please (always|never))\b`), types.MemoryTypeFeedback},
	}
)

// PatternExtractor is a rule-based extractor.
//
// It splits text into sentences, drops small talk and emphasis markers,
// rewrites first-person pronouns to refer to the user ("I'm vegetarian"
// becomes "User is vegetarian") and classifies each sentence by keyword.
// It is deterministic and needs no network access.
type PatternExtractor struct {
	// MinWords drops fragments shorter than this. Defaults to 3.
	MinWords int
}

// NewPatternExtractor creates a rule-based extractor.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{MinWords: 3}
}

// Extract implements Extractor.
func (p *PatternExtractor) Extract(ctx context.Context, text string) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	minWords := p.MinWords
	if minWords <= 0 {
		minWords = 3
	}

	emphasized := emphasis.MatchString(text)
	var facts []Fact
	seen := make(map[string]struct{})
	for _, raw := range sentenceSplit.Split(text, -1) {
		s := strings.Trim(emphasis.ReplaceAllString(raw, ""), " \t:,-")
		if s == "" || smallTalk.MatchString(s) || len(strings.Fields(s)) < minWords {
			continue
		}
		content := thirdPerson(s)
		key := strings.ToLower(content)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		facts = append(facts, Fact{
			Content:    content,
			Type:       classify(s),
			Emphasized: emphasized,
		})
	}
	return facts, nil
}

func thirdPerson(s string) string {
	for _, r := range firstPerson {
		s = r.re.ReplaceAllString(s, r.with)
	}
	if s != "" {
		s = strings.ToUpper(s[:1]) + s[1:]
	}
	return s
}

func classify(s string) types.MemoryType {
	for _, r := range typeRules {
		if r.re.MatchString(s) {
			return r.typ
		}
	}
	return types.MemoryTypeFact
}
