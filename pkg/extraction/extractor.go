// Package extraction turns conversation text into memory candidates.
//
// The lifecycle engine never depends on how facts are found; it consumes the
// Extractor interface. Two implementations ship here: a rule-based
// PatternExtractor that needs no network, and an LLMExtractor backed by any
// llm.Provider. The Reconciler compares new facts with existing memories and
// decides whether each one is new, a correction, a contradiction or a repeat.
package extraction

import (
	"context"
	"strings"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Fact is one extracted candidate before scope and provenance are attached.
type Fact struct {
	Content        string                `json:"content"`
	Type           types.MemoryType      `json:"type"`
	Tags           []string              `json:"tags,omitempty"`
	StructuredData *types.StructuredData `json:"structured_data,omitempty"`

	// Emphasized marks strong user emphasis ("remember this", "always").
	Emphasized bool `json:"emphasized,omitempty"`
}

// Extractor finds memory candidates in free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Fact, error)
}

// Scope is the identity and provenance attached to every fact of one
// ingestion call.
type Scope struct {
	TenantID             string
	UserID               string
	ChatbotID            string
	Source               types.Source
	SourceConversationID string
	SourceMessageIDs     []string
}

// ToInput attaches scope to f and returns a CreateMemoryInput.
func (f Fact) ToInput(s Scope) *types.CreateMemoryInput {
	typ := f.Type
	if !typ.Valid() {
		typ = types.MemoryTypeFact
	}
	src := s.Source
	if src == "" {
		src = types.SourceObservation
	}
	return &types.CreateMemoryInput{
		TenantID:             s.TenantID,
		UserID:               s.UserID,
		ChatbotID:            s.ChatbotID,
		Type:                 typ,
		Content:              strings.TrimSpace(f.Content),
		StructuredData:       f.StructuredData,
		Source:               src,
		SourceConversationID: s.SourceConversationID,
		SourceMessageIDs:     append([]string(nil), s.SourceMessageIDs...),
		Tags:                 append([]string(nil), f.Tags...),
		Emphasized:           f.Emphasized,
	}
}

// ParseMemoryType maps a free-form label to a memory type. Unknown labels
// map to MemoryTypeFact.
func ParseMemoryType(label string) types.MemoryType {
	t := types.MemoryType(strings.ToLower(strings.TrimSpace(label)))
	if t.Valid() {
		return t
	}
	switch t {
	case "preferences", "like", "dislike":
		return types.MemoryTypePreference
	case "plan", "intention", "intent", "need", "goals":
		return types.MemoryTypeGoal
	case "person", "relation", "relationships":
		return types.MemoryTypeRelationship
	case "events", "activity", "appointment":
		return types.MemoryTypeEvent
	}
	return types.MemoryTypeFact
}

// removeCodeBlocks removes code fences (```json ... ```) from a model response.
func removeCodeBlocks(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}
