package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/llm"
)

// LLMExtractor extracts typed facts from text using an LLM.
//
// Facts are self-contained pieces of information: preferences, personal
// details, plans, intentions, relationships and activities.
//
// Example usage:
//
//	extractor := NewLLMExtractor(provider)
//	facts, err := extractor.Extract(ctx, "I moved to Bergen last month and I love hiking")
type LLMExtractor struct {
	llm llm.Provider

	// customPrompt replaces the default system prompt when set.
	customPrompt string

	now func() time.Time
}

// NewLLMExtractor creates an extractor with the default prompt.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{llm: provider, now: time.Now}
}

// NewLLMExtractorWithPrompt creates an extractor with a custom system prompt.
//
// The prompt must instruct the model to answer with the same JSON shape as
// the default prompt.
func NewLLMExtractorWithPrompt(provider llm.Provider, customPrompt string) *LLMExtractor {
	return &LLMExtractor{llm: provider, customPrompt: customPrompt, now: time.Now}
}

// Extract implements Extractor.
//
// The extraction process:
//  1. Sends the system prompt and the text to the model in JSON mode
//  2. Strips code fences from the answer
//  3. Parses {"facts": [...]} where each element is a string or an object
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Fact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: e.systemPrompt()},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Input:\n%s", text)},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages, llm.WithJSONMode(), llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("failed to extract facts: %w", err)
	}

	facts, err := parseFactsResponse(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse facts response: %w", err)
	}
	return facts, nil
}

func (e *LLMExtractor) systemPrompt() string {
	if e.customPrompt != "" {
		return e.customPrompt
	}

	today := e.now().Format("2006-01-02")
	return fmt.Sprintf(`You are a Personal Information Organizer. Extract relevant facts, preferences, relationships, goals, skills, events and feedback from the user's messages into distinct, self-contained memories.

Rules:
1. TEMPORAL: keep time references ("yesterday", "in May 2023") inside the fact.
2. COMPLETE: each fact names who/what/when/where when available and refers to the user as "User".
3. SEPARATE: distinct facts are separate entries.
4. INTENTIONS: always extract plans, needs and requests.
5. Skip greetings and small talk.
6. Set "emphasized" to true when the user explicitly asks to remember something.

Each fact has a "type", one of: fact, preference, event, relationship, skill, goal, context, feedback.

Examples:
Input: Hi.
Output: {"facts": []}

Input: I'm John, a software engineer at DNB. I love hiking.
Output: {"facts": [{"content": "User's name is John", "type": "fact"}, {"content": "User works as a software engineer at DNB", "type": "fact", "tags": ["work"]}, {"content": "User loves hiking", "type": "preference", "tags": ["hobby"]}]}

Input: Please remember I'm allergic to peanuts.
Output: {"facts": [{"content": "User is allergic to peanuts", "type": "fact", "tags": ["health"], "emphasized": true}]}

Today: %s
Return JSON only: {"facts": [{"content": "...", "type": "...", "tags": ["..."], "emphasized": false}]}
Preserve the input language.`, today)
}

// rawFact accepts both the object form and a bare string.
type rawFact struct {
	Content    string   `json:"content"`
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Emphasized bool     `json:"emphasized"`
}

func parseFactsResponse(response string) ([]Fact, error) {
	response = removeCodeBlocks(response)

	var result struct {
		Facts []json.RawMessage `json:"facts"`
	}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	facts := make([]Fact, 0, len(result.Facts))
	for _, item := range result.Facts {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				facts = append(facts, Fact{Content: s, Type: ParseMemoryType("")})
			}
			continue
		}

		var rf rawFact
		if err := json.Unmarshal(item, &rf); err != nil {
			continue
		}
		content := rf.Content
		if content == "" {
			content = rf.Text
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		facts = append(facts, Fact{
			Content:    content,
			Type:       ParseMemoryType(rf.Type),
			Tags:       rf.Tags,
			Emphasized: rf.Emphasized,
		})
	}
	return facts, nil
}
