package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/oceanbase/tiermem-go/pkg/llm"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Event is the reconciliation verdict for one fact.
type Event string

const (
	// EventAdd means the fact is novel.
	EventAdd Event = "ADD"
	// EventUpdate means the fact corrects or refines an existing memory.
	EventUpdate Event = "UPDATE"
	// EventDelete means the fact contradicts an existing memory.
	EventDelete Event = "DELETE"
	// EventNone means the fact repeats an existing memory.
	EventNone Event = "NONE"
)

// Action is one reconciliation decision.
type Action struct {
	// MemoryID is the real id of the existing memory for UPDATE, DELETE and
	// NONE. Empty for ADD.
	MemoryID string `json:"memory_id,omitempty"`

	// Text is the fact (ADD, NONE) or the corrected content (UPDATE).
	Text string `json:"text"`

	Event Event `json:"event"`

	// OldMemory is the previous content for UPDATE.
	OldMemory string `json:"old_memory,omitempty"`
}

// Reconciler asks an LLM how new facts relate to existing memories.
//
// Existing memories are presented with short temporary ids ("0", "1", ...)
// and mapped back to real ids afterwards, so the model never has to copy
// long snowflake ids. Verdicts naming an unknown id are downgraded to ADD
// (UPDATE) or dropped (DELETE, NONE).
//
// Example usage:
//
//	r := NewReconciler(provider)
//	actions, err := r.Reconcile(ctx, []string{"User moved to Bergen"}, existing)
type Reconciler struct {
	llm          llm.Provider
	customPrompt string
}

// NewReconciler creates a reconciler with the default prompt.
func NewReconciler(provider llm.Provider) *Reconciler {
	return &Reconciler{llm: provider}
}

// NewReconcilerWithPrompt creates a reconciler with a custom prompt.
func NewReconcilerWithPrompt(provider llm.Provider, customPrompt string) *Reconciler {
	return &Reconciler{llm: provider, customPrompt: customPrompt}
}

type promptMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Reconcile decides an action for every new fact.
//
// Parameters:
//   - ctx: Context for cancellation
//   - newFacts: Contents of the freshly extracted facts
//   - existing: Similar memories already stored for the same user
//
// Returns the actions with real memory ids.
func (r *Reconciler) Reconcile(ctx context.Context, newFacts []string, existing []*types.Memory) ([]Action, error) {
	if len(newFacts) == 0 {
		return []Action{}, nil
	}

	tempIDs := make(map[string]*types.Memory, len(existing))
	shown := make([]promptMemory, 0, len(existing))
	for i, m := range existing {
		id := strconv.Itoa(i)
		tempIDs[id] = m
		shown = append(shown, promptMemory{ID: id, Text: m.Content})
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: r.prompt(newFacts, shown)},
	}
	response, err := r.llm.GenerateWithMessages(ctx, messages, llm.WithJSONMode(), llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("failed to get LLM decision: %w", err)
	}

	raw, err := parseActionsResponse(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse LLM response: %w", err)
	}

	actions := make([]Action, 0, len(raw))
	for _, a := range raw {
		switch a.Event {
		case EventAdd:
			if a.Text != "" {
				actions = append(actions, Action{Text: a.Text, Event: EventAdd})
			}
		case EventUpdate:
			m, ok := tempIDs[a.ID]
			if !ok {
				if a.Text != "" {
					actions = append(actions, Action{Text: a.Text, Event: EventAdd})
				}
				continue
			}
			if a.Text == "" || a.Text == m.Content {
				actions = append(actions, Action{MemoryID: m.ID, Text: m.Content, Event: EventNone})
				continue
			}
			actions = append(actions, Action{MemoryID: m.ID, Text: a.Text, Event: EventUpdate, OldMemory: m.Content})
		case EventDelete, EventNone:
			m, ok := tempIDs[a.ID]
			if !ok {
				continue
			}
			actions = append(actions, Action{MemoryID: m.ID, Text: a.Text, Event: a.Event})
		}
	}
	return actions, nil
}

func (r *Reconciler) prompt(newFacts []string, existing []promptMemory) string {
	if r.customPrompt != "" {
		return r.customPrompt
	}

	existingJSON, _ := json.Marshal(existing)
	newFactsJSON, _ := json.Marshal(newFacts)

	return fmt.Sprintf(`You are a Personal Information Organizer. You compare new facts about a user with the memories already stored about them.

# Existing Memories
%s

# New Facts
%s

# Actions
- ADD: the fact is novel.
- UPDATE: the fact corrects or refines an existing memory. "text" is the complete, self-contained corrected memory.
- DELETE: the fact contradicts an existing memory. "text" is the new fact.
- NONE: the fact is already captured by an existing memory.

Guidelines:
1. For UPDATE, DELETE and NONE, "id" must be the exact id of an existing memory.
2. Keep time references.
3. Return exactly one action per new fact.

Return JSON only:
{"memory": [{"id": "0", "text": "...", "event": "UPDATE", "old_memory": "..."}, {"text": "...", "event": "ADD"}]}`,
		string(existingJSON), string(newFactsJSON))
}

type rawAction struct {
	ID        string
	Text      string
	Event     Event
	OldMemory string
}

func parseActionsResponse(response string) ([]rawAction, error) {
	response = removeCodeBlocks(response)

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	memoryInterface, ok := result["memory"]
	if !ok {
		return []rawAction{}, nil
	}
	memoryArray, ok := memoryInterface.([]interface{})
	if !ok {
		return nil, fmt.Errorf("memory is not an array")
	}

	actions := make([]rawAction, 0, len(memoryArray))
	for _, item := range memoryArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		var a rawAction
		switch id := itemMap["id"].(type) {
		case string:
			a.ID = id
		case float64:
			a.ID = strconv.Itoa(int(id))
		}
		if text, ok := itemMap["text"].(string); ok {
			a.Text = strings.TrimSpace(text)
		}
		// Some models answer with "memory" instead of "text".
		if a.Text == "" {
			if text, ok := itemMap["memory"].(string); ok {
				a.Text = strings.TrimSpace(text)
			}
		}
		if event, ok := itemMap["event"].(string); ok {
			a.Event = Event(strings.ToUpper(strings.TrimSpace(event)))
		}
		if old, ok := itemMap["old_memory"].(string); ok {
			a.OldMemory = old
		}
		actions = append(actions, a)
	}
	return actions, nil
}
