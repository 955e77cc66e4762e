package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oceanbase/tiermem-go/pkg/extraction"
	"github.com/oceanbase/tiermem-go/pkg/llm"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

const (
	// reconcileNeighbours is how many similar memories per fact are shown to
	// the reconciler.
	reconcileNeighbours = 5

	// reconcileMinSimilarity drops unrelated memories from the reconciler input.
	reconcileMinSimilarity = 0.5
)

// Ingest extracts facts from free text and applies them.
//
// The flow:
//  1. Extract facts with the configured extractor
//  2. Without reconciliation, Create each fact (deduplication applies)
//  3. With reconciliation, gather similar existing memories and let the
//     reconciler decide per fact:
//     ADD creates, UPDATE corrects the existing memory, DELETE creates the
//     new fact and flags the contradiction, NONE reinforces
//
// A fact that fails (for example one scored below the minimum store
// threshold) is reported in its action's Error; the remaining facts are
// still applied. Extraction and reconciliation failures abort the call.
//
// Example:
//
//	result, err := client.Ingest(ctx, "I work at DNB. I prefer tea over coffee.",
//	    core.WithScope("tenant-1", "user-1"),
//	    core.WithSource(types.SourceExplicitStatement),
//	)
func (c *Client) Ingest(ctx context.Context, text string, opts ...IngestOption) (*IngestResult, error) {
	o := applyIngestOptions(opts)
	if o.TenantID == "" || o.UserID == "" {
		return nil, NewMemoryError("Ingest", fmt.Errorf("%w: tenant_id and user_id are required", ErrValidation))
	}
	if c.extractor == nil {
		return nil, NewMemoryError("Ingest", ErrNoExtractor)
	}

	facts, err := c.extractor.Extract(ctx, text)
	if err != nil {
		return nil, NewMemoryError("Ingest", llmError(err))
	}

	result := &IngestResult{Actions: make([]IngestAction, 0, len(facts))}
	if len(facts) == 0 {
		c.logger.Debug().Str("user_id", o.UserID).Msg("ingest_no_facts")
		return result, nil
	}

	scope := extraction.Scope{
		TenantID:             o.TenantID,
		UserID:               o.UserID,
		ChatbotID:            o.ChatbotID,
		Source:               o.Source,
		SourceConversationID: o.ConversationID,
		SourceMessageIDs:     o.MessageIDs,
	}

	if o.Reconcile && c.reconciler != nil {
		if err := c.reconcile(ctx, facts, scope, o.Tags, result); err != nil {
			return result, NewMemoryError("Ingest", err)
		}
	} else {
		for _, f := range facts {
			if err := ctx.Err(); err != nil {
				return result, NewMemoryError("Ingest", err)
			}
			result.Actions = append(result.Actions, c.add(ctx, f, scope, o.Tags))
		}
	}

	c.logger.Info().
		Str("user_id", o.UserID).
		Int("facts", len(facts)).
		Int("added", result.Count(extraction.EventAdd)).
		Int("updated", result.Count(extraction.EventUpdate)).
		Int("contradicted", result.Count(extraction.EventDelete)).
		Int("unchanged", result.Count(extraction.EventNone)).
		Msg("ingest_completed")
	return result, nil
}

// add creates one fact. A deduplicated fact is reported as NONE.
func (c *Client) add(ctx context.Context, f extraction.Fact, scope extraction.Scope, tags []string) IngestAction {
	in := f.ToInput(scope)
	in.Tags = types.UnionStrings(in.Tags, tags)

	action := IngestAction{Event: extraction.EventAdd, Content: in.Content}
	m, reinforced, err := c.create(ctx, in)
	if err != nil {
		action.Error = err.Error()
		return action
	}
	action.MemoryID = m.ID
	if reinforced {
		action.Event = extraction.EventNone
		action.Reinforced = true
	}
	return action
}

func (c *Client) reconcile(ctx context.Context, facts []extraction.Fact, scope extraction.Scope, tags []string, result *IngestResult) error {
	existing, err := c.neighbours(ctx, facts, scope)
	if err != nil {
		return err
	}

	byContent := make(map[string]extraction.Fact, len(facts))
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		content := strings.TrimSpace(f.Content)
		byContent[content] = f
		texts = append(texts, content)
	}

	actions, err := c.reconciler.Reconcile(ctx, texts, existing)
	if err != nil {
		return llmError(err)
	}

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, ok := byContent[a.Text]
		if !ok {
			f = extraction.Fact{Content: a.Text, Type: types.MemoryTypeFact}
		}

		switch a.Event {
		case extraction.EventAdd:
			result.Actions = append(result.Actions, c.add(ctx, f, scope, tags))

		case extraction.EventUpdate:
			action := IngestAction{Event: a.Event, Content: a.Text, PreviousID: a.MemoryID, PreviousContent: a.OldMemory}
			var copts []CorrectOption
			if ok {
				copts = append(copts, WithCorrectedType(f.Type))
			}
			next, err := c.Correct(ctx, a.MemoryID, a.Text, copts...)
			if err != nil {
				action.Error = err.Error()
			} else {
				action.MemoryID = next.ID
			}
			result.Actions = append(result.Actions, action)

		case extraction.EventDelete:
			action := c.add(ctx, f, scope, tags)
			action.Event = a.Event
			action.PreviousID = a.MemoryID
			if action.Error == "" && action.MemoryID != a.MemoryID {
				if err := c.FlagContradiction(ctx, action.MemoryID, a.MemoryID); err != nil {
					action.Error = err.Error()
				}
			}
			result.Actions = append(result.Actions, action)

		case extraction.EventNone:
			action := IngestAction{Event: a.Event, Content: a.Text, MemoryID: a.MemoryID}
			if _, err := c.Reinforce(ctx, a.MemoryID); err != nil {
				action.Error = err.Error()
			} else {
				action.Reinforced = true
			}
			result.Actions = append(result.Actions, action)
		}
	}
	return nil
}

// neighbours collects the distinct live memories similar to any fact, in
// order of first appearance.
func (c *Client) neighbours(ctx context.Context, facts []extraction.Fact, scope extraction.Scope) ([]*types.Memory, error) {
	seen := make(map[string]struct{})
	var out []*types.Memory
	for _, f := range facts {
		vec, err := c.embedder.Embed(ctx, f.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		hits, err := c.store.VectorSearch(ctx, vec, scope.UserID, scope.TenantID, &storage.VectorSearchOptions{
			Limit:         reconcileNeighbours,
			MinSimilarity: reconcileMinSimilarity,
			ChatbotID:     scope.ChatbotID,
			IncludeGlobal: scope.ChatbotID != "",
		})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if _, dup := seen[h.Memory.ID]; dup {
				continue
			}
			seen[h.Memory.ID] = struct{}{}
			out = append(out, h.Memory)
		}
	}
	return out, nil
}

func llmError(err error) error {
	if errors.Is(err, llm.ErrGeneration) {
		return fmt.Errorf("%w: %w", ErrLLMOperation, err)
	}
	return err
}
