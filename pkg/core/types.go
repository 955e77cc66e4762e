package core

import (
	"github.com/oceanbase/tiermem-go/pkg/extraction"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// IngestResult reports what an Ingest call did with each extracted fact.
type IngestResult struct {
	// Actions lists one entry per extracted fact, in extraction order.
	Actions []IngestAction `json:"actions"`
}

// IngestAction is the outcome for one fact.
type IngestAction struct {
	// Event is ADD, UPDATE, DELETE or NONE.
	Event extraction.Event `json:"event"`

	// MemoryID is the memory created or touched.
	MemoryID string `json:"memory_id,omitempty"`

	// Content is the fact text.
	Content string `json:"content"`

	// PreviousID is the memory superseded (UPDATE) or contradicted (DELETE).
	PreviousID string `json:"previous_id,omitempty"`

	// PreviousContent is the content of PreviousID.
	PreviousContent string `json:"previous_content,omitempty"`

	// Reinforced is set when deduplication folded the fact into an existing memory.
	Reinforced bool `json:"reinforced,omitempty"`

	// Error is set when the fact could not be applied; other facts still are.
	Error string `json:"error,omitempty"`
}

// Count returns the number of actions with the given event and no error.
func (r *IngestResult) Count(event extraction.Event) int {
	n := 0
	for _, a := range r.Actions {
		if a.Event == event && a.Error == "" {
			n++
		}
	}
	return n
}

// MemoryResult carries an async single-memory outcome.
type MemoryResult struct {
	Memory *types.Memory
	Error  error
}

// RetrieveResult carries an async retrieval outcome.
type RetrieveResult struct {
	Result *types.MemoryRetrievalResult
	Error  error
}

// ConsolidateResult carries an async consolidation outcome. Result holds the
// partial result when the sweep was interrupted.
type ConsolidateResult struct {
	Result *types.ConsolidationResult
	Error  error
}

// ForgetOutcome carries an async forgetting outcome.
type ForgetOutcome struct {
	Result *types.ForgetResult
	Error  error
}

// IngestOutcome carries an async ingestion outcome.
type IngestOutcome struct {
	Result *IngestResult
	Error  error
}
