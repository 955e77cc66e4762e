// Package storage defines the MemoryStore contract the engine depends on,
// along with the query and filter types shared by every backend.
//
// The engine assumes nothing beyond "a single-row update is atomic".
// Backends implement optimistic fencing through UpdateOptions.ExpectedUpdatedAt.
package storage

import (
	"context"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// MemoryStore is the persistence contract. Any backend satisfying it is
// interchangeable: relational with a vector index, a cache, or in-memory.
//
// Missing ids return errors wrapping types.ErrNotFound; backend failures
// wrap types.ErrStorage; stale fenced writes wrap types.ErrConcurrencyConflict.
type MemoryStore interface {
	// Save inserts a new memory.
	Save(ctx context.Context, m *types.Memory) error

	// Get returns a copy of the memory with the given id, deleted or not.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// Update replaces the stored record.
	Update(ctx context.Context, m *types.Memory, opts *UpdateOptions) error

	// SoftDelete marks the memory deleted.
	SoftDelete(ctx context.Context, id string) error

	// HardDelete removes the memory.
	HardDelete(ctx context.Context, id string) error

	// VectorSearch returns non-deleted memories of one user ordered by
	// descending similarity, then id.
	VectorSearch(ctx context.Context, query []float32, userID, tenantID string, opts *VectorSearchOptions) ([]*SearchHit, error)

	// FindByCriteria returns memories matching c ordered by id.
	FindByCriteria(ctx context.Context, c *Criteria) ([]*types.Memory, error)

	// GetForConsolidation returns non-deleted, non-episodic memories created
	// at or before opts.CreatedBefore, ordered by ascending decay then id.
	GetForConsolidation(ctx context.Context, tenantID, userID string, opts *ConsolidationQuery) ([]*types.Memory, error)

	// CountByUser counts non-deleted memories of a user, optionally in one tier.
	CountByUser(ctx context.Context, tenantID, userID string, tier types.Tier) (int, error)

	// UpdateTier sets the tier and tier-entry time of a memory.
	UpdateTier(ctx context.Context, id string, tier types.Tier, changedAt time.Time, opts *UpdateOptions) error

	// UpdateDecay replaces the decay state of a memory.
	UpdateDecay(ctx context.Context, id string, decay types.Decay, opts *UpdateOptions) error

	// UpdateAccess increments the access count and sets the last access time.
	UpdateAccess(ctx context.Context, id string, accessedAt time.Time) error

	// SaveBatch inserts several memories. Atomicity is per record.
	SaveBatch(ctx context.Context, ms []*types.Memory) error

	// DeleteBatch soft- or hard-deletes several memories.
	DeleteBatch(ctx context.Context, ids []string, hard bool) error

	// CleanupExpired hard-deletes memories whose ExpiresAt is at or before now.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// UpdateOptions tunes a write.
type UpdateOptions struct {
	// ExpectedUpdatedAt fences the write: it only applies when the stored
	// record's UpdatedAt equals this value.
	ExpectedUpdatedAt *time.Time
}

// Fence returns update options fenced on m's current UpdatedAt.
func Fence(m *types.Memory) *UpdateOptions {
	at := m.Metadata.UpdatedAt
	return &UpdateOptions{ExpectedUpdatedAt: &at}
}

// VectorSearchOptions bounds a similarity search.
type VectorSearchOptions struct {
	// Limit caps the number of hits. Zero means no cap.
	Limit int

	// MinSimilarity drops hits below this cosine similarity.
	MinSimilarity float64

	// ChatbotID restricts the search to one bot context. Empty searches
	// every memory of the user.
	ChatbotID string

	// IncludeGlobal adds memories without a chatbot when ChatbotID is set.
	IncludeGlobal bool

	Types      []types.MemoryType
	Tiers      []types.Tier
	Tags       []string
	ExcludeIDs []string

	// CreatedAfter drops memories created before it.
	CreatedAfter *time.Time

	// IncludeSuperseded keeps records that have SupersededBy set.
	IncludeSuperseded bool
}

// SearchHit is one vector search result.
type SearchHit struct {
	Memory     *types.Memory
	Similarity float64
}

// Criteria filters memories for bulk operations.
type Criteria struct {
	TenantID string

	// UserID and ChatbotID narrow the scope when set.
	UserID    string
	ChatbotID string

	Types []types.MemoryType
	Tiers []types.Tier

	// Tags matches memories carrying at least one of the tags.
	Tags []string

	IDs []string

	IncludeDeleted bool

	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// ConsolidationQuery tunes GetForConsolidation.
type ConsolidationQuery struct {
	CreatedBefore time.Time
	Limit         int
}
