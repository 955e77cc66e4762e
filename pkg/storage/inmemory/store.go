// Package inmemory provides an indexed, process-local MemoryStore.
//
// Records live in an arena keyed by id with secondary indices by
// tenant+user, by tenant and by tier, so scoped queries never scan the whole
// collection. Embeddings are indexed in chromem-go, one collection per
// tenant+user.
package inmemory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

type scopeKey struct {
	tenantID string
	userID   string
}

func (k scopeKey) collectionName() string {
	return fmt.Sprintf("memories/%s/%s", k.tenantID, k.userID)
}

type idSet map[string]struct{}

// Store implements storage.MemoryStore in process memory.
type Store struct {
	mu sync.RWMutex

	arena    map[string]*types.Memory
	byScope  map[scopeKey]idSet
	byTenant map[string]idSet
	byTier   map[types.Tier]idSet

	vectors     *chromem.DB
	collections map[scopeKey]*chromem.Collection

	closed bool
}

var _ storage.MemoryStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		arena:       make(map[string]*types.Memory),
		byScope:     make(map[scopeKey]idSet),
		byTenant:    make(map[string]idSet),
		byTier:      make(map[types.Tier]idSet),
		vectors:     chromem.NewDB(),
		collections: make(map[scopeKey]*chromem.Collection),
	}
}

func (s *Store) checkOpen(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return types.StorageError(op, err)
	}
	if s.closed {
		return types.StorageError(op, fmt.Errorf("store is closed"))
	}
	return nil
}

// Save inserts a new memory.
func (s *Store) Save(ctx context.Context, m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "Save"); err != nil {
		return err
	}
	if _, exists := s.arena[m.ID]; exists {
		return fmt.Errorf("Save: %w: duplicate id %s", types.ErrValidation, m.ID)
	}
	return s.put(ctx, "Save", m.Clone())
}

// put stores rec and refreshes every index. Callers hold the write lock.
func (s *Store) put(ctx context.Context, op string, rec *types.Memory) error {
	if prev, ok := s.arena[rec.ID]; ok {
		s.unindex(prev)
	}
	s.arena[rec.ID] = rec
	s.index(rec)
	if err := s.syncVector(ctx, rec); err != nil {
		return types.StorageError(op, err)
	}
	return nil
}

func (s *Store) index(m *types.Memory) {
	key := scopeKey{m.TenantID, m.UserID}
	add(s.byScope, key, m.ID)
	add(s.byTenant, m.TenantID, m.ID)
	add(s.byTier, m.Tier, m.ID)
}

func (s *Store) unindex(m *types.Memory) {
	remove(s.byScope, scopeKey{m.TenantID, m.UserID}, m.ID)
	remove(s.byTenant, m.TenantID, m.ID)
	remove(s.byTier, m.Tier, m.ID)
}

func add[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](idx map[K]idSet, key K, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// syncVector keeps the chromem index in step with rec: live records with a
// usable embedding are indexed, everything else is removed.
func (s *Store) syncVector(ctx context.Context, rec *types.Memory) error {
	key := scopeKey{rec.TenantID, rec.UserID}
	col, err := s.collection(key)
	if err != nil {
		return err
	}
	if rec.IsDeleted || rec.Embedding == nil || !usable(rec.Embedding.Vector) {
		return col.Delete(ctx, nil, nil, rec.ID)
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding.Vector...),
		Metadata: map[string]string{
			"tier":       string(rec.Tier),
			"type":       string(rec.Type),
			"chatbot_id": rec.ChatbotID,
		},
	})
}

func (s *Store) collection(key scopeKey) (*chromem.Collection, error) {
	if col, ok := s.collections[key]; ok {
		return col, nil
	}
	col, err := s.vectors.GetOrCreateCollection(key.collectionName(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[key] = col
	return col, nil
}

func usable(v []float32) bool {
	var norm float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
		norm += float64(x) * float64(x)
	}
	return norm > 0
}

// Get returns a copy of the memory.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx, "Get"); err != nil {
		return nil, err
	}
	m, ok := s.arena[id]
	if !ok {
		return nil, fmt.Errorf("Get: %w: %s", types.ErrNotFound, id)
	}
	return m.Clone(), nil
}

// fenced returns the stored record for id after checking the fence.
func (s *Store) fenced(op, id string, opts *storage.UpdateOptions) (*types.Memory, error) {
	cur, ok := s.arena[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", op, types.ErrNotFound, id)
	}
	if opts != nil && opts.ExpectedUpdatedAt != nil && !cur.Metadata.UpdatedAt.Equal(*opts.ExpectedUpdatedAt) {
		return nil, fmt.Errorf("%s: %w: %s", op, types.ErrConcurrencyConflict, id)
	}
	return cur, nil
}

// Update replaces the stored record.
func (s *Store) Update(ctx context.Context, m *types.Memory, opts *storage.UpdateOptions) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "Update"); err != nil {
		return err
	}
	if _, err := s.fenced("Update", m.ID, opts); err != nil {
		return err
	}
	return s.put(ctx, "Update", m.Clone())
}

// SoftDelete marks the memory deleted and drops it from the vector index.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "SoftDelete"); err != nil {
		return err
	}
	return s.softDeleteLocked(ctx, id)
}

func (s *Store) softDeleteLocked(ctx context.Context, id string) error {
	cur, ok := s.arena[id]
	if !ok {
		return fmt.Errorf("SoftDelete: %w: %s", types.ErrNotFound, id)
	}
	if cur.IsDeleted {
		return nil
	}
	rec := cur.Clone()
	rec.IsDeleted = true
	return s.put(ctx, "SoftDelete", rec)
}

// HardDelete removes the memory entirely.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "HardDelete"); err != nil {
		return err
	}
	return s.hardDeleteLocked(ctx, id)
}

func (s *Store) hardDeleteLocked(ctx context.Context, id string) error {
	cur, ok := s.arena[id]
	if !ok {
		return fmt.Errorf("HardDelete: %w: %s", types.ErrNotFound, id)
	}
	s.unindex(cur)
	delete(s.arena, id)
	if col, ok := s.collections[scopeKey{cur.TenantID, cur.UserID}]; ok {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return types.StorageError("HardDelete", err)
		}
	}
	return nil
}

// VectorSearch ranks the user's live memories by cosine similarity.
func (s *Store) VectorSearch(ctx context.Context, query []float32, userID, tenantID string, opts *storage.VectorSearchOptions) ([]*storage.SearchHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("VectorSearch: %w: empty query vector", types.ErrValidation)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx, "VectorSearch"); err != nil {
		return nil, err
	}

	col, ok := s.collections[scopeKey{tenantID, userID}]
	if !ok || col.Count() == 0 || !usable(query) {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query, col.Count(), nil, nil)
	if err != nil {
		return nil, types.StorageError("VectorSearch", err)
	}

	var minSim float64
	if opts != nil {
		minSim = opts.MinSimilarity
	}
	hits := make([]*storage.SearchHit, 0, len(results))
	for _, r := range results {
		m, ok := s.arena[r.ID]
		if !ok || !storage.MatchesSearch(m, userID, tenantID, opts) {
			continue
		}
		sim := float64(r.Similarity)
		if sim < minSim {
			continue
		}
		hits = append(hits, &storage.SearchHit{Memory: m.Clone(), Similarity: sim})
	}
	storage.SortHits(hits)
	if opts != nil && opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// candidates returns the smallest index set covering c.
func (s *Store) candidates(tenantID, userID string, tiers []types.Tier) idSet {
	switch {
	case tenantID != "" && userID != "":
		return s.byScope[scopeKey{tenantID, userID}]
	case tenantID != "":
		return s.byTenant[tenantID]
	case len(tiers) == 1:
		return s.byTier[tiers[0]]
	}
	all := make(idSet, len(s.arena))
	for id := range s.arena {
		all[id] = struct{}{}
	}
	return all
}

// FindByCriteria returns copies of the matching memories ordered by id.
func (s *Store) FindByCriteria(ctx context.Context, c *storage.Criteria) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx, "FindByCriteria"); err != nil {
		return nil, err
	}
	if c == nil {
		c = &storage.Criteria{}
	}

	var out []*types.Memory
	if len(c.IDs) > 0 {
		for _, id := range c.IDs {
			if m, ok := s.arena[id]; ok && storage.MatchesCriteria(m, c) {
				out = append(out, m.Clone())
			}
		}
	} else {
		for id := range s.candidates(c.TenantID, c.UserID, c.Tiers) {
			if m := s.arena[id]; storage.MatchesCriteria(m, c) {
				out = append(out, m.Clone())
			}
		}
	}
	storage.SortByID(out)
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

// GetForConsolidation returns sweep candidates, most at-risk first.
func (s *Store) GetForConsolidation(ctx context.Context, tenantID, userID string, q *storage.ConsolidationQuery) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx, "GetForConsolidation"); err != nil {
		return nil, err
	}

	var out []*types.Memory
	for id := range s.candidates(tenantID, userID, nil) {
		if m := s.arena[id]; storage.ConsolidationEligible(m, tenantID, userID, q) {
			out = append(out, m.Clone())
		}
	}
	storage.SortByDecay(out)
	if q != nil && q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CountByUser counts live memories of a user, optionally in one tier.
func (s *Store) CountByUser(ctx context.Context, tenantID, userID string, tier types.Tier) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx, "CountByUser"); err != nil {
		return 0, err
	}
	n := 0
	for id := range s.byScope[scopeKey{tenantID, userID}] {
		m := s.arena[id]
		if m.IsDeleted || (tier != "" && m.Tier != tier) {
			continue
		}
		n++
	}
	return n, nil
}

// UpdateTier moves a memory to another tier.
func (s *Store) UpdateTier(ctx context.Context, id string, tier types.Tier, changedAt time.Time, opts *storage.UpdateOptions) error {
	if !tier.Valid() {
		return fmt.Errorf("UpdateTier: %w: invalid tier %q", types.ErrValidation, tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "UpdateTier"); err != nil {
		return err
	}
	cur, err := s.fenced("UpdateTier", id, opts)
	if err != nil {
		return err
	}
	rec := cur.Clone()
	rec.Tier = tier
	rec.TierChangedAt = changedAt
	rec.Metadata.UpdatedAt = changedAt
	return s.put(ctx, "UpdateTier", rec)
}

// UpdateDecay replaces the decay state of a memory.
func (s *Store) UpdateDecay(ctx context.Context, id string, decay types.Decay, opts *storage.UpdateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "UpdateDecay"); err != nil {
		return err
	}
	cur, err := s.fenced("UpdateDecay", id, opts)
	if err != nil {
		return err
	}
	rec := cur.Clone()
	rec.Decay = decay
	rec.Decay.Score = types.Clamp01(decay.Score)
	rec.Metadata.UpdatedAt = decay.LastCalculated
	s.arena[id] = rec
	return nil
}

// UpdateAccess records an access.
func (s *Store) UpdateAccess(ctx context.Context, id string, accessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "UpdateAccess"); err != nil {
		return err
	}
	cur, ok := s.arena[id]
	if !ok {
		return fmt.Errorf("UpdateAccess: %w: %s", types.ErrNotFound, id)
	}
	rec := cur.Clone()
	rec.Metadata.AccessCount++
	at := accessedAt
	rec.Metadata.LastAccessedAt = &at
	rec.Metadata.UpdatedAt = accessedAt
	s.arena[id] = rec
	return nil
}

// SaveBatch inserts each memory independently; the first error is returned
// after the remaining records have been attempted.
func (s *Store) SaveBatch(ctx context.Context, ms []*types.Memory) error {
	var firstErr error
	for _, m := range ms {
		if err := s.Save(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteBatch soft- or hard-deletes each id independently.
func (s *Store) DeleteBatch(ctx context.Context, ids []string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "DeleteBatch"); err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		var err error
		if hard {
			err = s.hardDeleteLocked(ctx, id)
		} else {
			err = s.softDeleteLocked(ctx, id)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupExpired hard-deletes memories past their ExpiresAt.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx, "CleanupExpired"); err != nil {
		return 0, err
	}
	var expired []string
	for id, m := range s.arena {
		if m.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if err := s.hardDeleteLocked(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// HealthCheck reports whether the store is open.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen(ctx, "HealthCheck")
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of records, deleted ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}
