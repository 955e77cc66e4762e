// Package sqlbase implements storage.MemoryStore over database/sql.
//
// Each backend supplies a Dialect describing its placeholders, DDL and vector
// column. Records are stored as a JSON document next to the scalar columns the
// engine filters and orders on. updated_at holds unix nanoseconds so fenced
// writes compare exactly.
package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Dialect captures the differences between SQL backends.
type Dialect interface {
	// Name identifies the backend in errors and logs.
	Name() string

	// Rebind rewrites ? placeholders into the backend's form.
	Rebind(query string) string

	// Schema returns the statements creating the table and its indices.
	Schema(table string, dims int) []string

	// EncodeVector converts an embedding into a column value.
	EncodeVector(v []float32) interface{}

	// SimilarityExpr returns a SQL expression computing cosine similarity
	// between the embedding column and one ? placeholder. Empty means the
	// backend has no vector operators and similarity is computed in Go.
	SimilarityExpr() string
}

// Store is a MemoryStore backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	dims    int
}

var _ storage.MemoryStore = (*Store)(nil)

// New wraps db and creates the schema.
//
// Parameters:
//   - db: An open database handle; the Store takes ownership
//   - dialect: Backend dialect
//   - table: Table name
//   - dims: Embedding dimension of the vector column, 0 for untyped columns
func New(ctx context.Context, db *sql.DB, dialect Dialect, table string, dims int) (*Store, error) {
	if table == "" {
		table = "memories"
	}
	s := &Store{db: db, dialect: dialect, table: table, dims: dims}
	for _, stmt := range dialect.Schema(table, dims) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("initTables: %s: %w", dialect.Name(), err)
		}
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

const columns = "id, tenant_id, user_id, chatbot_id, tier, type, importance, decay_score, is_deleted, superseded, created_at, updated_at, expires_at, embedding, doc"

type row struct {
	args []interface{}
}

func (s *Store) encode(m *types.Memory) (row, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return row{}, fmt.Errorf("encode: %w", err)
	}
	var expires interface{}
	if m.ExpiresAt != nil {
		expires = m.ExpiresAt.UnixNano()
	}
	var vec interface{}
	if m.Embedding != nil && len(m.Embedding.Vector) > 0 && (s.dims == 0 || len(m.Embedding.Vector) == s.dims) {
		vec = s.dialect.EncodeVector(m.Embedding.Vector)
	}
	return row{args: []interface{}{
		m.ID,
		m.TenantID,
		m.UserID,
		m.ChatbotID,
		string(m.Tier),
		string(m.Type),
		m.ImportanceScore,
		m.Decay.Score,
		boolInt(m.IsDeleted),
		boolInt(m.IsSuperseded()),
		m.Metadata.CreatedAt.UnixNano(),
		m.Metadata.UpdatedAt.UnixNano(),
		expires,
		vec,
		string(doc),
	}}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decode(doc string) (*types.Memory, error) {
	var m types.Memory
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &m, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// Save inserts a new memory.
func (s *Store) Save(ctx context.Context, m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	r, err := s.encode(m)
	if err != nil {
		return types.StorageError("Save", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table, columns)
	if _, err := s.exec(ctx, query, r.args...); err != nil {
		if _, getErr := s.Get(ctx, m.ID); getErr == nil {
			return fmt.Errorf("Save: %w: duplicate id %s", types.ErrValidation, m.ID)
		}
		return types.StorageError("Save", err)
	}
	return nil
}

// Get returns the memory with the given id.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	query := s.dialect.Rebind(fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", s.table))
	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get: %w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, types.StorageError("Get", err)
	}
	m, err := decode(doc)
	if err != nil {
		return nil, types.StorageError("Get", err)
	}
	return m, nil
}

// Update replaces the stored record, fenced on opts.ExpectedUpdatedAt.
func (s *Store) Update(ctx context.Context, m *types.Memory, opts *storage.UpdateOptions) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return s.write(ctx, "Update", m, opts)
}

func (s *Store) write(ctx context.Context, op string, m *types.Memory, opts *storage.UpdateOptions) error {
	r, err := s.encode(m)
	if err != nil {
		return types.StorageError(op, err)
	}
	query := fmt.Sprintf(`UPDATE %s SET tenant_id = ?, user_id = ?, chatbot_id = ?, tier = ?, type = ?,
		importance = ?, decay_score = ?, is_deleted = ?, superseded = ?, created_at = ?, updated_at = ?,
		expires_at = ?, embedding = ?, doc = ? WHERE id = ?`, s.table)
	args := append(r.args[1:len(r.args):len(r.args)], m.ID)
	if opts != nil && opts.ExpectedUpdatedAt != nil {
		query += " AND updated_at = ?"
		args = append(args, opts.ExpectedUpdatedAt.UnixNano())
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return types.StorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.StorageError(op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, m.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if opts != nil && opts.ExpectedUpdatedAt != nil {
		return fmt.Errorf("%s: %w: %s", op, types.ErrConcurrencyConflict, m.ID)
	}
	return nil
}

// modify applies fn to the current record and writes it back fenced on the
// value it read.
func (s *Store) modify(ctx context.Context, op, id string, opts *storage.UpdateOptions, fn func(*types.Memory)) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if opts != nil && opts.ExpectedUpdatedAt != nil && !cur.Metadata.UpdatedAt.Equal(*opts.ExpectedUpdatedAt) {
		return fmt.Errorf("%s: %w: %s", op, types.ErrConcurrencyConflict, id)
	}
	fence := storage.Fence(cur)
	fn(cur)
	return s.write(ctx, op, cur, fence)
}

// SoftDelete marks the memory deleted.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.modify(ctx, "SoftDelete", id, nil, func(m *types.Memory) { m.IsDeleted = true })
}

// HardDelete removes the memory.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	if err != nil {
		return types.StorageError("HardDelete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.StorageError("HardDelete", err)
	}
	if n == 0 {
		return fmt.Errorf("HardDelete: %w: %s", types.ErrNotFound, id)
	}
	return nil
}

// VectorSearch ranks the user's memories by cosine similarity. Backends with
// vector operators compute similarity in SQL; others compute it here.
func (s *Store) VectorSearch(ctx context.Context, query []float32, userID, tenantID string, opts *storage.VectorSearchOptions) ([]*storage.SearchHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("VectorSearch: %w: empty query vector", types.ErrValidation)
	}
	if s.dims > 0 && len(query) != s.dims {
		return nil, fmt.Errorf("VectorSearch: %w: query dimension %d, expected %d", types.ErrValidation, len(query), s.dims)
	}

	w := newWhere()
	w.eq("tenant_id", tenantID)
	w.eq("user_id", userID)
	w.eq("is_deleted", 0)
	w.raw("embedding IS NOT NULL")
	if opts == nil || !opts.IncludeSuperseded {
		w.eq("superseded", 0)
	}
	if opts != nil {
		w.inTiers(opts.Tiers)
		w.inTypes(opts.Types)
	}

	expr := s.dialect.SimilarityExpr()
	var q string
	var args []interface{}
	if expr != "" {
		q = fmt.Sprintf("SELECT doc, %s AS similarity FROM %s %s", expr, s.table, w.clause())
		args = append([]interface{}{s.dialect.EncodeVector(query)}, w.args...)
	} else {
		q = fmt.Sprintf("SELECT doc FROM %s %s", s.table, w.clause())
		args = w.args
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, types.StorageError("VectorSearch", err)
	}
	defer func() { _ = rows.Close() }()

	var minSim float64
	if opts != nil {
		minSim = opts.MinSimilarity
	}
	var hits []*storage.SearchHit
	for rows.Next() {
		var doc string
		var sim float64
		if expr != "" {
			err = rows.Scan(&doc, &sim)
		} else {
			err = rows.Scan(&doc)
		}
		if err != nil {
			return nil, types.StorageError("VectorSearch", err)
		}
		m, err := decode(doc)
		if err != nil {
			return nil, types.StorageError("VectorSearch", err)
		}
		if expr == "" {
			if m.Embedding == nil {
				continue
			}
			sim = cosineSimilarity(query, m.Embedding.Vector)
		}
		if sim < minSim || !storage.MatchesSearch(m, userID, tenantID, opts) {
			continue
		}
		hits = append(hits, &storage.SearchHit{Memory: m, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageError("VectorSearch", err)
	}

	storage.SortHits(hits)
	if opts != nil && opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// FindByCriteria returns memories matching c ordered by id.
func (s *Store) FindByCriteria(ctx context.Context, c *storage.Criteria) ([]*types.Memory, error) {
	if c == nil {
		c = &storage.Criteria{}
	}
	w := newWhere()
	w.eq("tenant_id", c.TenantID)
	w.eq("user_id", c.UserID)
	w.eq("chatbot_id", c.ChatbotID)
	if !c.IncludeDeleted {
		w.eq("is_deleted", 0)
	}
	w.inTiers(c.Tiers)
	w.inTypes(c.Types)
	w.in("id", c.IDs)

	out, err := s.query(ctx, "FindByCriteria", fmt.Sprintf("SELECT doc FROM %s %s ORDER BY id", s.table, w.clause()), w.args, func(m *types.Memory) bool {
		return storage.MatchesCriteria(m, c)
	})
	if err != nil {
		return nil, err
	}
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

// GetForConsolidation returns sweep candidates ordered by decay, then id.
func (s *Store) GetForConsolidation(ctx context.Context, tenantID, userID string, q *storage.ConsolidationQuery) ([]*types.Memory, error) {
	w := newWhere()
	w.eq("tenant_id", tenantID)
	if userID != "" {
		w.eq("user_id", userID)
	}
	w.eq("is_deleted", 0)
	w.raw("tier <> ?", string(types.TierEpisodic))
	if q != nil && !q.CreatedBefore.IsZero() {
		w.raw("created_at <= ?", q.CreatedBefore.UnixNano())
	}
	query := fmt.Sprintf("SELECT doc FROM %s %s ORDER BY decay_score, id", s.table, w.clause())
	if q != nil && q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return s.query(ctx, "GetForConsolidation", query, w.args, nil)
}

func (s *Store) query(ctx context.Context, op, query string, args []interface{}, keep func(*types.Memory) bool) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, types.StorageError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Memory
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, types.StorageError(op, err)
		}
		m, err := decode(doc)
		if err != nil {
			return nil, types.StorageError(op, err)
		}
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageError(op, err)
	}
	return out, nil
}

// CountByUser counts live memories of a user, optionally in one tier.
func (s *Store) CountByUser(ctx context.Context, tenantID, userID string, tier types.Tier) (int, error) {
	w := newWhere()
	w.eq("tenant_id", tenantID)
	w.eq("user_id", userID)
	w.eq("is_deleted", 0)
	if tier != "" {
		w.eq("tier", string(tier))
	}
	var n int
	query := s.dialect.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s %s", s.table, w.clause()))
	if err := s.db.QueryRowContext(ctx, query, w.args...).Scan(&n); err != nil {
		return 0, types.StorageError("CountByUser", err)
	}
	return n, nil
}

// UpdateTier moves a memory to another tier.
func (s *Store) UpdateTier(ctx context.Context, id string, tier types.Tier, changedAt time.Time, opts *storage.UpdateOptions) error {
	if !tier.Valid() {
		return fmt.Errorf("UpdateTier: %w: invalid tier %q", types.ErrValidation, tier)
	}
	return s.modify(ctx, "UpdateTier", id, opts, func(m *types.Memory) {
		m.Tier = tier
		m.TierChangedAt = changedAt
		m.Metadata.UpdatedAt = changedAt
	})
}

// UpdateDecay replaces the decay state of a memory.
func (s *Store) UpdateDecay(ctx context.Context, id string, decay types.Decay, opts *storage.UpdateOptions) error {
	return s.modify(ctx, "UpdateDecay", id, opts, func(m *types.Memory) {
		m.Decay = decay
		m.Decay.Score = types.Clamp01(decay.Score)
		m.Metadata.UpdatedAt = decay.LastCalculated
	})
}

// accessRetries bounds the read-modify-write loop of UpdateAccess.
const accessRetries = 3

// UpdateAccess increments the access count and records the access time.
func (s *Store) UpdateAccess(ctx context.Context, id string, accessedAt time.Time) error {
	var err error
	for i := 0; i < accessRetries; i++ {
		err = s.modify(ctx, "UpdateAccess", id, nil, func(m *types.Memory) {
			m.Metadata.AccessCount++
			at := accessedAt
			m.Metadata.LastAccessedAt = &at
			m.Metadata.UpdatedAt = accessedAt
		})
		if !errors.Is(err, types.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

// SaveBatch inserts each memory in its own statement.
func (s *Store) SaveBatch(ctx context.Context, ms []*types.Memory) error {
	var firstErr error
	for _, m := range ms {
		if err := s.Save(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteBatch soft- or hard-deletes each id.
func (s *Store) DeleteBatch(ctx context.Context, ids []string, hard bool) error {
	var firstErr error
	for _, id := range ids {
		var err error
		if hard {
			err = s.HardDelete(ctx, id)
		} else {
			err = s.SoftDelete(ctx, id)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupExpired hard-deletes memories past their ExpiresAt.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?", s.table), now.UnixNano())
	if err != nil {
		return 0, types.StorageError("CleanupExpired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.StorageError("CleanupExpired", err)
	}
	return int(n), nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.StorageError("HealthCheck", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// where accumulates AND-ed conditions with ? placeholders.
type where struct {
	conds []string
	args  []interface{}
}

func newWhere() *where { return &where{} }

func (w *where) eq(col string, v interface{}) {
	if sv, ok := v.(string); ok && sv == "" {
		return
	}
	w.conds = append(w.conds, col+" = ?")
	w.args = append(w.args, v)
}

func (w *where) raw(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
}

func (w *where) inTiers(tiers []types.Tier) {
	vals := make([]string, len(tiers))
	for i, t := range tiers {
		vals[i] = string(t)
	}
	w.in("tier", vals)
}

func (w *where) inTypes(ts []types.MemoryType) {
	vals := make([]string, len(ts))
	for i, t := range ts {
		vals[i] = string(t)
	}
	w.in("type", vals)
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}
