package storage

import (
	"sort"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// ChatbotVisible applies chatbot scoping: an empty chatbotID sees every
// memory; otherwise only that bot's memories, plus global ones when
// includeGlobal is set.
func ChatbotVisible(m *types.Memory, chatbotID string, includeGlobal bool) bool {
	if chatbotID == "" {
		return true
	}
	if m.ChatbotID == chatbotID {
		return true
	}
	return includeGlobal && m.ChatbotID == ""
}

// MatchesSearch reports whether m passes the non-vector filters of opts.
func MatchesSearch(m *types.Memory, userID, tenantID string, opts *VectorSearchOptions) bool {
	if m.IsDeleted || m.TenantID != tenantID || m.UserID != userID {
		return false
	}
	if opts == nil {
		return !m.IsSuperseded()
	}
	if !opts.IncludeSuperseded && m.IsSuperseded() {
		return false
	}
	if !ChatbotVisible(m, opts.ChatbotID, opts.IncludeGlobal) {
		return false
	}
	if len(opts.Types) > 0 && !containsType(opts.Types, m.Type) {
		return false
	}
	if len(opts.Tiers) > 0 && !containsTier(opts.Tiers, m.Tier) {
		return false
	}
	if len(opts.Tags) > 0 && !m.HasAnyTag(opts.Tags) {
		return false
	}
	if len(opts.ExcludeIDs) > 0 && containsString(opts.ExcludeIDs, m.ID) {
		return false
	}
	if opts.CreatedAfter != nil && m.Metadata.CreatedAt.Before(*opts.CreatedAfter) {
		return false
	}
	return true
}

// MatchesCriteria reports whether m passes c.
func MatchesCriteria(m *types.Memory, c *Criteria) bool {
	if c == nil {
		return !m.IsDeleted
	}
	if !c.IncludeDeleted && m.IsDeleted {
		return false
	}
	if c.TenantID != "" && m.TenantID != c.TenantID {
		return false
	}
	if c.UserID != "" && m.UserID != c.UserID {
		return false
	}
	if c.ChatbotID != "" && m.ChatbotID != c.ChatbotID {
		return false
	}
	if len(c.Types) > 0 && !containsType(c.Types, m.Type) {
		return false
	}
	if len(c.Tiers) > 0 && !containsTier(c.Tiers, m.Tier) {
		return false
	}
	if len(c.Tags) > 0 && !m.HasAnyTag(c.Tags) {
		return false
	}
	if len(c.IDs) > 0 && !containsString(c.IDs, m.ID) {
		return false
	}
	return true
}

// SortHits orders hits by descending similarity, then ascending id.
func SortHits(hits []*SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
}

// SortByDecay orders memories by ascending decay score, then id.
func SortByDecay(ms []*types.Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Decay.Score != ms[j].Decay.Score {
			return ms[i].Decay.Score < ms[j].Decay.Score
		}
		return ms[i].ID < ms[j].ID
	})
}

// SortByID orders memories by id.
func SortByID(ms []*types.Memory) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

// ConsolidationEligible reports whether m is a sweep candidate.
func ConsolidationEligible(m *types.Memory, tenantID, userID string, q *ConsolidationQuery) bool {
	if m.IsDeleted || m.Tier == types.TierEpisodic || m.TenantID != tenantID {
		return false
	}
	if userID != "" && m.UserID != userID {
		return false
	}
	return q == nil || q.CreatedBefore.IsZero() || !m.Metadata.CreatedAt.After(q.CreatedBefore)
}

func containsType(list []types.MemoryType, t types.MemoryType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsTier(list []types.Tier, t types.Tier) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
