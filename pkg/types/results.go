package types

// MemoryRetrievalQuery is the semantic query answered by the retrieval ranker.
type MemoryRetrievalQuery struct {
	Query    string `json:"query"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	// ChatbotID restricts results to one bot context. Empty searches every
	// memory of the user.
	ChatbotID string `json:"chatbot_id,omitempty"`

	// IncludeGlobal adds memories without a chatbot when ChatbotID is set.
	IncludeGlobal bool `json:"include_global,omitempty"`
}

// MemoryRetrievalOptions controls filtering and ranking.
type MemoryRetrievalOptions struct {
	Limit               int          `json:"limit"`
	SimilarityThreshold float64      `json:"similarity_threshold"`
	Types               []MemoryType `json:"types,omitempty"`
	Tiers               []Tier       `json:"tiers,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
	RecencyBoost        float64      `json:"recency_boost"`
	ImportanceBoost     float64      `json:"importance_boost"`
	DiversitySampling   bool         `json:"diversity_sampling"`
	DiversityThreshold  float64      `json:"diversity_threshold"`
	MaxAgeDays          float64      `json:"max_age_days,omitempty"`
	ExcludeIDs          []string     `json:"exclude_ids,omitempty"`

	// IncludeSuperseded keeps records replaced by a correction or merge.
	IncludeSuperseded bool `json:"include_superseded,omitempty"`

	// TrackAccess records an access on every returned memory.
	TrackAccess bool `json:"track_access"`
}

// DefaultRetrievalOptions returns the documented defaults.
func DefaultRetrievalOptions() MemoryRetrievalOptions {
	return MemoryRetrievalOptions{
		Limit:               10,
		SimilarityThreshold: 0.3,
		RecencyBoost:        0.1,
		ImportanceBoost:     0.2,
		DiversityThreshold:  0.9,
		TrackAccess:         true,
	}
}

// ScoreBreakdown explains how a relevance score was assembled.
type ScoreBreakdown struct {
	Similarity   float64 `json:"similarity"`
	RecencyTerm  float64 `json:"recency_term"`
	Importance   float64 `json:"importance_term"`
	DecayPenalty float64 `json:"decay_penalty"`
	AgeDays      float64 `json:"age_days"`
	Decay        float64 `json:"decay"`
}

// RetrievedMemory is one ranked result.
type RetrievedMemory struct {
	Memory          *Memory        `json:"memory"`
	SimilarityScore float64        `json:"similarity_score"`
	RelevanceScore  float64        `json:"relevance_score"`
	ScoreBreakdown  ScoreBreakdown `json:"score_breakdown"`
}

// MemoryRetrievalResult is the ranked answer to a query.
type MemoryRetrievalResult struct {
	Memories       []RetrievedMemory `json:"memories"`
	TotalMatched   int               `json:"total_matched"`
	Query          string            `json:"query"`
	QueryEmbedding []float32         `json:"query_embedding,omitempty"`
	DurationMs     int64             `json:"duration_ms"`
	TiersSearched  []Tier            `json:"tiers_searched"`
}

// ConsolidationOptions scopes and tunes a consolidation sweep.
type ConsolidationOptions struct {
	TenantID       string  `json:"tenant_id"`
	UserID         string  `json:"user_id,omitempty"`
	MinAgeHours    float64 `json:"min_age_hours"`
	BatchSize      int     `json:"batch_size"`
	MergeSimilar   bool    `json:"merge_similar"`
	MergeThreshold float64 `json:"merge_threshold"`
	DryRun         bool    `json:"dry_run"`
}

// ConsolidationEntry identifies one action taken (or planned) by a sweep.
type ConsolidationEntry struct {
	MemoryID string `json:"memory_id"`
	TargetID string `json:"target_id,omitempty"`
	FromTier Tier   `json:"from_tier,omitempty"`
	ToTier   Tier   `json:"to_tier,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FailedItem records a per-item failure inside a batch operation.
//
// Failures that concern a whole user scope rather than one record (such as a
// capacity check that could not count the tier) leave MemoryID empty and set
// UserID.
type FailedItem struct {
	MemoryID string `json:"memory_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Error    string `json:"error"`
}

// ConsolidationResult describes what a sweep did up to completion or cancellation.
type ConsolidationResult struct {
	RunID      string               `json:"run_id"`
	Promoted   []ConsolidationEntry `json:"promoted"`
	Demoted    []ConsolidationEntry `json:"demoted"`
	Merged     []ConsolidationEntry `json:"merged"`
	Archived   []ConsolidationEntry `json:"archived"`
	Deleted    []ConsolidationEntry `json:"deleted"`
	Failed     []FailedItem         `json:"failed,omitempty"`
	Processed  int                  `json:"processed"`
	DurationMs int64                `json:"duration_ms"`
	DryRun     bool                 `json:"dry_run"`
	Cancelled  bool                 `json:"cancelled,omitempty"`
}

// Changes returns the number of state changes recorded in r.
func (r *ConsolidationResult) Changes() int {
	return len(r.Promoted) + len(r.Demoted) + len(r.Merged) + len(r.Archived) + len(r.Deleted)
}

// ForgetCriteria selects memories for bulk removal. Filters are ANDed.
type ForgetCriteria struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	ChatbotID string `json:"chatbot_id,omitempty"`

	Types []MemoryType `json:"types,omitempty"`

	// DecayThreshold matches memories whose decay score is below it. Zero disables.
	DecayThreshold float64 `json:"decay_threshold,omitempty"`

	OlderThanDays    float64  `json:"older_than_days,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	ContainsKeywords []string `json:"contains_keywords,omitempty"`
	MemoryIDs        []string `json:"memory_ids,omitempty"`

	HardDelete bool `json:"hard_delete"`

	SkipHighImportance  bool    `json:"skip_high_importance"`
	ImportanceThreshold float64 `json:"importance_threshold"`
}

// SkippedItem records a matched memory that was not forgotten.
type SkippedItem struct {
	MemoryID string `json:"memory_id"`
	Reason   string `json:"reason"`
}

// ForgetResult describes a forgetting run.
type ForgetResult struct {
	Forgotten  []string      `json:"forgotten"`
	Skipped    []SkippedItem `json:"skipped"`
	Evaluated  int           `json:"evaluated"`
	HardDelete bool          `json:"hard_delete"`
	DurationMs int64         `json:"duration_ms"`
	Cancelled  bool          `json:"cancelled,omitempty"`
}
