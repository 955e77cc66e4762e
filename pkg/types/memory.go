// Package types defines the memory data model shared by every tiermem package.
package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Tier is a coarse-grained recency/permanence bucket for a memory.
type Tier string

const (
	// TierWorking is the session-scoped, capacity-bounded cache tier.
	TierWorking Tier = "working"

	// TierShortTerm is the cache-backed tier with a bounded TTL.
	TierShortTerm Tier = "short-term"

	// TierLongTerm is the database-backed permanent tier, still subject to decay.
	TierLongTerm Tier = "long-term"

	// TierEpisodic is the terminal archive tier.
	TierEpisodic Tier = "episodic"
)

// AllTiers lists every tier in promotion order.
var AllTiers = []Tier{TierWorking, TierShortTerm, TierLongTerm, TierEpisodic}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierShortTerm, TierLongTerm, TierEpisodic:
		return true
	}
	return false
}

// MemoryType classifies what a memory is about.
type MemoryType string

const (
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeEvent        MemoryType = "event"
	MemoryTypeRelationship MemoryType = "relationship"
	MemoryTypeSkill        MemoryType = "skill"
	MemoryTypeGoal         MemoryType = "goal"
	MemoryTypeContext      MemoryType = "context"
	MemoryTypeFeedback     MemoryType = "feedback"
)

// AllMemoryTypes lists every memory type.
var AllMemoryTypes = []MemoryType{
	MemoryTypeFact,
	MemoryTypePreference,
	MemoryTypeEvent,
	MemoryTypeRelationship,
	MemoryTypeSkill,
	MemoryTypeGoal,
	MemoryTypeContext,
	MemoryTypeFeedback,
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	for _, known := range AllMemoryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Source records how a memory was obtained.
type Source string

const (
	SourceExplicitStatement Source = "explicit_statement"
	SourceInference         Source = "inference"
	SourceCorrection        Source = "correction"
	SourceObservation       Source = "observation"
	SourceExternalImport    Source = "external_import"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceExplicitStatement, SourceInference, SourceCorrection, SourceObservation, SourceExternalImport:
		return true
	}
	return false
}

// ConfidenceBasis records why the engine believes a memory.
type ConfidenceBasis string

const (
	BasisExplicit  ConfidenceBasis = "explicit"
	BasisInferred  ConfidenceBasis = "inferred"
	BasisRepeated  ConfidenceBasis = "repeated"
	BasisCorrected ConfidenceBasis = "corrected"
)

// Valid reports whether b is a known confidence basis.
func (b ConfidenceBasis) Valid() bool {
	switch b {
	case BasisExplicit, BasisInferred, BasisRepeated, BasisCorrected:
		return true
	}
	return false
}

// Temporal carries an optional time reference extracted from content.
type Temporal struct {
	Reference  string     `json:"reference,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// StructuredData is the subject/predicate/object form of a memory.
type StructuredData struct {
	Subject    string            `json:"subject,omitempty"`
	Predicate  string            `json:"predicate,omitempty"`
	Object     string            `json:"object,omitempty"`
	Qualifiers map[string]string `json:"qualifiers,omitempty"`
	Temporal   *Temporal         `json:"temporal,omitempty"`
}

// Confidence describes how strongly a memory is believed.
type Confidence struct {
	Score          float64         `json:"score"`
	Basis          ConfidenceBasis `json:"basis"`
	Reinforcements int             `json:"reinforcements"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Decay is the time-based forgetting state of a memory.
type Decay struct {
	// Score is the retention value in [0,1] at LastCalculated.
	Score float64 `json:"score"`

	// RatePerDay is the exponential decay rate; always positive.
	RatePerDay float64 `json:"rate_per_day"`

	// LastCalculated is the baseline the next recomputation measures from.
	LastCalculated time.Time `json:"last_calculated"`

	// Protected freezes the score and blocks decay-driven actions.
	Protected bool `json:"protected"`
}

// Metadata holds provenance and access statistics.
type Metadata struct {
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	LastAccessedAt       *time.Time             `json:"last_accessed_at,omitempty"`
	AccessCount          int                    `json:"access_count"`
	Source               Source                 `json:"source"`
	SourceConversationID string                 `json:"source_conversation_id,omitempty"`
	SourceMessageIDs     []string               `json:"source_message_ids,omitempty"`
	Custom               map[string]interface{} `json:"custom,omitempty"`
}

// Embedding is a vector representation of the memory content.
type Embedding struct {
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model,omitempty"`
	Dimension   int       `json:"dimension"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Memory is the fundamental unit stored by the engine.
type Memory struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	ChatbotID string `json:"chatbot_id,omitempty"`

	Tier Tier       `json:"tier"`
	Type MemoryType `json:"type"`

	Content        string          `json:"content"`
	StructuredData *StructuredData `json:"structured_data,omitempty"`

	ImportanceScore float64    `json:"importance_score"`
	Confidence      Confidence `json:"confidence"`
	Decay           Decay      `json:"decay"`

	Metadata  Metadata   `json:"metadata"`
	Embedding *Embedding `json:"embedding,omitempty"`

	Contradicts  []string `json:"contradicts,omitempty"`
	SupersededBy []string `json:"superseded_by,omitempty"`

	Tags      []string   `json:"tags,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// TierChangedAt is when the memory entered its current tier.
	TierChangedAt time.Time `json:"tier_changed_at"`
}

// Clamp01 limits v to the closed interval [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize clamps every score field into range.
func (m *Memory) Normalize() {
	m.ImportanceScore = Clamp01(m.ImportanceScore)
	m.Confidence.Score = Clamp01(m.Confidence.Score)
	m.Decay.Score = Clamp01(m.Decay.Score)
	if m.Confidence.Reinforcements < 0 {
		m.Confidence.Reinforcements = 0
	}
	if m.Metadata.AccessCount < 0 {
		m.Metadata.AccessCount = 0
	}
}

// Validate checks enum values, ranges and structural constraints.
//
// It returns an error wrapping ErrValidation describing the first problem found.
func (m *Memory) Validate() error {
	switch {
	case m.ID == "":
		return validationf("id is required")
	case m.TenantID == "":
		return validationf("tenant_id is required")
	case m.UserID == "":
		return validationf("user_id is required")
	case !m.Tier.Valid():
		return validationf("invalid tier %q", m.Tier)
	case !m.Type.Valid():
		return validationf("invalid type %q", m.Type)
	case strings.TrimSpace(m.Content) == "":
		return validationf("content is required")
	case !inRange(m.ImportanceScore):
		return validationf("importance_score %v out of range", m.ImportanceScore)
	case !inRange(m.Confidence.Score):
		return validationf("confidence.score %v out of range", m.Confidence.Score)
	case !m.Confidence.Basis.Valid():
		return validationf("invalid confidence basis %q", m.Confidence.Basis)
	case m.Confidence.Reinforcements < 0:
		return validationf("confidence.reinforcements must be >= 0")
	case !inRange(m.Decay.Score):
		return validationf("decay.score %v out of range", m.Decay.Score)
	case !(m.Decay.RatePerDay > 0):
		return validationf("decay.rate_per_day must be > 0")
	case m.Metadata.AccessCount < 0:
		return validationf("metadata.access_count must be >= 0")
	case !m.Metadata.Source.Valid():
		return validationf("invalid source %q", m.Metadata.Source)
	}
	if err := m.StructuredData.validate(); err != nil {
		return err
	}
	if m.Embedding != nil && m.Embedding.Dimension != len(m.Embedding.Vector) {
		return validationf("embedding dimension %d does not match vector length %d",
			m.Embedding.Dimension, len(m.Embedding.Vector))
	}
	return nil
}

func (s *StructuredData) validate() error {
	if s == nil {
		return nil
	}
	if s.Subject == "" && (s.Predicate != "" || s.Object != "") {
		return validationf("structured_data requires a subject when predicate or object is set")
	}
	if s.Temporal != nil && s.Temporal.ValidFrom != nil && s.Temporal.ValidUntil != nil &&
		s.Temporal.ValidUntil.Before(*s.Temporal.ValidFrom) {
		return validationf("structured_data.temporal valid_until precedes valid_from")
	}
	return nil
}

func inRange(v float64) bool {
	return v >= 0 && v <= 1
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsSuperseded reports whether a newer record replaces this one.
func (m *Memory) IsSuperseded() bool {
	return len(m.SupersededBy) > 0
}

// HasAnyTag reports whether m carries at least one of tags.
func (m *Memory) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// LastTouched returns the last access time, or creation time if never accessed.
func (m *Memory) LastTouched() time.Time {
	if m.Metadata.LastAccessedAt != nil && !m.Metadata.LastAccessedAt.IsZero() {
		return *m.Metadata.LastAccessedAt
	}
	return m.Metadata.CreatedAt
}

// DwellTime returns how long the memory has been in its current tier.
func (m *Memory) DwellTime(now time.Time) time.Duration {
	since := m.TierChangedAt
	if since.IsZero() {
		since = m.Metadata.CreatedAt
	}
	return now.Sub(since)
}

// IsExpired reports whether ExpiresAt has passed.
func (m *Memory) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	if m.StructuredData != nil {
		sd := *m.StructuredData
		if m.StructuredData.Qualifiers != nil {
			sd.Qualifiers = make(map[string]string, len(m.StructuredData.Qualifiers))
			for k, v := range m.StructuredData.Qualifiers {
				sd.Qualifiers[k] = v
			}
		}
		if m.StructuredData.Temporal != nil {
			t := *m.StructuredData.Temporal
			t.ValidFrom = cloneTime(t.ValidFrom)
			t.ValidUntil = cloneTime(t.ValidUntil)
			sd.Temporal = &t
		}
		c.StructuredData = &sd
	}
	c.Metadata.LastAccessedAt = cloneTime(m.Metadata.LastAccessedAt)
	c.Metadata.SourceMessageIDs = cloneStrings(m.Metadata.SourceMessageIDs)
	if m.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]interface{}, len(m.Metadata.Custom))
		for k, v := range m.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	if m.Embedding != nil {
		e := *m.Embedding
		e.Vector = append([]float32(nil), m.Embedding.Vector...)
		c.Embedding = &e
	}
	c.Contradicts = cloneStrings(m.Contradicts)
	c.SupersededBy = cloneStrings(m.SupersededBy)
	c.Tags = cloneStrings(m.Tags)
	c.ExpiresAt = cloneTime(m.ExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// UnionStrings merges a and b, dropping duplicates, in sorted order.
func UnionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// AppendUnique appends id to list unless already present.
func AppendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
