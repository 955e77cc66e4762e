package intelligence

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// The formula is: similarity = (A · B) / (||A|| * ||B||)
//
// Returns a value between -1.0 and 1.0, or 0.0 if the vectors have
// different dimensions or zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProduct += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MemorySimilarity compares the embeddings of two memories.
func MemorySimilarity(a, b *types.Memory) float64 {
	if a.Embedding == nil || b.Embedding == nil {
		return 0
	}
	return CosineSimilarity(a.Embedding.Vector, b.Embedding.Vector)
}

// SameMergeScope reports whether a and b may be merged with each other.
func SameMergeScope(a, b *types.Memory) bool {
	return a.TenantID == b.TenantID &&
		a.UserID == b.UserID &&
		a.ChatbotID == b.ChatbotID &&
		a.Type == b.Type
}

// ChooseSurvivor orders a merge pair: the survivor has the higher importance,
// then the older creation time, then the smaller id.
func ChooseSurvivor(a, b *types.Memory) (survivor, other *types.Memory) {
	switch {
	case a.ImportanceScore != b.ImportanceScore:
		if a.ImportanceScore > b.ImportanceScore {
			return a, b
		}
		return b, a
	case !a.Metadata.CreatedAt.Equal(b.Metadata.CreatedAt):
		if a.Metadata.CreatedAt.Before(b.Metadata.CreatedAt) {
			return a, b
		}
		return b, a
	case a.ID <= b.ID:
		return a, b
	default:
		return b, a
	}
}

// Merge folds other into survivor in place.
//
// The survivor takes the union of tags, the maximum importance and
// confidence, the sum of reinforcements and the longer content together with
// that content's embedding and structured data. The other record is marked
// superseded by the survivor and soft-deleted.
func Merge(survivor, other *types.Memory, now time.Time) {
	survivor.Tags = types.UnionStrings(survivor.Tags, other.Tags)
	survivor.ImportanceScore = math.Max(survivor.ImportanceScore, other.ImportanceScore)
	survivor.Confidence.Score = math.Max(survivor.Confidence.Score, other.Confidence.Score)
	survivor.Confidence.Reinforcements += other.Confidence.Reinforcements
	survivor.Confidence.LastUpdated = now
	if survivor.Confidence.Basis != types.BasisCorrected {
		survivor.Confidence.Basis = types.BasisRepeated
	}

	if utf8.RuneCountInString(other.Content) > utf8.RuneCountInString(survivor.Content) {
		survivor.Content = other.Content
		if other.Embedding != nil {
			survivor.Embedding = other.Clone().Embedding
		}
		if other.StructuredData != nil {
			survivor.StructuredData = other.Clone().StructuredData
		}
	}

	survivor.Contradicts = types.UnionStrings(survivor.Contradicts, other.Contradicts)
	survivor.Metadata.SourceMessageIDs = types.UnionStrings(survivor.Metadata.SourceMessageIDs, other.Metadata.SourceMessageIDs)
	survivor.Metadata.UpdatedAt = now
	survivor.Normalize()

	other.SupersededBy = types.AppendUnique(other.SupersededBy, survivor.ID)
	other.IsDeleted = true
	other.Metadata.UpdatedAt = now
}
