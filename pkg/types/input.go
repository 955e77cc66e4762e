package types

import (
	"strings"
	"time"
)

// CreateMemoryInput is the structured candidate produced by an extractor.
type CreateMemoryInput struct {
	UserID               string                 `json:"user_id"`
	TenantID             string                 `json:"tenant_id"`
	ChatbotID            string                 `json:"chatbot_id,omitempty"`
	Type                 MemoryType             `json:"type"`
	Content              string                 `json:"content"`
	StructuredData       *StructuredData        `json:"structured_data,omitempty"`
	Source               Source                 `json:"source"`
	SourceConversationID string                 `json:"source_conversation_id,omitempty"`
	SourceMessageIDs     []string               `json:"source_message_ids,omitempty"`
	Tags                 []string               `json:"tags,omitempty"`
	CustomMetadata       map[string]interface{} `json:"custom_metadata,omitempty"`
	ExpiresAt            *time.Time             `json:"expires_at,omitempty"`

	// Emphasized marks strong user emphasis ("remember this", "always").
	Emphasized bool `json:"emphasized,omitempty"`
}

// Validate checks the input before scoring.
func (in *CreateMemoryInput) Validate() error {
	switch {
	case in.TenantID == "":
		return validationf("tenant_id is required")
	case in.UserID == "":
		return validationf("user_id is required")
	case !in.Type.Valid():
		return validationf("invalid type %q", in.Type)
	case strings.TrimSpace(in.Content) == "":
		return validationf("content is required")
	case !in.Source.Valid():
		return validationf("invalid source %q", in.Source)
	}
	return in.StructuredData.validate()
}

// BasisForSource maps a source to its initial confidence basis.
func BasisForSource(s Source) ConfidenceBasis {
	switch s {
	case SourceExplicitStatement, SourceExternalImport:
		return BasisExplicit
	case SourceCorrection:
		return BasisCorrected
	default:
		return BasisInferred
	}
}
