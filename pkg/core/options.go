package core

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/oceanbase/tiermem-go/pkg/embedder"
	"github.com/oceanbase/tiermem-go/pkg/extraction"
	"github.com/oceanbase/tiermem-go/pkg/llm"
	"github.com/oceanbase/tiermem-go/pkg/storage"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

// ClientOption customises a Client beyond what Config expresses.
//
// Options are applied using the functional options pattern, allowing
// collaborators to be injected without going through configuration.
type ClientOption func(*clientOptions)

type clientOptions struct {
	store      storage.MemoryStore
	embedder   embedder.Provider
	llm        llm.Provider
	extractor  extraction.Extractor
	reconciler *extraction.Reconciler
	dedup      *bool
	now        func() time.Time
	logger     *zerolog.Logger
	nodeID     int64
}

// WithStore injects a memory store instead of opening Config.Store.
//
// Example:
//
//	client, _ := core.NewClient(cfg, core.WithStore(inmemory.New()))
func WithStore(store storage.MemoryStore) ClientOption {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithEmbedder injects an embedding provider instead of Config.Embedder.
func WithEmbedder(e embedder.Provider) ClientOption {
	return func(o *clientOptions) {
		o.embedder = e
	}
}

// WithLLM injects an LLM provider instead of Config.LLM.
func WithLLM(p llm.Provider) ClientOption {
	return func(o *clientOptions) {
		o.llm = p
	}
}

// WithExtractor sets the extractor used by Ingest.
func WithExtractor(ex extraction.Extractor) ClientOption {
	return func(o *clientOptions) {
		o.extractor = ex
	}
}

// WithReconciler sets the reconciler used by Ingest.
func WithReconciler(r *extraction.Reconciler) ClientOption {
	return func(o *clientOptions) {
		o.reconciler = r
	}
}

// WithDeduplication overrides Config.Intelligence.Deduplication.
func WithDeduplication(enabled bool) ClientOption {
	return func(o *clientOptions) {
		o.dedup = &enabled
	}
}

// WithClock overrides the time source of the client and its engines.
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) {
		o.now = now
	}
}

// WithLogger overrides the logger of the client and its engines.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = &logger
	}
}

// WithNodeID sets the snowflake node used for memory IDs. Processes sharing
// a store must use distinct nodes.
func WithNodeID(id int64) ClientOption {
	return func(o *clientOptions) {
		o.nodeID = id
	}
}

// IngestOption configures an Ingest call.
type IngestOption func(*IngestOptions)

// IngestOptions contains the scope and provenance of ingested text.
type IngestOptions struct {
	// UserID and TenantID identify the owner. Both are required.
	UserID   string
	TenantID string

	// ChatbotID scopes the memories to one bot. Empty means global to the user.
	ChatbotID string

	// Source defaults to observation.
	Source types.Source

	ConversationID string
	MessageIDs     []string

	// Tags are added to every created memory.
	Tags []string

	// Reconcile runs the configured reconciler against similar existing
	// memories. Ignored without a reconciler.
	Reconcile bool
}

// WithScope sets the owner of ingested memories.
//
// Example:
//
//	result, _ := client.Ingest(ctx, "I work at DNB", core.WithScope("tenant-1", "user-1"))
func WithScope(tenantID, userID string) IngestOption {
	return func(opts *IngestOptions) {
		opts.TenantID = tenantID
		opts.UserID = userID
	}
}

// WithChatbotID scopes ingested memories to one bot.
func WithChatbotID(chatbotID string) IngestOption {
	return func(opts *IngestOptions) {
		opts.ChatbotID = chatbotID
	}
}

// WithSource sets the provenance of ingested memories.
func WithSource(source types.Source) IngestOption {
	return func(opts *IngestOptions) {
		opts.Source = source
	}
}

// WithConversation records the conversation and messages the text came from.
func WithConversation(conversationID string, messageIDs ...string) IngestOption {
	return func(opts *IngestOptions) {
		opts.ConversationID = conversationID
		opts.MessageIDs = messageIDs
	}
}

// WithTags adds tags to every ingested memory.
func WithTags(tags ...string) IngestOption {
	return func(opts *IngestOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithReconcile enables LLM reconciliation for this call.
func WithReconcile(enabled bool) IngestOption {
	return func(opts *IngestOptions) {
		opts.Reconcile = enabled
	}
}

func applyIngestOptions(opts []IngestOption) *IngestOptions {
	o := &IngestOptions{Source: types.SourceObservation}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CorrectOption configures a Correct call.
type CorrectOption func(*CorrectOptions)

// CorrectOptions lets a correction change more than the content.
type CorrectOptions struct {
	Type           types.MemoryType
	StructuredData *types.StructuredData
	Tags           []string
}

// WithCorrectedType changes the memory type of the correction.
func WithCorrectedType(t types.MemoryType) CorrectOption {
	return func(opts *CorrectOptions) {
		opts.Type = t
	}
}

// WithCorrectedStructuredData replaces the structured form of the correction.
func WithCorrectedStructuredData(sd *types.StructuredData) CorrectOption {
	return func(opts *CorrectOptions) {
		opts.StructuredData = sd
	}
}

// WithCorrectedTags replaces the tags of the correction.
func WithCorrectedTags(tags ...string) CorrectOption {
	return func(opts *CorrectOptions) {
		opts.Tags = tags
	}
}
