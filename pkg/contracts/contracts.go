// Package contracts defines the driver and service interfaces that form the
// component boundaries of the askbase platform.
//
// Concrete implementations live under internal/; the composition root
// (pkg/server) wires them together. Handlers and the orchestrator depend on
// these interfaces only, so swapping a dev implementation (memory store,
// hash embeddings, canned generator) for a production one is a wiring-level
// change.
package contracts

import (
	"context"
	"time"

	"github.com/askbase/askbase/pkg/models"
)

// ── Blob storage ───────────────────────────────────────

// BlobStore persists uploaded file bytes by content-addressed key.
// Keys embed the workspace id so enumeration cannot cross tenants.
// A successful Put is durable before it returns.
type BlobStore interface {
	// Put stores bytes and returns the storage key.
	Put(ctx context.Context, workspaceID string, data []byte, contentType string) (string, error)

	// Get retrieves bytes by storage key. NotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a blob. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}

// ── Embeddings ─────────────────────────────────────────

// EmbeddingDriver maps text to fixed-dimension vectors. Deterministic per
// model version; batch output order matches input order.
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g. "openai", "hash").
	Kind() string

	// Model returns the model identifier recorded with each collection.
	Model() string

	// Dimensions returns the service-wide vector dimension D.
	Dimensions() int

	// MaxBatchSize returns the max texts per Embed call.
	MaxBatchSize() int

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float64, error)
}

// ── Vector store ───────────────────────────────────────

// VectorDeletion selects what to remove from a workspace collection.
// Exactly one selector should be set; All wins over the others.
type VectorDeletion struct {
	ChunkIDs   []string
	DocumentID string
	All        bool
}

// VectorStore is a per-workspace logical collection of embedded chunks.
// Every operation requires the workspace id: cross-tenant access is
// impossible by construction.
type VectorStore interface {
	Kind() string

	// Upsert writes docs into the workspace collection, idempotent by chunk id.
	Upsert(ctx context.Context, workspaceID string, docs []models.VectorDoc) error

	// Query returns the topK most similar docs, optionally filtered.
	Query(ctx context.Context, workspaceID string, vector []float64, topK int, filter *models.MetadataFilter) ([]models.RetrievedChunk, error)

	// Delete removes docs per the deletion selector.
	Delete(ctx context.Context, workspaceID string, del VectorDeletion) error

	// Count returns the number of docs in the workspace collection.
	Count(ctx context.Context, workspaceID string) (int, error)
}

// ── Lexical search & rerank ────────────────────────────

// LexicalSearcher performs keyword search over a workspace's chunk texts.
type LexicalSearcher interface {
	Search(ctx context.Context, workspaceID, query string, topK int, filter *models.MetadataFilter) ([]models.RetrievedChunk, error)
}

// CrossEncoder rescores (query, text) pairs for the rerank mode.
// Scores are returned in input order.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// ── Retrieval cache ────────────────────────────────────

// ResultCache stores retrieval results under a stable hashed key, scoped by
// workspace so an ingest or delete can invalidate a whole tenant at once.
type ResultCache interface {
	Get(ctx context.Context, workspaceID, key string) ([]models.RetrievedChunk, bool)
	Set(ctx context.Context, workspaceID, key string, results []models.RetrievedChunk)

	// Invalidate drops every cached entry for the workspace. Fire-and-forget.
	Invalidate(ctx context.Context, workspaceID string)
}

// ── Generator ──────────────────────────────────────────

// StreamFunc receives incremental answer tokens during streaming generation.
// Returning an error aborts the stream.
type StreamFunc func(token string) error

// GeneratorDriver calls the external LLM with a constrained system prompt.
type GeneratorDriver interface {
	Kind() string

	// Generate produces the full answer in one call.
	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error)

	// GenerateStream emits tokens via fn, then returns the accumulated result.
	GenerateStream(ctx context.Context, req models.GenerateRequest, fn StreamFunc) (*models.GenerateResult, error)
}

// ── Ingest queue ───────────────────────────────────────

// Lease is a claim on a queued job. The worker must Ack, Fail, or let the
// visibility deadline expire (which requeues the job).
type Lease interface {
	Job() models.IngestJob

	// Extend pushes the visibility deadline out while work continues.
	Extend(ctx context.Context, d time.Duration) error

	// Ack deletes the job: processing succeeded (or was idempotently skipped).
	Ack(ctx context.Context) error

	// Fail records the error and requeues with backoff, or dead-letters the
	// job once the attempt cap is reached. Returns true when dead-lettered.
	Fail(ctx context.Context, cause error) (deadLettered bool, err error)
}

// Queue is the durable, at-least-once ingest job queue.
type Queue interface {
	// Enqueue adds a job for a document. Survives process crashes.
	Enqueue(ctx context.Context, job models.IngestJob) error

	// Lease claims the next visible job, or returns nil when the queue is idle.
	Lease(ctx context.Context) (Lease, error)

	// Depth returns the count of ready (visible) jobs, for admission control.
	Depth(ctx context.Context) (int, error)

	// DeadLetters lists dead-lettered jobs for inspection.
	DeadLetters(ctx context.Context) ([]models.IngestJob, error)
}

// ── Retention archive ──────────────────────────────────

// ArchiveDriver writes expired chat sessions to durable cold storage before
// the retention janitor purges them from the hot store. Returns a URI
// identifying the written archive.
type ArchiveDriver interface {
	Kind() string
	ArchiveSessions(ctx context.Context, workspaceID string, sessions []models.SessionExport) (string, error)
}

// ── Analytics invalidation ──────────────────────

// AnalyticsInvalidator drops cached analytics for a workspace after a query
// is persisted. Implementations must be safe to call fire-and-forget.
type AnalyticsInvalidator interface {
	InvalidateAnalytics(ctx context.Context, workspaceID string)
}
