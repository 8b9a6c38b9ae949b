// Package store provides the relational storage interface and its
// implementations: in-memory for zero-config development and tests,
// PostgreSQL for production.
package store

import (
	"context"

	"github.com/askbase/askbase/pkg/models"
)

// Store is the primary relational storage interface. All handler, worker,
// and orchestrator code depends on this interface, making it easy to swap
// the in-memory implementation for PostgreSQL.
type Store interface {
	WorkspaceStore
	UserStore
	SubscriptionStore
	DocumentStore
	ChunkStore
	SessionStore
	EmbedCodeStore

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Workspace ───────────────────────────────────────────────

type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]models.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
}

// ── User ────────────────────────────────────────────────────

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, workspaceID, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// ── Subscription ────────────────────────────────────────────

// SubscriptionStore persists one Subscription per workspace.
//
// MutateSubscription is the only write path: it loads the row, applies fn,
// and commits the result as a single serializable unit (mutex-guarded in
// memory, row-locked transaction in PostgreSQL). Concurrent reservers in
// excess of quota therefore see a deterministic refusal. fn returning an
// error aborts the mutation and propagates unchanged.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, workspaceID string) (*models.Subscription, error)
	MutateSubscription(ctx context.Context, workspaceID string, fn func(*models.Subscription) error) error
}

// ── Document ────────────────────────────────────────────────

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, workspaceID, id string) (*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	ListDocuments(ctx context.Context, workspaceID string) ([]models.Document, error)
	CountDocuments(ctx context.Context, workspaceID string) (int, error)

	// PurgeDocument removes a document row outright. Callers purge only
	// rows already in the deleted state; chunks and blobs are cleaned up
	// separately.
	PurgeDocument(ctx context.Context, workspaceID, id string) error
}

// ── Chunk ───────────────────────────────────────────────────

type ChunkStore interface {
	// UpsertChunk writes a chunk row, idempotent by (document_id, chunk_index).
	// A retry of a superseded run overwrites the colliding row.
	UpsertChunk(ctx context.Context, c *models.Chunk) error

	GetChunk(ctx context.Context, workspaceID, id string) (*models.Chunk, error)
	ListChunksByDocument(ctx context.Context, workspaceID, documentID string) ([]models.Chunk, error)
	ListChunksByWorkspace(ctx context.Context, workspaceID string) ([]models.Chunk, error)
	DeleteChunksByDocument(ctx context.Context, workspaceID, documentID string) error
}

// ── Chat sessions ───────────────────────────────────────────

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.ChatSession) error
	GetSession(ctx context.Context, workspaceID, id string) (*models.ChatSession, error)
	GetSessionByKey(ctx context.Context, workspaceID, sessionKey string) (*models.ChatSession, error)
	UpdateSession(ctx context.Context, s *models.ChatSession) error
	ListSessions(ctx context.Context, workspaceID, userID string, limit int) ([]models.ChatSession, error)

	// AppendMessage is an at-least-once append: writing an id that already
	// exists is a no-op, so orchestrator retries are safe.
	AppendMessage(ctx context.Context, m *models.ChatMessage) error

	// ListMessages returns a session's messages in creation order,
	// ties broken by message id.
	ListMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)

	// FlagMessage marks a message for operator review.
	FlagMessage(ctx context.Context, sessionID, messageID, reason string) error

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, workspaceID, id string) error
}

// ── Embed codes ─────────────────────────────────────────────

type EmbedCodeStore interface {
	CreateEmbedCode(ctx context.Context, e *models.EmbedCode) error
	GetEmbedCode(ctx context.Context, workspaceID, id string) (*models.EmbedCode, error)
	GetEmbedCodeByKey(ctx context.Context, apiKey string) (*models.EmbedCode, error)
	UpdateEmbedCode(ctx context.Context, e *models.EmbedCode) error
	ListEmbedCodes(ctx context.Context, workspaceID string) ([]models.EmbedCode, error)

	// TouchEmbedCode bumps the usage counter and last-used timestamp.
	TouchEmbedCode(ctx context.Context, id string) error
}
