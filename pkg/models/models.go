// Package models defines the domain entities for the askbase platform.
//
// Every entity below the Workspace is scoped to exactly one workspace;
// ownership is a directed tree (Workspace → Documents → Chunks,
// Workspace → ChatSessions → ChatMessages) with weak back-references by id.
package models

import (
	"time"
)

// ── Workspace ───────────────────────────────────────────────

// PlanTier identifies a billing plan.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
	PlanWhiteLabel PlanTier = "white_label"
)

// Workspace is the tenant root. Workspaces are never deleted, only deactivated.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      PlanTier  `json:"plan"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an identity within a workspace. Email is unique globally.
type User struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyntheticWidgetUser returns the reserved user id that owns anonymous
// widget sessions for a workspace. Deterministic per workspace so widget
// traffic never collides with a real account.
func SyntheticWidgetUser(workspaceID string) string {
	return "widget:" + workspaceID
}

// ── Subscription & plans ────────────────────────────────────

// SubscriptionStatus tracks the billing state of a workspace.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

// Subscription holds the quota state for one workspace. The period is a
// half-open interval [PeriodStart, PeriodEnd). MonthlyQueryQuota nil means
// unlimited. QueriesThisPeriod never decreases within a period.
type Subscription struct {
	WorkspaceID       string             `json:"workspace_id"`
	Tier              PlanTier           `json:"tier"`
	Status            SubscriptionStatus `json:"status"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	MonthlyQueryQuota *int64             `json:"monthly_query_quota"`
	QueriesThisPeriod int64              `json:"queries_this_period"`
}

// PeriodLength is the billing window over which query quota accrues.
const PeriodLength = 30 * 24 * time.Hour

// DefaultQuota returns the seed query quota for a tier. Nil means unlimited.
// The Subscription row remains authoritative; these are creation defaults.
func DefaultQuota(tier PlanTier) *int64 {
	var q int64
	switch tier {
	case PlanFree:
		q = 100
	case PlanStarter:
		q = 1_000
	case PlanPro:
		q = 10_000
	default: // enterprise, white_label
		return nil
	}
	return &q
}

// PlanLimits carries per-plan admission limits enforced at upload time.
type PlanLimits struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`
	MaxDocuments     int   `json:"max_documents"`
}

// LimitsFor returns the admission limits for a tier.
func LimitsFor(tier PlanTier) PlanLimits {
	switch tier {
	case PlanFree:
		return PlanLimits{MaxFileSizeBytes: 10 << 20, MaxDocuments: 20}
	case PlanStarter:
		return PlanLimits{MaxFileSizeBytes: 25 << 20, MaxDocuments: 200}
	case PlanPro:
		return PlanLimits{MaxFileSizeBytes: 50 << 20, MaxDocuments: 2_000}
	default:
		return PlanLimits{MaxFileSizeBytes: 100 << 20, MaxDocuments: 20_000}
	}
}

// ── Document ────────────────────────────────────────────────

// DocumentStatus is the ingestion state machine:
// uploaded → processing → done | failed; any state → deleted is terminal.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentDone       DocumentStatus = "done"
	DocumentFailed     DocumentStatus = "failed"
	DocumentDeleted    DocumentStatus = "deleted"
)

// Document is an uploaded source file. Cascade-deletes its chunks.
type Document struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	UploaderID  string         `json:"uploader_id"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	StorageKey  string         `json:"storage_key"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	ChunkCount  int            `json:"chunk_count"`
	UploadedAt  time.Time      `json:"uploaded_at"`
}

// ── Chunk ───────────────────────────────────────────────────

// ChunkMetadata aggregates the structural metadata of a chunk's blocks.
type ChunkMetadata struct {
	BlockCount     int      `json:"block_count"`
	TotalLength    int      `json:"total_length"`
	MeanImportance float64  `json:"mean_importance"`
	BlockTypes     []string `json:"block_types,omitempty"`
	Sections       []string `json:"sections,omitempty"`
	PageNumbers    []int    `json:"page_numbers,omitempty"`
}

// Chunk is the smallest retrievable unit. Indices are dense from 0 within
// a document. WorkspaceID is denormalized for filter efficiency.
type Chunk struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	WorkspaceID string        `json:"workspace_id"`
	Index       int           `json:"chunk_index"`
	Text        string        `json:"text"`
	Metadata    ChunkMetadata `json:"metadata"`
	Embedding   []float64     `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ── Chat ────────────────────────────────────────────────────

// ChatSession is one conversation. UserID may be the synthetic widget user.
// SessionKey is the opaque external handle presented by widget clients.
type ChatSession struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	UserID       string     `json:"user_id"`
	SessionKey   string     `json:"session_key"`
	Label        string     `json:"label,omitempty"`
	Active       bool       `json:"active"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MessageRole identifies the author of a chat turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Confidence grades how well the retrieved context supports the answer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Source records one citation used to generate an assistant turn. A deleted
// chunk leaves a dangling but still-meaningful citation record.
type Source struct {
	ID           int     `json:"id"`
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	Score        float64 `json:"score"`
	SearchMethod string  `json:"search_method"`
}

// ChatMessage is one turn within a session. Within a session, messages are
// totally ordered by CreatedAt with ties broken by ID.
type ChatMessage struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Model          string      `json:"model,omitempty"`
	ResponseTimeMs int64       `json:"response_time_ms,omitempty"`
	Tokens         int         `json:"tokens,omitempty"`
	Sources        []Source    `json:"sources,omitempty"`
	Confidence     Confidence  `json:"confidence,omitempty"`
	Flagged        bool        `json:"flagged,omitempty"`
	FlagReason     string      `json:"flag_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// SessionExport bundles a session with its full transcript for archival.
type SessionExport struct {
	Session  ChatSession   `json:"session"`
	Messages []ChatMessage `json:"messages"`
}

// ── Embed codes ─────────────────────────────────────────────

// WidgetConfig is the default widget appearance shipped with an embed code.
type WidgetConfig struct {
	Theme           string   `json:"theme"`
	WelcomeMessages []string `json:"welcome_messages"`
	Placeholder     string   `json:"placeholder"`
	ShowSources     bool     `json:"show_sources"`
}

// EmbedCode is a minted widget credential: an opaque API key plus config.
// The key carries ≥24 bytes of entropy and acts as the bearer for all
// widget traffic bound to the workspace.
type EmbedCode struct {
	ID             string       `json:"id"`
	WorkspaceID    string       `json:"workspace_id"`
	UserID         string       `json:"user_id"`
	Name           string       `json:"name"`
	APIKey         string       `json:"api_key"`
	Config         WidgetConfig `json:"config"`
	AllowedOrigins []string     `json:"allowed_origins"`
	Active         bool         `json:"active"`
	UsageCount     int64        `json:"usage_count"`
	LastUsedAt     *time.Time   `json:"last_used_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// OriginAllowed checks an Origin header against the allowlist.
// An empty allowlist allows any origin.
func (e *EmbedCode) OriginAllowed(origin string) bool {
	if len(e.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range e.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// ── Ingest jobs ─────────────────────────────────────────────

// IngestJob is the durable work item that drives document processing.
// Delivery is at-least-once: a leased job becomes invisible until its
// visibility deadline, then returns to the ready set.
type IngestJob struct {
	ID            string    `json:"job_id"`
	DocumentID    string    `json:"document_id"`
	WorkspaceID   string    `json:"workspace_id"`
	Priority      int       `json:"priority"`
	Attempt       int       `json:"attempt"`
	NextVisibleAt time.Time `json:"next_visible_at"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastError     string    `json:"last_error,omitempty"`
}
