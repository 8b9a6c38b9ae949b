// Package handlers implements the HTTP handlers for the askbase API:
// workspaces, documents, sessions, embed codes, and the query surface.
// All handlers go through the Store interface and the fault-to-status
// mapping in respondFault, so memory and PostgreSQL deployments behave
// identically.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/api/middleware"
	"github.com/askbase/askbase/internal/extract"
	"github.com/askbase/askbase/internal/quota"
	"github.com/askbase/askbase/internal/rag"
	"github.com/askbase/askbase/internal/retrieval"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/widget"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Blobs        contracts.BlobStore
	Queue        contracts.Queue
	Vectors      contracts.VectorStore
	Cache        contracts.ResultCache
	Orchestrator *rag.Orchestrator
	Retrieval    *retrieval.Engine
	Quota        *quota.Manager
	Issuer       *widget.Issuer

	// MaxFileSizeBytes is the hard upload cap; plan limits may be lower.
	MaxFileSizeBytes int64
	// QueueHighWater refuses uploads when the ready backlog exceeds it.
	QueueHighWater int
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, blobs contracts.BlobStore, q contracts.Queue, vectors contracts.VectorStore, cache contracts.ResultCache, orch *rag.Orchestrator, eng *retrieval.Engine, qm *quota.Manager, issuer *widget.Issuer) *Handlers {
	return &Handlers{
		Store:            s,
		Blobs:            blobs,
		Queue:            q,
		Vectors:          vectors,
		Cache:            cache,
		Orchestrator:     orch,
		Retrieval:        eng,
		Quota:            qm,
		Issuer:           issuer,
		MaxFileSizeBytes: 50 << 20,
		QueueHighWater:   1_000,
	}
}

// ── Workspace handlers ──────────────────────────────────────

func (h *Handlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.Store.ListWorkspaces(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}
	if workspaces == nil {
		workspaces = []models.Workspace{}
	}
	respondJSON(w, http.StatusOK, workspaces)
}

func (h *Handlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string          `json:"name"`
		Plan models.PlanTier `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "request must include a non-empty 'name'")
		return
	}
	if req.Plan == "" {
		req.Plan = models.PlanFree
	}

	ws := &models.Workspace{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Plan:      req.Plan,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateWorkspace(r.Context(), ws); err != nil {
		respondFault(w, err)
		return
	}

	// A workspace always carries a subscription row; quota enforcement
	// depends on it existing.
	now := time.Now().UTC()
	sub := &models.Subscription{
		WorkspaceID:       ws.ID,
		Tier:              ws.Plan,
		Status:            models.SubscriptionActive,
		PeriodStart:       now,
		PeriodEnd:         now.Add(models.PeriodLength),
		MonthlyQueryQuota: models.DefaultQuota(ws.Plan),
	}
	if err := h.Store.CreateSubscription(r.Context(), sub); err != nil {
		respondFault(w, err)
		return
	}

	log.Info().Str("workspace", ws.ID).Str("plan", string(ws.Plan)).Msg("Workspace created")
	respondJSON(w, http.StatusCreated, ws)
}

func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Quota.Usage(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// ── Document handlers ───────────────────────────────────────

// UploadDocument accepts a multipart upload, admits it against plan and
// backpressure limits, stores the blob, creates the document row, and
// enqueues the ingest job. The upload is accepted (202) before any
// extraction happens.
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	userID := middleware.GetUserID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxFileSizeBytes)
	if err := r.ParseMultipartForm(h.MaxFileSizeBytes); err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "multipart form must include a 'file' part")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !extract.Supported(contentType) {
		respondError(w, http.StatusUnsupportedMediaType, "unsupported content type: "+contentType)
		return
	}

	// Plan admission: per-file size and document count.
	limits := models.LimitsFor(h.planOf(r))
	if header.Size > limits.MaxFileSizeBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "file exceeds the plan size limit")
		return
	}
	count, err := h.Store.CountDocuments(r.Context(), workspaceID)
	if err != nil {
		respondFault(w, err)
		return
	}
	if count >= limits.MaxDocuments {
		respondError(w, http.StatusForbidden, "document limit reached for this plan")
		return
	}

	// Backpressure: refuse uploads when the ingest backlog is too deep.
	if depth, err := h.Queue.Depth(r.Context()); err == nil && depth >= h.QueueHighWater {
		respondError(w, http.StatusServiceUnavailable, "ingestion backlog is full, retry later")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	key, err := h.Blobs.Put(r.Context(), workspaceID, data, contentType)
	if err != nil {
		respondFault(w, err)
		return
	}

	doc := &models.Document{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UploaderID:  userID,
		Filename:    header.Filename,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StorageKey:  key,
		Status:      models.DocumentUploaded,
		UploadedAt:  time.Now().UTC(),
	}
	if err := h.Store.CreateDocument(r.Context(), doc); err != nil {
		respondFault(w, err)
		return
	}

	if err := h.Queue.Enqueue(r.Context(), models.IngestJob{
		DocumentID:  doc.ID,
		WorkspaceID: workspaceID,
	}); err != nil {
		// Document stays 'uploaded'; retry re-enqueues it.
		log.Error().Err(err).Str("document", doc.ID).Msg("Failed to enqueue ingest job")
		respondFault(w, err)
		return
	}

	log.Info().
		Str("workspace", workspaceID).
		Str("document", doc.ID).
		Str("filename", doc.Filename).
		Int64("bytes", doc.SizeBytes).
		Msg("Document uploaded")
	respondJSON(w, http.StatusAccepted, doc)
}

func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.ListDocuments(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		respondFault(w, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Store.GetDocument(r.Context(), middleware.GetWorkspaceID(r.Context()), chi.URLParam(r, "documentId"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// DeleteDocument marks the document deleted and removes it from the
// retrieval surface immediately: vectors and chunks go now, cached
// results are invalidated. Blob and row cleanup stays asynchronous.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	docID := chi.URLParam(r, "documentId")

	doc, err := h.Store.GetDocument(r.Context(), workspaceID, docID)
	if err != nil {
		respondFault(w, err)
		return
	}
	doc.Status = models.DocumentDeleted
	if err := h.Store.UpdateDocument(r.Context(), doc); err != nil {
		respondFault(w, err)
		return
	}
	if err := h.Vectors.Delete(r.Context(), workspaceID, contracts.VectorDeletion{DocumentID: docID}); err != nil {
		log.Warn().Err(err).Str("document", docID).Msg("Failed to delete vectors with document")
	}
	if err := h.Store.DeleteChunksByDocument(r.Context(), workspaceID, docID); err != nil {
		log.Warn().Err(err).Str("document", docID).Msg("Failed to delete chunks with document")
	}
	if h.Cache != nil {
		h.Cache.Invalidate(r.Context(), workspaceID)
	}

	log.Info().Str("workspace", workspaceID).Str("document", docID).Msg("Document deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": docID})
}

// RetryDocument re-enqueues a failed document for ingestion.
func (h *Handlers) RetryDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	docID := chi.URLParam(r, "documentId")

	doc, err := h.Store.GetDocument(r.Context(), workspaceID, docID)
	if err != nil {
		respondFault(w, err)
		return
	}
	if doc.Status != models.DocumentFailed {
		respondError(w, http.StatusConflict, "only failed documents can be retried")
		return
	}

	doc.Status = models.DocumentUploaded
	doc.Error = ""
	if err := h.Store.UpdateDocument(r.Context(), doc); err != nil {
		respondFault(w, err)
		return
	}
	if err := h.Queue.Enqueue(r.Context(), models.IngestJob{
		DocumentID:  doc.ID,
		WorkspaceID: workspaceID,
	}); err != nil {
		respondFault(w, err)
		return
	}

	log.Info().Str("workspace", workspaceID).Str("document", docID).Msg("Document retry enqueued")
	respondJSON(w, http.StatusAccepted, doc)
}

// ── Session handlers ────────────────────────────────────────

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	userID := r.URL.Query().Get("user")

	sessions, err := h.Store.ListSessions(r.Context(), workspaceID, userID, 100)
	if err != nil {
		respondFault(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), middleware.GetWorkspaceID(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	// Scope check before touching messages: a session from another
	// workspace reads as NotFound.
	if _, err := h.Store.GetSession(r.Context(), workspaceID, sessionID); err != nil {
		respondFault(w, err)
		return
	}
	msgs, err := h.Store.ListMessages(r.Context(), sessionID)
	if err != nil {
		respondFault(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// EndSession closes a session; further queries must open a new one.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	session, err := h.Store.GetSession(r.Context(), workspaceID, chi.URLParam(r, "sessionId"))
	if err != nil {
		respondFault(w, err)
		return
	}

	now := time.Now().UTC()
	session.Active = false
	session.EndedAt = &now
	if err := h.Store.UpdateSession(r.Context(), session); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// FlagMessage marks a message for operator review. The session lookup
// scopes the write to the caller's workspace.
func (h *Handlers) FlagMessage(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	session, err := h.Store.GetSession(r.Context(), workspaceID, chi.URLParam(r, "sessionId"))
	if err != nil {
		respondFault(w, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.Store.FlagMessage(r.Context(), session.ID, chi.URLParam(r, "messageId"), body.Reason); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "flagged"})
}

// ── Embed code handlers ─────────────────────────────────────

func (h *Handlers) ListEmbedCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Store.ListEmbedCodes(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		respondFault(w, err)
		return
	}
	if codes == nil {
		codes = []models.EmbedCode{}
	}
	respondJSON(w, http.StatusOK, codes)
}

func (h *Handlers) CreateEmbedCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string              `json:"name"`
		Config         models.WidgetConfig `json:"config"`
		AllowedOrigins []string            `json:"allowed_origins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code, err := h.Issuer.Mint(r.Context(),
		middleware.GetWorkspaceID(r.Context()),
		middleware.GetUserID(r.Context()),
		req.Name, req.Config, req.AllowedOrigins)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, code)
}

func (h *Handlers) RotateEmbedCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.Issuer.Rotate(r.Context(), middleware.GetWorkspaceID(r.Context()), chi.URLParam(r, "embedId"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, code)
}

func (h *Handlers) DeactivateEmbedCode(w http.ResponseWriter, r *http.Request) {
	embedID := chi.URLParam(r, "embedId")
	if err := h.Issuer.Deactivate(r.Context(), middleware.GetWorkspaceID(r.Context()), embedID); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "embed_id": embedID})
}

// ── helpers ─────────────────────────────────────────────────

// planOf resolves the workspace plan tier, defaulting to free when the
// workspace row is missing (single-tenant dev mode).
func (h *Handlers) planOf(r *http.Request) models.PlanTier {
	ws, err := h.Store.GetWorkspace(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		return models.PlanFree
	}
	return ws.Plan
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondFault maps a fault kind to its HTTP status.
func respondFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.PermissionDenied:
		status = http.StatusForbidden
	case fault.QuotaExceeded:
		status = http.StatusTooManyRequests
	case fault.Unavailable:
		status = http.StatusServiceUnavailable
	case fault.DeadlineExceeded:
		status = http.StatusGatewayTimeout
	case fault.Corrupted:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}
