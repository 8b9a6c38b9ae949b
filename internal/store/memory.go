package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store used for development and
// tests. Reads return copies so callers cannot mutate shared state.
type MemoryStore struct {
	mu sync.RWMutex

	workspaces    map[string]*models.Workspace
	users         map[string]*models.User         // key: user id
	subscriptions map[string]*models.Subscription // key: workspace id
	documents     map[string]*models.Document     // key: document id
	chunks        map[string]*models.Chunk        // key: chunk id
	chunkByIndex  map[string]string               // key: docID+"/"+index → chunk id
	sessions      map[string]*models.ChatSession  // key: session id
	messages      map[string]*models.ChatMessage  // key: message id
	embeds        map[string]*models.EmbedCode    // key: embed id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    make(map[string]*models.Workspace),
		users:         make(map[string]*models.User),
		subscriptions: make(map[string]*models.Subscription),
		documents:     make(map[string]*models.Document),
		chunks:        make(map[string]*models.Chunk),
		chunkByIndex:  make(map[string]string),
		sessions:      make(map[string]*models.ChatSession),
		messages:      make(map[string]*models.ChatMessage),
		embeds:        make(map[string]*models.EmbedCode),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// ── Workspace ───────────────────────────────────────────────

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "workspace %s", id)
	}
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context) ([]models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; !ok {
		return fault.New(fault.NotFound, "workspace %s", ws.ID)
	}
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

// ── User ────────────────────────────────────────────────────

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fault.New(fault.Validation, "email %s already registered", u.Email)
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, workspaceID, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || u.WorkspaceID != workspaceID {
		return nil, fault.New(fault.NotFound, "user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fault.New(fault.NotFound, "user with email %s", email)
}

// ── Subscription ────────────────────────────────────────────

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subscriptions[sub.WorkspaceID] = &cp
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, workspaceID string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[workspaceID]
	if !ok {
		return nil, fault.New(fault.NotFound, "subscription for workspace %s", workspaceID)
	}
	cp := *sub
	return &cp, nil
}

// MutateSubscription applies fn under the store lock, so concurrent
// reservations serialize exactly as the PostgreSQL row lock does.
func (s *MemoryStore) MutateSubscription(_ context.Context, workspaceID string, fn func(*models.Subscription) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[workspaceID]
	if !ok {
		return fault.New(fault.NotFound, "subscription for workspace %s", workspaceID)
	}
	cp := *sub
	if err := fn(&cp); err != nil {
		return err
	}
	s.subscriptions[workspaceID] = &cp
	return nil
}

// ── Document ────────────────────────────────────────────────

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, workspaceID, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok || doc.WorkspaceID != workspaceID {
		// Same error for missing and cross-tenant: never leak existence.
		return nil, fault.New(fault.NotFound, "document %s", id)
	}
	cp := *doc
	return &cp, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[doc.ID]
	if !ok || existing.WorkspaceID != doc.WorkspaceID {
		return fault.New(fault.NotFound, "document %s", doc.ID)
	}
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, workspaceID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Document
	for _, doc := range s.documents {
		if doc.WorkspaceID == workspaceID {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (s *MemoryStore) CountDocuments(_ context.Context, workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, doc := range s.documents {
		if doc.WorkspaceID == workspaceID && doc.Status != models.DocumentDeleted {
			n++
		}
	}
	return n, nil
}

// ── Chunk ───────────────────────────────────────────────────

func chunkIndexKey(documentID string, index int) string {
	return documentID + "/" + strconv.Itoa(index)
}

func (s *MemoryStore) UpsertChunk(_ context.Context, c *models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	key := chunkIndexKey(c.DocumentID, c.Index)
	// A superseded run's chunk at the same (document, index) is overwritten.
	if oldID, ok := s.chunkByIndex[key]; ok && oldID != c.ID {
		delete(s.chunks, oldID)
	}
	cp := *c
	cp.Embedding = append([]float64(nil), c.Embedding...)
	s.chunks[c.ID] = &cp
	s.chunkByIndex[key] = c.ID
	return nil
}

func (s *MemoryStore) GetChunk(_ context.Context, workspaceID, id string) (*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, fault.New(fault.NotFound, "chunk %s", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListChunksByDocument(_ context.Context, workspaceID, documentID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.WorkspaceID == workspaceID && c.DocumentID == documentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) ListChunksByWorkspace(_ context.Context, workspaceID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.WorkspaceID == workspaceID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *MemoryStore) DeleteChunksByDocument(_ context.Context, workspaceID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.WorkspaceID == workspaceID && c.DocumentID == documentID {
			delete(s.chunks, id)
			delete(s.chunkByIndex, chunkIndexKey(documentID, c.Index))
		}
	}
	return nil
}

func (s *MemoryStore) PurgeDocument(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok || doc.WorkspaceID != workspaceID {
		return fault.New(fault.NotFound, "document %s", id)
	}
	delete(s.documents, id)
	return nil
}

// ── Chat sessions ───────────────────────────────────────────

func (s *MemoryStore) CreateSession(_ context.Context, sess *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, workspaceID, id string) (*models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.WorkspaceID != workspaceID {
		return nil, fault.New(fault.NotFound, "session %s", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetSessionByKey(_ context.Context, workspaceID, sessionKey string) (*models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID && sess.SessionKey == sessionKey {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, fault.New(fault.NotFound, "session with key %s", sessionKey)
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok || existing.WorkspaceID != sess.WorkspaceID {
		return fault.New(fault.NotFound, "session %s", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, workspaceID, userID string, limit int) ([]models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ChatSession
	for _, sess := range s.sessions {
		if sess.WorkspaceID != workspaceID {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return nil // at-least-once append: retry with same id is a no-op
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	cp.Sources = append([]models.Source(nil), m.Sources...)
	s.messages[m.ID] = &cp
	if sess, ok := s.sessions[m.SessionID]; ok {
		sess.LastActivity = m.CreatedAt
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ChatMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FlagMessage(_ context.Context, sessionID, messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.SessionID != sessionID {
		return fault.New(fault.NotFound, "message %s", messageID)
	}
	m.Flagged = true
	m.FlagReason = reason
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.WorkspaceID != workspaceID {
		return fault.New(fault.NotFound, "session %s", id)
	}
	delete(s.sessions, id)
	for mid, m := range s.messages {
		if m.SessionID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

// ── Embed codes ─────────────────────────────────────────────

func (s *MemoryStore) CreateEmbedCode(_ context.Context, e *models.EmbedCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.embeds {
		if existing.APIKey == e.APIKey {
			return fault.New(fault.Internal, "api key collision for embed %s", e.ID)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.embeds[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEmbedCode(_ context.Context, workspaceID, id string) (*models.EmbedCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.embeds[id]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, fault.New(fault.NotFound, "embed code %s", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetEmbedCodeByKey(_ context.Context, apiKey string) (*models.EmbedCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.embeds {
		if e.APIKey == apiKey {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fault.New(fault.NotFound, "embed code for key")
}

func (s *MemoryStore) UpdateEmbedCode(_ context.Context, e *models.EmbedCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.embeds[e.ID]
	if !ok || existing.WorkspaceID != e.WorkspaceID {
		return fault.New(fault.NotFound, "embed code %s", e.ID)
	}
	cp := *e
	s.embeds[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListEmbedCodes(_ context.Context, workspaceID string) ([]models.EmbedCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EmbedCode
	for _, e := range s.embeds {
		if e.WorkspaceID == workspaceID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TouchEmbedCode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.embeds[id]
	if !ok {
		return fault.New(fault.NotFound, "embed code %s", id)
	}
	now := time.Now().UTC()
	e.UsageCount++
	e.LastUsedAt = &now
	return nil
}
