package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS ab_workspaces (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		plan       TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ab_users (
		id            TEXT PRIMARY KEY,
		workspace_id  TEXT NOT NULL REFERENCES ab_workspaces(id),
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ab_subscriptions (
		workspace_id        TEXT PRIMARY KEY REFERENCES ab_workspaces(id),
		tier                TEXT NOT NULL,
		status              TEXT NOT NULL,
		period_start        TIMESTAMPTZ NOT NULL,
		period_end          TIMESTAMPTZ NOT NULL,
		monthly_query_quota BIGINT,
		queries_this_period BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ab_documents (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES ab_workspaces(id),
		uploader_id  TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL,
		storage_key  TEXT NOT NULL,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		chunk_count  INT NOT NULL DEFAULT 0,
		uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ab_documents_ws ON ab_documents (workspace_id);

	CREATE TABLE IF NOT EXISTS ab_chunks (
		id           TEXT PRIMARY KEY,
		document_id  TEXT NOT NULL REFERENCES ab_documents(id) ON DELETE CASCADE,
		workspace_id TEXT NOT NULL,
		chunk_index  INT NOT NULL,
		text         TEXT NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_ab_chunks_ws ON ab_chunks (workspace_id);

	CREATE TABLE IF NOT EXISTS ab_sessions (
		id            TEXT PRIMARY KEY,
		workspace_id  TEXT NOT NULL REFERENCES ab_workspaces(id),
		user_id       TEXT NOT NULL,
		session_key   TEXT NOT NULL,
		label         TEXT NOT NULL DEFAULT '',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at      TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (workspace_id, session_key)
	);

	CREATE TABLE IF NOT EXISTS ab_messages (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL REFERENCES ab_sessions(id),
		role             TEXT NOT NULL,
		content          TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		tokens           INT NOT NULL DEFAULT 0,
		sources          JSONB NOT NULL DEFAULT '[]',
		confidence       TEXT NOT NULL DEFAULT '',
		flagged          BOOLEAN NOT NULL DEFAULT FALSE,
		flag_reason      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ab_messages_session ON ab_messages (session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS ab_embed_codes (
		id              TEXT PRIMARY KEY,
		workspace_id    TEXT NOT NULL REFERENCES ab_workspaces(id),
		user_id         TEXT NOT NULL,
		name            TEXT NOT NULL,
		api_key         TEXT NOT NULL UNIQUE,
		config          JSONB NOT NULL DEFAULT '{}',
		allowed_origins JSONB NOT NULL DEFAULT '[]',
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		usage_count     BIGINT NOT NULL DEFAULT 0,
		last_used_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool so sibling components (pgvector store,
// postgres job queue) can share one connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// ── Workspace ───────────────────────────────────────────────

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO ab_workspaces (id, name, plan, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, plan = EXCLUDED.plan, active = EXCLUDED.active`,
		ws.ID, ws.Name, ws.Plan, ws.Active, ws.CreatedAt)
	return err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.pool.QueryRow(ctx, `SELECT id, name, plan, active, created_at FROM ab_workspaces WHERE id = $1`, id).
		Scan(&ws.ID, &ws.Name, &ws.Plan, &ws.Active, &ws.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "workspace %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, plan, active, created_at FROM ab_workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Plan, &ws.Active, &ws.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ab_workspaces SET name = $2, plan = $3, active = $4 WHERE id = $1`,
		ws.ID, ws.Name, ws.Plan, ws.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "workspace %s", ws.ID)
	}
	return nil
}

// ── User ────────────────────────────────────────────────────

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO ab_users (id, workspace_id, email, password_hash, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.WorkspaceID, u.Email, u.PasswordHash, u.Active, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, workspaceID, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, email, password_hash, active, created_at
		FROM ab_users WHERE id = $1 AND workspace_id = $2`, id, workspaceID).
		Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "user %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, email, password_hash, active, created_at
		FROM ab_users WHERE email = $1`, email).
		Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "user with email %s", email)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ── Subscription ────────────────────────────────────────────

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ab_subscriptions
		(workspace_id, tier, status, period_start, period_end, monthly_query_quota, queries_this_period)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id) DO UPDATE SET tier = EXCLUDED.tier, status = EXCLUDED.status,
			period_start = EXCLUDED.period_start, period_end = EXCLUDED.period_end,
			monthly_query_quota = EXCLUDED.monthly_query_quota, queries_this_period = EXCLUDED.queries_this_period`,
		sub.WorkspaceID, sub.Tier, sub.Status, sub.PeriodStart, sub.PeriodEnd, sub.MonthlyQueryQuota, sub.QueriesThisPeriod)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, workspaceID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `SELECT workspace_id, tier, status, period_start, period_end, monthly_query_quota, queries_this_period
		FROM ab_subscriptions WHERE workspace_id = $1`, workspaceID).
		Scan(&sub.WorkspaceID, &sub.Tier, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd, &sub.MonthlyQueryQuota, &sub.QueriesThisPeriod)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "subscription for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// MutateSubscription runs fn inside a transaction holding a row lock on the
// subscription, giving the serializable check-and-increment the quota
// manager requires.
func (s *PostgresStore) MutateSubscription(ctx context.Context, workspaceID string, fn func(*models.Subscription) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var sub models.Subscription
	err = tx.QueryRow(ctx, `SELECT workspace_id, tier, status, period_start, period_end, monthly_query_quota, queries_this_period
		FROM ab_subscriptions WHERE workspace_id = $1 FOR UPDATE`, workspaceID).
		Scan(&sub.WorkspaceID, &sub.Tier, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd, &sub.MonthlyQueryQuota, &sub.QueriesThisPeriod)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.New(fault.NotFound, "subscription for workspace %s", workspaceID)
	}
	if err != nil {
		return err
	}

	if err := fn(&sub); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE ab_subscriptions SET tier = $2, status = $3, period_start = $4, period_end = $5,
		monthly_query_quota = $6, queries_this_period = $7 WHERE workspace_id = $1`,
		sub.WorkspaceID, sub.Tier, sub.Status, sub.PeriodStart, sub.PeriodEnd, sub.MonthlyQueryQuota, sub.QueriesThisPeriod)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Document ────────────────────────────────────────────────

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO ab_documents
		(id, workspace_id, uploader_id, filename, content_type, size_bytes, storage_key, status, error, chunk_count, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.WorkspaceID, doc.UploaderID, doc.Filename, doc.ContentType, doc.SizeBytes,
		doc.StorageKey, doc.Status, doc.Error, doc.ChunkCount, doc.UploadedAt)
	return err
}

func (s *PostgresStore) GetDocument(ctx context.Context, workspaceID, id string) (*models.Document, error) {
	var doc models.Document
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, uploader_id, filename, content_type, size_bytes, storage_key, status, error, chunk_count, uploaded_at
		FROM ab_documents WHERE id = $1 AND workspace_id = $2`, id, workspaceID).
		Scan(&doc.ID, &doc.WorkspaceID, &doc.UploaderID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
			&doc.StorageKey, &doc.Status, &doc.Error, &doc.ChunkCount, &doc.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "document %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ab_documents SET status = $3, error = $4, chunk_count = $5
		WHERE id = $1 AND workspace_id = $2`,
		doc.ID, doc.WorkspaceID, doc.Status, doc.Error, doc.ChunkCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "document %s", doc.ID)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, workspaceID string) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, workspace_id, uploader_id, filename, content_type, size_bytes, storage_key, status, error, chunk_count, uploaded_at
		FROM ab_documents WHERE workspace_id = $1 ORDER BY uploaded_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.WorkspaceID, &doc.UploaderID, &doc.Filename, &doc.ContentType, &doc.SizeBytes,
			&doc.StorageKey, &doc.Status, &doc.Error, &doc.ChunkCount, &doc.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountDocuments(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ab_documents WHERE workspace_id = $1 AND status <> 'deleted'`, workspaceID).Scan(&n)
	return n, err
}

func (s *PostgresStore) PurgeDocument(ctx context.Context, workspaceID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ab_documents WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "document %s", id)
	}
	return nil
}

// ── Chunk ───────────────────────────────────────────────────

func (s *PostgresStore) UpsertChunk(ctx context.Context, c *models.Chunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO ab_chunks (id, document_id, workspace_id, chunk_index, text, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			id = EXCLUDED.id, text = EXCLUDED.text, metadata = EXCLUDED.metadata`,
		c.ID, c.DocumentID, c.WorkspaceID, c.Index, c.Text, meta, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetChunk(ctx context.Context, workspaceID, id string) (*models.Chunk, error) {
	var c models.Chunk
	var meta []byte
	err := s.pool.QueryRow(ctx, `SELECT id, document_id, workspace_id, chunk_index, text, metadata, created_at
		FROM ab_chunks WHERE id = $1 AND workspace_id = $2`, id, workspaceID).
		Scan(&c.ID, &c.DocumentID, &c.WorkspaceID, &c.Index, &c.Text, &meta, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "chunk %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListChunksByDocument(ctx context.Context, workspaceID, documentID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, document_id, workspace_id, chunk_index, text, metadata, created_at
		FROM ab_chunks WHERE workspace_id = $1 AND document_id = $2 ORDER BY chunk_index`, workspaceID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PostgresStore) ListChunksByWorkspace(ctx context.Context, workspaceID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, document_id, workspace_id, chunk_index, text, metadata, created_at
		FROM ab_chunks WHERE workspace_id = $1 ORDER BY document_id, chunk_index`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]models.Chunk, error) {
	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var meta []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.WorkspaceID, &c.Index, &c.Text, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteChunksByDocument(ctx context.Context, workspaceID, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ab_chunks WHERE workspace_id = $1 AND document_id = $2`, workspaceID, documentID)
	return err
}

// ── Chat sessions ───────────────────────────────────────────

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO ab_sessions (id, workspace_id, user_id, session_key, label, active, last_activity, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.WorkspaceID, sess.UserID, sess.SessionKey, sess.Label, sess.Active, sess.LastActivity, sess.EndedAt, sess.CreatedAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, workspaceID, id string) (*models.ChatSession, error) {
	return s.getSession(ctx, `id = $2 AND workspace_id = $1`, workspaceID, id)
}

func (s *PostgresStore) GetSessionByKey(ctx context.Context, workspaceID, sessionKey string) (*models.ChatSession, error) {
	return s.getSession(ctx, `session_key = $2 AND workspace_id = $1`, workspaceID, sessionKey)
}

func (s *PostgresStore) getSession(ctx context.Context, where, workspaceID, arg string) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, user_id, session_key, label, active, last_activity, ended_at, created_at
		FROM ab_sessions WHERE `+where, workspaceID, arg).
		Scan(&sess.ID, &sess.WorkspaceID, &sess.UserID, &sess.SessionKey, &sess.Label, &sess.Active, &sess.LastActivity, &sess.EndedAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "session %s", arg)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.ChatSession) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ab_sessions SET label = $3, active = $4, last_activity = $5, ended_at = $6
		WHERE id = $1 AND workspace_id = $2`,
		sess.ID, sess.WorkspaceID, sess.Label, sess.Active, sess.LastActivity, sess.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "session %s", sess.ID)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, workspaceID, userID string, limit int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, workspace_id, user_id, session_key, label, active, last_activity, ended_at, created_at
		FROM ab_sessions WHERE workspace_id = $1`
	args := []interface{}{workspaceID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += fmt.Sprintf(` ORDER BY last_activity DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatSession
	for rows.Next() {
		var sess models.ChatSession
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.UserID, &sess.SessionKey, &sess.Label, &sess.Active, &sess.LastActivity, &sess.EndedAt, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(m.Sources)
	if err != nil {
		return err
	}
	// ON CONFLICT DO NOTHING gives at-least-once append idempotency.
	_, err = s.pool.Exec(ctx, `INSERT INTO ab_messages
		(id, session_id, role, content, model, response_time_ms, tokens, sources, confidence, flagged, flag_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SessionID, m.Role, m.Content, m.Model, m.ResponseTimeMs, m.Tokens, sources, m.Confidence, m.Flagged, m.FlagReason, m.CreatedAt)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE ab_sessions SET last_activity = $2 WHERE id = $1 AND last_activity < $2`, m.SessionID, m.CreatedAt)
	return err
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, role, content, model, response_time_ms, tokens, sources, confidence, flagged, flag_reason, created_at
		FROM ab_messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var sources []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model, &m.ResponseTimeMs, &m.Tokens, &sources, &m.Confidence, &m.Flagged, &m.FlagReason, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sources, &m.Sources); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FlagMessage(ctx context.Context, sessionID, messageID, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ab_messages SET flagged = TRUE, flag_reason = $3
		WHERE id = $1 AND session_id = $2`, messageID, sessionID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "message %s", messageID)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, workspaceID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ab_messages WHERE session_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM ab_sessions WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "session %s", id)
	}
	return tx.Commit(ctx)
}

// ── Embed codes ─────────────────────────────────────────────

func (s *PostgresStore) CreateEmbedCode(ctx context.Context, e *models.EmbedCode) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return err
	}
	origins, err := json.Marshal(e.AllowedOrigins)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO ab_embed_codes
		(id, workspace_id, user_id, name, api_key, config, allowed_origins, active, usage_count, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkspaceID, e.UserID, e.Name, e.APIKey, cfg, origins, e.Active, e.UsageCount, e.LastUsedAt, e.CreatedAt)
	return err
}

func (s *PostgresStore) GetEmbedCode(ctx context.Context, workspaceID, id string) (*models.EmbedCode, error) {
	return s.getEmbed(ctx, `id = $1 AND workspace_id = $2`, id, workspaceID)
}

func (s *PostgresStore) GetEmbedCodeByKey(ctx context.Context, apiKey string) (*models.EmbedCode, error) {
	return s.getEmbed(ctx, `api_key = $1`, apiKey)
}

func (s *PostgresStore) getEmbed(ctx context.Context, where string, args ...interface{}) (*models.EmbedCode, error) {
	var e models.EmbedCode
	var cfg, origins []byte
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, user_id, name, api_key, config, allowed_origins, active, usage_count, last_used_at, created_at
		FROM ab_embed_codes WHERE `+where, args...).
		Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.Name, &e.APIKey, &cfg, &origins, &e.Active, &e.UsageCount, &e.LastUsedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "embed code")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &e.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(origins, &e.AllowedOrigins); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) UpdateEmbedCode(ctx context.Context, e *models.EmbedCode) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return err
	}
	origins, err := json.Marshal(e.AllowedOrigins)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE ab_embed_codes SET name = $3, api_key = $4, config = $5, allowed_origins = $6, active = $7
		WHERE id = $1 AND workspace_id = $2`,
		e.ID, e.WorkspaceID, e.Name, e.APIKey, cfg, origins, e.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "embed code %s", e.ID)
	}
	return nil
}

func (s *PostgresStore) ListEmbedCodes(ctx context.Context, workspaceID string) ([]models.EmbedCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, workspace_id, user_id, name, api_key, config, allowed_origins, active, usage_count, last_used_at, created_at
		FROM ab_embed_codes WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EmbedCode
	for rows.Next() {
		var e models.EmbedCode
		var cfg, origins []byte
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.Name, &e.APIKey, &cfg, &origins, &e.Active, &e.UsageCount, &e.LastUsedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cfg, &e.Config); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(origins, &e.AllowedOrigins); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchEmbedCode(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ab_embed_codes SET usage_count = usage_count + 1, last_used_at = NOW() WHERE id = $1`, id)
	return err
}
