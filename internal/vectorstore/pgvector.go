package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// PgvectorStore implements VectorStore on PostgreSQL with the pgvector
// extension. It shares the relational store's connection pool; workspace
// scoping is a column predicate on every statement.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed vector store on an existing
// pool and runs its migration.
func NewPgvectorStore(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*PgvectorStore, error) {
	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "pgvector migrate")
	}
	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS ab_vectors (
			chunk_id     TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			document_id  TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			metadata     JSONB NOT NULL DEFAULT '{}',
			vector       vector(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (workspace_id, chunk_id)
		);

		CREATE INDEX IF NOT EXISTS idx_ab_vectors_ws ON ab_vectors (workspace_id);
		CREATE INDEX IF NOT EXISTS idx_ab_vectors_doc ON ab_vectors (workspace_id, document_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// Upsert batch-inserts with ON CONFLICT on (workspace_id, chunk_id).
func (s *PgvectorStore) Upsert(ctx context.Context, workspaceID string, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO ab_vectors (chunk_id, workspace_id, document_id, content, metadata, vector, created_at)
		VALUES `)

	args := make([]any, 0, len(docs)*7)
	for i, d := range docs {
		if d.ChunkID == "" {
			return fault.New(fault.Validation, "vector doc missing chunk id")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*7 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5, base+6)

		now := d.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		metadata := d.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, d.ChunkID, workspaceID, metadata["document_id"], d.Text, metadata, vectorLiteral(d.Vector), now)
	}

	sb.WriteString(` ON CONFLICT (workspace_id, chunk_id) DO UPDATE SET
		content = EXCLUDED.content,
		metadata = EXCLUDED.metadata,
		vector = EXCLUDED.vector,
		document_id = EXCLUDED.document_id`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fault.Wrap(err, fault.Unavailable, "pgvector upsert")
	}
	return nil
}

// Query ranks by cosine distance. The document-id $in filter is pushed into
// SQL; remaining metadata equality filters are applied on the scanned rows.
func (s *PgvectorStore) Query(ctx context.Context, workspaceID string, vector []float64, topK int, filter *models.MetadataFilter) ([]models.RetrievedChunk, error) {
	query := `SELECT chunk_id, document_id, content, metadata,
		1 - (vector <=> $1) AS score
		FROM ab_vectors
		WHERE workspace_id = $2`

	args := []any{vectorLiteral(vector), workspaceID}
	argIdx := 3

	if filter != nil && len(filter.DocumentIDs) > 0 {
		query += fmt.Sprintf(" AND document_id = ANY($%d)", argIdx)
		args = append(args, filter.DocumentIDs)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY vector <=> $1 LIMIT $%d", argIdx)
	// Over-fetch when equality filters must still be applied client-side.
	limit := topK
	if filter != nil && len(filter.Equals) > 0 {
		limit = topK * 4
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "pgvector query")
	}
	defer rows.Close()

	var results []models.RetrievedChunk
	for rows.Next() {
		var rc models.RetrievedChunk
		if err := rows.Scan(&rc.ChunkID, &rc.DocumentID, &rc.Text, &rc.Metadata, &rc.Score); err != nil {
			return nil, fault.Wrap(err, fault.Unavailable, "pgvector scan")
		}
		if filter != nil && len(filter.Equals) > 0 && !equalsMatch(filter.Equals, rc.Metadata) {
			continue
		}
		rc.DenseScore = rc.Score
		rc.SearchMethod = string(models.SearchVector)
		results = append(results, rc)
		if len(results) == topK {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "pgvector rows")
	}
	return results, nil
}

// Delete removes docs per the deletion selector.
func (s *PgvectorStore) Delete(ctx context.Context, workspaceID string, del contracts.VectorDeletion) error {
	var err error
	switch {
	case del.All:
		_, err = s.pool.Exec(ctx, "DELETE FROM ab_vectors WHERE workspace_id = $1", workspaceID)
	case del.DocumentID != "":
		_, err = s.pool.Exec(ctx, "DELETE FROM ab_vectors WHERE workspace_id = $1 AND document_id = $2", workspaceID, del.DocumentID)
	case len(del.ChunkIDs) > 0:
		_, err = s.pool.Exec(ctx, "DELETE FROM ab_vectors WHERE workspace_id = $1 AND chunk_id = ANY($2)", workspaceID, del.ChunkIDs)
	}
	if err != nil {
		return fault.Wrap(err, fault.Unavailable, "pgvector delete")
	}
	return nil
}

// Count returns the number of docs in the workspace collection.
func (s *PgvectorStore) Count(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ab_vectors WHERE workspace_id = $1", workspaceID).Scan(&count)
	if err != nil {
		return 0, fault.Wrap(err, fault.Unavailable, "pgvector count")
	}
	return count, nil
}

func equalsMatch(want, meta map[string]string) bool {
	for k, v := range want {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// vectorLiteral converts a float64 slice to pgvector's text format: [1,2,3]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
