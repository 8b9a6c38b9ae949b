// Package vectorstore provides per-workspace vector collections: an
// embedded in-memory store for development and a pgvector store for
// production. All operations are workspace-scoped; there is no way to
// query across workspaces.
package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
const DefaultMaxVectors = 50_000

// EmbeddedStore is an in-memory vector store using brute-force cosine
// similarity. Suitable for development and small workloads; production
// deployments use pgvector.
type EmbeddedStore struct {
	mu         sync.RWMutex
	docs       map[string]*models.VectorDoc // key: workspace:chunkID
	maxVectors int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory vector store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		docs:       make(map[string]*models.VectorDoc),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("Embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

// Upsert writes docs into the workspace collection, idempotent by chunk id.
func (s *EmbeddedStore) Upsert(_ context.Context, workspaceID string, docs []models.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, d := range docs {
		if _, exists := s.docs[key(workspaceID, d.ChunkID)]; !exists {
			newCount++
		}
	}
	total := len(s.docs) + newCount
	if total > s.maxVectors {
		return fault.New(fault.QuotaExceeded, "embedded vector store capacity exceeded: %d > %d", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("Embedded vector store nearing capacity")
	}

	now := time.Now()
	for _, d := range docs {
		if d.ChunkID == "" {
			return fault.New(fault.Validation, "vector doc missing chunk id")
		}
		cp := d
		cp.WorkspaceID = workspaceID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		s.docs[key(workspaceID, cp.ChunkID)] = &cp
	}
	return nil
}

// Query returns the topK most similar docs above no threshold; thresholding
// belongs to the retrieval engine.
func (s *EmbeddedStore) Query(_ context.Context, workspaceID string, vector []float64, topK int, filter *models.MetadataFilter) ([]models.RetrievedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		doc   *models.VectorDoc
		score float64
	}
	var candidates []scored

	for _, d := range s.docs {
		if d.WorkspaceID != workspaceID {
			continue
		}
		if len(d.Vector) != len(vector) {
			continue
		}
		if !filter.Matches(d.Metadata) {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: cosineSimilarity(vector, d.Vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].doc.ChunkID < candidates[j].doc.ChunkID
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	results := make([]models.RetrievedChunk, 0, topK)
	for i := 0; i < topK; i++ {
		d := candidates[i].doc
		results = append(results, models.RetrievedChunk{
			ChunkID:      d.ChunkID,
			DocumentID:   d.Metadata["document_id"],
			Text:         d.Text,
			Score:        candidates[i].score,
			DenseScore:   candidates[i].score,
			SearchMethod: string(models.SearchVector),
			Metadata:     d.Metadata,
		})
	}
	return results, nil
}

// Delete removes docs per the deletion selector.
func (s *EmbeddedStore) Delete(_ context.Context, workspaceID string, del contracts.VectorDeletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case del.All:
		for k, d := range s.docs {
			if d.WorkspaceID == workspaceID {
				delete(s.docs, k)
			}
		}
	case del.DocumentID != "":
		for k, d := range s.docs {
			if d.WorkspaceID == workspaceID && d.Metadata["document_id"] == del.DocumentID {
				delete(s.docs, k)
			}
		}
	default:
		for _, id := range del.ChunkIDs {
			delete(s.docs, key(workspaceID, id))
		}
	}
	return nil
}

// Count returns the number of docs in the workspace collection.
func (s *EmbeddedStore) Count(_ context.Context, workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.docs {
		if d.WorkspaceID == workspaceID {
			count++
		}
	}
	return count, nil
}

// ── Helpers ─────────────────────────────────────────────────

func key(workspaceID, chunkID string) string {
	return workspaceID + ":" + chunkID
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
