package vectorstore_test

import (
	"context"
	"testing"

	"github.com/askbase/askbase/internal/vectorstore"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/models"
)

func doc(chunkID, docID string, vec []float64) models.VectorDoc {
	return models.VectorDoc{
		ChunkID:  chunkID,
		Text:     "text for " + chunkID,
		Vector:   vec,
		Metadata: map[string]string{"document_id": docID},
	}
}

func TestEmbedded_UpsertAndQuery(t *testing.T) {
	s := vectorstore.NewEmbeddedStore()
	ctx := context.Background()

	err := s.Upsert(ctx, "ws1", []models.VectorDoc{
		doc("c1", "d1", []float64{1, 0, 0}),
		doc("c2", "d1", []float64{0, 1, 0}),
		doc("c3", "d2", []float64{0.9, 0.1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := s.Query(ctx, "ws1", []float64{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].ChunkID != "c1" {
		t.Errorf("top result = %s, want c1", results[0].ChunkID)
	}
	if results[1].ChunkID != "c3" {
		t.Errorf("second result = %s, want c3", results[1].ChunkID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted by descending score")
	}
}

func TestEmbedded_WorkspaceIsolation(t *testing.T) {
	s := vectorstore.NewEmbeddedStore()
	ctx := context.Background()

	s.Upsert(ctx, "ws1", []models.VectorDoc{doc("c1", "d1", []float64{1, 0})})
	s.Upsert(ctx, "ws2", []models.VectorDoc{doc("c2", "d2", []float64{1, 0})})

	results, err := s.Query(ctx, "ws1", []float64{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for _, r := range results {
		if r.ChunkID == "c2" {
			t.Fatal("query in ws1 returned a ws2 chunk")
		}
	}

	n, _ := s.Count(ctx, "ws1")
	if n != 1 {
		t.Errorf("Count(ws1) = %d, want 1", n)
	}
}

func TestEmbedded_UpsertIdempotent(t *testing.T) {
	s := vectorstore.NewEmbeddedStore()
	ctx := context.Background()

	s.Upsert(ctx, "ws1", []models.VectorDoc{doc("c1", "d1", []float64{1, 0})})
	s.Upsert(ctx, "ws1", []models.VectorDoc{doc("c1", "d1", []float64{0, 1})})

	n, _ := s.Count(ctx, "ws1")
	if n != 1 {
		t.Fatalf("Count = %d after double upsert, want 1", n)
	}

	results, _ := s.Query(ctx, "ws1", []float64{0, 1}, 1, nil)
	if len(results) != 1 || results[0].Score < 0.99 {
		t.Error("upsert did not replace the vector")
	}
}

func TestEmbedded_DocumentFilter(t *testing.T) {
	s := vectorstore.NewEmbeddedStore()
	ctx := context.Background()

	s.Upsert(ctx, "ws1", []models.VectorDoc{
		doc("c1", "d1", []float64{1, 0}),
		doc("c2", "d2", []float64{1, 0}),
	})

	filter := &models.MetadataFilter{DocumentIDs: []string{"d2"}}
	results, err := s.Query(ctx, "ws1", []float64{1, 0}, 10, filter)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c2" {
		t.Errorf("filtered results = %+v, want only c2", results)
	}
}

func TestEmbedded_DeleteSelectors(t *testing.T) {
	s := vectorstore.NewEmbeddedStore()
	ctx := context.Background()

	seed := func() {
		s.Upsert(ctx, "ws1", []models.VectorDoc{
			doc("c1", "d1", []float64{1, 0}),
			doc("c2", "d1", []float64{0, 1}),
			doc("c3", "d2", []float64{1, 1}),
		})
	}

	seed()
	if err := s.Delete(ctx, "ws1", contracts.VectorDeletion{ChunkIDs: []string{"c1"}}); err != nil {
		t.Fatalf("Delete(chunk) error = %v", err)
	}
	if n, _ := s.Count(ctx, "ws1"); n != 2 {
		t.Errorf("after chunk delete Count = %d, want 2", n)
	}

	seed()
	if err := s.Delete(ctx, "ws1", contracts.VectorDeletion{DocumentID: "d1"}); err != nil {
		t.Fatalf("Delete(document) error = %v", err)
	}
	if n, _ := s.Count(ctx, "ws1"); n != 1 {
		t.Errorf("after document delete Count = %d, want 1", n)
	}

	seed()
	if err := s.Delete(ctx, "ws1", contracts.VectorDeletion{All: true}); err != nil {
		t.Fatalf("Delete(all) error = %v", err)
	}
	if n, _ := s.Count(ctx, "ws1"); n != 0 {
		t.Errorf("after delete all Count = %d, want 0", n)
	}
}

func TestEmbedded_CapacityLimit(t *testing.T) {
	s := vectorstore.NewEmbeddedStore(vectorstore.WithMaxVectors(2))
	ctx := context.Background()

	if err := s.Upsert(ctx, "ws1", []models.VectorDoc{
		doc("c1", "d1", []float64{1}),
		doc("c2", "d1", []float64{1}),
	}); err != nil {
		t.Fatalf("Upsert() within capacity error = %v", err)
	}
	if err := s.Upsert(ctx, "ws1", []models.VectorDoc{doc("c3", "d1", []float64{1})}); err == nil {
		t.Error("Upsert() beyond capacity error = nil, want capacity error")
	}
}
