package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/askbase/askbase/internal/blob"
	"github.com/askbase/askbase/internal/chunker"
	"github.com/askbase/askbase/internal/embeddings"
	"github.com/askbase/askbase/internal/extract"
	"github.com/askbase/askbase/internal/ingest"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/vectorstore"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/models"
)

type fixture struct {
	store   store.Store
	blobs   contracts.BlobStore
	queue   contracts.Queue
	vectors contracts.VectorStore
	pool    *ingest.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		blobs:   blob.NewMemoryStore(),
		queue:   ingest.NewMemoryQueue(),
		vectors: vectorstore.NewEmbeddedStore(),
	}
	f.pool = ingest.NewPool(ingest.PoolConfig{
		Queue:    f.queue,
		Store:    f.store,
		Blobs:    f.blobs,
		Embedder: embeddings.NewHashDriver(64),
		Vectors:  f.vectors,
		Chunking: chunker.DefaultConfig(),
		Workers:  1,
	})
	return f
}

// upload seeds a document and its blob, then enqueues the ingest job.
func (f *fixture) upload(t *testing.T, content, contentType string) *models.Document {
	t.Helper()
	ctx := context.Background()

	key, err := f.blobs.Put(ctx, "ws1", []byte(content), contentType)
	if err != nil {
		t.Fatalf("blob Put() error = %v", err)
	}
	doc := &models.Document{
		ID:          "doc1",
		WorkspaceID: "ws1",
		Filename:    "notes.txt",
		ContentType: contentType,
		SizeBytes:   int64(len(content)),
		StorageKey:  key,
		Status:      models.DocumentUploaded,
		UploadedAt:  time.Now(),
	}
	if err := f.store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := f.queue.Enqueue(ctx, models.IngestJob{DocumentID: doc.ID, WorkspaceID: "ws1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return doc
}

// waitForStatus polls until the document reaches a terminal status.
func (f *fixture) waitForStatus(t *testing.T, docID string, want models.DocumentStatus) *models.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := f.store.GetDocument(context.Background(), "ws1", docID)
		if err == nil && doc.Status == want {
			return doc
		}
		time.Sleep(20 * time.Millisecond)
	}
	doc, _ := f.store.GetDocument(context.Background(), "ws1", docID)
	t.Fatalf("document never reached %s, last seen: %+v", want, doc)
	return nil
}

func TestPool_IngestHappyPath(t *testing.T) {
	f := newFixture(t)
	content := "Product FAQ\n\nHow do I reset my password? Use the account settings page.\n\nBilling runs monthly on the signup date."
	f.upload(t, content, extract.TypeTXT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	doc := f.waitForStatus(t, "doc1", models.DocumentDone)
	if doc.ChunkCount == 0 {
		t.Error("ChunkCount = 0 after successful ingest")
	}
	if doc.Error != "" {
		t.Errorf("Error = %q, want empty", doc.Error)
	}

	chunks, err := f.store.ListChunksByDocument(context.Background(), "ws1", "doc1")
	if err != nil {
		t.Fatalf("ListChunksByDocument() error = %v", err)
	}
	if len(chunks) != doc.ChunkCount {
		t.Errorf("stored chunks = %d, ChunkCount = %d", len(chunks), doc.ChunkCount)
	}

	n, _ := f.vectors.Count(context.Background(), "ws1")
	if n != doc.ChunkCount {
		t.Errorf("vector count = %d, want %d", n, doc.ChunkCount)
	}

	depth, _ := f.queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d after ingest, want 0", depth)
	}
}

func TestPool_EmptyDocumentCompletes(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "", extract.TypeTXT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	doc := f.waitForStatus(t, "doc1", models.DocumentDone)
	if doc.ChunkCount != 0 {
		t.Errorf("ChunkCount = %d for an empty file, want 0", doc.ChunkCount)
	}
	if doc.Error != "" {
		t.Errorf("Error = %q, want empty", doc.Error)
	}

	n, _ := f.vectors.Count(context.Background(), "ws1")
	if n != 0 {
		t.Errorf("vector count = %d, want 0", n)
	}
	letters, _ := f.queue.DeadLetters(context.Background())
	if len(letters) != 0 {
		t.Errorf("empty file dead-lettered: %d letters", len(letters))
	}
}

func TestPool_FinishedDocumentRedeliverySkipped(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "Reset your password from the account settings page.", extract.TypeTXT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	f.waitForStatus(t, "doc1", models.DocumentDone)

	before, err := f.store.ListChunksByDocument(context.Background(), "ws1", "doc1")
	if err != nil {
		t.Fatalf("ListChunksByDocument() error = %v", err)
	}

	// A redelivered job for a finished document must not rebuild chunks.
	f.queue.Enqueue(context.Background(), models.IngestJob{DocumentID: "doc1", WorkspaceID: "ws1"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, _ := f.queue.Depth(context.Background())
		if depth == 0 {
			time.Sleep(50 * time.Millisecond) // let the worker finish handling
			doc, _ := f.store.GetDocument(context.Background(), "ws1", "doc1")
			if doc.Status != models.DocumentDone {
				t.Fatalf("Status = %s after redelivery, want done", doc.Status)
			}
			after, _ := f.store.ListChunksByDocument(context.Background(), "ws1", "doc1")
			if len(after) != len(before) {
				t.Fatalf("chunks = %d after redelivery, want %d", len(after), len(before))
			}
			for i := range after {
				if after[i].ID != before[i].ID {
					t.Fatalf("chunk %d id changed on redelivery: %s != %s", i, after[i].ID, before[i].ID)
				}
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func TestPool_PermanentFailureFailsDocument(t *testing.T) {
	f := newFixture(t)
	// Not a zip archive, so DOCX extraction is Corrupted: no retries.
	f.upload(t, "definitely not a docx", extract.TypeDOCX)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	doc := f.waitForStatus(t, "doc1", models.DocumentFailed)
	if doc.Error == "" {
		t.Error("failed document has no error message")
	}

	letters, _ := f.queue.DeadLetters(context.Background())
	if len(letters) != 0 {
		t.Errorf("permanent failure should ack, not dead-letter; got %d dead letters", len(letters))
	}
}

func TestPool_DeletedDocumentSkipped(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "some text", extract.TypeTXT)

	doc.Status = models.DocumentDeleted
	if err := f.store.UpdateDocument(context.Background(), doc); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, _ := f.queue.Depth(context.Background())
		if depth == 0 {
			got, _ := f.store.GetDocument(context.Background(), "ws1", "doc1")
			if got.Status != models.DocumentDeleted {
				t.Fatalf("Status = %s, want deleted untouched", got.Status)
			}
			n, _ := f.vectors.Count(context.Background(), "ws1")
			if n != 0 {
				t.Fatalf("vector count = %d for deleted document, want 0", n)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func TestPool_ReingestReplacesChunks(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "First version of the document body with enough text to chunk.", extract.TypeTXT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	f.waitForStatus(t, "doc1", models.DocumentDone)

	// Replace the blob and re-enqueue; the old vectors must not linger.
	newContent := "Second version. Shorter."
	key, _ := f.blobs.Put(context.Background(), "ws1", []byte(newContent), extract.TypeTXT)
	doc, _ = f.store.GetDocument(context.Background(), "ws1", "doc1")
	doc.StorageKey = key
	doc.Status = models.DocumentUploaded
	f.store.UpdateDocument(context.Background(), doc)
	f.queue.Enqueue(context.Background(), models.IngestJob{DocumentID: "doc1", WorkspaceID: "ws1"})

	time.Sleep(100 * time.Millisecond)
	doc = f.waitForStatus(t, "doc1", models.DocumentDone)

	n, _ := f.vectors.Count(context.Background(), "ws1")
	if n != doc.ChunkCount {
		t.Errorf("vector count = %d after re-ingest, want %d", n, doc.ChunkCount)
	}
}
