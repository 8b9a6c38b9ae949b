package retention_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/askbase/askbase/internal/blob"
	"github.com/askbase/askbase/internal/retention"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/vectorstore"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

func seedWorkspace(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.CreateWorkspace(context.Background(), &models.Workspace{
		ID: id, Name: id, Plan: models.PlanFree, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
}

func seedSession(t *testing.T, s store.Store, sess models.ChatSession) {
	t.Helper()
	if err := s.CreateSession(context.Background(), &sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
}

func TestJanitor_EndsIdleSessions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedWorkspace(t, ms, "ws1")

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	seedSession(t, ms, models.ChatSession{
		ID: "idle", WorkspaceID: "ws1", UserID: "u1", SessionKey: "k-idle",
		Active: true, LastActivity: old, CreatedAt: old,
	})
	seedSession(t, ms, models.ChatSession{
		ID: "fresh", WorkspaceID: "ws1", UserID: "u1", SessionKey: "k-fresh",
		Active: true, LastActivity: time.Now().UTC(),
	})

	j := retention.NewJanitor(ms, nil, nil, retention.Config{Interval: time.Hour})
	j.RunCycle(ctx)

	idle, err := ms.GetSession(ctx, "ws1", "idle")
	if err != nil {
		t.Fatalf("GetSession(idle) error = %v", err)
	}
	if idle.Active || idle.EndedAt == nil {
		t.Errorf("idle session not ended: active=%v ended_at=%v", idle.Active, idle.EndedAt)
	}

	fresh, _ := ms.GetSession(ctx, "ws1", "fresh")
	if !fresh.Active {
		t.Error("fresh session was ended")
	}
}

func TestJanitor_PurgesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedWorkspace(t, ms, "ws1")

	endedLongAgo := time.Now().UTC().Add(-100 * 24 * time.Hour)
	seedSession(t, ms, models.ChatSession{
		ID: "expired", WorkspaceID: "ws1", UserID: "u1", SessionKey: "k-old",
		Active: false, LastActivity: endedLongAgo, EndedAt: &endedLongAgo,
	})
	ms.AppendMessage(ctx, &models.ChatMessage{
		ID: "m1", SessionID: "expired", Role: models.RoleUser, Content: "hello",
		CreatedAt: endedLongAgo,
	})

	endedRecently := time.Now().UTC().Add(-24 * time.Hour)
	seedSession(t, ms, models.ChatSession{
		ID: "recent", WorkspaceID: "ws1", UserID: "u1", SessionKey: "k-new",
		Active: false, LastActivity: endedRecently, EndedAt: &endedRecently,
	})

	j := retention.NewJanitor(ms, nil, nil, retention.Config{Interval: time.Hour})
	j.RunCycle(ctx)

	if _, err := ms.GetSession(ctx, "ws1", "expired"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expired session still present, err = %v", err)
	}
	msgs, _ := ms.ListMessages(ctx, "expired")
	if len(msgs) != 0 {
		t.Errorf("expired session messages = %d, want 0", len(msgs))
	}
	if _, err := ms.GetSession(ctx, "ws1", "recent"); err != nil {
		t.Errorf("recently ended session was purged: %v", err)
	}
}

// failingArchiver always refuses, so purges must be skipped.
type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }
func (failingArchiver) ArchiveSessions(context.Context, string, []models.SessionExport) (string, error) {
	return "", errors.New("archive backend down")
}

func TestJanitor_ArchiveFailureSkipsPurge(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedWorkspace(t, ms, "ws1")

	endedLongAgo := time.Now().UTC().Add(-100 * 24 * time.Hour)
	seedSession(t, ms, models.ChatSession{
		ID: "expired", WorkspaceID: "ws1", UserID: "u1", SessionKey: "k1",
		Active: false, LastActivity: endedLongAgo, EndedAt: &endedLongAgo,
	})

	j := retention.NewJanitor(ms, nil, nil, retention.Config{Interval: time.Hour})
	j.RegisterArchiver(failingArchiver{})
	j.RunCycle(ctx)

	if _, err := ms.GetSession(ctx, "ws1", "expired"); err != nil {
		t.Errorf("session purged despite archive failure: %v", err)
	}
}

func TestJanitor_PurgesDeletedDocuments(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	vectors := vectorstore.NewEmbeddedStore()
	seedWorkspace(t, ms, "ws1")

	key, err := blobs.Put(ctx, "ws1", []byte("file bytes"), "text/plain")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	doc := &models.Document{
		ID: "doc1", WorkspaceID: "ws1", Filename: "a.txt",
		ContentType: "text/plain", StorageKey: key, Status: models.DocumentDeleted,
	}
	if err := ms.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	ms.UpsertChunk(ctx, &models.Chunk{
		ID: "c1", DocumentID: "doc1", WorkspaceID: "ws1", Index: 0, Text: "file bytes",
	})

	keep := &models.Document{
		ID: "doc2", WorkspaceID: "ws1", Filename: "b.txt",
		ContentType: "text/plain", Status: models.DocumentDone,
	}
	ms.CreateDocument(ctx, keep)

	j := retention.NewJanitor(ms, blobs, vectors, retention.Config{Interval: time.Hour})
	j.RunCycle(ctx)

	if _, err := ms.GetDocument(ctx, "ws1", "doc1"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("deleted document still present, err = %v", err)
	}
	if _, err := blobs.Get(ctx, key); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("blob still present, err = %v", err)
	}
	chunks, _ := ms.ListChunksByDocument(ctx, "ws1", "doc1")
	if len(chunks) != 0 {
		t.Errorf("chunks remaining = %d, want 0", len(chunks))
	}
	if _, err := ms.GetDocument(ctx, "ws1", "doc2"); err != nil {
		t.Errorf("live document was purged: %v", err)
	}
}

func TestLocalFileArchiver_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	a := retention.NewLocalFileArchiver(dir, false)

	ended := time.Now().UTC().Add(-time.Hour)
	exports := []models.SessionExport{
		{
			Session: models.ChatSession{ID: "s1", WorkspaceID: "ws1", EndedAt: &ended},
			Messages: []models.ChatMessage{
				{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hi"},
			},
		},
		{
			Session: models.ChatSession{ID: "s2", WorkspaceID: "ws1", EndedAt: &ended},
		},
	}

	uri, err := a.ArchiveSessions(context.Background(), "ws1", exports)
	if err != nil {
		t.Fatalf("ArchiveSessions() error = %v", err)
	}

	f, err := os.Open(uri)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var exp models.SessionExport
		if err := json.Unmarshal(sc.Bytes(), &exp); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("archive lines = %d, want 2", lines)
	}

	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
