package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/askbase/askbase/internal/config"
	"github.com/askbase/askbase/pkg/server"
)

// newTestServer composes the full platform in memory mode.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Load()
	cfg.Database.URL = ""
	cfg.Blob.Dir = ""
	cfg.Retrieval.RedisURL = ""
	cfg.Embedding.Driver = "hash"
	cfg.Generator.Driver = "canned"
	cfg.Auth.APIKeys = ""
	cfg.Ingest.Workers = 1

	srv, err := server.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.ShutdownFunc(context.Background())
		srv.Store.Close()
	})
	return ts
}

func uploadText(t *testing.T, ts *httptest.Server, filename, content string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{"text/plain"}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart() error = %v", err)
	}
	io.WriteString(part, content)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, body)
	}
	var doc map[string]any
	json.NewDecoder(resp.Body).Decode(&doc)
	return doc
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func waitForDone(t *testing.T, ts *httptest.Server, docID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var doc map[string]any
		getJSON(t, ts, "/api/v1/documents/"+docID, &doc)
		switch doc["status"] {
		case "done":
			return
		case "failed":
			t.Fatalf("document failed: %v", doc["error"])
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("document never finished processing")
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	var health map[string]string
	if status := getJSON(t, ts, "/health", &health); status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
}

func TestServer_UploadIngestQuery(t *testing.T) {
	ts := newTestServer(t)

	doc := uploadText(t, ts, "faq.txt",
		"To reset your password open account settings and choose reset password.\n\n"+
			"Billing runs monthly and invoices are emailed on the first of the month.")
	docID, _ := doc["id"].(string)
	if docID == "" {
		t.Fatalf("upload returned no document id: %v", doc)
	}
	waitForDone(t, ts, docID)

	var result struct {
		Answer    string `json:"answer"`
		SessionID string `json:"session_id"`
		Sources   []any  `json:"sources"`
	}
	status := postJSON(t, ts, "/api/v1/query", map[string]string{
		"query": "how do I reset my password",
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("query status = %d", status)
	}
	if result.Answer == "" || result.SessionID == "" {
		t.Errorf("query result incomplete: %+v", result)
	}
	if len(result.Sources) == 0 {
		t.Error("no sources on a grounded answer")
	}

	// The query charged quota.
	var usage struct {
		QueriesThisPeriod int64 `json:"queries_this_period"`
	}
	getJSON(t, ts, "/api/v1/usage", &usage)
	if usage.QueriesThisPeriod != 1 {
		t.Errorf("queries_this_period = %d, want 1", usage.QueriesThisPeriod)
	}

	// Session transcript holds both turns.
	var msgs []map[string]any
	getJSON(t, ts, "/api/v1/sessions/"+result.SessionID+"/messages", &msgs)
	if len(msgs) != 2 {
		t.Fatalf("session messages = %d, want 2", len(msgs))
	}

	// Operators can flag a turn for review.
	msgID, _ := msgs[1]["id"].(string)
	status = postJSON(t, ts, "/api/v1/sessions/"+result.SessionID+"/messages/"+msgID+"/flag",
		map[string]string{"reason": "hallucination suspected"}, nil)
	if status != http.StatusOK {
		t.Fatalf("flag status = %d", status)
	}
	msgs = nil
	getJSON(t, ts, "/api/v1/sessions/"+result.SessionID+"/messages", &msgs)
	if flagged, _ := msgs[1]["flagged"].(bool); !flagged {
		t.Error("message not flagged after flag call")
	}
}

func TestServer_QueryStreamSSE(t *testing.T) {
	ts := newTestServer(t)
	doc := uploadText(t, ts, "kb.txt", "Support is available on weekdays from nine to five.")
	waitForDone(t, ts, doc["id"].(string))

	data, _ := json.Marshal(map[string]string{"query": "when is support available"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/query/stream", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "event: token") {
		t.Error("stream carried no token events")
	}
	if !strings.Contains(text, "event: done") {
		t.Error("stream carried no done event")
	}
}

func TestServer_DeleteDocumentStopsRetrieval(t *testing.T) {
	ts := newTestServer(t)
	doc := uploadText(t, ts, "policy.txt", "Refunds are processed within five business days of the request.")
	docID, _ := doc["id"].(string)
	waitForDone(t, ts, docID)

	var result struct {
		Chunks []any `json:"chunks"`
	}
	postJSON(t, ts, "/api/v1/search", map[string]string{"query": "refunds processed"}, &result)
	if len(result.Chunks) == 0 {
		t.Fatal("no chunks before deletion")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/documents/"+docID, nil)
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	// The document is gone from retrieval immediately, including the
	// cached result for the identical query.
	result.Chunks = nil
	postJSON(t, ts, "/api/v1/search", map[string]string{"query": "refunds processed"}, &result)
	if len(result.Chunks) != 0 {
		t.Errorf("search still returns %d chunks after deletion", len(result.Chunks))
	}
}

func TestServer_UnsupportedUploadRejected(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="binary.exe"`},
		"Content-Type":        {"application/octet-stream"},
	}
	part, _ := mw.CreatePart(hdr)
	part.Write([]byte{0x4d, 0x5a, 0x00})
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Workspace-Id", "default")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestServer_EmbedLifecycleAndWidgetScript(t *testing.T) {
	ts := newTestServer(t)

	var code struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	status := postJSON(t, ts, "/api/v1/embeds", map[string]any{"name": "site widget"}, &code)
	if status != http.StatusCreated {
		t.Fatalf("mint status = %d", status)
	}

	resp, err := http.Get(ts.URL + "/widget.js?key=" + code.APIKey)
	if err != nil {
		t.Fatalf("widget.js error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), code.APIKey) {
		t.Errorf("widget.js status = %d", resp.StatusCode)
	}

	// Rotation invalidates the old key for the script endpoint too.
	var rotated struct {
		APIKey string `json:"api_key"`
	}
	postJSON(t, ts, "/api/v1/embeds/"+code.ID+"/rotate", nil, &rotated)
	if rotated.APIKey == code.APIKey {
		t.Fatal("rotate did not change the key")
	}
	resp, _ = http.Get(ts.URL + "/widget.js?key=" + code.APIKey)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("old key widget.js status = %d, want 401", resp.StatusCode)
	}
}
