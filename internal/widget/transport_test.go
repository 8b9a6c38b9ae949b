package widget_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/askbase/askbase/internal/embeddings"
	"github.com/askbase/askbase/internal/generator"
	"github.com/askbase/askbase/internal/quota"
	"github.com/askbase/askbase/internal/rag"
	"github.com/askbase/askbase/internal/retrieval"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/vectorstore"
	"github.com/askbase/askbase/internal/widget"
	"github.com/askbase/askbase/pkg/models"
)

type wsEnv struct {
	store  store.Store
	issuer *widget.Issuer
	code   *models.EmbedCode
	server *httptest.Server
}

// newWSEnv wires a fully offline widget stack behind an httptest server.
func newWSEnv(t *testing.T, origins []string, cfg widget.TransportConfig) *wsEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	vs := vectorstore.NewEmbeddedStore()
	emb := embeddings.NewHashDriver(128)

	now := time.Now()
	if err := st.CreateSubscription(ctx, &models.Subscription{
		WorkspaceID: "ws1",
		Tier:        models.PlanFree,
		Status:      models.SubscriptionActive,
		PeriodStart: now.Add(-time.Hour),
		PeriodEnd:   now.Add(-time.Hour).Add(models.PeriodLength),
	}); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	texts := map[string]string{
		"c1": "To reset your password open account settings and choose reset password.",
		"c2": "Billing runs monthly and invoices are emailed on the first of the month.",
	}
	i := 0
	for id, text := range texts {
		st.UpsertChunk(ctx, &models.Chunk{
			ID: id, DocumentID: "doc1", WorkspaceID: "ws1", Index: i, Text: text,
		})
		vec, _ := emb.EmbedOne(ctx, text)
		vs.Upsert(ctx, "ws1", []models.VectorDoc{{
			ChunkID: id, Text: text, Vector: vec,
			Metadata: map[string]string{"document_id": "doc1"},
		}})
		i++
	}

	engine := retrieval.NewEngine(retrieval.EngineConfig{
		Embedder: emb,
		Vectors:  vs,
		Lexical:  retrieval.NewBM25Searcher(st),
	})
	orch := rag.New(st, quota.NewManager(st), engine, generator.NewCannedDriver(), nil, rag.Config{})

	issuer := widget.NewIssuer(st)
	code, err := issuer.Mint(ctx, "ws1", "user1", "test widget", models.WidgetConfig{ShowSources: true}, origins)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	transport := widget.NewTransport(st, issuer, orch, cfg)
	server := httptest.NewServer(transport)
	t.Cleanup(server.Close)

	return &wsEnv{store: st, issuer: issuer, code: code, server: server}
}

func (e *wsEnv) dial(t *testing.T, token, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "?token=" + token
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) widget.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f widget.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

// readCloseCode drains the connection until the peer closes it.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			t.Fatalf("connection ended without close frame: %v", err)
		}
	}
}

func TestTransport_PingPong(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteJSON(widget.Frame{Type: "ping", ID: "p1"})
	f := readFrame(t, conn)
	if f.Type != "pong" {
		t.Fatalf("type = %s, want pong", f.Type)
	}
	if f.ID != "p1" {
		t.Errorf("id = %s, want p1", f.ID)
	}
	if f.TS == 0 {
		t.Error("pong carries no server timestamp")
	}
}

func TestTransport_HeartbeatEcho(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteJSON(widget.Frame{Type: "heartbeat", Data: json.RawMessage(`{"client_ts":12345}`)})
	f := readFrame(t, conn)
	if f.Type != "heartbeat" {
		t.Fatalf("type = %s, want heartbeat", f.Type)
	}
	var hb struct {
		ClientTS int64 `json:"client_ts"`
		ServerTS int64 `json:"server_ts"`
	}
	if err := json.Unmarshal(f.Data, &hb); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if hb.ClientTS != 12345 {
		t.Errorf("client_ts = %d, want 12345", hb.ClientTS)
	}
	if hb.ServerTS == 0 {
		t.Error("heartbeat echo carries no server timestamp")
	}
}

func TestTransport_ChatStreamsAndCompletes(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteJSON(widget.Frame{
		Type: "chat_message", ID: "m1",
		Data: json.RawMessage(`{"content":"how do I reset my password"}`),
	})

	var chunks strings.Builder
	var complete widget.Frame
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case "chat_chunk":
			var d struct {
				Content string `json:"content"`
			}
			json.Unmarshal(f.Data, &d)
			chunks.WriteString(d.Content)
		case "chat_complete":
			complete = f
		default:
			t.Fatalf("unexpected frame type %s", f.Type)
		}
		if complete.Type != "" {
			break
		}
	}

	var d struct {
		Answer     string          `json:"answer"`
		Sources    []models.Source `json:"sources"`
		Confidence string          `json:"confidence"`
		SessionID  string          `json:"session_id"`
	}
	if err := json.Unmarshal(complete.Data, &d); err != nil {
		t.Fatalf("Unmarshal(chat_complete) error = %v", err)
	}
	if chunks.String() != d.Answer {
		t.Errorf("streamed %q != answer %q", chunks.String(), d.Answer)
	}
	if len(d.Sources) == 0 {
		t.Error("no sources on a grounded answer with show_sources enabled")
	}
	if d.SessionID == "" {
		t.Fatal("chat_complete carries no session key")
	}

	// Same session key continues the same conversation.
	conn.WriteJSON(widget.Frame{
		Type: "chat_message", ID: "m2",
		Data: json.RawMessage(`{"content":"and what about billing","session_id":"` + d.SessionID + `"}`),
	})
	for {
		f := readFrame(t, conn)
		if f.Type == "chat_complete" {
			var d2 struct {
				SessionID string `json:"session_id"`
			}
			json.Unmarshal(f.Data, &d2)
			if d2.SessionID != d.SessionID {
				t.Errorf("session key = %s, want %s", d2.SessionID, d.SessionID)
			}
			break
		}
	}

	// Widget turns belong to the synthetic widget user.
	session, err := e.store.GetSessionByKey(context.Background(), "ws1", d.SessionID)
	if err != nil {
		t.Fatalf("GetSessionByKey() error = %v", err)
	}
	if session.UserID != models.SyntheticWidgetUser("ws1") {
		t.Errorf("session user = %s, want synthetic widget user", session.UserID)
	}
	msgs, _ := e.store.ListMessages(context.Background(), session.ID)
	if len(msgs) != 4 {
		t.Errorf("persisted messages = %d, want 4", len(msgs))
	}
}

func TestTransport_HistoryReplay(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteJSON(widget.Frame{
		Type: "chat_message", ID: "m1",
		Data: json.RawMessage(`{"content":"how do I reset my password"}`),
	})
	var sessionKey string
	for {
		f := readFrame(t, conn)
		if f.Type == "chat_complete" {
			var d struct {
				SessionID string `json:"session_id"`
			}
			json.Unmarshal(f.Data, &d)
			sessionKey = d.SessionID
			break
		}
	}

	// A fresh connection, as after a page reload, replays the transcript.
	conn2 := e.dial(t, e.code.APIKey, "")
	conn2.WriteJSON(widget.Frame{
		Type: "get_history", ID: "h1",
		Data: json.RawMessage(`{"session_id":"` + sessionKey + `"}`),
	})
	f := readFrame(t, conn2)
	if f.Type != "history" {
		t.Fatalf("frame type = %s, want history", f.Type)
	}
	var hist struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(f.Data, &hist); err != nil {
		t.Fatalf("Unmarshal(history) error = %v", err)
	}
	if hist.SessionID != sessionKey {
		t.Errorf("history session = %s, want %s", hist.SessionID, sessionKey)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history messages = %d, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Role != "user" || hist.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", hist.Messages[0].Role, hist.Messages[1].Role)
	}

	// Unknown session keys yield an error frame, not a closed connection.
	conn2.WriteJSON(widget.Frame{
		Type: "get_history", ID: "h2",
		Data: json.RawMessage(`{"session_id":"no-such-key"}`),
	})
	if f := readFrame(t, conn2); f.Type != "error" {
		t.Errorf("frame type = %s, want error", f.Type)
	}
}

func TestTransport_BadTokenClosed(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, "ak_wrong", "")
	if code := readCloseCode(t, conn); code != 4401 {
		t.Errorf("close code = %d, want 4401", code)
	}
}

func TestTransport_OriginRejected(t *testing.T) {
	e := newWSEnv(t, []string{"https://docs.example.com"}, widget.TransportConfig{})

	conn := e.dial(t, e.code.APIKey, "https://evil.example.com")
	if code := readCloseCode(t, conn); code != 4403 {
		t.Errorf("close code = %d, want 4403", code)
	}

	// The allowlisted origin connects fine.
	ok := e.dial(t, e.code.APIKey, "https://docs.example.com")
	ok.WriteJSON(widget.Frame{Type: "ping"})
	if f := readFrame(t, ok); f.Type != "pong" {
		t.Errorf("type = %s, want pong", f.Type)
	}
}

func TestTransport_MalformedFrameKeepsConnection(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("type = %s, want error", f.Type)
	}

	conn.WriteJSON(widget.Frame{Type: "warble"})
	f = readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("type = %s, want error", f.Type)
	}
	var d struct {
		Code string `json:"code"`
	}
	json.Unmarshal(f.Data, &d)
	if d.Code != "unsupported" {
		t.Errorf("code = %s, want unsupported", d.Code)
	}

	// Still alive after both.
	conn.WriteJSON(widget.Frame{Type: "ping"})
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("type = %s, want pong", f.Type)
	}
}

func TestTransport_DeactivationDropsLiveConnection(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{})
	conn := e.dial(t, e.code.APIKey, "")

	conn.WriteJSON(widget.Frame{Type: "ping"})
	readFrame(t, conn)

	if err := e.issuer.Deactivate(context.Background(), "ws1", e.code.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	conn.WriteJSON(widget.Frame{
		Type: "chat_message",
		Data: json.RawMessage(`{"content":"still there?"}`),
	})
	if code := readCloseCode(t, conn); code != 4401 {
		t.Errorf("close code = %d, want 4401", code)
	}
}

func TestTransport_RateLimitedMessages(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{MessagesPerMinute: 2})
	conn := e.dial(t, e.code.APIKey, "")

	// The connect handshake consumed one token; the second chat message
	// must be refused with an error frame, not a close.
	conn.WriteJSON(widget.Frame{Type: "chat_message", ID: "m1", Data: json.RawMessage(`{"content":"reset password"}`)})
	sawLimit := false
	for i := 0; i < 20 && !sawLimit; i++ {
		f := readFrame(t, conn)
		if f.Type == "chat_complete" {
			conn.WriteJSON(widget.Frame{Type: "chat_message", ID: "m2", Data: json.RawMessage(`{"content":"billing"}`)})
			continue
		}
		if f.Type == "error" {
			var d struct {
				Code string `json:"code"`
			}
			json.Unmarshal(f.Data, &d)
			if d.Code == "rate_limited" {
				sawLimit = true
			}
		}
	}
	if !sawLimit {
		t.Fatal("never saw a rate_limited error frame")
	}

	// Keepalives are exempt.
	conn.WriteJSON(widget.Frame{Type: "ping"})
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("type = %s, want pong", f.Type)
	}
}

func TestTransport_ConnectionCap(t *testing.T) {
	e := newWSEnv(t, nil, widget.TransportConfig{MaxConnections: 1})

	first := e.dial(t, e.code.APIKey, "")
	first.WriteJSON(widget.Frame{Type: "ping"})
	readFrame(t, first)

	second := e.dial(t, e.code.APIKey, "")
	if code := readCloseCode(t, second); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestScriptHandler_ServesParameterizedScript(t *testing.T) {
	st := store.NewMemoryStore()
	issuer := widget.NewIssuer(st)
	code, _ := issuer.Mint(context.Background(), "ws1", "user1", "w", models.WidgetConfig{
		Theme:           "dark",
		WelcomeMessages: []string{"Hello!", "Welcome back!"},
		ShowSources:     true,
	}, nil)

	h := widget.NewScriptHandler(issuer, "/widget/ws")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/widget.js?key="+code.APIKey, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Content-Type = %s", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{code.APIKey, "/widget/ws", "Welcome back!", "localStorage"} {
		if !strings.Contains(body, want) {
			t.Errorf("script missing %q", want)
		}
	}

	// Unknown key gets nothing.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/widget.js?key=ak_nope", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
