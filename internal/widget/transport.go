package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/askbase/askbase/internal/metrics"
	"github.com/askbase/askbase/internal/rag"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Close codes beyond the RFC 6455 set. Application-defined codes live in
// the 4000-4999 range.
const (
	closeUnauthorized = 4401
	closeForbidden    = 4403
	closeRateLimited  = 4429
)

// unavailableAnswer is streamed to widget users when the answer pipeline
// is down. Widget visitors get a polite sentence, never an error dump.
const unavailableAnswer = "I'm temporarily unable to answer. Please try again in a moment."

// Frame is the wire envelope for every widget message, both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
	TS   int64           `json:"ts,omitempty"`
}

// Inbound frame payloads.
type heartbeatData struct {
	ClientTS int64 `json:"client_ts"`
	ServerTS int64 `json:"server_ts,omitempty"`
}

type chatMessageData struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

type getHistoryData struct {
	SessionID string `json:"session_id"`
}

// Outbound frame payloads.
type chatChunkData struct {
	Content string `json:"content"`
}

type chatCompleteData struct {
	Answer     string            `json:"answer"`
	Sources    []models.Source   `json:"sources,omitempty"`
	Confidence models.Confidence `json:"confidence"`
	SessionID  string            `json:"session_id"`
}

type historyData struct {
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

type historyMessage struct {
	Role      models.MessageRole `json:"role"`
	Content   string             `json:"content"`
	Sources   []models.Source    `json:"sources,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransportConfig bounds the WebSocket surface.
type TransportConfig struct {
	IdleTimeout       time.Duration // close idle connections after this (default 120s)
	MaxConnections    int           // concurrent connection cap (default 500)
	MessagesPerMinute int           // per-IP chat/typing budget (default 60)
}

// Transport serves the widget WebSocket endpoint.
type Transport struct {
	store  store.Store
	issuer *Issuer
	orch   *rag.Orchestrator
	cfg    TransportConfig

	upgrader websocket.Upgrader
	conns    atomic.Int64
	limiters sync.Map // ip → *rate.Limiter
	hub      hub
}

// NewTransport creates the widget transport.
func NewTransport(st store.Store, issuer *Issuer, orch *rag.Orchestrator, cfg TransportConfig) *Transport {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 60
	}
	return &Transport{
		store:  st,
		issuer: issuer,
		orch:   orch,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			// Origin is validated against the embed code allowlist after
			// the key resolves, so the upgrader itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hub: hub{members: make(map[string]map[*client]struct{})},
	}
}

// ServeHTTP upgrades the connection and runs the frame loop. Handshake
// refusals are delivered as WebSocket close codes so browser embeds can
// distinguish auth, origin, and rate problems.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error
	}
	c := &client{conn: ws}
	defer ws.Close()

	code, err := t.issuer.Authenticate(r.Context(), widgetKey(r))
	if err != nil {
		c.closeWith(closeUnauthorized, "unauthorized")
		return
	}
	if origin := r.Header.Get("Origin"); !code.OriginAllowed(origin) {
		log.Warn().Str("embed", code.ID).Str("origin", origin).Msg("Widget origin rejected")
		c.closeWith(closeForbidden, "origin not allowed")
		return
	}
	if !t.limiter(clientIP(r)).Allow() {
		c.closeWith(closeRateLimited, "rate limited")
		return
	}
	if t.conns.Add(1) > int64(t.cfg.MaxConnections) {
		t.conns.Add(-1)
		c.closeWith(websocket.ClosePolicyViolation, "connection limit reached")
		return
	}
	defer t.conns.Add(-1)

	if err := t.store.TouchEmbedCode(r.Context(), code.ID); err != nil {
		log.Warn().Err(err).Str("embed", code.ID).Msg("Failed to touch embed code")
	}

	metrics.WidgetConnections.Inc()
	defer metrics.WidgetConnections.Dec()
	defer t.hub.remove(c)

	log.Info().Str("workspace", code.WorkspaceID).Str("embed", code.ID).Msg("Widget connected")
	t.loop(r, c, code)
}

// loop reads and dispatches frames until the connection ends. Frames on a
// connection are processed strictly in order, so a visitor's second
// question never overtakes the first.
func (t *Transport) loop(r *http.Request, c *client, code *models.EmbedCode) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ip := clientIP(r)
	c.conn.SetReadLimit(32 << 10)

	for {
		c.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.closeWith(websocket.CloseGoingAway, "idle timeout")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.sendError(frame.ID, "bad_frame", "malformed frame")
			continue
		}
		metrics.WidgetFrames.WithLabelValues(frame.Type).Inc()

		switch frame.Type {
		case "ping":
			c.send(Frame{Type: "pong", ID: frame.ID, TS: nowMillis()})

		case "heartbeat":
			var hb heartbeatData
			json.Unmarshal(frame.Data, &hb)
			hb.ServerTS = nowMillis()
			c.send(Frame{Type: "heartbeat", ID: frame.ID, TS: hb.ServerTS, Data: marshal(hb)})

		case "typing":
			if !t.limiter(ip).Allow() {
				c.sendError(frame.ID, "rate_limited", "too many messages")
				continue
			}
			t.hub.broadcast(c, Frame{Type: "typing", TS: nowMillis()})

		case "chat_message":
			if !t.limiter(ip).Allow() {
				c.sendError(frame.ID, "rate_limited", "too many messages")
				continue
			}
			if !t.chat(ctx, c, code, frame) {
				return
			}

		case "get_history":
			t.history(ctx, c, code, frame)

		case "close":
			c.closeWith(websocket.CloseNormalClosure, "bye")
			return

		default:
			c.sendError(frame.ID, "unsupported", "unsupported frame type")
		}
	}
}

// chat answers one visitor question, streaming tokens as chat_chunk
// frames. Returns false when the connection must end.
func (t *Transport) chat(ctx context.Context, c *client, code *models.EmbedCode, frame Frame) bool {
	// Deactivation takes effect on the next message, not just on new
	// connections.
	if _, err := t.issuer.Authenticate(ctx, code.APIKey); err != nil {
		c.closeWith(closeUnauthorized, "embed code deactivated")
		return false
	}

	var msg chatMessageData
	if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.Content == "" {
		c.sendError(frame.ID, "bad_frame", "chat_message requires content")
		return true
	}

	session, err := t.bindSession(ctx, code.WorkspaceID, msg.SessionID)
	if err != nil {
		c.sendError(frame.ID, "session_failed", "could not open session")
		return true
	}
	t.hub.join(session.SessionKey, c)

	res, err := t.orch.QueryStream(ctx, models.QueryRequest{
		WorkspaceID: code.WorkspaceID,
		UserID:      models.SyntheticWidgetUser(code.WorkspaceID),
		Query:       msg.Content,
		SessionID:   session.ID,
	}, func(token string) error {
		return c.send(Frame{Type: "chat_chunk", ID: frame.ID, Data: marshal(chatChunkData{Content: token})})
	})
	if err != nil {
		switch {
		case fault.IsKind(err, fault.QuotaExceeded):
			c.sendError(frame.ID, "quota_exceeded", "message limit reached for this site")
		case fault.Retryable(err):
			// Outage, not the visitor's problem: answer politely.
			c.send(Frame{Type: "chat_chunk", ID: frame.ID, Data: marshal(chatChunkData{Content: unavailableAnswer})})
			c.send(Frame{Type: "chat_complete", ID: frame.ID, TS: nowMillis(), Data: marshal(chatCompleteData{
				Answer:     unavailableAnswer,
				Confidence: models.ConfidenceLow,
				SessionID:  session.SessionKey,
			})})
		default:
			log.Error().Err(err).Str("workspace", code.WorkspaceID).Msg("Widget query failed")
			c.sendError(frame.ID, "query_failed", "could not answer that right now")
		}
		return true
	}

	complete := chatCompleteData{
		Answer:     res.Answer,
		Confidence: res.Confidence,
		SessionID:  session.SessionKey,
	}
	if code.Config.ShowSources {
		complete.Sources = res.Sources
	}
	c.send(Frame{Type: "chat_complete", ID: frame.ID, TS: nowMillis(), Data: marshal(complete)})
	return true
}

// history replays a returning visitor's transcript. The session is looked
// up by its opaque key, so a visitor can only read the session their
// browser already holds.
func (t *Transport) history(ctx context.Context, c *client, code *models.EmbedCode, frame Frame) {
	var req getHistoryData
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.SessionID == "" {
		c.sendError(frame.ID, "bad_frame", "get_history requires session_id")
		return
	}

	session, err := t.store.GetSessionByKey(ctx, code.WorkspaceID, req.SessionID)
	if err != nil {
		c.sendError(frame.ID, "not_found", "unknown session")
		return
	}
	msgs, err := t.store.ListMessages(ctx, session.ID)
	if err != nil {
		c.sendError(frame.ID, "history_failed", "could not load history")
		return
	}

	out := historyData{SessionID: session.SessionKey, Messages: make([]historyMessage, 0, len(msgs))}
	for _, m := range msgs {
		hm := historyMessage{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
		if code.Config.ShowSources {
			hm.Sources = m.Sources
		}
		out.Messages = append(out.Messages, hm)
	}
	c.send(Frame{Type: "history", ID: frame.ID, TS: nowMillis(), Data: marshal(out)})
	t.hub.join(session.SessionKey, c)
}

// bindSession maps the visitor's opaque session key to a session row,
// minting one on first contact. Widget sessions belong to the synthetic
// widget user, never to a real account.
func (t *Transport) bindSession(ctx context.Context, workspaceID, sessionKey string) (*models.ChatSession, error) {
	if sessionKey != "" {
		session, err := t.store.GetSessionByKey(ctx, workspaceID, sessionKey)
		if err == nil {
			return session, nil
		}
		if !fault.IsKind(err, fault.NotFound) {
			return nil, err
		}
	}
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	session := &models.ChatSession{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		UserID:       models.SyntheticWidgetUser(workspaceID),
		SessionKey:   sessionKey,
		Active:       true,
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := t.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (t *Transport) limiter(ip string) *rate.Limiter {
	if l, ok := t.limiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.cfg.MessagesPerMinute)), t.cfg.MessagesPerMinute)
	actual, _ := t.limiters.LoadOrStore(ip, l)
	return actual.(*rate.Limiter)
}

// ── connection plumbing ─────────────────────────────────────

// client serializes writes to one WebSocket connection. Reads happen on a
// single goroutine; writes can also arrive from typing broadcasts.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) sendError(id, code, message string) {
	c.send(Frame{Type: "error", ID: id, TS: nowMillis(), Data: marshal(errorData{Code: code, Message: message})})
}

func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// hub tracks which connections watch which session so typing indicators
// reach the other participants. Typing is ephemeral and never persisted.
type hub struct {
	mu      sync.Mutex
	members map[string]map[*client]struct{}
	keys    map[*client]string
}

func (h *hub) join(sessionKey string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keys == nil {
		h.keys = make(map[*client]string)
	}
	if prev, ok := h.keys[c]; ok && prev != sessionKey {
		delete(h.members[prev], c)
	}
	h.keys[c] = sessionKey
	if h.members[sessionKey] == nil {
		h.members[sessionKey] = make(map[*client]struct{})
	}
	h.members[sessionKey][c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key, ok := h.keys[c]; ok {
		delete(h.members[key], c)
		delete(h.keys, c)
	}
}

func (h *hub) broadcast(from *client, f Frame) {
	h.mu.Lock()
	key, ok := h.keys[from]
	var peers []*client
	if ok {
		for c := range h.members[key] {
			if c != from {
				peers = append(peers, c)
			}
		}
	}
	h.mu.Unlock()
	for _, c := range peers {
		c.send(f)
	}
}

// ── helpers ─────────────────────────────────────────────────

// widgetKey extracts the embed API key: query token for browser
// WebSocket clients, header for everything else.
func widgetKey(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return r.Header.Get("X-Embed-Key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
