package widget

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScriptHandler serves the embeddable widget JavaScript. The script is
// parameterized per embed code: its key, its appearance config, and the
// WebSocket endpoint are baked in at serve time so the host page only
// needs a single script tag.
type ScriptHandler struct {
	issuer *Issuer
	wsPath string
}

// NewScriptHandler creates the /widget.js handler. wsPath is the
// WebSocket endpoint path, e.g. "/widget/ws".
func NewScriptHandler(issuer *Issuer, wsPath string) *ScriptHandler {
	if wsPath == "" {
		wsPath = "/widget/ws"
	}
	return &ScriptHandler{issuer: issuer, wsPath: wsPath}
}

func (h *ScriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, err := h.issuer.Authenticate(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		http.Error(w, "unknown widget key", http.StatusUnauthorized)
		return
	}

	cfg, err := json.Marshal(code.Config)
	if err != nil {
		log.Error().Err(err).Str("embed", code.ID).Msg("Failed to encode widget config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	js := widgetScript
	js = strings.ReplaceAll(js, "__EMBED_ID__", jsString(code.ID))
	js = strings.ReplaceAll(js, "__EMBED_KEY__", jsString(code.APIKey))
	js = strings.ReplaceAll(js, "__WS_PATH__", jsString(h.wsPath))
	js = strings.ReplaceAll(js, "__CONFIG__", string(cfg))

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(js))
}

// jsString renders s as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// widgetScript is the client. It keeps three pieces of local state under
// per-embed keys: the session key, the chat transcript, and the index of
// the last greeting shown. Greetings rotate on every open so a returning
// visitor never sees the same opener twice in a row.
const widgetScript = `(function () {
  "use strict";

  var EMBED_ID = __EMBED_ID__;
  var EMBED_KEY = __EMBED_KEY__;
  var WS_PATH = __WS_PATH__;
  var CONFIG = __CONFIG__;

  var storeKey = function (suffix) { return "askbase_" + suffix + "_" + EMBED_ID; };

  function nextGreeting() {
    var greetings = CONFIG.welcome_messages || [];
    if (greetings.length === 0) return "Hi! How can I help you today?";
    if (greetings.length === 1) return greetings[0];
    var last = parseInt(localStorage.getItem(storeKey("greet")) || "-1", 10);
    var idx = (last + 1) % greetings.length;
    localStorage.setItem(storeKey("greet"), String(idx));
    return greetings[idx];
  }

  function sessionKeyFor() {
    var key = localStorage.getItem(storeKey("session"));
    if (!key) {
      key = "s-" + Date.now().toString(36) + "-" + Math.random().toString(36).slice(2, 10);
      localStorage.setItem(storeKey("session"), key);
    }
    return key;
  }

  // ── DOM ──

  var dark = CONFIG.theme === "dark";
  var colors = dark
    ? { bg: "#1f2430", fg: "#e6e6e6", accent: "#4c7dff", bubbleMe: "#4c7dff", bubbleBot: "#2b3242" }
    : { bg: "#ffffff", fg: "#1a1a2e", accent: "#2563eb", bubbleMe: "#2563eb", bubbleBot: "#f1f3f7" };

  var root = document.createElement("div");
  root.id = "askbase-widget";
  root.style.cssText = "position:fixed;bottom:20px;right:20px;z-index:99999;font-family:system-ui,sans-serif;";

  var launcher = document.createElement("button");
  launcher.textContent = "💬";
  launcher.setAttribute("aria-label", "Open chat");
  launcher.style.cssText = "width:56px;height:56px;border-radius:50%;border:none;cursor:pointer;font-size:24px;background:" + colors.accent + ";color:#fff;box-shadow:0 4px 14px rgba(0,0,0,.25);";

  var panel = document.createElement("div");
  panel.style.cssText = "display:none;flex-direction:column;width:340px;height:480px;border-radius:12px;overflow:hidden;box-shadow:0 8px 30px rgba(0,0,0,.3);background:" + colors.bg + ";color:" + colors.fg + ";";

  var header = document.createElement("div");
  header.textContent = CONFIG.title || "Chat";
  header.style.cssText = "padding:12px 16px;font-weight:600;background:" + colors.accent + ";color:#fff;";

  var transcript = document.createElement("div");
  transcript.style.cssText = "flex:1;overflow-y:auto;padding:12px;display:flex;flex-direction:column;gap:8px;";

  var typingEl = document.createElement("div");
  typingEl.textContent = "…";
  typingEl.style.cssText = "display:none;padding:4px 12px;opacity:.6;font-size:13px;";

  var form = document.createElement("form");
  form.style.cssText = "display:flex;gap:6px;padding:10px;border-top:1px solid rgba(127,127,127,.25);";
  var input = document.createElement("input");
  input.type = "text";
  input.placeholder = CONFIG.placeholder || "Ask a question...";
  input.style.cssText = "flex:1;padding:8px 10px;border-radius:8px;border:1px solid rgba(127,127,127,.35);background:transparent;color:inherit;";
  var sendBtn = document.createElement("button");
  sendBtn.type = "submit";
  sendBtn.textContent = "Send";
  sendBtn.style.cssText = "padding:8px 14px;border:none;border-radius:8px;cursor:pointer;background:" + colors.accent + ";color:#fff;";

  form.appendChild(input);
  form.appendChild(sendBtn);
  panel.appendChild(header);
  panel.appendChild(transcript);
  panel.appendChild(typingEl);
  panel.appendChild(form);
  root.appendChild(panel);
  root.appendChild(launcher);
  document.body.appendChild(root);

  function bubble(role, text) {
    var el = document.createElement("div");
    el.style.cssText = role === "user"
      ? "align-self:flex-end;max-width:80%;padding:8px 12px;border-radius:12px 12px 2px 12px;background:" + colors.bubbleMe + ";color:#fff;white-space:pre-wrap;"
      : "align-self:flex-start;max-width:80%;padding:8px 12px;border-radius:12px 12px 12px 2px;background:" + colors.bubbleBot + ";white-space:pre-wrap;";
    el.textContent = text;
    transcript.appendChild(el);
    transcript.scrollTop = transcript.scrollHeight;
    return el;
  }

  function citations(sources) {
    if (!CONFIG.show_sources || !sources || sources.length === 0) return;
    var el = document.createElement("div");
    el.style.cssText = "align-self:flex-start;font-size:12px;opacity:.65;padding:0 4px;";
    el.textContent = "Sources: " + sources.map(function (s) { return "[" + s.id + "]"; }).join(" ");
    transcript.appendChild(el);
    transcript.scrollTop = transcript.scrollHeight;
  }

  // ── transport ──

  var sock = null;
  var pending = null; // streaming assistant bubble
  var heartbeatTimer = null;
  var restored = false; // transcript replayed once per page load

  function connect() {
    if (sock && (sock.readyState === 0 || sock.readyState === 1)) return;
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    sock = new WebSocket(proto + location.host + WS_PATH + "?token=" + encodeURIComponent(EMBED_KEY));

    sock.onopen = function () {
      var existing = localStorage.getItem(storeKey("session"));
      if (existing && !restored) {
        sock.send(JSON.stringify({ type: "get_history", data: { session_id: existing } }));
      }
      heartbeatTimer = setInterval(function () {
        if (sock.readyState === 1) {
          sock.send(JSON.stringify({ type: "heartbeat", data: { client_ts: Date.now() } }));
        }
      }, 30000);
    };

    sock.onmessage = function (ev) {
      var frame;
      try { frame = JSON.parse(ev.data); } catch (e) { return; }
      if (frame.type === "chat_chunk") {
        if (!pending) { typingEl.style.display = "none"; pending = bubble("assistant", ""); }
        pending.textContent += frame.data.content;
        transcript.scrollTop = transcript.scrollHeight;
      } else if (frame.type === "chat_complete") {
        typingEl.style.display = "none";
        if (!pending) bubble("assistant", frame.data.answer);
        pending = null;
        citations(frame.data.sources);
        if (frame.data.session_id) localStorage.setItem(storeKey("session"), frame.data.session_id);
        sendBtn.disabled = false;
      } else if (frame.type === "history") {
        restored = true;
        (frame.data.messages || []).forEach(function (m) {
          bubble(m.role === "user" ? "user" : "assistant", m.content);
          if (m.role !== "user") citations(m.sources);
        });
      } else if (frame.type === "typing") {
        typingEl.style.display = "block";
      } else if (frame.type === "error") {
        if (frame.data && frame.data.code === "not_found") {
          // Server no longer knows the stored session; start fresh quietly.
          localStorage.removeItem(storeKey("session"));
          restored = true;
          return;
        }
        typingEl.style.display = "none";
        bubble("assistant", frame.data && frame.data.message ? frame.data.message : "Something went wrong.");
        pending = null;
        sendBtn.disabled = false;
      }
    };

    sock.onclose = function () {
      if (heartbeatTimer) clearInterval(heartbeatTimer);
      sendBtn.disabled = false;
    };
  }

  var opened = false;
  launcher.onclick = function () {
    var showing = panel.style.display === "flex";
    panel.style.display = showing ? "none" : "flex";
    if (!showing) {
      connect();
      if (!opened) { bubble("assistant", nextGreeting()); opened = true; }
      input.focus();
    }
  };

  form.onsubmit = function (ev) {
    ev.preventDefault();
    var text = input.value.trim();
    if (!text || !sock || sock.readyState !== 1) return;
    bubble("user", text);
    input.value = "";
    sendBtn.disabled = true;
    typingEl.style.display = "block";
    sock.send(JSON.stringify({
      type: "chat_message",
      id: "m-" + Date.now().toString(36),
      data: { content: text, session_id: sessionKeyFor() }
    }));
  };
})();
`
