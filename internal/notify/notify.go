// Package notify dispatches ingestion lifecycle events to a configured
// webhook endpoint. Payloads are JSON with an optional HMAC-SHA256
// signature so receivers can verify authenticity.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	EventDocumentIngested EventType = "document_ingested"
	EventDocumentFailed   EventType = "document_failed"
)

// Event is the webhook payload.
type Event struct {
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspace_id"`
	DocumentID  string    `json:"document_id"`
	Filename    string    `json:"filename,omitempty"`
	ChunkCount  int       `json:"chunk_count,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const maxAttempts = 3

// Notifier posts events to a single webhook URL with retries and optional
// HMAC signing. A Notifier with an empty URL is disabled; all methods are
// nil-safe no-ops.
type Notifier struct {
	url    string
	secret string
	client *http.Client
}

// NewNotifier creates a webhook notifier. Returns nil when url is empty,
// which callers treat as notifications disabled.
func NewNotifier(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// NotifyAsync dispatches the event in the background. Delivery failures are
// logged, never surfaced: ingestion outcomes must not depend on webhooks.
func (n *Notifier) NotifyAsync(ctx context.Context, event Event) {
	if n == nil {
		return
	}
	// The event outlives the request/attempt that produced it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := n.Send(ctx, event); err != nil {
			log.Warn().Err(err).
				Str("event", string(event.Type)).
				Str("document", event.DocumentID).
				Msg("Webhook delivery failed")
		}
	}()
}

// Send posts the event synchronously with up to three attempts and
// exponential backoff.
func (n *Notifier) Send(ctx context.Context, event Event) error {
	if n == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Askbase-Webhook/1.0")
		req.Header.Set("X-Askbase-Event", string(event.Type))
		req.Header.Set("X-Askbase-Workspace", event.WorkspaceID)
		if n.secret != "" {
			req.Header.Set("X-Askbase-Signature", "sha256="+sign(n.secret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Debug().
				Str("event", string(event.Type)).
				Str("document", event.DocumentID).
				Msg("Webhook dispatched")
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, n.url)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against the body. Receivers use
// this to authenticate webhook deliveries.
func Verify(secret, signatureHeader string, body []byte) bool {
	want := "sha256=" + sign(secret, body)
	return hmac.Equal([]byte(want), []byte(signatureHeader))
}
