package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askbase/askbase/internal/notify"
)

func TestNotifier_SendSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEvent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Askbase-Signature")
		gotEvent = r.Header.Get("X-Askbase-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := notify.NewNotifier(ts.URL, "hunter2")
	err := n.Send(context.Background(), notify.Event{
		Type:        notify.EventDocumentIngested,
		WorkspaceID: "ws1",
		DocumentID:  "doc1",
		Filename:    "faq.txt",
		ChunkCount:  4,
	})
	require.NoError(t, err)

	assert.Equal(t, "document_ingested", gotEvent)
	assert.True(t, notify.Verify("hunter2", gotSig, gotBody), "signature should verify")
	assert.False(t, notify.Verify("wrong-secret", gotSig, gotBody), "wrong secret should not verify")

	var ev notify.Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "doc1", ev.DocumentID)
	assert.Equal(t, 4, ev.ChunkCount)
	assert.False(t, ev.Timestamp.IsZero(), "timestamp should be set")
}

func TestNotifier_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := notify.NewNotifier(ts.URL, "")
	err := n.Send(context.Background(), notify.Event{
		Type:        notify.EventDocumentFailed,
		WorkspaceID: "ws1",
		DocumentID:  "doc1",
		Error:       "no text extracted",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestNotifier_FailureAfterRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	n := notify.NewNotifier(ts.URL, "")
	err := n.Send(context.Background(), notify.Event{Type: notify.EventDocumentFailed})
	assert.Error(t, err)
}

func TestNotifier_NilIsDisabled(t *testing.T) {
	n := notify.NewNotifier("", "secret")
	require.Nil(t, n, "empty URL should disable the notifier")

	// Nil receivers are safe no-ops.
	assert.NoError(t, n.Send(context.Background(), notify.Event{}))
	n.NotifyAsync(context.Background(), notify.Event{})
}
