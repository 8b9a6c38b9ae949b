package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/askbase/askbase/internal/api/middleware"
	"github.com/askbase/askbase/pkg/models"
)

// queryBody is the wire shape of a query request. Workspace and user come
// from the request scope, never from the body.
type queryBody struct {
	Query       string               `json:"query"`
	SessionID   string               `json:"session_id,omitempty"`
	DocumentIDs []string             `json:"document_ids,omitempty"`
	Style       models.ResponseStyle `json:"response_style,omitempty"`
	Mode        models.SearchMode    `json:"search_mode,omitempty"`
}

func (h *Handlers) queryRequest(r *http.Request, body queryBody) models.QueryRequest {
	return models.QueryRequest{
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		UserID:      middleware.GetUserID(r.Context()),
		Query:       body.Query,
		SessionID:   body.SessionID,
		DocumentIDs: body.DocumentIDs,
		Style:       body.Style,
		Mode:        body.Mode,
	}
}

// Query answers a question in a single JSON response.
// POST /api/v1/query
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Orchestrator.Query(r.Context(), h.queryRequest(r, body))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// QueryStream answers a question over Server-Sent Events: token events
// while the answer generates, then a final done event with the full
// result (sources, confidence, session id).
// POST /api/v1/query/stream
func (h *Handlers) QueryStream(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result, err := h.Orchestrator.QueryStream(r.Context(), h.queryRequest(r, body), func(token string) error {
		data, _ := json.Marshal(map[string]string{"token": token})
		if _, werr := fmt.Fprintf(w, "event: token\ndata: %s\n\n", data); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are sent; the error has to travel in-band.
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
		return
	}

	data, _ := json.Marshal(result)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

// Search exposes the retrieval engine directly, without generation or
// quota charging. Useful for relevance debugging and search-as-you-type.
// POST /api/v1/search
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	if h.Retrieval == nil {
		respondError(w, http.StatusNotFound, "search is not enabled")
		return
	}

	var body struct {
		Query       string            `json:"query"`
		Mode        models.SearchMode `json:"search_mode,omitempty"`
		TopK        int               `json:"top_k,omitempty"`
		Threshold   float64           `json:"threshold,omitempty"`
		DocumentIDs []string          `json:"document_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := models.RetrievalRequest{
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		Query:       body.Query,
		Mode:        body.Mode,
		TopK:        body.TopK,
		Threshold:   body.Threshold,
	}
	if len(body.DocumentIDs) > 0 {
		req.Filter = &models.MetadataFilter{DocumentIDs: body.DocumentIDs}
	}

	result, err := h.Retrieval.Retrieve(r.Context(), req)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
