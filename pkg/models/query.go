package models

import "time"

// ── Retrieval ───────────────────────────────────────────────

// SearchMode selects how the retrieval engine ranks candidates.
type SearchMode string

const (
	SearchVector  SearchMode = "vector"
	SearchLexical SearchMode = "lexical"
	SearchHybrid  SearchMode = "hybrid"
	SearchRerank  SearchMode = "rerank"
)

// VectorDoc is the unit stored in a vector store collection.
type VectorDoc struct {
	ChunkID     string            `json:"chunk_id"`
	WorkspaceID string            `json:"workspace_id"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata"`
	Vector      []float64         `json:"vector"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MetadataFilter restricts retrieval candidates by metadata equality and
// $in membership. DocumentIDs is the minimally supported $in field.
type MetadataFilter struct {
	Equals      map[string]string `json:"equals,omitempty"`
	DocumentIDs []string          `json:"document_ids,omitempty"`
}

// Empty reports whether the filter restricts nothing.
func (f *MetadataFilter) Empty() bool {
	return f == nil || (len(f.Equals) == 0 && len(f.DocumentIDs) == 0)
}

// Matches applies the filter to a metadata map.
func (f *MetadataFilter) Matches(meta map[string]string) bool {
	if f.Empty() {
		return true
	}
	for k, v := range f.Equals {
		if meta[k] != v {
			return false
		}
	}
	if len(f.DocumentIDs) > 0 {
		doc := meta["document_id"]
		ok := false
		for _, id := range f.DocumentIDs {
			if id == doc {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// RetrievedChunk is one ranked retrieval result.
type RetrievedChunk struct {
	ChunkID      string            `json:"chunk_id"`
	DocumentID   string            `json:"document_id"`
	Text         string            `json:"text"`
	Score        float64           `json:"score"`
	DenseScore   float64           `json:"dense_score,omitempty"`
	LexicalScore float64           `json:"lexical_score,omitempty"`
	SearchMethod string            `json:"search_method"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RetrievalRequest configures one retrieval engine call.
type RetrievalRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	Query       string          `json:"query"`
	Mode        SearchMode      `json:"mode"`
	TopK        int             `json:"top_k"`
	Threshold   float64         `json:"threshold"`
	Filter      *MetadataFilter `json:"filter,omitempty"`
}

// RetrievalResult carries the ranked chunks plus degradation state.
// Degraded is set when one retrieval side failed and the engine fell back
// to the other; Unavailable means both sides failed.
type RetrievalResult struct {
	Chunks      []RetrievedChunk `json:"chunks"`
	Mode        SearchMode       `json:"mode"`
	Degraded    bool             `json:"degraded,omitempty"`
	Unavailable bool             `json:"unavailable,omitempty"`
}

// ── RAG query ───────────────────────────────────────────────

// ResponseStyle shapes the generator's tone.
type ResponseStyle string

const (
	StyleConversational ResponseStyle = "conversational"
	StyleTechnical      ResponseStyle = "technical"
	StyleSummarized     ResponseStyle = "summarized"
	StyleDetailed       ResponseStyle = "detailed"
	StyleStepByStep     ResponseStyle = "step_by_step"
)

// QueryRequest is the orchestrator entry point.
type QueryRequest struct {
	WorkspaceID string        `json:"workspace_id"`
	UserID      string        `json:"user_id"`
	Query       string        `json:"query"`
	SessionID   string        `json:"session_id,omitempty"`
	DocumentIDs []string      `json:"document_ids,omitempty"`
	Style       ResponseStyle `json:"response_style,omitempty"`
	Mode        SearchMode    `json:"search_mode,omitempty"`
}

// QueryResult is the orchestrator's answer with citations.
type QueryResult struct {
	Answer           string     `json:"answer"`
	Sources          []Source   `json:"sources"`
	Confidence       Confidence `json:"confidence"`
	Query            string     `json:"query"`
	SessionID        string     `json:"session_id"`
	Model            string     `json:"model,omitempty"`
	Tokens           int        `json:"tokens,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// ── Generation ──────────────────────────────────────────────

// GenerateRequest is the input to a generator driver.
type GenerateRequest struct {
	SystemPrompt string `json:"system_prompt"`
	Query        string `json:"query"`
	Context      string `json:"context"`
}

// GenerateResult is the generator driver output. Confidence may be empty;
// the orchestrator then infers it from retrieval scores.
type GenerateResult struct {
	Answer     string     `json:"answer"`
	Tokens     int        `json:"tokens,omitempty"`
	Model      string     `json:"model"`
	Confidence Confidence `json:"confidence,omitempty"`
}
