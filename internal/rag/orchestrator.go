// Package rag orchestrates knowledge-grounded question answering: quota
// reservation, session binding, retrieval, context assembly, generation,
// and persistence of the conversation turns.
package rag

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/metrics"
	"github.com/askbase/askbase/internal/quota"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// noResultsAnswer is returned when retrieval finds nothing relevant. The
// query still consumed LLM-adjacent work, so it stays charged.
const noResultsAnswer = "I could not find relevant information in the knowledge base to answer that. Try rephrasing the question or uploading documents that cover it."

// filteredAnswer replaces a completion the provider refused to produce.
const filteredAnswer = "I can't provide an answer to that question. Please rephrase it, or ask about the content of the knowledge base."

// Retriever is the slice of the retrieval engine the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error)
}

// Config bounds one query execution.
type Config struct {
	Deadline         time.Duration // end-to-end budget (default 30s)
	RetrievalBudget  time.Duration // retrieval slice of the budget (default 5s)
	MaxContextLength int           // context assembly character cap (default 4000)
}

// Orchestrator executes RAG queries.
type Orchestrator struct {
	store     store.Store
	quota     *quota.Manager
	retriever Retriever
	generator contracts.GeneratorDriver
	analytics contracts.AnalyticsInvalidator
	cfg       Config
}

// New creates an orchestrator. analytics may be nil.
func New(st store.Store, qm *quota.Manager, r Retriever, g contracts.GeneratorDriver, analytics contracts.AnalyticsInvalidator, cfg Config) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.RetrievalBudget <= 0 {
		cfg.RetrievalBudget = 5 * time.Second
	}
	if cfg.MaxContextLength <= 0 {
		cfg.MaxContextLength = 4_000
	}
	return &Orchestrator{
		store:     st,
		quota:     qm,
		retriever: r,
		generator: g,
		analytics: analytics,
		cfg:       cfg,
	}
}

// Query answers one question in a single response.
func (o *Orchestrator) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	return o.run(ctx, req, nil)
}

// QueryStream answers one question, emitting tokens through fn as they
// arrive. The returned result carries the fully accumulated answer.
func (o *Orchestrator) QueryStream(ctx context.Context, req models.QueryRequest, fn contracts.StreamFunc) (*models.QueryResult, error) {
	return o.run(ctx, req, fn)
}

func (o *Orchestrator) run(ctx context.Context, req models.QueryRequest, fn contracts.StreamFunc) (*models.QueryResult, error) {
	start := time.Now()

	if req.WorkspaceID == "" || req.UserID == "" {
		return nil, fault.New(fault.Validation, "query requires workspace and user ids")
	}
	if req.Query == "" {
		return nil, fault.New(fault.Validation, "query text is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	// Reserve before any expensive work. Refused reservations are final.
	if err := o.quota.Reserve(ctx, req.WorkspaceID); err != nil {
		if fault.IsKind(err, fault.QuotaExceeded) {
			metrics.Queries.WithLabelValues("quota").Inc()
		} else {
			metrics.Queries.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	result, err := o.answer(ctx, req, fn, start)
	if err != nil {
		// The tenant pays for answers, not for our outages. A blown
		// deadline is not refunded: generation work was already spent.
		if fault.IsKind(err, fault.Unavailable) {
			o.quota.Refund(context.WithoutCancel(ctx), req.WorkspaceID)
		}
		metrics.Queries.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	return result, nil
}

func (o *Orchestrator) answer(ctx context.Context, req models.QueryRequest, fn contracts.StreamFunc, start time.Time) (*models.QueryResult, error) {
	session, err := o.bindSession(ctx, req)
	if err != nil {
		return nil, err
	}

	retrieved, err := o.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	if retrieved.Unavailable {
		return nil, fault.New(fault.Unavailable, "retrieval backends unavailable")
	}

	contextText, sources := assembleContext(retrieved.Chunks, o.cfg.MaxContextLength)

	var gen *models.GenerateResult
	if len(retrieved.Chunks) == 0 {
		// Nothing to ground on: answer honestly without calling the LLM.
		gen = &models.GenerateResult{Answer: noResultsAnswer, Confidence: models.ConfidenceLow}
		metrics.Queries.WithLabelValues("no_results").Inc()
		if fn != nil {
			if serr := fn(gen.Answer); serr != nil {
				return o.abandoned(ctx, session, req, gen, sources, models.ConfidenceLow, start, serr)
			}
		}
	} else {
		genReq := models.GenerateRequest{
			SystemPrompt: buildSystemPrompt(req.Style),
			Query:        req.Query,
			Context:      contextText,
		}
		var delivered strings.Builder
		var sinkErr error
		if fn != nil {
			gen, err = o.generator.GenerateStream(ctx, genReq, func(token string) error {
				delivered.WriteString(token)
				if serr := fn(token); serr != nil {
					sinkErr = serr
					return serr
				}
				return nil
			})
		} else {
			gen, err = o.generator.Generate(ctx, genReq)
		}
		switch {
		case err == nil:
			metrics.Queries.WithLabelValues("ok").Inc()
		case sinkErr != nil:
			// The model answered but the client stopped listening. The
			// turns happened: persist what was generated and keep the
			// charge.
			partial := &models.GenerateResult{Answer: delivered.String()}
			return o.abandoned(ctx, session, req, partial, sources, confidenceFrom(retrieved.Chunks), start, sinkErr)
		case fault.IsKind(err, fault.ContentFiltered):
			// A refusal is still an answer: respond with the safe canned
			// text, ungrounded, instead of surfacing an error.
			gen = &models.GenerateResult{Answer: filteredAnswer, Confidence: models.ConfidenceLow}
			sources = nil
			metrics.Queries.WithLabelValues("filtered").Inc()
			if fn != nil {
				if serr := fn(gen.Answer); serr != nil {
					return o.abandoned(ctx, session, req, gen, sources, models.ConfidenceLow, start, serr)
				}
			}
		default:
			return nil, err
		}
	}

	confidence := gen.Confidence
	if confidence == "" {
		confidence = confidenceFrom(retrieved.Chunks)
	}

	elapsed := time.Since(start)
	o.persistTurns(ctx, session, req, gen, sources, confidence, elapsed)

	if o.analytics != nil {
		o.analytics.InvalidateAnalytics(context.WithoutCancel(ctx), req.WorkspaceID)
	}

	log.Info().
		Str("workspace", req.WorkspaceID).
		Str("session", session.ID).
		Str("mode", string(retrieved.Mode)).
		Int("sources", len(sources)).
		Bool("degraded", retrieved.Degraded).
		Dur("elapsed", elapsed).
		Msg("Query answered")

	return &models.QueryResult{
		Answer:           gen.Answer,
		Sources:          sources,
		Confidence:       confidence,
		Query:            req.Query,
		SessionID:        session.ID,
		Model:            gen.Model,
		Tokens:           gen.Tokens,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

// abandoned finalizes a turn whose client went away mid-stream: the
// answer was produced, so it is persisted and stays charged, but there
// is no one left to deliver it to.
func (o *Orchestrator) abandoned(ctx context.Context, session *models.ChatSession, req models.QueryRequest, gen *models.GenerateResult, sources []models.Source, confidence models.Confidence, start time.Time, cause error) (*models.QueryResult, error) {
	o.persistTurns(ctx, session, req, gen, sources, confidence, time.Since(start))
	log.Warn().Err(cause).Str("session", session.ID).Msg("Stream delivery failed, turn persisted")
	return nil, fault.Wrap(cause, fault.Internal, "stream delivery failed")
}

// bindSession resolves the request to a session, creating one when none
// was supplied. A session id from another workspace is NotFound, never
// PermissionDenied: existence must not leak.
func (o *Orchestrator) bindSession(ctx context.Context, req models.QueryRequest) (*models.ChatSession, error) {
	if req.SessionID != "" {
		session, err := o.store.GetSession(ctx, req.WorkspaceID, req.SessionID)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	session := &models.ChatSession{
		ID:           uuid.NewString(),
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
		SessionKey:   uuid.NewString(),
		Active:       true,
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, req models.QueryRequest) (*models.RetrievalResult, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalBudget)
	defer cancel()

	var filter *models.MetadataFilter
	if len(req.DocumentIDs) > 0 {
		filter = &models.MetadataFilter{DocumentIDs: req.DocumentIDs}
	}
	return o.retriever.Retrieve(rctx, models.RetrievalRequest{
		WorkspaceID: req.WorkspaceID,
		Query:       req.Query,
		Mode:        req.Mode,
		Filter:      filter,
	})
}

// persistTurns appends the user and assistant messages. Persistence
// failures are logged, not surfaced: the answer was produced and the
// tenant should receive it.
func (o *Orchestrator) persistTurns(ctx context.Context, session *models.ChatSession, req models.QueryRequest, gen *models.GenerateResult, sources []models.Source, confidence models.Confidence, elapsed time.Duration) {
	now := time.Now()
	userMsg := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   req.Query,
		CreatedAt: now,
	}
	assistantMsg := &models.ChatMessage{
		ID:             uuid.NewString(),
		SessionID:      session.ID,
		Role:           models.RoleAssistant,
		Content:        gen.Answer,
		Model:          gen.Model,
		Tokens:         gen.Tokens,
		ResponseTimeMs: elapsed.Milliseconds(),
		Sources:        sources,
		Confidence:     confidence,
		CreatedAt:      now.Add(time.Millisecond),
	}

	pctx := context.WithoutCancel(ctx)
	if err := o.store.AppendMessage(pctx, userMsg); err != nil {
		log.Error().Err(err).Str("session", session.ID).Msg("Failed to persist user turn")
	}
	if err := o.store.AppendMessage(pctx, assistantMsg); err != nil {
		log.Error().Err(err).Str("session", session.ID).Msg("Failed to persist assistant turn")
	}
}

// confidenceFrom grades the answer by the strongest retrieval score.
func confidenceFrom(chunks []models.RetrievedChunk) models.Confidence {
	if len(chunks) == 0 {
		return models.ConfidenceLow
	}
	top := chunks[0].Score
	for _, c := range chunks[1:] {
		if c.Score > top {
			top = c.Score
		}
	}
	switch {
	case top >= 0.8:
		return models.ConfidenceHigh
	case top >= 0.5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
