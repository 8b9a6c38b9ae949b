package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Defaults for the engine.
const (
	DefaultTopK     = 10
	DefaultAlpha    = 0.6
	DefaultDenseK   = 20
	DefaultLexicalK = 20
)

// Engine fuses dense and lexical retrieval. Hybrid is the default mode:
// both sides run in parallel, scores are min-max normalized per side, and
// the fused score is alpha*dense + (1-alpha)*lexical. Losing one side
// degrades to the other instead of failing the query.
type Engine struct {
	embedder contracts.EmbeddingDriver
	vectors  contracts.VectorStore
	lexical  contracts.LexicalSearcher
	encoder  contracts.CrossEncoder
	cache    contracts.ResultCache

	alpha    float64
	denseK   int
	lexicalK int
}

// EngineConfig wires a retrieval engine.
type EngineConfig struct {
	Embedder contracts.EmbeddingDriver
	Vectors  contracts.VectorStore
	Lexical  contracts.LexicalSearcher
	Encoder  contracts.CrossEncoder // nil selects the token-overlap encoder
	Cache    contracts.ResultCache  // nil disables caching
	Alpha    float64
	DenseK   int
	LexicalK int
}

// NewEngine creates a retrieval engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.DenseK <= 0 {
		cfg.DenseK = DefaultDenseK
	}
	if cfg.LexicalK <= 0 {
		cfg.LexicalK = DefaultLexicalK
	}
	if cfg.Encoder == nil {
		cfg.Encoder = NewTokenOverlapEncoder()
	}
	return &Engine{
		embedder: cfg.Embedder,
		vectors:  cfg.Vectors,
		lexical:  cfg.Lexical,
		encoder:  cfg.Encoder,
		cache:    cfg.Cache,
		alpha:    cfg.Alpha,
		denseK:   cfg.DenseK,
		lexicalK: cfg.LexicalK,
	}
}

// Retrieve runs one retrieval request. Unavailable on the result means
// every usable side failed; the caller decides how to answer without
// grounding.
func (e *Engine) Retrieve(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error) {
	if req.WorkspaceID == "" {
		return nil, fault.New(fault.Validation, "retrieval requires a workspace id")
	}
	if req.Query == "" {
		return nil, fault.New(fault.Validation, "retrieval requires a query")
	}
	if req.Mode == "" {
		req.Mode = models.SearchHybrid
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}

	key := cacheKey(req)
	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, req.WorkspaceID, key); ok {
			return &models.RetrievalResult{Chunks: cached, Mode: req.Mode}, nil
		}
	}

	var result *models.RetrievalResult
	var err error
	switch req.Mode {
	case models.SearchVector:
		result, err = e.vectorOnly(ctx, req)
	case models.SearchLexical:
		result, err = e.lexicalOnly(ctx, req)
	case models.SearchRerank:
		result, err = e.rerank(ctx, req)
	case models.SearchHybrid:
		result, err = e.hybrid(ctx, req)
	default:
		return nil, fault.New(fault.Validation, "unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	// Only clean results are worth caching: degraded ones would pin the
	// fallback ranking for the TTL.
	if e.cache != nil && !result.Degraded && !result.Unavailable {
		e.cache.Set(ctx, req.WorkspaceID, key, result.Chunks)
	}
	return result, nil
}

// ── Modes ───────────────────────────────────────────────────

func (e *Engine) vectorOnly(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error) {
	chunks, err := e.dense(ctx, req, req.TopK)
	if err != nil {
		return &models.RetrievalResult{Mode: req.Mode, Unavailable: true}, nil
	}
	return &models.RetrievalResult{Chunks: threshold(chunks, req.Threshold), Mode: req.Mode}, nil
}

func (e *Engine) lexicalOnly(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error) {
	chunks, err := e.lexical.Search(ctx, req.WorkspaceID, req.Query, req.TopK, req.Filter)
	if err != nil {
		return &models.RetrievalResult{Mode: req.Mode, Unavailable: true}, nil
	}
	return &models.RetrievalResult{Chunks: threshold(chunks, req.Threshold), Mode: req.Mode}, nil
}

// hybrid fans out to both sides in parallel and fuses.
func (e *Engine) hybrid(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error) {
	var denseRes, lexRes []models.RetrievedChunk
	var denseErr, lexErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseRes, denseErr = e.dense(gctx, req, e.denseK)
		return nil
	})
	g.Go(func() error {
		lexRes, lexErr = e.lexical.Search(gctx, req.WorkspaceID, req.Query, e.lexicalK, req.Filter)
		return nil
	})
	g.Wait()

	switch {
	case denseErr != nil && lexErr != nil:
		log.Error().Err(denseErr).AnErr("lexical_error", lexErr).Str("workspace", req.WorkspaceID).Msg("Both retrieval sides failed")
		return &models.RetrievalResult{Mode: req.Mode, Unavailable: true}, nil
	case denseErr != nil:
		log.Warn().Err(denseErr).Str("workspace", req.WorkspaceID).Msg("Dense retrieval failed, degrading to lexical")
		chunks := trim(threshold(lexRes, req.Threshold), req.TopK)
		return &models.RetrievalResult{Chunks: chunks, Mode: req.Mode, Degraded: true}, nil
	case lexErr != nil:
		log.Warn().Err(lexErr).Str("workspace", req.WorkspaceID).Msg("Lexical retrieval failed, degrading to dense")
		chunks := trim(threshold(denseRes, req.Threshold), req.TopK)
		return &models.RetrievalResult{Chunks: chunks, Mode: req.Mode, Degraded: true}, nil
	}

	fused := e.fuse(denseRes, lexRes)
	return &models.RetrievalResult{Chunks: trim(threshold(fused, req.Threshold), req.TopK), Mode: req.Mode}, nil
}

// rerank runs hybrid over a wider candidate set, rescores with the cross
// encoder, and keeps the head.
func (e *Engine) rerank(ctx context.Context, req models.RetrievalRequest) (*models.RetrievalResult, error) {
	wide := req
	wide.Mode = models.SearchHybrid
	wide.TopK = rerankCandidates
	wide.Threshold = 0

	base, err := e.hybrid(ctx, wide)
	if err != nil {
		return nil, err
	}
	if base.Unavailable || len(base.Chunks) == 0 {
		base.Mode = req.Mode
		return base, nil
	}

	texts := make([]string, len(base.Chunks))
	for i, c := range base.Chunks {
		texts[i] = c.Text
	}
	scores, err := e.encoder.Score(ctx, req.Query, texts)
	if err != nil || len(scores) != len(base.Chunks) {
		// Keep the hybrid ranking when the encoder is unavailable.
		log.Warn().Err(err).Msg("Cross-encoder failed, keeping hybrid order")
		base.Chunks = trim(base.Chunks, req.TopK)
		base.Mode = req.Mode
		base.Degraded = true
		return base, nil
	}

	chunks := base.Chunks
	hybridScore := make(map[string]float64, len(chunks))
	for i := range chunks {
		hybridScore[chunks[i].ChunkID] = chunks[i].Score
		chunks[i].Score = scores[i]
		chunks[i].SearchMethod = string(models.SearchRerank)
	}
	// Encoder score first; ties fall back to the hybrid score, then the
	// chunk id so equal candidates rank deterministically.
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		hi, hj := hybridScore[chunks[i].ChunkID], hybridScore[chunks[j].ChunkID]
		if hi != hj {
			return hi > hj
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})

	keep := req.TopK
	if keep > rerankKeep {
		keep = rerankKeep
	}
	return &models.RetrievalResult{
		Chunks: trim(threshold(chunks, req.Threshold), keep),
		Mode:   req.Mode,
	}, nil
}

// ── Internals ───────────────────────────────────────────────

func (e *Engine) dense(ctx context.Context, req models.RetrievalRequest, topK int) ([]models.RetrievedChunk, error) {
	vector, err := e.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindOf(err), "embed query")
	}
	return e.vectors.Query(ctx, req.WorkspaceID, vector, topK, req.Filter)
}

// fuse min-max normalizes each side, then combines:
// alpha*dense + (1-alpha)*lexical. A chunk found by only one side keeps
// a zero contribution from the other.
func (e *Engine) fuse(dense, lexical []models.RetrievedChunk) []models.RetrievedChunk {
	denseNorm := normalize(dense)
	lexNorm := normalize(lexical)

	merged := make(map[string]*models.RetrievedChunk)
	order := make([]string, 0, len(dense)+len(lexical))

	for i, c := range dense {
		cp := c
		cp.DenseScore = denseNorm[i]
		cp.LexicalScore = 0
		cp.SearchMethod = string(models.SearchHybrid)
		merged[c.ChunkID] = &cp
		order = append(order, c.ChunkID)
	}
	for i, c := range lexical {
		if existing, ok := merged[c.ChunkID]; ok {
			existing.LexicalScore = lexNorm[i]
			continue
		}
		cp := c
		cp.DenseScore = 0
		cp.LexicalScore = lexNorm[i]
		cp.SearchMethod = string(models.SearchHybrid)
		merged[c.ChunkID] = &cp
		order = append(order, c.ChunkID)
	}

	out := make([]models.RetrievedChunk, 0, len(order))
	for _, id := range order {
		c := merged[id]
		c.Score = e.alpha*c.DenseScore + (1-e.alpha)*c.LexicalScore
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// normalize min-max scales scores to [0,1]. A single result, or a flat
// score distribution, maps to 1.
func normalize(chunks []models.RetrievedChunk) []float64 {
	scores := make([]float64, len(chunks))
	if len(chunks) == 0 {
		return scores
	}
	min, max := chunks[0].Score, chunks[0].Score
	for _, c := range chunks[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}
	for i, c := range chunks {
		if max == min {
			scores[i] = 1
			continue
		}
		scores[i] = (c.Score - min) / (max - min)
	}
	return scores
}

func threshold(chunks []models.RetrievedChunk, min float64) []models.RetrievedChunk {
	if min <= 0 {
		return chunks
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c.Score >= min {
			out = append(out, c)
		}
	}
	return out
}

func trim(chunks []models.RetrievedChunk, topK int) []models.RetrievedChunk {
	if topK > 0 && len(chunks) > topK {
		return chunks[:topK]
	}
	return chunks
}

// cacheKey hashes the canonical request form. Identical requests hit the
// same entry regardless of field order in the incoming JSON.
func cacheKey(req models.RetrievalRequest) string {
	canonical, _ := json.Marshal(struct {
		Query     string                 `json:"q"`
		Mode      models.SearchMode      `json:"m"`
		TopK      int                    `json:"k"`
		Threshold float64                `json:"t"`
		Filter    *models.MetadataFilter `json:"f,omitempty"`
	}{req.Query, req.Mode, req.TopK, req.Threshold, req.Filter})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
