// Package retrieval ranks chunks for a query: dense vector search, BM25
// lexical search, hybrid fusion, and optional cross-encoder reranking,
// fronted by a workspace-scoped result cache.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/models"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25Searcher scores chunk texts with BM25. It reads chunk rows through
// the relational store so lexical ranking is identical across the memory
// and PostgreSQL backends.
type BM25Searcher struct {
	chunks store.ChunkStore
}

// NewBM25Searcher creates a lexical searcher over the chunk store.
func NewBM25Searcher(chunks store.ChunkStore) *BM25Searcher {
	return &BM25Searcher{chunks: chunks}
}

// Search ranks the workspace's chunks against the query terms.
func (s *BM25Searcher) Search(ctx context.Context, workspaceID, query string, topK int, filter *models.MetadataFilter) ([]models.RetrievedChunk, error) {
	terms := lexTokens(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.chunks.ListChunksByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		chunk  *models.Chunk
		tokens map[string]int
		length int
	}

	var corpus []indexed
	totalLen := 0
	for i := range rows {
		c := &rows[i]
		if filter != nil && !filter.Matches(chunkFilterMeta(c)) {
			continue
		}
		toks := lexTokens(c.Text)
		freq := make(map[string]int, len(toks))
		for _, t := range toks {
			freq[t]++
		}
		corpus = append(corpus, indexed{chunk: c, tokens: freq, length: len(toks)})
		totalLen += len(toks)
	}
	if len(corpus) == 0 {
		return nil, nil
	}
	avgLen := float64(totalLen) / float64(len(corpus))

	// Document frequency per query term.
	df := make(map[string]int, len(terms))
	for _, doc := range corpus {
		for _, t := range terms {
			if doc.tokens[t] > 0 {
				df[t]++
			}
		}
	}

	n := float64(len(corpus))
	type scored struct {
		chunk *models.Chunk
		score float64
	}
	var results []scored
	for _, doc := range corpus {
		var score float64
		for _, t := range terms {
			tf := float64(doc.tokens[t])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen))
			score += idf * norm
		}
		if score > 0 {
			results = append(results, scored{chunk: doc.chunk, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunk.ID < results[j].chunk.ID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	out := make([]models.RetrievedChunk, len(results))
	for i, r := range results {
		out[i] = models.RetrievedChunk{
			ChunkID:      r.chunk.ID,
			DocumentID:   r.chunk.DocumentID,
			Text:         r.chunk.Text,
			Score:        r.score,
			LexicalScore: r.score,
			SearchMethod: string(models.SearchLexical),
			Metadata:     chunkFilterMeta(r.chunk),
		}
	}
	return out, nil
}

func chunkFilterMeta(c *models.Chunk) map[string]string {
	return map[string]string{"document_id": c.DocumentID}
}

// lexTokens lowercases and splits on non-alphanumerics, dropping single
// characters.
func lexTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
