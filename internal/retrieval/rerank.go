package retrieval

import (
	"context"
)

// rerank candidate and output sizes.
const (
	rerankCandidates = 20
	rerankKeep       = 5
)

// TokenOverlapEncoder is the default cross-encoder: Jaccard-style token
// overlap between query and text. Cheap, deterministic, and offline; a
// real model-backed encoder plugs into the same interface.
type TokenOverlapEncoder struct{}

// NewTokenOverlapEncoder creates the overlap scorer.
func NewTokenOverlapEncoder() *TokenOverlapEncoder {
	return &TokenOverlapEncoder{}
}

// Score returns one score per text, in input order.
func (e *TokenOverlapEncoder) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	queryTokens := tokenSet(query)
	scores := make([]float64, len(texts))
	if len(queryTokens) == 0 {
		return scores, nil
	}
	for i, text := range texts {
		textTokens := tokenSet(text)
		if len(textTokens) == 0 {
			continue
		}
		overlap := 0
		for t := range queryTokens {
			if textTokens[t] {
				overlap++
			}
		}
		union := len(queryTokens) + len(textTokens) - overlap
		scores[i] = float64(overlap) / float64(union)
	}
	return scores, nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range lexTokens(text) {
		set[t] = true
	}
	return set
}
