// Package generator provides the answer-generation drivers: OpenAI chat
// completions for production and a deterministic canned driver for
// development and tests, plus a circuit breaker wrapper.
package generator

import (
	"context"
	"strings"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/models"
)

// CannedDriver answers offline: it echoes the most relevant context
// passage. Deterministic, so orchestrator and transport tests can assert
// on exact output.
type CannedDriver struct{}

// NewCannedDriver creates the offline driver.
func NewCannedDriver() *CannedDriver {
	return &CannedDriver{}
}

func (d *CannedDriver) Kind() string { return "canned" }

// Generate produces the full answer in one call.
func (d *CannedDriver) Generate(_ context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	answer := compose(req)
	return &models.GenerateResult{
		Answer: answer,
		Tokens: len(strings.Fields(answer)),
		Model:  "canned-v1",
	}, nil
}

// GenerateStream emits the answer word by word.
func (d *CannedDriver) GenerateStream(ctx context.Context, req models.GenerateRequest, fn contracts.StreamFunc) (*models.GenerateResult, error) {
	answer := compose(req)
	words := strings.Fields(answer)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		token := w
		if i < len(words)-1 {
			token += " "
		}
		if err := fn(token); err != nil {
			return nil, err
		}
	}
	return &models.GenerateResult{
		Answer: answer,
		Tokens: len(words),
		Model:  "canned-v1",
	}, nil
}

// compose builds the canned answer from the first context passage.
func compose(req models.GenerateRequest) string {
	ctx := strings.TrimSpace(req.Context)
	if ctx == "" {
		return "I could not find relevant information in the knowledge base to answer that."
	}
	first := ctx
	if i := strings.Index(ctx, "\n\n"); i > 0 {
		first = ctx[:i]
	}
	// Strip the source header line added by the context assembler.
	if strings.HasPrefix(first, "[") {
		if i := strings.Index(first, "\n"); i > 0 {
			first = first[i+1:]
		}
	}
	first = strings.TrimSpace(first)
	if len(first) > 600 {
		first = first[:600]
	}
	return "Based on the knowledge base: " + first
}
