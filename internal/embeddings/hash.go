package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// HashDriver is a deterministic, offline embedding driver for development
// and tests. Each token hashes into a bucket of the vector; vectors are
// L2-normalized so cosine similarity behaves sensibly. Texts sharing tokens
// get correlated vectors, which is enough to exercise retrieval end to end.
type HashDriver struct {
	dims int
}

// NewHashDriver creates a hash driver with the given dimension.
func NewHashDriver(dims int) *HashDriver {
	if dims <= 0 {
		dims = 384
	}
	return &HashDriver{dims: dims}
}

func (d *HashDriver) Kind() string      { return "hash" }
func (d *HashDriver) Model() string     { return "hash-v1" }
func (d *HashDriver) Dimensions() int   { return d.dims }
func (d *HashDriver) MaxBatchSize() int { return 512 }

// Embed hashes each text independently. Never fails.
func (d *HashDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = d.embed(text)
	}
	return vectors, nil
}

// EmbedOne embeds a single text.
func (d *HashDriver) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	return d.embed(text), nil
}

func (d *HashDriver) embed(text string) []float64 {
	vec := make([]float64, d.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		vec[0] = 1
		return vec
	}

	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		bucket := int(binary.BigEndian.Uint32(sum[0:4])) % d.dims
		if bucket < 0 {
			bucket += d.dims
		}
		sign := 1.0
		if sum[4]&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
