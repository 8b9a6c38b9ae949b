// Package chunker groups extracted text blocks into indexable chunks.
//
// The semantic strategy (the default) respects block boundaries: a block is
// never split across chunks. Only the fixed strategy cuts mid-block.
package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/askbase/askbase/pkg/models"
)

// Strategy selects the segmentation algorithm.
type Strategy string

const (
	StrategySemantic  Strategy = "semantic"
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
	StrategyFixed     Strategy = "fixed"
)

// Config configures the chunker.
type Config struct {
	MaxSize  int      // target chunk size in characters (default 1000)
	Overlap  int      // trailing characters re-emitted by the fixed strategy (default 100)
	Strategy Strategy // default semantic
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 1000, Overlap: 100, Strategy: StrategySemantic}
}

// Built is one chunk ready for embedding, with its dense 0-based index.
type Built struct {
	Text     string
	Index    int
	Metadata models.ChunkMetadata
}

// Split segments blocks per the configured strategy. Chunk indices are
// contiguous from 0 and every block's text appears in at least one chunk.
func Split(blocks []models.TextBlock, cfg Config) []Built {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if len(blocks) == 0 {
		return nil
	}

	var chunks []Built
	switch cfg.Strategy {
	case StrategyParagraph:
		chunks = perBlock(blocks)
	case StrategyFixed:
		chunks = fixedWindows(blocks, cfg.MaxSize, cfg.Overlap)
	case StrategySentence:
		chunks = bySentence(blocks, cfg.MaxSize)
	default:
		chunks = semantic(blocks, cfg.MaxSize)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// ── Semantic strategy ───────────────────────────────────────

// semantic accumulates whole blocks until the next block would exceed
// maxSize, emits the buffer, and seeds the next buffer with the last one
// or two blocks of the emitted chunk as overlap.
func semantic(blocks []models.TextBlock, maxSize int) []Built {
	var chunks []Built
	var buf []models.TextBlock
	size := 0

	for _, b := range blocks {
		blen := utf8.RuneCountInString(b.Text)
		if blen > maxSize {
			// A block larger than the budget becomes its own chunk.
			if len(buf) > 0 {
				chunks = append(chunks, build(buf))
			}
			chunks = append(chunks, build([]models.TextBlock{b}))
			buf, size = nil, 0
			continue
		}
		if size+blen > maxSize && len(buf) > 0 {
			chunks = append(chunks, build(buf))
			buf = overlapBlocks(buf, maxSize)
			size = 0
			for _, o := range buf {
				size += utf8.RuneCountInString(o.Text)
			}
		}
		buf = append(buf, b)
		size += blen
	}
	if len(buf) > 0 {
		chunks = append(chunks, build(buf))
	}
	return chunks
}

// overlapBlocks picks the trailing 1–2 blocks of an emitted buffer to seed
// the next chunk, capped at half the size budget so overlap never crowds
// out new content.
func overlapBlocks(buf []models.TextBlock, maxSize int) []models.TextBlock {
	budget := maxSize / 2
	var out []models.TextBlock
	size := 0
	for i := len(buf) - 1; i >= 0 && len(out) < 2; i-- {
		blen := utf8.RuneCountInString(buf[i].Text)
		if size+blen > budget {
			break
		}
		out = append([]models.TextBlock{buf[i]}, out...)
		size += blen
	}
	return out
}

// ── Sentence strategy ───────────────────────────────────────

// bySentence runs the semantic algorithm over sentence tokens within each
// block; overlap is the last two sentences of the emitted chunk.
func bySentence(blocks []models.TextBlock, maxSize int) []Built {
	var sentences []models.TextBlock
	for _, b := range blocks {
		for _, s := range splitSentences(b.Text) {
			sb := b
			sb.Text = s
			sentences = append(sentences, sb)
		}
	}

	var chunks []Built
	var buf []models.TextBlock
	size := 0
	for _, s := range sentences {
		slen := utf8.RuneCountInString(s.Text)
		if size+slen > maxSize && len(buf) > 0 {
			chunks = append(chunks, build(buf))
			// Overlap: re-seed with the last 2 sentences.
			start := len(buf) - 2
			if start < 0 {
				start = 0
			}
			buf = append([]models.TextBlock(nil), buf[start:]...)
			size = 0
			for _, o := range buf {
				size += utf8.RuneCountInString(o.Text)
			}
		}
		buf = append(buf, s)
		size += slen
	}
	if len(buf) > 0 {
		chunks = append(chunks, build(buf))
	}
	return chunks
}

// splitSentences breaks text on terminal punctuation followed by space.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if (runes[i] == '.' || runes[i] == '!' || runes[i] == '?') &&
			(i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n') {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

// ── Paragraph strategy ──────────────────────────────────────

func perBlock(blocks []models.TextBlock) []Built {
	out := make([]Built, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, build([]models.TextBlock{b}))
	}
	return out
}

// ── Fixed strategy ──────────────────────────────────────────

// fixedWindows concatenates all block text and cuts character-bounded
// windows with `overlap` trailing characters re-emitted. The only strategy
// allowed to split a block.
func fixedWindows(blocks []models.TextBlock, maxSize, overlap int) []Built {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Text)
	}
	runes := []rune(sb.String())
	if overlap >= maxSize {
		overlap = maxSize / 2
	}

	meta := aggregate(blocks)
	var out []Built
	for start := 0; start < len(runes); {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		m := meta
		m.TotalLength = end - start
		out = append(out, Built{Text: string(runes[start:end]), Metadata: m})
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return out
}

// ── Assembly ────────────────────────────────────────────────

func build(blocks []models.TextBlock) Built {
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = b.Text
	}
	return Built{
		Text:     strings.Join(texts, "\n\n"),
		Metadata: aggregate(blocks),
	}
}

func aggregate(blocks []models.TextBlock) models.ChunkMetadata {
	meta := models.ChunkMetadata{BlockCount: len(blocks)}
	typeSet := map[string]bool{}
	sectionSet := map[string]bool{}
	pageSet := map[int]bool{}
	var importanceSum float64

	for _, b := range blocks {
		meta.TotalLength += utf8.RuneCountInString(b.Text)
		importanceSum += b.Importance
		typeSet[string(b.Type)] = true
		if b.Section != "" {
			sectionSet[b.Section] = true
		}
		if b.Page > 0 {
			pageSet[b.Page] = true
		}
	}
	if len(blocks) > 0 {
		meta.MeanImportance = importanceSum / float64(len(blocks))
	}
	meta.BlockTypes = sortedKeys(typeSet)
	meta.Sections = sortedKeys(sectionSet)
	for p := range pageSet {
		meta.PageNumbers = append(meta.PageNumbers, p)
	}
	sort.Ints(meta.PageNumbers)
	return meta
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
