// Package extract turns uploaded file bytes into ordered text blocks with
// structural metadata. Supported formats: PDF, DOCX, TXT, MD, CSV, XLSX.
package extract

import (
	"math"
	"regexp"
	"strings"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// Content types accepted by the extractor.
const (
	TypePDF  = "application/pdf"
	TypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypeTXT  = "text/plain"
	TypeMD   = "text/markdown"
	TypeCSV  = "text/csv"
)

// Supported reports whether the extractor understands a content type.
func Supported(contentType string) bool {
	switch normalizeType(contentType) {
	case TypePDF, TypeDOCX, TypeXLSX, TypeTXT, TypeMD, TypeCSV:
		return true
	}
	return false
}

// normalizeType strips parameters like "; charset=utf-8".
func normalizeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Extract parses the file into ordered text blocks. It returns a possibly
// empty list, fault.Validation for unrecognized content types, and
// fault.Corrupted when the file cannot be parsed even partially.
func Extract(data []byte, contentType string) ([]models.TextBlock, error) {
	switch normalizeType(contentType) {
	case TypePDF:
		return extractPDF(data)
	case TypeDOCX:
		return extractDOCX(data)
	case TypeXLSX:
		return extractXLSX(data)
	case TypeCSV:
		return extractCSV(data)
	case TypeTXT:
		return extractPlain(string(data), false), nil
	case TypeMD:
		return extractPlain(string(data), true), nil
	default:
		return nil, fault.New(fault.Validation, "unsupported content type %q", contentType)
	}
}

// ── Block classification ────────────────────────────────────

var (
	titleRe  = regexp.MustCompile(`^[A-Z][^.!?]*$`)
	listRe   = regexp.MustCompile(`^\s*([-*•]|\d+\.)\s+`)
	assignRe = regexp.MustCompile(`^\s{4,}\w+\s*=`)
)

// classify applies the fallback heuristics for formats that do not carry
// structural information of their own.
func classify(text string) models.BlockType {
	trimmed := strings.TrimSpace(text)
	firstLine := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}

	switch {
	case strings.HasPrefix(firstLine, "#"):
		return models.BlockTitle
	case len(firstLine) <= 80 && !strings.Contains(trimmed, "\n") && titleRe.MatchString(firstLine):
		return models.BlockTitle
	case listRe.MatchString(firstLine):
		return models.BlockList
	case strings.Count(firstLine, "|") >= 3:
		return models.BlockTable
	case strings.HasPrefix(trimmed, "```") || assignRe.MatchString(text):
		return models.BlockCode
	default:
		return models.BlockParagraph
	}
}

// ── Importance scoring ──────────────────────────────────────

// salienceTerms are section cues that raise a block's importance.
var salienceTerms = []string{
	"introduction", "overview", "summary", "conclusion", "abstract",
	"important", "key", "note", "warning", "result",
}

func baseImportance(t models.BlockType) float64 {
	switch t {
	case models.BlockTitle:
		return 0.9
	case models.BlockSummary:
		return 0.8
	case models.BlockList:
		return 0.7
	case models.BlockTable, models.BlockTableRow:
		return 0.6
	case models.BlockCode:
		return 0.4
	default:
		return 0.5
	}
}

// importance derives the salience score: base by type, +0.1 per matched
// keyword, up to +0.2 for length, +0.1 when the block carries digits;
// clamped to [0,1] and rounded to two decimals.
func importance(text string, t models.BlockType) float64 {
	score := baseImportance(t)

	lower := strings.ToLower(text)
	for _, term := range salienceTerms {
		if strings.Contains(lower, term) {
			score += 0.1
		}
	}

	score += math.Min(0.2, float64(len(text))/2000*0.2)

	if strings.ContainsAny(text, "0123456789") {
		score += 0.1
	}

	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

// newBlock builds a classified, scored block.
func newBlock(text string, t models.BlockType, page int, section string) models.TextBlock {
	return models.TextBlock{
		Text:       text,
		Type:       t,
		Page:       page,
		Section:    section,
		Importance: importance(text, t),
	}
}

// splitBlankLines splits text on blank-line boundaries, trimming each part.
func splitBlankLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var parts []string
	for _, p := range regexp.MustCompile(`\n\s*\n`).Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
