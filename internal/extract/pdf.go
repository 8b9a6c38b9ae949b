package extract

import (
	"bytes"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// extractPDF pulls text page by page. Pages that fail text extraction are
// skipped with a warning; a document where no page parses at all is
// Corrupted.
func extractPDF(data []byte) ([]models.TextBlock, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(err, fault.Corrupted, "parse pdf")
	}

	var blocks []models.TextBlock
	section := ""
	pages := reader.NumPage()
	failed := 0

	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			failed++
			continue
		}
		text, err := pageText(page)
		if err != nil {
			log.Warn().Err(err).Int("page", n).Msg("pdf page extraction failed, skipping")
			failed++
			continue
		}
		// Per-page paragraph split by blank lines.
		for _, part := range splitBlankLines(text) {
			t := classify(part)
			if t == models.BlockTitle {
				section = part
			}
			blocks = append(blocks, newBlock(part, t, n, section))
		}
	}

	if pages > 0 && failed == pages {
		return nil, fault.New(fault.Corrupted, "no pdf page could be parsed")
	}
	return blocks, nil
}

func pageText(page pdf.Page) (text string, err error) {
	// The pdf library panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.Corrupted, "pdf content stream panic: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}
