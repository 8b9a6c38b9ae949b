package extract

import (
	"strings"

	"github.com/askbase/askbase/pkg/models"
)

// extractPlain handles TXT and MD: blocks are blank-line separated;
// markdown headings become title blocks and set the running section label.
func extractPlain(text string, markdown bool) []models.TextBlock {
	var blocks []models.TextBlock
	section := ""

	for _, part := range splitBlankLines(text) {
		if markdown {
			if heading, ok := mdHeading(part); ok {
				section = heading
				blocks = append(blocks, newBlock(heading, models.BlockTitle, 0, section))
				continue
			}
		}
		t := classify(part)
		if t == models.BlockTitle {
			section = strings.TrimLeft(strings.TrimSpace(part), "# ")
		}
		blocks = append(blocks, newBlock(part, t, 0, section))
	}
	return blocks
}

// mdHeading recognizes a single-line "#".."######" heading.
func mdHeading(part string) (string, bool) {
	if strings.Contains(part, "\n") {
		return "", false
	}
	trimmed := strings.TrimSpace(part)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return "", false
	}
	return strings.TrimSpace(trimmed[level:]), true
}
