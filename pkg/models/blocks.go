package models

// BlockType classifies an extracted text block.
type BlockType string

const (
	BlockTitle     BlockType = "title"
	BlockParagraph BlockType = "paragraph"
	BlockList      BlockType = "list"
	BlockTable     BlockType = "table"
	BlockCode      BlockType = "code"
	BlockSummary   BlockType = "summary"
	BlockTableRow  BlockType = "table_row"
)

// TextBlock is one structural unit produced by the extractor. Blocks keep
// their document order; the chunker never splits a block except in the
// fixed strategy.
type TextBlock struct {
	Text       string    `json:"text"`
	Type       BlockType `json:"type"`
	Page       int       `json:"page,omitempty"`    // 1-based; 0 = unknown
	Section    string    `json:"section,omitempty"` // nearest preceding title
	Importance float64   `json:"importance"`        // ∈ [0,1], two decimals
}
