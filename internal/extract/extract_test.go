package extract_test

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/askbase/askbase/internal/extract"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

func TestSupported(t *testing.T) {
	cases := []struct {
		contentType string
		want        bool
	}{
		{"text/plain", true},
		{"text/plain; charset=utf-8", true},
		{"TEXT/MARKDOWN", true},
		{"text/csv", true},
		{"application/pdf", true},
		{extract.TypeDOCX, true},
		{extract.TypeXLSX, true},
		{"application/octet-stream", false},
		{"image/png", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := extract.Supported(tc.contentType); got != tc.want {
			t.Errorf("Supported(%q) = %v, want %v", tc.contentType, got, tc.want)
		}
	}
}

func TestExtract_UnsupportedType(t *testing.T) {
	_, err := extract.Extract([]byte("data"), "application/octet-stream")
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
}

func TestExtract_EmptyFileYieldsNoBlocks(t *testing.T) {
	for _, data := range [][]byte{nil, []byte(""), []byte("  \n\n\t \n")} {
		blocks, err := extract.Extract(data, extract.TypeTXT)
		if err != nil {
			t.Fatalf("Extract(%q) error = %v", data, err)
		}
		if len(blocks) != 0 {
			t.Errorf("Extract(%q) = %d blocks, want 0", data, len(blocks))
		}
	}
}

func TestExtract_PlainTextClassification(t *testing.T) {
	cases := []struct {
		name string
		text string
		want models.BlockType
	}{
		{"title", "Overview", models.BlockTitle},
		{"hash heading", "# Getting Started", models.BlockTitle},
		{"list", "- first item\n- second item", models.BlockList},
		{"numbered list", "1. install\n2. configure", models.BlockList},
		{"table", "name | qty | price | total", models.BlockTable},
		{"fenced code", "```\nx := 1\n```", models.BlockCode},
		{"paragraph", "the quick brown fox runs over the lazy dog.", models.BlockParagraph},
	}
	for _, tc := range cases {
		blocks, err := extract.Extract([]byte(tc.text), extract.TypeTXT)
		if err != nil {
			t.Fatalf("%s: Extract() error = %v", tc.name, err)
		}
		if len(blocks) != 1 {
			t.Fatalf("%s: blocks = %d, want 1", tc.name, len(blocks))
		}
		if blocks[0].Type != tc.want {
			t.Errorf("%s: Type = %s, want %s", tc.name, blocks[0].Type, tc.want)
		}
	}
}

func TestExtract_ImportanceScoring(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
	}{
		// paragraph base 0.5, no cues, negligible length bonus
		{"plain paragraph", "the quick brown fox runs over the lazy dog.", 0.5},
		// paragraph base 0.5 + "note" cue 0.1 + digits 0.1
		{"cued with digits", "note that 12 units were shipped to the depot.", 0.7},
		// title base 0.9 + "overview" cue 0.1, clamped to 1
		{"salient title", "Overview", 1},
	}
	for _, tc := range cases {
		blocks, err := extract.Extract([]byte(tc.text), extract.TypeTXT)
		if err != nil || len(blocks) != 1 {
			t.Fatalf("%s: blocks = %d, err = %v", tc.name, len(blocks), err)
		}
		if blocks[0].Importance != tc.want {
			t.Errorf("%s: Importance = %v, want %v", tc.name, blocks[0].Importance, tc.want)
		}
	}
}

func TestExtract_MarkdownSections(t *testing.T) {
	md := "# Setup\n\nInstall the agent on every host.\n\n## Troubleshooting\n\n- check the logs\n- restart the agent"
	blocks, err := extract.Extract([]byte(md), extract.TypeMD)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(blocks))
	}
	if blocks[0].Type != models.BlockTitle || blocks[0].Text != "Setup" {
		t.Errorf("block 0 = %s %q, want title Setup", blocks[0].Type, blocks[0].Text)
	}
	if blocks[1].Section != "Setup" {
		t.Errorf("paragraph Section = %q, want Setup", blocks[1].Section)
	}
	if blocks[3].Type != models.BlockList || blocks[3].Section != "Troubleshooting" {
		t.Errorf("block 3 = %s in %q, want list in Troubleshooting", blocks[3].Type, blocks[3].Section)
	}
}

func TestExtract_CSV(t *testing.T) {
	csv := "name,qty\nwidget,2\ngadget,5\n"
	blocks, err := extract.Extract([]byte(csv), extract.TypeCSV)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 2 rows + summary", len(blocks))
	}
	if blocks[0].Type != models.BlockTableRow || blocks[0].Text != "name: widget | qty: 2" {
		t.Errorf("row 0 = %s %q", blocks[0].Type, blocks[0].Text)
	}
	last := blocks[2]
	if last.Type != models.BlockSummary || !strings.Contains(last.Text, "2 rows") {
		t.Errorf("summary = %s %q, want table shape summary", last.Type, last.Text)
	}

	// A header-only file has no data to index.
	blocks, err = extract.Extract([]byte("name,qty\n"), extract.TypeCSV)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := countType(blocks, models.BlockTableRow); got != 0 {
		t.Errorf("header-only csv produced %d rows", got)
	}
}

func TestExtract_XLSX(t *testing.T) {
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "name")
	f.SetCellValue("Sheet1", "B1", "qty")
	f.SetCellValue("Sheet1", "A2", "widget")
	f.SetCellValue("Sheet1", "B2", 2)
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}

	blocks, err := extract.Extract(buf.Bytes(), extract.TypeXLSX)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := countType(blocks, models.BlockTableRow); got != 1 {
		t.Fatalf("table rows = %d, want 1", got)
	}
	if blocks[0].Text != "name: widget | qty: 2" {
		t.Errorf("row text = %q", blocks[0].Text)
	}
	summary := blocks[len(blocks)-1]
	if summary.Type != models.BlockSummary || !strings.Contains(summary.Text, "Sheet1") {
		t.Errorf("summary = %s %q, want sheet-named summary", summary.Type, summary.Text)
	}
}

func TestExtract_DOCX(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Getting Started</w:t></w:r></w:p>
    <w:p><w:r><w:t>Install the agent before anything else.</w:t></w:r></w:p>
    <w:p><w:r><w:t></w:t></w:r></w:p>
  </w:body>
</w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip Create() error = %v", err)
	}
	fw.Write([]byte(doc))
	zw.Close()

	blocks, err := extract.Extract(buf.Bytes(), extract.TypeDOCX)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2 (empty paragraph dropped)", len(blocks))
	}
	if blocks[0].Type != models.BlockTitle || blocks[0].Text != "Getting Started" {
		t.Errorf("block 0 = %s %q, want heading as title", blocks[0].Type, blocks[0].Text)
	}
	if blocks[1].Section != "Getting Started" {
		t.Errorf("paragraph Section = %q, want Getting Started", blocks[1].Section)
	}
}

func TestExtract_CorruptedFiles(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
	}{
		{"docx", extract.TypeDOCX},
		{"pdf", extract.TypePDF},
		{"xlsx", extract.TypeXLSX},
	}
	for _, tc := range cases {
		_, err := extract.Extract([]byte("definitely not a "+tc.name), tc.contentType)
		if !fault.IsKind(err, fault.Corrupted) {
			t.Errorf("%s: kind = %v, want corrupted", tc.name, fault.KindOf(err))
		}
	}
}

func countType(blocks []models.TextBlock, t models.BlockType) int {
	n := 0
	for _, b := range blocks {
		if b.Type == t {
			n++
		}
	}
	return n
}
