package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// extractDOCX emits one block per non-empty paragraph of word/document.xml.
// Heading-styled paragraphs become title blocks and set the section label
// carried by subsequent blocks.
func extractDOCX(data []byte) ([]models.TextBlock, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(err, fault.Corrupted, "open docx archive")
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return nil, fault.Wrap(err, fault.Corrupted, "open docx document.xml")
			}
			break
		}
	}
	if doc == nil {
		return nil, fault.New(fault.Corrupted, "docx has no word/document.xml")
	}
	defer doc.Close()

	paragraphs, err := docxParagraphs(doc)
	if err != nil {
		return nil, err
	}

	var blocks []models.TextBlock
	section := ""
	for _, p := range paragraphs {
		text := strings.TrimSpace(p.text)
		if text == "" {
			continue
		}
		if p.heading {
			section = text
			blocks = append(blocks, newBlock(text, models.BlockTitle, 0, section))
			continue
		}
		blocks = append(blocks, newBlock(text, classify(text), 0, section))
	}
	return blocks, nil
}

type docxParagraph struct {
	text    string
	heading bool
}

// docxParagraphs walks the WordprocessingML token stream, collecting <w:t>
// runs per <w:p> and flagging paragraphs styled "Heading*" or "Title".
func docxParagraphs(r io.Reader) ([]docxParagraph, error) {
	dec := xml.NewDecoder(r)

	var paragraphs []docxParagraph
	var cur strings.Builder
	inParagraph := false
	heading := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(err, fault.Corrupted, "parse docx xml")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				heading = false
				cur.Reset()
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style := strings.ToLower(attr.Value)
						if strings.HasPrefix(style, "heading") || style == "title" {
							heading = true
						}
					}
				}
			case "t":
				if inParagraph {
					var text string
					if err := dec.DecodeElement(&text, &t); err != nil {
						return nil, fault.Wrap(err, fault.Corrupted, "parse docx run")
					}
					cur.WriteString(text)
				}
			case "tab":
				if inParagraph {
					cur.WriteByte('\t')
				}
			case "br":
				if inParagraph {
					cur.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				paragraphs = append(paragraphs, docxParagraph{text: cur.String(), heading: heading})
				inParagraph = false
			}
		}
	}
	return paragraphs, nil
}
