package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// extractCSV renders each data row as a table_row block followed by a
// summary block recording the shape of the table.
func extractCSV(data []byte) ([]models.TextBlock, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // tolerate ragged rows

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(err, fault.Corrupted, "parse csv")
		}
		rows = append(rows, record)
	}
	return tableBlocks(rows, "")
}

// extractXLSX repeats the CSV treatment per sheet, prefixing the summary
// with the sheet name.
func extractXLSX(data []byte) ([]models.TextBlock, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(err, fault.Corrupted, "open xlsx")
	}
	defer f.Close()

	var blocks []models.TextBlock
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fault.Wrap(err, fault.Corrupted, "read xlsx sheet %s", sheet)
		}
		sheetBlocks, err := tableBlocks(rows, sheet)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, sheetBlocks...)
	}
	return blocks, nil
}

// tableBlocks renders rows as "col: val | col: val | …" table_row blocks
// (null cells skipped) plus a trailing summary block. The first row is
// treated as the header.
func tableBlocks(rows [][]string, sheet string) ([]models.TextBlock, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	section := sheet

	var blocks []models.TextBlock
	for _, row := range rows[1:] {
		var parts []string
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			col := fmt.Sprintf("col%d", i)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				col = strings.TrimSpace(header[i])
			}
			parts = append(parts, col+": "+cell)
		}
		if len(parts) == 0 {
			continue
		}
		text := strings.Join(parts, " | ")
		blocks = append(blocks, newBlock(text, models.BlockTableRow, 0, section))
	}

	summary := fmt.Sprintf("Table with %d rows and %d columns. Columns: %s",
		len(rows)-1, len(header), strings.Join(header, ", "))
	if sheet != "" {
		summary = fmt.Sprintf("Sheet %q: %s", sheet, summary)
	}
	blocks = append(blocks, newBlock(summary, models.BlockSummary, 0, section))
	return blocks, nil
}
