package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SpreadsheetExtractor renders every sheet the way CSVExtractor renders a file. The first
// non-empty row of a sheet is its header and each later row becomes a block:
//
//	Sheet People, Row 3 of staff.xlsx
//	name: Ada
//	role: engineer
//
// Row numbers are the spreadsheet's own. Sections hold up to RowsPerSection rows and never span
// two sheets.
type SpreadsheetExtractor struct {
	RowsPerSection int
}

func (e *SpreadsheetExtractor) Extract(_ context.Context, fileName string, content []byte) (Output, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return Output{}, &UnreadableError{Format: FormatSpreadsheet, Reason: "invalid workbook", Err: err}
	}
	defer f.Close()

	name := filepath.Base(fileName)
	var b builder
	records := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return Output{}, &UnreadableError{Format: FormatSpreadsheet, Reason: "unreadable sheet " + sheet, Err: err}
		}
		records += e.sheet(&b, name, sheet, rows)
	}
	if records == 0 {
		return Output{}, &UnreadableError{Format: FormatSpreadsheet, Reason: "no data rows"}
	}
	return b.output(records), nil
}

type sheetRow struct {
	number int
	cells  []string
}

func (e *SpreadsheetExtractor) sheet(b *builder, fileName, sheet string, rows [][]string) int {
	var header []string
	var data []sheetRow
	for i, row := range rows {
		switch {
		case isBlankRow(row):
		case header == nil:
			header = row
		default:
			data = append(data, sheetRow{number: i + 1, cells: row})
		}
	}
	perSection := e.RowsPerSection
	if perSection <= 0 {
		perSection = len(data)
	}

	for i, row := range data {
		b.blank()
		if i%perSection == 0 {
			last := data[min(i+perSection, len(data))-1].number
			b.section(fmt.Sprintf("Sheet %s: Rows %d-%d", sheet, row.number, last))
		}
		b.line(fmt.Sprintf("Sheet %s, Row %d of %s", sheet, row.number, fileName))
		for j, value := range row.cells {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			col := fmt.Sprintf("column %d", j+1)
			if j < len(header) && strings.TrimSpace(header[j]) != "" {
				col = strings.TrimSpace(header[j])
			}
			b.line(col + ": " + value)
		}
	}
	return len(data)
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
