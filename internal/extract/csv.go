package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
)

// CSVExtractor renders each data row as its own block:
//
//	Row 3 of people.csv
//	name: Ada
//	role: engineer
//
// Consecutive rows are grouped into sections of RowsPerSection rows.
type CSVExtractor struct {
	RowsPerSection int
}

func (e *CSVExtractor) Extract(_ context.Context, fileName string, content []byte) (Output, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return Output{}, &UnreadableError{Format: FormatCSV, Reason: "invalid CSV", Err: err}
	}
	if len(records) < 2 {
		return Output{}, &UnreadableError{Format: FormatCSV, Reason: "no data rows"}
	}

	header := records[0]
	rows := records[1:]
	perSection := e.RowsPerSection
	if perSection <= 0 {
		perSection = len(rows)
	}
	name := filepath.Base(fileName)

	var b builder
	for i, row := range rows {
		b.blank()
		if i%perSection == 0 {
			last := min(i+perSection, len(rows))
			b.section(fmt.Sprintf("Rows %d-%d", i+1, last))
		}
		b.line(fmt.Sprintf("Row %d of %s", i+1, name))
		for j, value := range row {
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
	return b.output(len(rows)), nil
}
