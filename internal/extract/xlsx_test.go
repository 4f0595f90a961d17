package extract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"docvec/apps/backend/internal/extract"
)

func workbook(t *testing.T, sheets map[string][][]interface{}, order ...string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, name := range order {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", name))
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for r, row := range sheets[name] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			row := row
			require.NoError(t, f.SetSheetRow(name, cell, &row))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestSpreadsheetExtractor_RowsAsBlocks(t *testing.T) {
	content := workbook(t, map[string][][]interface{}{
		"People": {
			{"name", "role", ""},
			{"Ada", "engineer", "lead"},
			{},
			{"Grace", "", "admiral"},
		},
		"Empty": {},
	}, "People", "Empty")

	out, err := (&extract.SpreadsheetExtractor{}).Extract(context.Background(), "data/staff.xlsx", content)
	require.NoError(t, err)

	expected := "Sheet People, Row 2 of staff.xlsx\n" +
		"name: Ada\n" +
		"role: engineer\n" +
		"column 3: lead\n" +
		"\n" +
		"Sheet People, Row 4 of staff.xlsx\n" +
		"name: Grace\n" +
		"column 3: admiral\n"
	assert.Equal(t, expected, out.Text)
	assert.Equal(t, 2, out.PageCount)
	assert.Equal(t, []extract.Annotation{{Offset: 0, Label: "Sheet People: Rows 2-4"}}, out.Sections)
}

func TestSpreadsheetExtractor_SectionsPerSheet(t *testing.T) {
	content := workbook(t, map[string][][]interface{}{
		"Q1": {{"region", "sales"}, {"north", 10}, {"south", 12}, {"east", 7}},
		"Q2": {{"region", "sales"}, {"north", 14}},
	}, "Q1", "Q2")

	out, err := (&extract.SpreadsheetExtractor{RowsPerSection: 2}).Extract(context.Background(), "sales.xlsx", content)
	require.NoError(t, err)

	labels := make([]string, len(out.Sections))
	for i, s := range out.Sections {
		labels[i] = s.Label
	}
	assert.Equal(t, []string{"Sheet Q1: Rows 2-3", "Sheet Q1: Rows 4-4", "Sheet Q2: Rows 2-2"}, labels)
	assert.Contains(t, out.Text, "Sheet Q2, Row 2 of sales.xlsx\nregion: north\nsales: 14\n")
	assert.Equal(t, 4, out.PageCount)
}

func TestSpreadsheetExtractor_Unreadable(t *testing.T) {
	_, err := (&extract.SpreadsheetExtractor{}).Extract(context.Background(), "a.xlsx", []byte("not a zip archive"))
	assert.ErrorIs(t, err, extract.ErrUnreadable)

	headerOnly := workbook(t, map[string][][]interface{}{"S": {{"a", "b"}}}, "S")
	_, err = (&extract.SpreadsheetExtractor{}).Extract(context.Background(), "a.xlsx", headerOnly)
	assert.ErrorIs(t, err, extract.ErrUnreadable)
}
