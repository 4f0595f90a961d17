package extract

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads the text layer of a PDF, one line per visual row, with pages separated by
// PageBreak. A bold row set noticeably larger than the body text starts a section.
type PDFExtractor struct {
	// HeadingScale is the minimum heading to body font size ratio. Zero means 1.1.
	HeadingScale float64
}

// pdfLine is one visual row of a page.
type pdfLine struct {
	text string
	size float64
	bold bool
}

func (e *PDFExtractor) Extract(_ context.Context, _ string, content []byte) (Output, error) {
	pages, err := readPDF(content)
	if err != nil {
		return Output{}, err
	}
	return e.layout(pages)
}

func readPDF(content []byte) (pages [][]pdfLine, err error) {
	// The parser panics on some malformed object streams.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, &UnreadableError{Format: FormatPDF, Reason: "malformed PDF", Err: fmt.Errorf("%v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, &UnreadableError{Format: FormatPDF, Reason: "invalid PDF", Err: err}
	}
	n := r.NumPage()
	if n == 0 {
		return nil, &UnreadableError{Format: FormatPDF, Reason: "no pages"}
	}

	pages = make([][]pdfLine, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, nil)
			continue
		}
		pages = append(pages, pdfRows(p.Content().Text))
	}
	return pages, nil
}

// pdfRows groups glyphs sharing a baseline into rows, top to bottom, left to right. The parser
// drops space glyphs, so a horizontal gap between glyphs becomes a space.
func pdfRows(glyphs []pdf.Text) []pdfLine {
	type row struct {
		y      float64
		glyphs []pdf.Text
	}
	byY := make(map[float64]*row)
	var rows []*row
	for _, g := range glyphs {
		y := math.Round(g.Y)
		r, ok := byY[y]
		if !ok {
			r = &row{y: y}
			byY[y] = r
			rows = append(rows, r)
		}
		r.glyphs = append(r.glyphs, g)
	}
	// PDF user space grows upwards.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].y > rows[j].y })

	lines := make([]pdfLine, 0, len(rows))
	for _, r := range rows {
		sort.SliceStable(r.glyphs, func(i, j int) bool { return r.glyphs[i].X < r.glyphs[j].X })

		var sb strings.Builder
		var l pdfLine
		bold := 0
		end := math.Inf(-1)
		for _, g := range r.glyphs {
			if sb.Len() > 0 && g.X-end > g.FontSize*0.15 && g.S != " " && !strings.HasSuffix(sb.String(), " ") {
				sb.WriteByte(' ')
			}
			sb.WriteString(g.S)
			end = g.X + g.W
			l.size = math.Max(l.size, g.FontSize)
			if isBoldFont(g.Font) {
				bold++
			}
		}
		l.text = strings.Join(strings.Fields(sb.String()), " ")
		l.bold = bold*2 > len(r.glyphs)
		if l.text != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func isBoldFont(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "bold") || strings.Contains(name, "black") || strings.Contains(name, "heavy")
}

func (e *PDFExtractor) layout(pages [][]pdfLine) (Output, error) {
	scale := e.HeadingScale
	if scale <= 0 {
		scale = 1.1
	}
	body := bodySize(pages)

	var b builder
	empty := true
	for i, page := range pages {
		if i > 0 {
			b.sb.WriteRune(PageBreak)
		}
		for _, l := range page {
			if l.bold && body > 0 && l.size >= body*scale {
				b.section(l.text)
			}
			b.line(l.text)
			empty = false
		}
	}
	if empty {
		return Output{}, &UnreadableError{Format: FormatPDF, Reason: "no text layer"}
	}
	return b.output(len(pages)), nil
}

// bodySize is the median font size weighted by characters, so long paragraphs outvote headings.
func bodySize(pages [][]pdfLine) float64 {
	var lines []pdfLine
	total := 0
	for _, page := range pages {
		for _, l := range page {
			lines = append(lines, l)
			total += len(l.text)
		}
	}
	if total == 0 {
		return 0
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].size < lines[j].size })
	seen := 0
	for _, l := range lines {
		seen += len(l.text)
		if seen*2 >= total {
			return l.size
		}
	}
	return lines[len(lines)-1].size
}
