// Package extract turns raw document bytes into text plus section annotations.
//
// Extractors are the boundary with format-specific parsers. Whatever the format, the output is a
// single text stream where pages (or records) are separated by a form feed, and a list of
// (offset, label) annotations marking where declared sections begin.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// PageBreak separates pages in Output.Text.
const PageBreak = '\f'

type Format string

const (
	FormatPDF         Format = "pdf"
	FormatJSON        Format = "json"
	FormatCSV         Format = "csv"
	FormatSpreadsheet Format = "xlsx"
	FormatText        Format = "txt"
	FormatMarkdown    Format = "md"
	FormatYAML        Format = "yaml"
)

var ErrUnreadable = errors.New("unreadable document")

// UnreadableError is terminal for the document: the same bytes will never extract.
type UnreadableError struct {
	Format Format
	Reason string
	Err    error
}

func (e *UnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unreadable %s document: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("unreadable %s document: %s", e.Format, e.Reason)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

func (e *UnreadableError) Is(target error) bool { return target == ErrUnreadable }

// Annotation marks the start of a declared section at a byte offset into Output.Text.
type Annotation struct {
	Offset int
	Label  string
}

type Output struct {
	Text      string
	Sections  []Annotation
	PageCount int
}

type Extractor interface {
	Extract(ctx context.Context, fileName string, content []byte) (Output, error)
}

// Registry maps a format tag to its extractor.
type Registry struct {
	extractors map[Format]Extractor
}

// NewRegistry returns a registry with the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[Format]Extractor)}
	r.Register(FormatJSON, &JSONExtractor{})
	r.Register(FormatYAML, &YAMLExtractor{})
	r.Register(FormatCSV, &CSVExtractor{RowsPerSection: 50})
	r.Register(FormatText, &TextExtractor{})
	r.Register(FormatMarkdown, &TextExtractor{Markdown: true})
	r.Register(FormatPDF, &PDFExtractor{})
	r.Register(FormatSpreadsheet, &SpreadsheetExtractor{RowsPerSection: 50})
	return r
}

func (r *Registry) Register(f Format, e Extractor) {
	r.extractors[f] = e
}

func (r *Registry) Supports(f Format) bool {
	_, ok := r.extractors[f]
	return ok
}

func (r *Registry) Extract(ctx context.Context, f Format, fileName string, content []byte) (Output, error) {
	e, ok := r.extractors[f]
	if !ok {
		return Output{}, &UnreadableError{Format: f, Reason: "unknown format"}
	}
	if len(content) == 0 {
		return Output{}, &UnreadableError{Format: f, Reason: "empty document"}
	}
	return e.Extract(ctx, fileName, content)
}

// FormatFromFileName guesses the format tag from the file extension.
func FormatFromFileName(name string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "pdf":
		return FormatPDF, true
	case "json":
		return FormatJSON, true
	case "csv":
		return FormatCSV, true
	case "xlsx", "xlsm":
		return FormatSpreadsheet, true
	case "txt", "text":
		return FormatText, true
	case "md", "markdown":
		return FormatMarkdown, true
	case "yaml", "yml":
		return FormatYAML, true
	}
	return "", false
}

// builder accumulates text and section annotations.
type builder struct {
	sb       strings.Builder
	sections []Annotation
}

func (b *builder) section(label string) {
	b.sections = append(b.sections, Annotation{Offset: b.sb.Len(), Label: label})
}

func (b *builder) line(s string) {
	b.sb.WriteString(s)
	b.sb.WriteByte('\n')
}

func (b *builder) blank() {
	if b.sb.Len() > 0 {
		b.sb.WriteByte('\n')
	}
}

func (b *builder) output(pages int) Output {
	return Output{Text: b.sb.String(), Sections: b.sections, PageCount: pages}
}
