package extract

import (
	"context"
	"strings"
	"unicode/utf8"
)

// TextExtractor passes UTF-8 text through. With Markdown set, ATX headings ("# Title")
// become section annotations.
type TextExtractor struct {
	Markdown bool
}

func (e *TextExtractor) Extract(_ context.Context, _ string, content []byte) (Output, error) {
	f := FormatText
	if e.Markdown {
		f = FormatMarkdown
	}
	if !utf8.Valid(content) {
		return Output{}, &UnreadableError{Format: f, Reason: "not valid UTF-8"}
	}

	text := string(content)
	out := Output{Text: text, PageCount: strings.Count(text, string(PageBreak)) + 1}
	if e.Markdown {
		out.Sections = markdownHeadings(text)
	}
	return out, nil
}

func markdownHeadings(text string) []Annotation {
	var sections []Annotation
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			label := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			if label != "" && level <= 6 && strings.HasPrefix(trimmed[level:], " ") {
				sections = append(sections, Annotation{Offset: offset, Label: label})
			}
		}
		offset += len(line)
	}
	return sections
}
