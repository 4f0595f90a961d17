package text

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"docvec/apps/backend/internal/extract"
)

const (
	DefaultHeaderFooterThreshold = 0.6
	DefaultMinPagesHeaderFooter  = 3

	// A line shorter than this share of its page's median line length, ending a sentence,
	// closes its paragraph.
	shortLineRatio = 0.6
	maxHeadingLen  = 70
)

type ReconstructOptions struct {
	// HeaderFooterThreshold is the share of pages a first/last line must repeat on to be
	// dropped as a running header or footer.
	HeaderFooterThreshold float64
	// MinPagesHeaderFooter disables header/footer detection on shorter documents.
	MinPagesHeaderFooter int
}

func (o ReconstructOptions) withDefaults() ReconstructOptions {
	if o.HeaderFooterThreshold <= 0 || o.HeaderFooterThreshold > 1 {
		o.HeaderFooterThreshold = DefaultHeaderFooterThreshold
	}
	if o.MinPagesHeaderFooter <= 0 {
		o.MinPagesHeaderFooter = DefaultMinPagesHeaderFooter
	}
	return o
}

type rawLine struct {
	text       string
	page       int
	start, end int
	section    string
	// heading is set when the line is the declared title of the section it opens.
	heading bool
}

type paragraph struct {
	text    string
	section string
}

// Reconstruct repairs extractor output into a single normalized text stream: running
// headers/footers are dropped, hyphenated line breaks rejoined and lines coalesced into
// paragraphs that never cross a section boundary. Paragraphs are separated by a blank line.
//
// Without section annotations, headings are detected heuristically and text before the first
// one belongs to DefaultSection.
func Reconstruct(in extract.Output, opts ReconstructOptions) (NormalizedText, error) {
	opts = opts.withDefaults()

	if strings.TrimSpace(in.Text) == "" {
		return NormalizedText{}, &ReconstructionError{Reason: "extractor output is empty"}
	}

	anns, err := resolveAnnotations(in)
	if err != nil {
		return NormalizedText{}, err
	}

	lines := splitLines(in.Text)
	assignSections(lines, anns)
	lines = stripHeadersFooters(lines, opts)

	paras := coalesce(lines)
	if len(paras) == 0 {
		return NormalizedText{}, &ReconstructionError{Reason: "no text left after removing headers and footers"}
	}
	if len(anns) == 0 {
		detectHeadings(paras)
	}
	return assemble(paras), nil
}

func resolveAnnotations(in extract.Output) ([]extract.Annotation, error) {
	valid := make([]extract.Annotation, 0, len(in.Sections))
	for _, a := range in.Sections {
		label := strings.Join(strings.Fields(a.Label), " ")
		if label == "" || a.Offset < 0 || a.Offset >= len(in.Text) {
			continue
		}
		valid = append(valid, extract.Annotation{Offset: a.Offset, Label: label})
	}
	if len(in.Sections) > 0 && len(valid) == 0 {
		return nil, &ReconstructionError{Reason: "no resolvable section boundaries"}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Offset < valid[j].Offset })
	return valid, nil
}

// splitLines splits on \n, \r\n, \r and form feeds, counting pages on form feeds. A form feed
// directly adjacent to a newline does not produce an extra empty line.
func splitLines(s string) []rawLine {
	var lines []rawLine
	page, start := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\n' && c != '\r' && c != extract.PageBreak {
			continue
		}

		empty := start == i
		afterBreak := i > 0 && (s[i-1] == '\n' || s[i-1] == '\r' || s[i-1] == extract.PageBreak)
		skip := empty && afterBreak && (c == extract.PageBreak || s[i-1] == extract.PageBreak)
		if !skip {
			lines = append(lines, rawLine{text: s[start:i], page: page, start: start, end: i})
		}

		if c == '\r' && i+1 < len(s) && s[i+1] == '\n' {
			i++
		}
		if c == extract.PageBreak {
			page++
		}
		start = i + 1
	}
	if start < len(s) {
		lines = append(lines, rawLine{text: s[start:], page: page, start: start, end: len(s)})
	}
	return lines
}

func assignSections(lines []rawLine, anns []extract.Annotation) {
	label := DefaultSection
	k := 0
	for i := range lines {
		for k < len(anns) && (anns[k].Offset < lines[i].end || anns[k].Offset <= lines[i].start) {
			label = anns[k].Label
			lines[i].heading = isTitleOf(lines[i].text, label)
			k++
		}
		lines[i].section = label
	}
}

func isTitleOf(line, label string) bool {
	t := strings.TrimLeft(strings.TrimSpace(line), "#0123456789. \t")
	return strings.EqualFold(strings.Join(strings.Fields(t), " "), label)
}

func stripHeadersFooters(lines []rawLine, opts ReconstructOptions) []rawLine {
	type edges struct{ first, last int }
	pages := make(map[int]*edges)
	for i, l := range lines {
		if strings.TrimSpace(l.text) == "" {
			continue
		}
		if e, ok := pages[l.page]; ok {
			e.last = i
		} else {
			pages[l.page] = &edges{first: i, last: i}
		}
	}
	if len(pages) < opts.MinPagesHeaderFooter {
		return lines
	}

	counts := make(map[string]int)
	for _, e := range pages {
		first := edgeKey(lines[e.first].text)
		counts[first]++
		if last := edgeKey(lines[e.last].text); last != first {
			counts[last]++
		}
	}

	drop := make(map[int]bool)
	total := float64(len(pages))
	for _, e := range pages {
		for _, i := range []int{e.first, e.last} {
			if float64(counts[edgeKey(lines[i].text)])/total >= opts.HeaderFooterThreshold {
				drop[i] = true
			}
		}
	}
	if len(drop) == 0 {
		return lines
	}

	kept := make([]rawLine, 0, len(lines)-len(drop))
	for i, l := range lines {
		if !drop[i] {
			kept = append(kept, l)
		}
	}
	return kept
}

// edgeKey normalizes a candidate header/footer so "Page 3 of 10" matches "Page 4 of 10".
func edgeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.Join(strings.Fields(s), " ")) {
		if unicode.IsDigit(r) {
			r = '#'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func coalesce(lines []rawLine) []paragraph {
	medians := pageMedians(lines)

	var (
		paras   []paragraph
		cur     strings.Builder
		section string
		prev    *rawLine
	)
	flush := func() {
		if cur.Len() > 0 {
			paras = append(paras, paragraph{text: strings.Join(strings.Fields(cur.String()), " "), section: section})
			cur.Reset()
		}
		prev = nil
	}

	for i := range lines {
		l := &lines[i]
		trimmed := strings.TrimSpace(l.text)
		if trimmed == "" {
			flush()
			continue
		}
		if prev != nil && breaksParagraph(prev, l, trimmed, medians) {
			flush()
		}
		if prev == nil {
			section = l.section
			cur.WriteString(trimmed)
			prev = l
			continue
		}

		if endsWithHyphenatedWord(strings.TrimSpace(prev.text)) && startsLower(trimmed) {
			joined := cur.String()
			cur.Reset()
			cur.WriteString(joined[:len(joined)-1])
		} else {
			cur.WriteByte(' ')
		}
		cur.WriteString(trimmed)
		prev = l
	}
	flush()
	return paras
}

func breaksParagraph(prev, next *rawLine, nextTrimmed string, medians map[int]int) bool {
	if next.section != prev.section {
		return true
	}
	pt := strings.TrimSpace(prev.text)
	if prev.heading {
		return true
	}
	if next.page != prev.page {
		return endsSentence(pt) && !startsLower(nextTrimmed)
	}
	if !endsSentence(pt) {
		return false
	}
	if indented(next.text) {
		return true
	}
	m := medians[prev.page]
	return m > 0 && float64(utf8.RuneCountInString(pt)) < shortLineRatio*float64(m)
}

func pageMedians(lines []rawLine) map[int]int {
	lengths := make(map[int][]int)
	for _, l := range lines {
		if t := strings.TrimSpace(l.text); t != "" {
			lengths[l.page] = append(lengths[l.page], utf8.RuneCountInString(t))
		}
	}
	medians := make(map[int]int, len(lengths))
	for page, ls := range lengths {
		sort.Ints(ls)
		medians[page] = ls[len(ls)/2]
	}
	return medians
}

func detectHeadings(paras []paragraph) {
	current := DefaultSection
	for i := range paras {
		if i > 0 && i < len(paras)-1 && looksLikeHeading(paras[i].text) {
			current = paras[i].text
		}
		paras[i].section = current
	}
}

func assemble(paras []paragraph) NormalizedText {
	var (
		sb    strings.Builder
		spans []SectionSpan
	)
	for i, p := range paras {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		start := sb.Len()
		if len(spans) == 0 || spans[len(spans)-1].Label != p.section {
			if len(spans) > 0 {
				spans[len(spans)-1].End = start
			}
			spans = append(spans, SectionSpan{Start: start, Label: p.section})
		}
		sb.WriteString(p.text)
	}
	spans[len(spans)-1].End = sb.Len()
	return NormalizedText{Text: sb.String(), Sections: spans}
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, `"')]`+"”’")
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".?!:;", r)
}

func endsWithHyphenatedWord(s string) bool {
	if !strings.HasSuffix(s, "-") || len(s) < 2 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:len(s)-1])
	return unicode.IsLetter(r)
}

func startsLower(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLower(r)
}

func indented(s string) bool {
	return strings.HasPrefix(s, "\t") || strings.HasPrefix(s, "  ")
}

var minorWords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "by": true, "for": true,
	"in": true, "of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

func looksLikeHeading(s string) bool {
	if utf8.RuneCountInString(s) >= maxHeadingLen || endsSentence(s) || strings.HasSuffix(s, ",") {
		return false
	}
	words := strings.Fields(s)
	hasLetter, allUpper, titled := false, true, true
	for i, w := range words {
		first := true
		for _, r := range w {
			if !unicode.IsLetter(r) {
				continue
			}
			hasLetter = true
			if unicode.IsLower(r) {
				allUpper = false
				if first && (i == 0 || !minorWords[strings.ToLower(w)]) {
					titled = false
				}
			}
			first = false
		}
	}
	return hasLetter && (allUpper || titled)
}
