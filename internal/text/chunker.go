package text

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// ChunkerConfig bounds chunk sizes in bytes of normalized text.
type ChunkerConfig struct {
	// MaxChars is the hard upper bound of a chunk, overlap included.
	MaxChars int
	// Overlap is how many trailing bytes of a chunk are repeated at the start of the next.
	Overlap int
	// MinChars is the smallest amount of new content a trailing chunk may carry before it is
	// merged into its predecessor.
	MinChars int
}

func (c ChunkerConfig) validate() error {
	switch {
	case c.MaxChars <= 0:
		return &ChunkingError{Reason: fmt.Sprintf("max length must be positive, got %d", c.MaxChars)}
	case c.Overlap < 0 || c.Overlap >= c.MaxChars:
		return &ChunkingError{Reason: fmt.Sprintf("overlap %d must be in [0, %d)", c.Overlap, c.MaxChars)}
	case c.MinChars < 0 || c.MinChars > c.MaxChars:
		return &ChunkingError{Reason: fmt.Sprintf("minimum length %d must be in [0, %d]", c.MinChars, c.MaxChars)}
	}
	return nil
}

// Chunker splits normalized text into overlapping, paragraph-aligned chunks. It is stateless
// and safe for concurrent use.
type Chunker struct {
	cfg ChunkerConfig
}

func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Config() ChunkerConfig {
	return c.cfg
}

type span struct {
	start, end int
}

// Chunk greedily packs whole paragraphs into chunks of at most MaxChars. Every chunk after the
// first starts at most Overlap bytes before the end of its predecessor. A paragraph that cannot fit on
// its own is split at the last whitespace inside the budget. The result is deterministic for a
// given text and configuration.
func (c *Chunker) Chunk(nt NormalizedText) ([]Chunk, error) {
	t := nt.Text
	n := len(t)
	if n == 0 || isBlank(t) {
		return nil, &ChunkingError{Reason: "text produced zero chunks"}
	}

	units := paragraphUnits(t)
	var spans []span
	// newStart is where the content not yet covered by any chunk begins.
	newStart, u := 0, 0
	for newStart < n {
		start := newStart
		if len(spans) > 0 {
			start = max(nextRuneStart(t, newStart-c.cfg.Overlap), spans[len(spans)-1].start)
		}
		limit := start + c.cfg.MaxChars

		end := newStart
		for u < len(units) && units[u].end <= limit {
			end = units[u].end
			u++
		}
		if end == newStart {
			end = splitPoint(t, newStart, limit)
			units[u].start = end
		}

		spans = append(spans, span{start: start, end: end})
		newStart = end
	}

	if k := len(spans); k > 1 && spans[k-1].end-spans[k-2].end < c.cfg.MinChars {
		spans[k-2].end = spans[k-1].end
		spans = spans[:k-1]
	}

	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		body := t[s.start:s.end]
		chunks[i] = Chunk{
			ID:      i,
			Section: majoritySection(nt, s.start, s.end),
			Start:   s.start,
			End:     s.end,
			Text:    body,
			Length:  utf8.RuneCountInString(body),
		}
	}
	return chunks, nil
}

// paragraphUnits partitions t into paragraphs, each carrying its trailing blank-line separator.
func paragraphUnits(t string) []span {
	var units []span
	start := 0
	for i := 0; i+1 < len(t); {
		if t[i] == '\n' && t[i+1] == '\n' {
			j := i + 2
			for j < len(t) && t[j] == '\n' {
				j++
			}
			units = append(units, span{start: start, end: j})
			start = j
			i = j
			continue
		}
		i++
	}
	if start < len(t) {
		units = append(units, span{start: start, end: len(t)})
	}
	return units
}

// splitPoint picks the end of a chunk that must cut a paragraph: just after the last whitespace
// in (from, limit], else a hard cut at limit snapped to a rune boundary. The result is always
// greater than from.
func splitPoint(t string, from, limit int) int {
	if limit > len(t) {
		limit = len(t)
	}
	for i := limit; i > from+1; i-- {
		if t[i-1] == ' ' || t[i-1] == '\n' || t[i-1] == '\t' {
			return i
		}
	}
	cut := runeStart(t, limit)
	if cut <= from {
		_, size := utf8.DecodeRuneInString(t[from:])
		cut = from + size
	}
	return cut
}

// nextRuneStart moves i forward to the first rune boundary at or after it.
func nextRuneStart(t string, i int) int {
	if i <= 0 {
		return 0
	}
	for i < len(t) && !utf8.RuneStart(t[i]) {
		i++
	}
	return i
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(t string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(t) {
		return len(t)
	}
	for i > 0 && !utf8.RuneStart(t[i]) {
		i--
	}
	return i
}

func majoritySection(nt NormalizedText, start, end int) string {
	if len(nt.Sections) == 0 {
		return ""
	}
	weights := make(map[string]int)
	best, bestWeight := "", -1
	for _, s := range nt.Sections {
		lo, hi := max(s.Start, start), min(s.End, end)
		if hi <= lo {
			continue
		}
		weights[s.Label] += hi - lo
	}
	atStart := nt.SectionAt(start)
	for _, s := range nt.Sections {
		w, ok := weights[s.Label]
		if !ok {
			continue
		}
		if w > bestWeight || (w == bestWeight && s.Label == atStart) {
			best, bestWeight = s.Label, w
		}
	}
	if best == "" {
		return atStart
	}
	return best
}

func isBlank(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
