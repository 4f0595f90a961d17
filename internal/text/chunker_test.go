package text

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioText builds 5000 bytes of normalized text: eleven 415-byte paragraphs and a final
// 413-byte one, split into two sections at the start of paragraph 6.
func scenarioText() NormalizedText {
	paras := make([]string, 12)
	for i := range paras {
		size := 415
		if i == len(paras)-1 {
			size = 413
		}
		paras[i] = fmt.Sprintf("%02d", i) + strings.Repeat("x", size-2)
	}
	body := strings.Join(paras, "\n\n")
	return NormalizedText{
		Text: body,
		Sections: []SectionSpan{
			{Start: 0, End: 2502, Label: "Overview"},
			{Start: 2502, End: len(body), Label: "Results"},
		},
	}
}

func mustChunker(t *testing.T, cfg ChunkerConfig) *Chunker {
	t.Helper()
	c, err := NewChunker(cfg)
	require.NoError(t, err)
	return c
}

func TestChunk_Scenario5000(t *testing.T) {
	nt := scenarioText()
	require.Len(t, nt.Text, 5000)

	chunks, err := mustChunker(t, ChunkerConfig{MaxChars: 1000, Overlap: 100, MinChars: 200}).Chunk(nt)
	require.NoError(t, err)
	require.Len(t, chunks, 6)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 5000, chunks[5].End)
	for i, c := range chunks {
		assert.Equal(t, i, c.ID)
		assert.Equal(t, nt.Text[c.Start:c.End], c.Text)
		assert.LessOrEqual(t, len(c.Text), 1000)
		if i > 0 {
			assert.Equal(t, 100, chunks[i-1].End-c.Start, "overlap between chunk %d and %d", i-1, i)
		}
	}

	sections := make([]string, len(chunks))
	for i, c := range chunks {
		sections[i] = c.Section
	}
	assert.Equal(t, []string{"Overview", "Overview", "Overview", "Results", "Results", "Results"}, sections)
}

func TestChunk_Deterministic(t *testing.T) {
	c := mustChunker(t, ChunkerConfig{MaxChars: 1000, Overlap: 100, MinChars: 200})
	first, err := c.Chunk(scenarioText())
	require.NoError(t, err)
	second, err := c.Chunk(scenarioText())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChunk_CoverageProperty(t *testing.T) {
	texts := map[string]string{
		"Long Paragraph": strings.Repeat("lorem ipsum dolor sit amet ", 300),
		"Multibyte Word": strings.Repeat("é", 3000),
		"Mixed":          "short.\n\n" + strings.Repeat("ü word ", 400) + "\n\n\nend paragraph here.",
		"Tiny":           "one line",
	}
	configs := []ChunkerConfig{
		{MaxChars: 1000, Overlap: 100, MinChars: 200},
		{MaxChars: 300, Overlap: 0, MinChars: 0},
		{MaxChars: 512, Overlap: 255, MinChars: 50},
	}

	for name, body := range texts {
		for _, cfg := range configs {
			t.Run(fmt.Sprintf("%s/%d-%d", name, cfg.MaxChars, cfg.Overlap), func(t *testing.T) {
				nt := NormalizedText{Text: body, Sections: []SectionSpan{{Start: 0, End: len(body), Label: "All"}}}
				chunks, err := mustChunker(t, cfg).Chunk(nt)
				require.NoError(t, err)
				require.NotEmpty(t, chunks)

				assert.Equal(t, 0, chunks[0].Start)
				assert.Equal(t, len(body), chunks[len(chunks)-1].End)
				for i, c := range chunks {
					assert.True(t, utf8.ValidString(c.Text), "chunk %d cuts a rune", i)
					assert.Equal(t, "All", c.Section)
					assert.Less(t, len(c.Text), cfg.MaxChars+cfg.MinChars+1)
					if i == 0 {
						continue
					}
					prev := chunks[i-1]
					assert.GreaterOrEqual(t, c.Start, prev.Start, "start offsets must not decrease")
					assert.LessOrEqual(t, c.Start, prev.End, "gap before chunk %d", i)
					assert.LessOrEqual(t, prev.End-c.Start, cfg.Overlap, "overlap above bound")
				}
			})
		}
	}
}

func TestChunk_TrailingRemainderMerges(t *testing.T) {
	body := strings.Repeat("a", 850) + "\n\n" + strings.Repeat("b", 850) + "\n\n" + strings.Repeat("c", 100)
	chunks, err := mustChunker(t, ChunkerConfig{MaxChars: 1000, Overlap: 100, MinChars: 200}).Chunk(NormalizedText{Text: body})
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Equal(t, span{0, 852}, span{chunks[0].Start, chunks[0].End})
	assert.Equal(t, span{752, 1804}, span{chunks[1].Start, chunks[1].End})
	assert.True(t, strings.HasSuffix(chunks[1].Text, strings.Repeat("c", 100)))
}

func TestChunk_OversizedParagraphSplitsAtWhitespace(t *testing.T) {
	body := strings.Repeat("word ", 500)
	chunks, err := mustChunker(t, ChunkerConfig{MaxChars: 203, Overlap: 20, MinChars: 10}).Chunk(NormalizedText{Text: body})
	require.NoError(t, err)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c.Text, " "), "chunk %d should end on a word boundary", c.ID)
	}
}

func TestChunk_MajoritySectionTieUsesStart(t *testing.T) {
	c := mustChunker(t, ChunkerConfig{MaxChars: 100, Overlap: 10, MinChars: 0})

	chunks, err := c.Chunk(NormalizedText{Text: "aaaa bbb", Sections: []SectionSpan{{0, 4, "A"}, {4, 8, "B"}}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A", chunks[0].Section)

	chunks, err = c.Chunk(NormalizedText{Text: "aa bbbbb", Sections: []SectionSpan{{0, 2, "A"}, {2, 8, "B"}}})
	require.NoError(t, err)
	assert.Equal(t, "B", chunks[0].Section)
}

func TestChunk_Errors(t *testing.T) {
	invalid := []ChunkerConfig{
		{MaxChars: 0},
		{MaxChars: 100, Overlap: 100},
		{MaxChars: 100, Overlap: -1},
		{MaxChars: 100, MinChars: 101},
	}
	for _, cfg := range invalid {
		_, err := NewChunker(cfg)
		var ce *ChunkingError
		assert.ErrorAs(t, err, &ce, "config %+v", cfg)
	}

	c := mustChunker(t, ChunkerConfig{MaxChars: 100, Overlap: 10})
	for _, body := range []string{"", "  \n\n  "} {
		_, err := c.Chunk(NormalizedText{Text: body})
		var ce *ChunkingError
		assert.ErrorAs(t, err, &ce)
	}
}
