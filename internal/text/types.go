package text

import "fmt"

// DefaultSection labels content that precedes the first declared section.
const DefaultSection = "Introduction"

// SectionSpan is a half-open byte range [Start, End) of NormalizedText.Text.
type SectionSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

// NormalizedText is the reconstructed text of one document. Sections are ordered, contiguous
// and cover the whole text.
type NormalizedText struct {
	Text     string        `json:"text"`
	Sections []SectionSpan `json:"sections"`
}

// SectionAt returns the label of the section covering offset.
func (n NormalizedText) SectionAt(offset int) string {
	for _, s := range n.Sections {
		if offset >= s.Start && offset < s.End {
			return s.Label
		}
	}
	if len(n.Sections) > 0 && offset >= n.Sections[len(n.Sections)-1].End {
		return n.Sections[len(n.Sections)-1].Label
	}
	return ""
}

// Chunk is a retrieval unit. Text is always NormalizedText.Text[Start:End].
type Chunk struct {
	ID      int    `json:"chunkId"`
	Section string `json:"section"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Text    string `json:"text"`
	Length  int    `json:"length"`
}

type ReconstructionError struct {
	Reason string
}

func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("reconstruction failed: %s", e.Reason)
}

type ChunkingError struct {
	Reason string
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunking failed: %s", e.Reason)
}
