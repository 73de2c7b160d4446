package chunker

import (
	"strings"
)

// Defaults target retrieval-sized chunks: ~750 tokens with a 100-token
// overlap between consecutive chunks for context bleed.
const (
	DefaultTargetTokens  = 750
	DefaultOverlapTokens = 100

	// charsPerToken is the cheap token approximation (~4 chars per token).
	charsPerToken = 4
)

// Chunk is one retrieval-sized slice of a document's text.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// Options tunes the windowing behaviour.
type Options struct {
	TargetTokens  int
	OverlapTokens int
}

func (o Options) withDefaults() Options {
	if o.TargetTokens <= 0 {
		o.TargetTokens = DefaultTargetTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.OverlapTokens >= o.TargetTokens {
		o.OverlapTokens = o.TargetTokens / 2
	}
	return o
}

// Split walks the text in character windows of TargetTokens*4, breaking at the
// last paragraph break past the window midpoint when one exists, else the last
// sentence break, else the window edge. Each window rewinds OverlapTokens*4
// characters from the previous end, never past the previous start, so the
// walk always advances. Output is deterministic for identical input.
func Split(text string, opts Options) []Chunk {
	opts = opts.withDefaults()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	chars := []rune(text)
	window := opts.TargetTokens * charsPerToken
	overlap := opts.OverlapTokens * charsPerToken

	if len(chars) <= window {
		return []Chunk{{Index: 0, Text: text, TokenCount: approxTokens(text)}}
	}

	var out []Chunk
	start := 0
	index := 0

	for start < len(chars) {
		end := start + window
		if end > len(chars) {
			end = len(chars)
		}

		if end < len(chars) {
			end = naturalBreak(chars, start, end)
		}

		piece := string(chars[start:end])
		if strings.TrimSpace(piece) != "" {
			out = append(out, Chunk{Index: index, Text: piece, TokenCount: approxTokens(piece)})
			index++
		}

		if end >= len(chars) {
			break
		}

		next := end - overlap
		// The rewind must not stall the walk.
		if next <= start {
			next = end
		}
		start = next
	}

	return out
}

// naturalBreak moves the window end back to the last paragraph break, else
// the last sentence break, when either falls past the window midpoint.
// The midpoint is a byte offset, matching LastIndex.
func naturalBreak(chars []rune, start, end int) int {
	slice := string(chars[start:end])
	half := len(slice) / 2

	if p := strings.LastIndex(slice, "\n\n"); p > half {
		return start + runeLen(slice[:p])
	}
	if s := strings.LastIndex(slice, ". "); s > half {
		return start + runeLen(slice[:s+2])
	}
	return end
}

// runeLen converts a byte offset inside a slice back to a rune count.
func runeLen(s string) int {
	return len([]rune(s))
}

func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
