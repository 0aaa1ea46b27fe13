package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Defaults for the chunking policy.
const (
	DefaultMaxTokens     = 1000
	DefaultOverlapTokens = 100

	// charsPerToken is the token estimation heuristic: one token per four
	// characters of text. Good enough for packing budgets; never used for
	// billing.
	charsPerToken = 4
)

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	t := n / charsPerToken
	if t < 1 {
		t = 1
	}
	return t
}

// Fragment is one chunk of a normalized document. Offsets are byte indexes
// into the normalized text, so text[StartOffset:EndOffset] == Text.
type Fragment struct {
	Text        string
	Ordinal     int
	StartOffset int
	EndOffset   int
	TokenCount  int
}

// Chunker packs sentences greedily into fragments of at most MaxTokens
// tokens, carrying OverlapTokens of trailing context into the next
// fragment.
type Chunker struct {
	MaxTokens     int
	OverlapTokens int
}

// NewChunker builds a chunker, substituting defaults for non-positive
// limits and clamping the overlap below the chunk budget.
func NewChunker(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = DefaultOverlapTokens
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens / 2
	}
	return &Chunker{MaxTokens: maxTokens, OverlapTokens: overlapTokens}
}

// Split chunks normalized text. Fragments come back in document order with
// contiguous ordinals starting at zero; empty fragments are discarded. A
// single sentence larger than the budget is hard-split on rune boundaries.
func (c *Chunker) Split(text string) []Fragment {
	runes := []rune(text)
	spans := sentenceSpans(runes)
	if len(spans) == 0 {
		return nil
	}

	// Byte offset of each rune index, so fragments can report offsets
	// into the original string.
	offs := make([]int, len(runes)+1)
	for i, r := range runes {
		offs[i+1] = offs[i] + utf8.RuneLen(r)
	}

	toks := make([]int, len(spans))
	for i, sp := range spans {
		toks[i] = EstimateTokens(string(runes[sp[0]:sp[1]]))
	}

	// spanTokens measures a whole window [a,b) of runes, gaps included,
	// which is what the emitted fragment actually contains.
	spanTokens := func(a, b int) int {
		t := (b - a) / charsPerToken
		if t < 1 {
			t = 1
		}
		return t
	}

	var frags []Fragment
	i := 0
	for i < len(spans) {
		if toks[i] > c.MaxTokens {
			frags = append(frags, c.hardSplit(text, runes, offs, spans[i])...)
			i++
			continue
		}

		j := i + 1
		for j < len(spans) && toks[j] <= c.MaxTokens &&
			spanTokens(spans[i][0], spans[j][1]) <= c.MaxTokens {
			j++
		}
		frags = append(frags, makeFragment(text, offs, spans[i][0], spans[j-1][1]))
		if j >= len(spans) {
			break
		}

		// Seed the next fragment with trailing sentences worth up to the
		// overlap budget, leaving room for at least one new sentence.
		next := j
		for next > i+1 &&
			spanTokens(spans[next-1][0], spans[j-1][1]) <= c.OverlapTokens &&
			spanTokens(spans[next-1][0], spans[j][1]) <= c.MaxTokens {
			next--
		}
		i = next
	}

	for idx := range frags {
		frags[idx].Ordinal = idx
	}
	return frags
}

// hardSplit cuts an oversized sentence into budget-sized rune segments.
func (c *Chunker) hardSplit(text string, runes []rune, offs []int, sp [2]int) []Fragment {
	seg := c.MaxTokens * charsPerToken
	var frags []Fragment
	for s := sp[0]; s < sp[1]; s += seg {
		e := s + seg
		if e > sp[1] {
			e = sp[1]
		}
		// Trim whitespace at the cut points.
		ts, te := s, e
		for ts < te && unicode.IsSpace(runes[ts]) {
			ts++
		}
		for te > ts && unicode.IsSpace(runes[te-1]) {
			te--
		}
		if te > ts {
			frags = append(frags, makeFragment(text, offs, ts, te))
		}
	}
	return frags
}

func makeFragment(text string, offs []int, startRune, endRune int) Fragment {
	start, end := offs[startRune], offs[endRune]
	frag := text[start:end]
	return Fragment{
		Text:        frag,
		StartOffset: start,
		EndOffset:   end,
		TokenCount:  EstimateTokens(frag),
	}
}

// ── Sentence splitting ───────────────────────────────────────

// abbreviations that end in a period without ending a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true, "etc": true,
	"inc": true, "ltd": true, "co": true, "corp": true, "no": true,
	"fig": true, "dept": true, "est": true, "approx": true,
}

// sentenceSpans returns trimmed [start,end) rune-index pairs, one per
// sentence. Terminators are '.', '!', '?' followed by whitespace (with an
// abbreviation guard on '.') and line breaks.
func sentenceSpans(runes []rune) [][2]int {
	var spans [][2]int
	start := 0

	flush := func(end int) {
		s, e := start, end
		for s < e && unicode.IsSpace(runes[s]) {
			s++
		}
		for e > s && unicode.IsSpace(runes[e-1]) {
			e--
		}
		if e > s {
			spans = append(spans, [2]int{s, e})
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '\n':
			flush(i + 1)
		case '.', '!', '?':
			atEnd := i+1 == len(runes)
			if !atEnd && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if r == '.' && isAbbreviation(runes, i) {
				continue
			}
			flush(i + 1)
		}
	}
	flush(len(runes))
	return spans
}

// isAbbreviation reports whether the period at index i ends an
// abbreviation or an initial rather than a sentence.
func isAbbreviation(runes []rune, i int) bool {
	s := i
	for s > 0 && unicode.IsLetter(runes[s-1]) {
		s--
	}
	if s == i {
		return false
	}
	if i-s == 1 {
		// Single-letter initials: "J. Smith", "e.g.", "i.e.".
		return true
	}
	return abbreviations[strings.ToLower(string(runes[s:i]))]
}
