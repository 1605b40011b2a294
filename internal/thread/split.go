// Package thread turns one logical message into the ordered segments of a thread.
//
// Lengths are counted in runes. A message that fits the limit becomes a single segment
// without a counter; longer messages get a " n/total" suffix on every segment.
package thread

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultLimit = 280
	// MinLimit is the smallest limit Split honours; smaller values are raised to it.
	MinLimit = 16
	// MaxTextRunes bounds a single message. At MinLimit it still splits into fewer
	// than 10000 segments, well inside the widest counter Split can render.
	MaxTextRunes = 25000
)

// Segment is one postable part of a thread.
type Segment struct {
	Index          int      `json:"index"`
	Total          int      `json:"total"`
	Text           string   `json:"text"`
	Media          []string `json:"media,omitempty"`
	PlatformPostID string   `json:"platformPostId,omitempty"`
	// HardBreak marks a segment that ends inside a token.
	HardBreak bool `json:"hardBreak,omitempty"`
}

func (s Segment) Posted() bool { return s.PlatformPostID != "" }

// Render returns the text as published, counter included.
func Render(s Segment) string {
	if s.Total <= 1 {
		return s.Text
	}
	return s.Text + counter(s.Index+1, s.Total)
}

func counter(n, total int) string {
	return " " + strconv.Itoa(n) + "/" + strconv.Itoa(total)
}

// Split cuts text into segments whose rendered length is at most limit runes.
// Media is attached to the first segment. The result is never empty. Text beyond what
// the widest counter that fits limit can number is dropped; inputs within MaxTextRunes
// never reach that point.
func Split(text string, media []string, limit int) []Segment {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit < MinLimit {
		limit = MinLimit
	}
	text = strings.TrimSpace(text)

	var chunks []chunk
	if utf8.RuneCountInString(text) <= limit {
		chunks = []chunk{{text: text}}
	} else {
		// Reserve room for " n/total" with d digits; grow d until the count fits.
		for d := 1; ; d++ {
			chunks = pack(text, limit-(2*d+2))
			if len(chunks) < pow10(d) {
				break
			}
			if limit-(2*(d+1)+2) < 1 {
				chunks = chunks[:pow10(d)-1]
				break
			}
		}
	}

	out := make([]Segment, len(chunks))
	for i, c := range chunks {
		out[i] = Segment{Index: i, Total: len(chunks), Text: c.text, HardBreak: c.hard}
	}
	if len(media) > 0 {
		out[0].Media = append([]string(nil), media...)
	}
	return out
}

// Join reassembles segment texts: a single space after a normal segment, nothing after
// a hard break. Counters are never part of Segment.Text.
func Join(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		b.WriteString(s.Text)
		if i < len(segs)-1 && !s.HardBreak {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

type chunk struct {
	text string
	hard bool
}

type token struct {
	sep  []rune // whitespace preceding word
	word []rune
}

func tokenize(text string) []token {
	var (
		toks []token
		sep  []rune
		word []rune
	)
	for _, r := range text {
		if unicode.IsSpace(r) {
			if len(word) > 0 {
				toks = append(toks, token{sep: sep, word: word})
				sep, word = nil, nil
			}
			sep = append(sep, r)
			continue
		}
		word = append(word, r)
	}
	if len(word) > 0 {
		toks = append(toks, token{sep: sep, word: word})
	}
	return toks
}

// pack greedily fills chunks of at most budget runes. Whitespace inside a chunk is kept;
// whitespace at a split point is dropped.
func pack(text string, budget int) []chunk {
	var (
		out []chunk
		cur []rune
	)
	start := func(w []rune) {
		for len(w) > budget {
			out = append(out, chunk{text: string(w[:budget]), hard: true})
			w = w[budget:]
		}
		cur = append([]rune(nil), w...)
	}
	for _, t := range tokenize(text) {
		switch {
		case len(cur) == 0:
			start(t.word)
		case len(cur)+len(t.sep)+len(t.word) <= budget:
			cur = append(cur, t.sep...)
			cur = append(cur, t.word...)
		default:
			out = append(out, chunk{text: string(cur)})
			cur = nil
			start(t.word)
		}
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, chunk{text: string(cur)})
	}
	return out
}

func pow10(d int) int {
	n := 1
	for i := 0; i < d; i++ {
		n *= 10
	}
	return n
}
