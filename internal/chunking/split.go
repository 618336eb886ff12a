// Package chunking splits long inputs into bounded chunks, evaluates them
// concurrently and merges the per-chunk scores into one result.
package chunking

import (
	"regexp"
	"sort"
	"strings"
)

// charsPerToken is the rough ratio used for every token estimate.
const charsPerToken = 4

// Chunk is one contiguous piece of the input.
type Chunk struct {
	Index           int    `json:"index"`
	Text            string `json:"text"`
	EstimatedTokens int    `json:"estimated_tokens"`
	// Section is the heading line or tag that opened the chunk, if any.
	Section string `json:"section,omitempty"`
}

// EstimateTokens returns max(1, len(text)/4).
func EstimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

var (
	headingPattern    = regexp.MustCompile(`(?m)^#{1,3}[ \t]+\S`)
	sectionTagPattern = regexp.MustCompile(`(?i)<(?:task>|context>|example|constraint|instruction|reference)`)
	paragraphBreak    = regexp.MustCompile(`\n[ \t]*\n\s*`)
)

// boundaries returns the offsets of structural boundaries in order of
// appearance. Offsets are unique.
func boundaries(text string) []int {
	seen := make(map[int]struct{})
	var offsets []int
	for _, re := range []*regexp.Regexp{headingPattern, sectionTagPattern} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if _, ok := seen[loc[0]]; ok {
				continue
			}
			seen[loc[0]] = struct{}{}
			offsets = append(offsets, loc[0])
		}
	}
	sort.Ints(offsets)
	return offsets
}

// splitter holds the size limits for one Split call.
type splitter struct {
	ceiling   int
	minTokens int
}

// split partitions text into chunks. Concatenating the chunk texts
// reproduces text up to whitespace at chunk boundaries. No chunk exceeds
// the ceiling unless it is a single paragraph that is itself too large.
func (s splitter) split(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []Chunk
	offsets := boundaries(text)
	if len(offsets) >= 2 {
		if pre := strings.TrimSpace(text[:offsets[0]]); pre != "" {
			pieces = append(pieces, s.bounded(pre, "")...)
		}
		for i, start := range offsets {
			end := len(text)
			if i+1 < len(offsets) {
				end = offsets[i+1]
			}
			body := strings.TrimSpace(text[start:end])
			if body == "" {
				continue
			}
			pieces = append(pieces, s.bounded(body, sectionLabel(body))...)
		}
	} else {
		pieces = s.pack(paragraphs(text), "")
	}

	pieces = s.mergeSmall(pieces)
	for i := range pieces {
		pieces[i].Index = i
	}
	return pieces
}

// bounded returns body as one chunk, or packs its paragraphs when it is over
// the ceiling.
func (s splitter) bounded(body, section string) []Chunk {
	if EstimateTokens(body) <= s.ceiling {
		return []Chunk{newChunk(body, section)}
	}
	return s.pack(paragraphs(body), section)
}

// pack greedily joins paragraphs up to the ceiling. A paragraph that alone
// exceeds the ceiling becomes its own chunk.
func (s splitter) pack(paras []string, section string) []Chunk {
	var (
		out    []Chunk
		cur    []string
		curLen int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		label := ""
		if len(out) == 0 {
			label = section
		}
		out = append(out, newChunk(strings.Join(cur, "\n\n"), label))
		cur, curLen = nil, 0
	}
	for _, p := range paras {
		if len(cur) > 0 && (curLen+2+len(p))/charsPerToken > s.ceiling {
			flush()
		}
		if len(cur) > 0 {
			curLen += 2
		}
		cur = append(cur, p)
		curLen += len(p)
		if EstimateTokens(p) > s.ceiling {
			flush()
		}
	}
	flush()
	return out
}

// mergeSmall folds chunks under the minimum size into the following chunk,
// or into the preceding one for the last chunk, when the result still fits
// under the ceiling.
func (s splitter) mergeSmall(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}
	var out []Chunk
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		if c.EstimatedTokens < s.minTokens && i+1 < len(chunks) {
			joined := c.Text + "\n\n" + chunks[i+1].Text
			if EstimateTokens(joined) <= s.ceiling {
				section := c.Section
				if section == "" {
					section = chunks[i+1].Section
				}
				chunks[i+1] = newChunk(joined, section)
				continue
			}
		}
		out = append(out, c)
	}
	if n := len(out); n >= 2 && out[n-1].EstimatedTokens < s.minTokens {
		joined := out[n-2].Text + "\n\n" + out[n-1].Text
		if EstimateTokens(joined) <= s.ceiling {
			out[n-2] = newChunk(joined, out[n-2].Section)
			out = out[:n-1]
		}
	}
	return out
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sectionLabel(body string) string {
	line, _, _ := strings.Cut(body, "\n")
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

func newChunk(text, section string) Chunk {
	return Chunk{Text: text, EstimatedTokens: EstimateTokens(text), Section: section}
}
