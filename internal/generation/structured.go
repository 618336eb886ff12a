package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/promptgrade/internal/fault"
)

// ExtractJSON returns the first balanced JSON object in text. Models often
// wrap JSON in code fences or lead with prose; both are tolerated. The
// second return is false when no object is found.
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing text[open], or -1.
func matchBrace(text string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DecodeStructured decodes the JSON object embedded in text into v.
// Failure is a FatalContent error.
func DecodeStructured(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return fault.Wrap(fault.FatalContent, "decode", fmt.Errorf("malformed structured output: no JSON object in %d bytes", len(text)))
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fault.Wrap(fault.FatalContent, "decode", fmt.Errorf("malformed structured output: %w", err))
	}
	return nil
}

// Field reads path (gjson syntax) from the JSON object embedded in text.
// A missing object or path yields a non-existent result.
func Field(text, path string) gjson.Result {
	raw, ok := ExtractJSON(text)
	if !ok {
		return gjson.Result{}
	}
	return gjson.Get(raw, path)
}
