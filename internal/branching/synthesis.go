package branching

import (
	"fmt"
	"strings"
)

// synthesize merges the strongest elements of all branches into the chosen
// one. A candidate from the model is accepted only if it keeps every
// paragraph of the chosen artifact. Otherwise the chosen artifact is kept and
// the improvements it lacks from other branches are appended. extra lists
// those improvements in branch order.
func synthesize(chosen Branch, branches []Branch, candidate string) (artifact string, extra []Improvement) {
	seen := make(map[string]struct{}, len(chosen.Improvements))
	for _, imp := range chosen.Improvements {
		seen[titleKey(imp.Title)] = struct{}{}
	}
	for _, b := range branches {
		if b.Index == chosen.Index {
			continue
		}
		for _, imp := range b.Improvements {
			key := titleKey(imp.Title)
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			extra = append(extra, imp)
		}
	}

	if candidate != "" && IsAdditive(chosen.Artifact, candidate) {
		return candidate, extra
	}
	if len(extra) == 0 {
		return chosen.Artifact, nil
	}

	var b strings.Builder
	b.WriteString(chosen.Artifact)
	b.WriteString("\n\n## Additional requirements\n")
	for _, imp := range extra {
		fmt.Fprintf(&b, "- %s: %s\n", imp.Title, imp.Suggestion)
	}
	return strings.TrimRight(b.String(), "\n"), extra
}

// IsAdditive reports whether candidate keeps every paragraph of base,
// ignoring differences in whitespace.
func IsAdditive(base, candidate string) bool {
	norm := normalize(candidate)
	for _, p := range strings.Split(base, "\n\n") {
		if p = normalize(p); p != "" && !strings.Contains(norm, p) {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func titleKey(title string) string {
	return strings.ToLower(normalize(title))
}

// Excerpt shortens text longer than limit to its first and last keep
// characters joined by an omission marker.
func Excerpt(text string, limit, keep int) string {
	if len(text) <= limit || keep*2 >= len(text) {
		return text
	}
	return fmt.Sprintf("%s\n\n[... %d characters omitted ...]\n\n%s",
		text[:keep], len(text)-2*keep, text[len(text)-keep:])
}
