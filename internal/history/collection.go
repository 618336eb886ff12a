package history

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxCollectionName = 64
	defaultCollection = "evaluations"
)

// CollectionName maps name onto ^[a-z0-9_]{1,64}$, which both chromem and
// Qdrant accept. Runs of other characters become one underscore. Names
// that are still too long keep a prefix and gain an 8-character hash so
// distinct inputs stay distinct.
func CollectionName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return defaultCollection
	}
	if len(out) <= maxCollectionName {
		return out
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(out[:maxCollectionName-len(suffix)-1], "_") + "_" + suffix
}
