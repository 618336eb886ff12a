package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidAllowlist is returned for unparsable allowlist files or patterns.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// Allowlist holds content patterns and stop words that are never redacted.
//
// The file format matches the [allowlist] table of a .gitleaks.toml:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
//	stopwords = ["placeholder"]
type Allowlist struct {
	Regexes   []string `toml:"regexes"`
	StopWords []string `toml:"stopwords"`
}

// LoadAllowlist reads path. An empty path or a missing file yields nil.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
	}
	return &file.Allowlist, nil
}

func (a *Allowlist) apply(cfg *gitleaksConfig.Config) error {
	global := &gitleaksConfig.Allowlist{
		Description: "promptgrade user allowlist",
		StopWords:   append([]string(nil), a.StopWords...),
	}
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
