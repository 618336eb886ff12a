package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that koanf can decode from "90s" style
// strings in YAML and PROMPTGRADE_* variables.
type Duration time.Duration

// UnmarshalText parses a Go duration string. Negative values are rejected.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a provider credential. It prints and encodes as
// [REDACTED] so a logged or dumped config never leaks a key.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the raw credential for passing to a client constructor.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

// MarshalJSON encodes the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalText accepts the raw credential from env or YAML.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
