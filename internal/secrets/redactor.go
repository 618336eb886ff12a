// Package secrets redacts credentials from text before it is sent to a
// generation provider. Detection uses the gitleaks default rule set plus an
// optional user allowlist.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// Finding describes one redacted secret. The secret value itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result is the outcome of a redaction pass.
type Result struct {
	Content  string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Redactor replaces detected secrets with [REDACTED:rule-id] markers.
// It is safe for concurrent use.
type Redactor struct {
	mu        sync.Mutex
	detector  *detect.Detector
	allowlist *Allowlist
	enabled   bool
	logger    *logging.Logger
}

// Config configures a Redactor.
type Config struct {
	Enabled       bool
	AllowlistPath string
}

// New builds a Redactor. A missing allowlist file is not an error.
func New(cfg Config, logger *logging.Logger) (*Redactor, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Redactor{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return r, nil
	}

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	if err := r.SetAllowlist(allowlist); err != nil {
		return nil, err
	}
	return r, nil
}

// SetAllowlist rebuilds the detector with allowlist applied.
func (r *Redactor) SetAllowlist(allowlist *Allowlist) error {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil {
		if err := allowlist.apply(&detector.Config); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.detector = detector
	r.allowlist = allowlist
	r.mu.Unlock()
	return nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Redact returns content with every detected secret replaced.
func (r *Redactor) Redact(ctx context.Context, content string) *Result {
	start := time.Now()
	result := &Result{Content: content, ByRule: map[string]int{}}
	if !r.Enabled() || content == "" {
		return result
	}

	r.mu.Lock()
	findings := r.detector.DetectString(content)
	r.mu.Unlock()

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	redacted := content
	for _, f := range findings {
		if f.Secret == "" || !strings.Contains(redacted, f.Secret) {
			continue
		}
		redacted = strings.ReplaceAll(redacted, f.Secret, "[REDACTED:"+f.RuleID+"]")
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		result.ByRule[f.RuleID]++
	}
	result.Content = redacted
	result.Duration = time.Since(start)

	if result.HasFindings() {
		r.logger.Warn(ctx, "redacted secrets from prompt",
			zap.Int("findings", len(result.Findings)),
			zap.Any("by_rule", result.ByRule))
	}
	return result
}
