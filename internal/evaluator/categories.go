package evaluator

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/promptgrade/internal/config"
)

// GeneralCategory is the fallback task category.
const GeneralCategory = "general"

// Structural dimensions scored by the analysis step.
const (
	DimTask        = "task"
	DimContext     = "context"
	DimReferences  = "references"
	DimConstraints = "constraints"
)

// StructuralDimensions lists the analysis dimensions in report order.
var StructuralDimensions = []string{DimTask, DimContext, DimReferences, DimConstraints}

// ErrUnknownCategory is returned for a task type the registry does not hold.
var ErrUnknownCategory = errors.New("evaluator: unknown task category")

// Category bundles everything that varies by task type.
type Category struct {
	Key string
	// PromptShape is the reviewer persona and focus used in analysis and
	// output-judging prompts.
	PromptShape string
	// DimensionWeights weight the structural dimensions and sum to 1.
	DimensionWeights map[string]float64
	// OutputDimensions are the dimensions output evaluation scores.
	OutputDimensions []string
	Keywords         []string

	pattern *regexp.Regexp
}

// Registry resolves task categories. It is immutable after construction.
type Registry struct {
	categories map[string]Category
	order      []string
}

// DefaultCategories returns the built-in categories.
func DefaultCategories() []Category {
	return []Category{
		{
			Key:              GeneralCategory,
			PromptShape:      "You are an expert prompt engineer reviewing a general-purpose prompt.",
			DimensionWeights: map[string]float64{DimTask: 0.30, DimContext: 0.25, DimReferences: 0.20, DimConstraints: 0.25},
			OutputDimensions: []string{"relevance", "coherence", "completeness", "instruction_following", "hallucination_risk"},
		},
		{
			Key:              "email_writing",
			PromptShape:      "You are an expert in professional email communication reviewing an email-writing prompt.",
			DimensionWeights: map[string]float64{DimTask: 0.30, DimContext: 0.30, DimReferences: 0.10, DimConstraints: 0.30},
			OutputDimensions: []string{"tone_appropriateness", "professional_email_structure", "audience_fit", "purpose_achievement", "conciseness_clarity"},
			Keywords:         []string{"email", "e-mail", "inbox", "subject line", "reply to", "follow-up email", "cover letter"},
		},
		{
			Key:              "summarization",
			PromptShape:      "You are an expert in summarization reviewing a prompt that asks for a summary.",
			DimensionWeights: map[string]float64{DimTask: 0.25, DimContext: 0.20, DimReferences: 0.30, DimConstraints: 0.25},
			OutputDimensions: []string{"information_accuracy", "logical_structure", "key_information_coverage", "source_fidelity", "conciseness_precision"},
			Keywords:         []string{"summarize", "summarise", "summary", "tl;dr", "key points", "condense", "abstract"},
		},
		{
			Key:              "coding_task",
			PromptShape:      "You are a senior software engineer reviewing a prompt that asks for code.",
			DimensionWeights: map[string]float64{DimTask: 0.35, DimContext: 0.20, DimReferences: 0.15, DimConstraints: 0.30},
			OutputDimensions: []string{"code_correctness", "code_quality", "requirements_coverage", "error_handling_security", "maintainability"},
			Keywords:         []string{"code", "function", "implement", "python", "golang", "javascript", "typescript", "api", "refactor", "unit test", "sql", "script"},
		},
		{
			Key:              "exam_interview",
			PromptShape:      "You are an assessment designer reviewing a prompt that generates exam or interview questions.",
			DimensionWeights: map[string]float64{DimTask: 0.30, DimContext: 0.25, DimReferences: 0.15, DimConstraints: 0.30},
			OutputDimensions: []string{"question_quality", "assessment_coverage", "difficulty_calibration", "rubric_completeness", "fairness_objectivity"},
			Keywords:         []string{"exam", "quiz", "interview", "questions", "rubric", "assessment", "candidate", "multiple choice"},
		},
		{
			Key:              "linkedin_post",
			PromptShape:      "You are a LinkedIn content strategist reviewing a prompt that drafts a LinkedIn post.",
			DimensionWeights: map[string]float64{DimTask: 0.25, DimContext: 0.30, DimReferences: 0.15, DimConstraints: 0.30},
			OutputDimensions: []string{"professional_tone_authenticity", "hook_scroll_stopping_power", "audience_engagement_potential", "value_delivery_expertise", "linkedin_platform_optimization"},
			Keywords:         []string{"linkedin", "post", "hashtag", "personal brand", "network", "thought leadership"},
		},
	}
}

// NewRegistry builds a registry from cats. A general category is required.
func NewRegistry(cats []Category) (*Registry, error) {
	r := &Registry{categories: make(map[string]Category, len(cats))}
	for _, c := range cats {
		if c.Key == "" {
			return nil, errors.New("category key is required")
		}
		if err := validateDimensionWeights(c.DimensionWeights); err != nil {
			return nil, fmt.Errorf("category %s: %w", c.Key, err)
		}
		if len(c.OutputDimensions) == 0 {
			return nil, fmt.Errorf("category %s: no output dimensions", c.Key)
		}
		c.pattern = keywordPattern(c.Keywords)
		c.OutputDimensions = append([]string(nil), c.OutputDimensions...)
		if _, ok := r.categories[c.Key]; !ok {
			r.order = append(r.order, c.Key)
		}
		r.categories[c.Key] = c
	}
	if _, ok := r.categories[GeneralCategory]; !ok {
		return nil, fmt.Errorf("%w: %s category is required", ErrUnknownCategory, GeneralCategory)
	}
	return r, nil
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultCategories())
	if err != nil {
		panic(err)
	}
	return r
}

// RegistryFromConfig applies configured overrides on top of the defaults.
// Unset override fields keep the built-in value.
func RegistryFromConfig(overrides map[string]config.CategoryConfig) (*Registry, error) {
	cats := DefaultCategories()
	index := make(map[string]int, len(cats))
	for i, c := range cats {
		index[c.Key] = i
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		o := overrides[key]
		i, ok := index[key]
		if !ok {
			base := cats[index[GeneralCategory]]
			cats = append(cats, Category{
				Key:              key,
				PromptShape:      base.PromptShape,
				DimensionWeights: base.DimensionWeights,
				OutputDimensions: base.OutputDimensions,
			})
			i = len(cats) - 1
			index[key] = i
		}
		c := &cats[i]
		if o.PromptShape != "" {
			c.PromptShape = o.PromptShape
		}
		if len(o.Keywords) > 0 {
			c.Keywords = o.Keywords
		}
		if len(o.DimensionWeights) > 0 {
			c.DimensionWeights = o.DimensionWeights
		}
		if len(o.OutputDimensions) > 0 {
			c.OutputDimensions = o.OutputDimensions
		}
	}
	return NewRegistry(cats)
}

// Get returns the category for key. The empty key resolves to general.
func (r *Registry) Get(key string) (Category, error) {
	if key == "" {
		key = GeneralCategory
	}
	c, ok := r.categories[key]
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrUnknownCategory, key)
	}
	return c, nil
}

// Keys returns the category keys in registration order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.order...)
}

// Classify picks the category whose keywords occur most often in text.
// Ties go to the earlier category and no hits mean general.
func (r *Registry) Classify(text string) Category {
	best, bestHits := r.categories[GeneralCategory], 0
	for _, key := range r.order {
		c := r.categories[key]
		if c.pattern == nil {
			continue
		}
		if hits := len(c.pattern.FindAllStringIndex(text, -1)); hits > bestHits {
			best, bestHits = c, hits
		}
	}
	return best
}

func keywordPattern(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return nil
	}
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(k))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func validateDimensionWeights(w map[string]float64) error {
	var sum float64
	for _, d := range StructuralDimensions {
		v, ok := w[d]
		if !ok {
			return fmt.Errorf("missing weight for dimension %s", d)
		}
		if v < 0 {
			return fmt.Errorf("negative weight for dimension %s", d)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("dimension weights sum to %.4f, want 1.0", sum)
	}
	return nil
}
