package evaluator

import (
	"github.com/fyrsmithlabs/promptgrade/internal/generation"
)

const analysisInstructions = `Think step by step. First restate what the prompt is trying to achieve, then check each criterion below before scoring.

Score each dimension from 0 to 100:
- task: is the requested action, deliverable and persona explicit?
- context: are audience, background, purpose and domain given?
- references: are examples, sources, templates or reference material supplied?
- constraints: are format, length, tone, scope and exclusions specified?

Set the T.C.R.E.I. flags (task, context, references, evaluate, iterate) to true when the prompt clearly covers that element. "evaluate" means the prompt asks the model to check its own answer; "iterate" means it invites refinement.`

const systemPromptInstructions = `The text is a system prompt that configures an assistant. Judge it as a standing instruction set: role definition under task, operating environment under context, knowledge and examples under references, behavioural rules and guardrails under constraints.`

const outputJudgeInstructions = `You are acting as an LLM-as-judge. Score the generated output against the prompt that produced it. Give each dimension a score from 0.0 to 1.0 with specific evidence. When several runs are shown, judge their typical quality and note inconsistency between runs as a finding.`

const improveInstructions = `You improve prompts. Propose prioritised improvements (CRITICAL, HIGH or MEDIUM) and a complete rewritten version that keeps the author's intent and every requirement the original states.`

const metaInstructions = `You audit an evaluation of a prompt. Assess whether the scores are accurate, whether the evaluation is complete, whether the improvements are actionable and whether the rewrite stays faithful to the original intent. Score each from 0.0 to 1.0 and give an overall confidence. Add refined improvements only for issues the evaluation missed. Return a refined rewrite only if the current one needs changes, otherwise an empty string.`

const followupInstructions = `The user has sent a follow-up message about a finished evaluation. Classify the intent as one of:
- explain: they want more detail about a score, dimension or finding
- adjust_rewrite: they want the rewritten prompt changed
- re_evaluate: they supplied an updated prompt to evaluate again
- mode_switch: they want the text treated as a system prompt or as a user prompt
Answer the message in "response".`

var analysisSchema = &generation.Schema{
	Name: "analysis",
	Fields: map[string]string{
		"dimensions":  `object mapping task, context, references and constraints to {"score": 0-100, "comment": string}`,
		"tcrei_flags": `object with booleans task, context, references, evaluate, iterate`,
	},
}

var outputEvaluationSchema = &generation.Schema{
	Name: "output_evaluation",
	Fields: map[string]string{
		"dimensions":    `array of {"name": string, "score": 0.0-1.0, "comment": string}`,
		"overall_score": "number 0.0-1.0",
		"findings":      "array of short strings",
	},
}

var metaSchema = &generation.Schema{
	Name: "meta_evaluation",
	Fields: map[string]string{
		"meta_assessment":          `object with accuracy_score, completeness_score, actionability_score, faithfulness_score, overall_confidence, each 0.0-1.0`,
		"meta_findings":            "array of short strings",
		"refined_improvements":     `array of {"priority": "CRITICAL|HIGH|MEDIUM", "title": string, "suggestion": string}`,
		"refined_rewritten_prompt": "string, empty when no refinement is needed",
	},
}

var followupSchema = &generation.Schema{
	Name: "followup",
	Fields: map[string]string{
		"intent":      "one of explain, adjust_rewrite, re_evaluate, mode_switch",
		"response":    "the reply to the user",
		"new_prompt":  "for re_evaluate: the updated prompt, else empty",
		"new_rewrite": "for adjust_rewrite: the adjusted rewrite, else empty",
		"new_mode":    "for mode_switch: prompt or system_prompt, else empty",
	},
}
