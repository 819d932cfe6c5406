// Package enforce validates raw model output against the two-variant output
// contract. Structural failures are retryable with a correction prompt;
// content failures are not: a prohibited decision is refused outright.
package enforce

import (
	"fmt"
	"strings"
	"unicode"

	"tripverdict/internal/verdict"
)

// Stage identifies which validation pass rejected the output.
type Stage string

const (
	StageStructural Stage = "structural"
	StageContent    Stage = "content"
)

// Violation lists the exact contract breaches found in one output.
type Violation struct {
	Stage    Stage
	Problems []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s validation failed: %s", v.Stage, strings.Join(v.Problems, "; "))
}

// Retryable reports whether the model may be asked again. Only structural
// violations are; content violations mean the model produced a prohibited
// decision and the answer is a refusal, period.
func (v *Violation) Retryable() bool {
	return v.Stage == StageStructural
}

// Enforcer holds the content policy applied to decisions.
type Enforcer struct {
	forbidden []string
}

// NewEnforcer creates an enforcer. forbidden phrases are merged with the
// built-in guarantee language scan.
func NewEnforcer(forbidden []string) *Enforcer {
	return &Enforcer{forbidden: normalizePhrases(forbidden)}
}

func normalizePhrases(phrases []string) []string {
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return lowered
}

// Check runs RECEIVED → STRUCTURALLY_VALID → CONTENT_CLEAN over raw model
// text. extraForbidden carries per-request phrases from the envelope policy,
// scanned alongside the enforcer's configured list. On success the returned
// output is exactly one valid variant and the violation is nil.
func (e *Enforcer) Check(raw string, extraForbidden []string) (verdict.Output, *Violation) {
	out, err := verdict.Parse(raw)
	if err != nil {
		return verdict.Output{}, &Violation{
			Stage:    StageStructural,
			Problems: []string{err.Error()},
		}
	}

	if problems := structuralProblems(out); len(problems) > 0 {
		return verdict.Output{}, &Violation{Stage: StageStructural, Problems: problems}
	}

	if out.Kind == verdict.KindDecision {
		if problems := e.contentProblems(*out.Decision, normalizePhrases(extraForbidden)); len(problems) > 0 {
			return verdict.Output{}, &Violation{Stage: StageContent, Problems: problems}
		}
	}
	return out, nil
}

// CorrectionPrompt renders the retry instruction citing exact violations.
func (v *Violation) CorrectionPrompt() string {
	var b strings.Builder
	b.WriteString("Your previous output violated the required JSON contract. Fix every violation and respond again with only the JSON object.\nViolations:\n")
	for _, p := range v.Problems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

// ForcedRefusal converts an unrecoverable violation into the terminal refusal
// output. Never silently coerced into a decision.
func (v *Violation) ForcedRefusal() verdict.Output {
	reason := verdict.ReasonSchemaViolation
	next := "Retry the question; the system could not obtain a contract-conforming answer."
	if v.Stage == StageContent {
		reason = verdict.ReasonContentPolicyViolation
		next = "Rephrase the question; the generated answer contained prohibited language."
	}
	return verdict.NewRefusal(reason, next, v.Problems...)
}

func structuralProblems(out verdict.Output) []string {
	var problems []string

	if err := out.Check(); err != nil {
		return []string{err.Error()}
	}

	switch out.Kind {
	case verdict.KindDecision:
		d := out.Decision
		if !verdict.ValidOutcome(d.Outcome) {
			problems = append(problems, fmt.Sprintf("outcome must be one of book/wait/switch/discard, got %q", d.Outcome))
		}
		if strings.TrimSpace(d.Headline) == "" {
			problems = append(problems, "headline is required")
		}
		if strings.TrimSpace(d.Summary) == "" {
			problems = append(problems, "summary is required")
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			problems = append(problems, fmt.Sprintf("confidence must be within [0,1], got %g", d.Confidence))
		}
	case verdict.KindRefusal:
		r := out.Refusal
		if strings.TrimSpace(r.Reason) == "" {
			problems = append(problems, "refusal reason is required")
		}
		if strings.TrimSpace(r.SafeNextStep) == "" {
			problems = append(problems, "safe_next_step is required")
		}
	}
	return problems
}

// builtinForbidden is guarantee and self-referential language scanned on
// every decision regardless of per-request policy.
var builtinForbidden = []string{
	"guarantee", "guaranteed", "we promise", "i promise", "100% certain",
	"risk-free", "cannot fail",
	"as an ai", "as a language model", "i am an ai", "my training data",
}

func (e *Enforcer) contentProblems(d verdict.Decision, extra []string) []string {
	var problems []string

	text := strings.ToLower(strings.Join(append([]string{d.Headline, d.Summary},
		append(append([]string{}, d.Assumptions...), d.ChangeConditions...)...), "\n"))

	for _, list := range [][]string{builtinForbidden, e.forbidden, extra} {
		for _, phrase := range list {
			if strings.Contains(text, phrase) {
				problems = append(problems, fmt.Sprintf("contains forbidden phrase %q", phrase))
			}
		}
	}
	if strings.Contains(text, "!") {
		problems = append(problems, "contains exclamation marks")
	}
	if containsEmoji(text) {
		problems = append(problems, "contains emoji")
	}
	return problems
}

func containsEmoji(s string) bool {
	for _, r := range s {
		if r >= 0x1F000 || (r >= 0x2600 && r <= 0x27BF) {
			return true
		}
		if unicode.Is(unicode.So, r) {
			return true
		}
	}
	return false
}
