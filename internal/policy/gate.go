// Package policy implements the pre-inference refusal gate. Every rule is a
// pure predicate over the envelope; a single match refuses the request before
// any model call is considered.
package policy

import (
	"fmt"
	"strings"

	"tripverdict/internal/envelope"
	"tripverdict/internal/verdict"
)

// RuleFunc evaluates one must-refuse rule. It returns whether the rule
// matched and a human-readable reason when it did.
type RuleFunc func(env envelope.Envelope) (matched bool, reason string)

// Rules maps rule names to their predicates.
var Rules = map[string]RuleFunc{
	verdict.ReasonGuaranteeRequested: guaranteeRequested,
	verdict.ReasonConflictingInputs:  conflictingInputs,
	verdict.ReasonMissingInputs:      missingMaterialInputs,
}

// Match is a single rule hit.
type Match struct {
	Rule   string
	Reason string
}

// Gate evaluates the envelope's must_refuse_if rule names.
type Gate struct {
	defaultRules []string
}

// NewGate creates a gate with rules applied when the envelope names none.
func NewGate(defaultRules []string) *Gate {
	return &Gate{defaultRules: defaultRules}
}

// Evaluate runs the named rules in order and returns a refusal output for the
// first match. A nil return means the envelope may proceed to inference.
func (g *Gate) Evaluate(env envelope.Envelope) (*verdict.Output, *Match) {
	names := env.Policy.MustRefuseIf
	if len(names) == 0 {
		names = g.defaultRules
	}

	for _, name := range names {
		rule, ok := Rules[name]
		if !ok {
			// Unknown rule names are skipped rather than failed: the caller's
			// policy list may be newer than this build.
			continue
		}
		matched, reason := rule(env)
		if !matched {
			continue
		}
		out := verdict.NewRefusal(name, safeNextStep(name), reason)
		return &out, &Match{Rule: name, Reason: reason}
	}
	return nil, nil
}

var guaranteePhrases = []string{
	"guarantee", "guaranteed", "promise me", "promise that", "100% sure",
	"for certain", "certain that i will", "no chance of", "assure me",
}

func guaranteeRequested(env envelope.Envelope) (bool, string) {
	q := strings.ToLower(env.Request.Question)
	for _, phrase := range guaranteePhrases {
		if strings.Contains(q, phrase) {
			return true, fmt.Sprintf("question asks for a guarantee (%q)", phrase)
		}
	}
	return false, ""
}

// conflictPairs are constraint keywords that cannot both hold.
var conflictPairs = [][2]string{
	{"cheapest", "luxury"},
	{"shoestring", "luxury"},
	{"no flights", "intercontinental"},
	{"fixed dates", "fully flexible"},
	{"avoid crowds", "peak season"},
}

func conflictingInputs(env envelope.Envelope) (bool, string) {
	all := make([]string, 0, len(env.Request.Constraints)+len(env.Facts.Constraints))
	all = append(all, env.Request.Constraints...)
	all = append(all, env.Facts.Constraints...)
	joined := strings.ToLower(strings.Join(all, " | "))

	for _, pair := range conflictPairs {
		if strings.Contains(joined, pair[0]) && strings.Contains(joined, pair[1]) {
			return true, fmt.Sprintf("constraints %q and %q conflict with no stated priority", pair[0], pair[1])
		}
	}
	return false, ""
}

func missingMaterialInputs(env envelope.Envelope) (bool, string) {
	var missing []string
	if len(env.Request.Destinations) == 0 && env.Request.Scope == "" {
		missing = append(missing, "destinations or question scope")
	}
	if env.Context.Dates.IsZero() {
		missing = append(missing, "travel dates")
	}
	if env.Context.BudgetBand == "" {
		missing = append(missing, "budget band")
	}
	// A single gap is workable with assumptions; refusal requires the
	// question to be materially under-specified.
	if len(missing) >= 2 {
		return true, fmt.Sprintf("missing material inputs: %s", strings.Join(missing, ", "))
	}
	return false, ""
}

func safeNextStep(rule string) string {
	switch rule {
	case verdict.ReasonGuaranteeRequested:
		return "Reframe the question without asking for a guarantee; travel outcomes cannot be promised."
	case verdict.ReasonConflictingInputs:
		return "Rank the conflicting constraints so one can be relaxed, then ask again."
	case verdict.ReasonMissingInputs:
		return "Add the missing details (dates, budget, or destinations) and resubmit."
	default:
		return "Provide more specific inputs and resubmit the question."
	}
}
