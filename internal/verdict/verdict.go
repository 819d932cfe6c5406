package verdict

import (
	"fmt"
)

// Kind discriminates the two output variants. There is no third shape.
type Kind string

const (
	KindDecision Kind = "decision"
	KindRefusal  Kind = "refusal"
)

// Outcome is a committed verdict direction.
type Outcome string

const (
	OutcomeBook    Outcome = "book"
	OutcomeWait    Outcome = "wait"
	OutcomeSwitch  Outcome = "switch"
	OutcomeDiscard Outcome = "discard"
)

// ValidOutcome reports whether o is a member of the outcome enum.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeBook, OutcomeWait, OutcomeSwitch, OutcomeDiscard:
		return true
	}
	return false
}

// Refusal reason codes.
const (
	ReasonGuaranteeRequested     = "guarantee_requested"
	ReasonConflictingInputs      = "unbounded_conflicting_inputs"
	ReasonMissingInputs          = "missing_material_inputs"
	ReasonSchemaViolation        = "schema_violation"
	ReasonContentPolicyViolation = "content_policy_violation"
	ReasonGuardrailOpen          = "guardrail_open"
)

// Tradeoffs lists what the traveler gains and gives up under the verdict.
type Tradeoffs struct {
	Gains  []string `json:"gains"`
	Losses []string `json:"losses"`
}

// Decision is the committed-verdict variant.
type Decision struct {
	Outcome          Outcome   `json:"outcome"`
	Headline         string    `json:"headline"`
	Summary          string    `json:"summary"`
	Confidence       float64   `json:"confidence"`
	Assumptions      []string  `json:"assumptions"`
	Tradeoffs        Tradeoffs `json:"tradeoffs"`
	ChangeConditions []string  `json:"change_conditions"`
}

// Refusal is the explicit-declination variant.
type Refusal struct {
	Reason                     string   `json:"reason"`
	MissingOrConflictingInputs []string `json:"missing_or_conflicting_inputs"`
	SafeNextStep               string   `json:"safe_next_step"`
}

// Output is the tagged union produced by the enforcer. Exactly one of
// Decision or Refusal is set, matching Kind.
type Output struct {
	Kind     Kind      `json:"kind"`
	Decision *Decision `json:"decision,omitempty"`
	Refusal  *Refusal  `json:"refusal,omitempty"`
}

// NewRefusal builds a refusal output.
func NewRefusal(reason, safeNextStep string, missing ...string) Output {
	return Output{
		Kind: KindRefusal,
		Refusal: &Refusal{
			Reason:                     reason,
			MissingOrConflictingInputs: missing,
			SafeNextStep:               safeNextStep,
		},
	}
}

// Check verifies the union invariant: exactly one variant, matching the kind.
func (o Output) Check() error {
	switch o.Kind {
	case KindDecision:
		if o.Decision == nil || o.Refusal != nil {
			return fmt.Errorf("output kind %q must carry exactly the decision variant", o.Kind)
		}
	case KindRefusal:
		if o.Refusal == nil || o.Decision != nil {
			return fmt.Errorf("output kind %q must carry exactly the refusal variant", o.Kind)
		}
	default:
		return fmt.Errorf("unknown output kind %q", o.Kind)
	}
	return nil
}
