package envelope

import (
	"fmt"
	"strings"
)

// TaskKind identifies what the caller is asking the engine to do.
type TaskKind string

const (
	TaskDecision TaskKind = "decision"
	TaskTriage   TaskKind = "triage"
)

// Tracking carries correlation identifiers. Only the session id is required;
// none of these influence the decision or its fingerprint.
type Tracking struct {
	SessionID  string `json:"session_id"`
	TravelerID string `json:"traveler_id,omitempty"`
	LeadID     string `json:"lead_id,omitempty"`
}

// DateSpec describes travel dates as given by the traveler. Either an exact
// range, a month hint, or nothing at all.
type DateSpec struct {
	Start     string `json:"start,omitempty"` // YYYY-MM-DD
	End       string `json:"end,omitempty"`
	MonthHint string `json:"month_hint,omitempty"` // e.g. "2026-11" or "November"
	Flexible  bool   `json:"flexible,omitempty"`
}

// IsZero reports whether no date information was supplied.
func (d DateSpec) IsZero() bool {
	return d.Start == "" && d.End == "" && d.MonthHint == ""
}

// UserContext captures decision-relevant traveler attributes.
type UserContext struct {
	TravelerType   string   `json:"traveler_type,omitempty"` // solo, couple, family, group
	BudgetBand     string   `json:"budget_band,omitempty"`   // shoestring, mid, comfort, luxury
	Pace           string   `json:"pace,omitempty"`          // relaxed, balanced, packed
	RiskTolerance  string   `json:"risk_tolerance,omitempty"`
	Dates          DateSpec `json:"dates,omitempty"`
	GroupSize      int      `json:"group_size,omitempty"`
	PriorDecisions []string `json:"prior_decisions,omitempty"`
}

// Request is the traveler's actual question and its scope.
type Request struct {
	Question     string   `json:"question"`
	Scope        string   `json:"scope,omitempty"` // e.g. "destination_choice", "timing"
	Destinations []string `json:"destinations,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
}

// Facts are known constraints, tradeoffs, and notes supplied by the caller.
type Facts struct {
	Constraints []string `json:"constraints,omitempty"`
	Tradeoffs   []string `json:"tradeoffs,omitempty"`
	Notes       []string `json:"notes,omitempty"`
}

// Policy names the refusal triggers and forbidden phrases for this request.
type Policy struct {
	MustRefuseIf     []string `json:"must_refuse_if,omitempty"`
	ForbiddenPhrases []string `json:"forbidden_phrases,omitempty"`
}

// Envelope is the normalized input bundle. It is immutable once received;
// the fingerprint is computed from its material subset verbatim.
type Envelope struct {
	Task     TaskKind    `json:"task"`
	Tracking Tracking    `json:"tracking"`
	Context  UserContext `json:"user_context"`
	Request  Request     `json:"request"`
	Facts    Facts       `json:"facts"`
	Policy   Policy      `json:"policy"`
}

// FieldError describes a single invalid envelope field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates multiple envelope problems.
type ValidationErrors []FieldError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate checks the envelope before any pipeline stage runs. A non-nil
// return is a ValidationErrors value listing every problem found.
func (e Envelope) Validate() error {
	var errs ValidationErrors

	switch e.Task {
	case TaskDecision, TaskTriage:
	case "":
		errs = append(errs, FieldError{Field: "task", Message: "task kind is required"})
	default:
		errs = append(errs, FieldError{Field: "task", Message: fmt.Sprintf("unknown task kind %q", e.Task)})
	}

	if strings.TrimSpace(e.Tracking.SessionID) == "" {
		errs = append(errs, FieldError{Field: "tracking.session_id", Message: "session id is required"})
	}
	if strings.TrimSpace(e.Request.Question) == "" {
		errs = append(errs, FieldError{Field: "request.question", Message: "question is required"})
	}
	if len(e.Request.Question) > 4000 {
		errs = append(errs, FieldError{Field: "request.question", Message: "question exceeds 4000 characters"})
	}
	if e.Context.GroupSize < 0 {
		errs = append(errs, FieldError{Field: "user_context.group_size", Message: "group size must not be negative"})
	}
	if e.Context.Dates.Start != "" && e.Context.Dates.End != "" && e.Context.Dates.End < e.Context.Dates.Start {
		errs = append(errs, FieldError{Field: "user_context.dates", Message: "end date precedes start date"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Topic derives a stable topic identifier for the question: the sorted
// destination list when present, otherwise the request scope, otherwise a
// normalized slice of the question itself. Used for per-topic tallies and
// review triggers, not for dedup (that is the fingerprint's job).
func (e Envelope) Topic() string {
	if len(e.Request.Destinations) > 0 {
		dests := normalizeSet(e.Request.Destinations)
		return strings.Join(dests, "+")
	}
	if e.Request.Scope != "" {
		return e.Request.Scope
	}
	q := strings.ToLower(strings.TrimSpace(e.Request.Question))
	if len(q) > 64 {
		q = q[:64]
	}
	return q
}
