package enforce

import (
	"strings"
	"testing"

	"tripverdict/internal/verdict"
)

const cleanDecision = `{
  "kind": "decision",
  "decision": {
    "outcome": "wait",
    "headline": "Wait for shoulder season pricing.",
    "summary": "Prices typically drop after the surge and availability is still wide.",
    "confidence": 0.7,
    "assumptions": ["dates are flexible"],
    "tradeoffs": {"gains": ["lower fares"], "losses": ["fewer lodge choices"]},
    "change_conditions": ["fares rise two weeks in a row"]
  }
}`

func TestCheckAcceptsCleanDecision(t *testing.T) {
	out, violation := NewEnforcer(nil).Check(cleanDecision, nil)
	if violation != nil {
		t.Fatalf("unexpected violation: %v", violation)
	}
	if out.Kind != verdict.KindDecision || out.Decision.Outcome != verdict.OutcomeWait {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestCheckAcceptsRefusal(t *testing.T) {
	raw := `{"kind": "refusal", "refusal": {"reason": "missing_material_inputs", "missing_or_conflicting_inputs": ["dates"], "safe_next_step": "add travel dates"}}`
	out, violation := NewEnforcer(nil).Check(raw, nil)
	if violation != nil {
		t.Fatalf("unexpected violation: %v", violation)
	}
	if out.Kind != verdict.KindRefusal {
		t.Fatalf("kind = %q", out.Kind)
	}
}

func TestCheckStructuralViolationIsRetryable(t *testing.T) {
	raw := strings.Replace(cleanDecision, `"confidence": 0.7,`, "", 1)
	_, violation := NewEnforcer(nil).Check(raw, nil)
	if violation == nil {
		t.Fatal("expected structural violation")
	}
	if violation.Stage != StageStructural || !violation.Retryable() {
		t.Fatalf("violation = %+v, want retryable structural", violation)
	}
	prompt := violation.CorrectionPrompt()
	if !strings.Contains(prompt, "confidence") {
		t.Fatalf("correction prompt should cite the violation: %q", prompt)
	}
}

func TestCheckRejectsOutOfRangeConfidence(t *testing.T) {
	raw := strings.Replace(cleanDecision, "0.7", "1.4", 1)
	_, violation := NewEnforcer(nil).Check(raw, nil)
	if violation == nil || violation.Stage != StageStructural {
		t.Fatalf("violation = %+v, want structural", violation)
	}
}

func TestCheckRejectsBadOutcome(t *testing.T) {
	raw := strings.Replace(cleanDecision, `"outcome": "wait"`, `"outcome": "maybe"`, 1)
	_, violation := NewEnforcer(nil).Check(raw, nil)
	if violation == nil || violation.Stage != StageStructural {
		t.Fatalf("violation = %+v, want structural", violation)
	}
}

func TestCheckContentViolationNotRetryable(t *testing.T) {
	raw := strings.Replace(cleanDecision,
		"Prices typically drop after the surge and availability is still wide.",
		"We guarantee you will love it.", 1)
	_, violation := NewEnforcer(nil).Check(raw, nil)
	if violation == nil {
		t.Fatal("expected content violation")
	}
	if violation.Stage != StageContent || violation.Retryable() {
		t.Fatalf("violation = %+v, want non-retryable content", violation)
	}

	forced := violation.ForcedRefusal()
	if forced.Kind != verdict.KindRefusal {
		t.Fatalf("forced kind = %q", forced.Kind)
	}
	if forced.Refusal.Reason != verdict.ReasonContentPolicyViolation {
		t.Fatalf("reason = %q", forced.Refusal.Reason)
	}
}

func TestCheckFlagsSelfReference(t *testing.T) {
	raw := strings.Replace(cleanDecision,
		"Prices typically drop after the surge and availability is still wide.",
		"As an AI, I think waiting is sensible.", 1)
	_, violation := NewEnforcer(nil).Check(raw, nil)
	if violation == nil || violation.Stage != StageContent {
		t.Fatalf("violation = %+v, want content", violation)
	}
}

func TestCheckFlagsExclamationAndEmoji(t *testing.T) {
	cases := map[string]string{
		"exclamation":               strings.Replace(cleanDecision, "Wait for shoulder season pricing.", "Wait for it!", 1),
		"exclamation in assumption": strings.Replace(cleanDecision, "dates are flexible", "dates are flexible!", 1),
		"emoji":                     strings.Replace(cleanDecision, "Wait for shoulder season pricing.", "Wait for the deal \U0001F600", 1),
	}
	for name, raw := range cases {
		_, violation := NewEnforcer(nil).Check(raw, nil)
		if violation == nil || violation.Stage != StageContent {
			t.Errorf("%s: violation = %+v, want content", name, violation)
		}
	}
}

func TestCheckHonorsCustomForbiddenPhrases(t *testing.T) {
	_, violation := NewEnforcer([]string{"shoulder season"}).Check(cleanDecision, nil)
	if violation == nil || violation.Stage != StageContent {
		t.Fatalf("violation = %+v, want content for custom phrase", violation)
	}
}

func TestCheckHonorsPerRequestForbiddenPhrases(t *testing.T) {
	_, violation := NewEnforcer(nil).Check(cleanDecision, []string{"  Shoulder Season  "})
	if violation == nil || violation.Stage != StageContent {
		t.Fatalf("violation = %+v, want content for per-request phrase", violation)
	}
	if !strings.Contains(violation.Error(), "shoulder season") {
		t.Fatalf("violation should cite the normalized phrase: %v", violation)
	}
}

func TestForcedRefusalForStructural(t *testing.T) {
	violation := &Violation{Stage: StageStructural, Problems: []string{"headline is required"}}
	forced := violation.ForcedRefusal()
	if forced.Refusal.Reason != verdict.ReasonSchemaViolation {
		t.Fatalf("reason = %q, want schema_violation", forced.Refusal.Reason)
	}
}
