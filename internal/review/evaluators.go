package review

import (
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"tripverdict/internal/store"
)

// Signal is a positive evaluator result. Evaluators never mutate decisions;
// the engine turns signals into review records.
type Signal struct {
	Reason      string
	Topic       string
	DecisionID  string
	Explanation string
	Context     map[string]any
}

// RepeatedVisit fires when one traveler has hit the same topic at least
// threshold times. decisions must share traveler and topic.
func RepeatedVisit(decisions []store.DecisionRecord, threshold int) *Signal {
	if threshold < 1 || len(decisions) < threshold {
		return nil
	}
	latest := decisions[0]
	return &Signal{
		Reason:      store.ReviewRepeatedVisit,
		Topic:       latest.Topic,
		DecisionID:  latest.DecisionID,
		Explanation: fmt.Sprintf("traveler %s asked about %s %d times", latest.TravelerID, latest.Topic, len(decisions)),
		Context: map[string]any{
			"traveler_id": latest.TravelerID,
			"visit_count": len(decisions),
		},
	}
}

// OutcomeChange fires when the same topic received differing outcomes within
// the window. decisions must share a topic and be sorted newest first. The
// context carries a unified diff of the two verdict summaries so reviewers
// see what moved.
func OutcomeChange(decisions []store.DecisionRecord, window time.Duration) *Signal {
	if len(decisions) < 2 {
		return nil
	}
	latest := decisions[0]
	if latest.State == store.StateRefused {
		return nil
	}
	cutoff := latest.CreatedAt.Add(-window)
	for _, prev := range decisions[1:] {
		if prev.CreatedAt.Before(cutoff) {
			break
		}
		if prev.State == store.StateRefused || prev.Outcome == latest.Outcome {
			continue
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(prev.Summary),
			B:        difflib.SplitLines(latest.Summary),
			FromFile: prev.DecisionID,
			ToFile:   latest.DecisionID,
			Context:  2,
		})
		if err != nil {
			diff = ""
		}
		return &Signal{
			Reason:      store.ReviewOutcomeChange,
			Topic:       latest.Topic,
			DecisionID:  latest.DecisionID,
			Explanation: fmt.Sprintf("topic %s flipped from %s to %s within %s", latest.Topic, prev.Outcome, latest.Outcome, window),
			Context: map[string]any{
				"previous_decision_id": prev.DecisionID,
				"previous_outcome":     prev.Outcome,
				"current_outcome":      latest.Outcome,
				"summary_diff":         diff,
			},
		}
	}
	return nil
}

// RefusalRate fires when refusals/total on a topic reach the rate with at
// least minSamples decisions.
func RefusalRate(decisions []store.DecisionRecord, minSamples int, rate float64) *Signal {
	if len(decisions) < minSamples {
		return nil
	}
	var refusals int
	for _, d := range decisions {
		if d.Outcome == "refused" {
			refusals++
		}
	}
	observed := float64(refusals) / float64(len(decisions))
	if observed < rate {
		return nil
	}
	latest := decisions[0]
	return &Signal{
		Reason:      store.ReviewRefusalRate,
		Topic:       latest.Topic,
		Explanation: fmt.Sprintf("topic %s refusal rate %.2f over %d decisions", latest.Topic, observed, len(decisions)),
		Context: map[string]any{
			"refusals": refusals,
			"total":    len(decisions),
			"rate":     observed,
		},
	}
}

// recentWindow is how many of the newest decisions form the rolling average
// for drift detection.
const recentWindow = 5

// ConfidenceDrift fires when the topic's baseline confidence minus the recent
// rolling average reaches the threshold. decisions are newest first; refusals
// carry no confidence and are skipped.
func ConfidenceDrift(decisions []store.DecisionRecord, threshold float64) *Signal {
	var confidences []float64
	var latest *store.DecisionRecord
	for i := range decisions {
		if decisions[i].Outcome == "refused" {
			continue
		}
		if latest == nil {
			latest = &decisions[i]
		}
		confidences = append(confidences, decisions[i].Confidence)
	}
	if len(confidences) < recentWindow*2 {
		return nil
	}

	recent := mean(confidences[:recentWindow])
	baseline := mean(confidences[recentWindow:])
	drift := baseline - recent
	if drift < threshold {
		return nil
	}
	return &Signal{
		Reason:      store.ReviewConfidenceDrift,
		Topic:       latest.Topic,
		DecisionID:  latest.DecisionID,
		Explanation: fmt.Sprintf("topic %s confidence drifted %.2f below baseline %.2f", latest.Topic, drift, baseline),
		Context: map[string]any{
			"baseline":       baseline,
			"recent_average": recent,
			"drift":          drift,
		},
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
