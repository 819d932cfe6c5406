// Package guardrail maintains circuit-breaker counters and per-topic refusal
// tallies. Counters live in the shared durable store so circuit state is
// consistent across hosts; the threshold comparisons here are pure functions
// over a read snapshot.
package guardrail

import (
	"fmt"
	"log"
	"strings"

	"tripverdict/internal/store"
)

// Counter names.
const (
	CounterInferenceFailures = "inference_consecutive_failures"
	CounterArtifactFailures  = "artifact_consecutive_failures"

	topicRefusalPrefix = "topic_refusals:"
	topicTotalPrefix   = "topic_totals:"
)

// Thresholds tunes circuit and spike detection.
type Thresholds struct {
	CircuitFailures   int
	RefusalRate       float64
	RefusalMinSamples int
}

// Tracker records outcomes and answers circuit checks.
type Tracker struct {
	store      *store.Store
	thresholds Thresholds
}

// NewTracker creates a tracker over the shared store.
func NewTracker(s *store.Store, t Thresholds) *Tracker {
	return &Tracker{store: s, thresholds: t}
}

// CircuitOpen is the pure threshold rule: the circuit is open once
// consecutive failures reach the threshold.
func CircuitOpen(consecutive int64, threshold int) bool {
	return threshold > 0 && consecutive >= int64(threshold)
}

// RefusalSpike is the pure per-topic spike rule: flag only with a minimum
// sample size, so sparse topics do not false-positive.
func RefusalSpike(refusals, total int64, minSamples int, rate float64) bool {
	if total < int64(minSamples) {
		return false
	}
	return float64(refusals)/float64(total) >= rate
}

// Allow reports whether the inference circuit permits a call.
func (t *Tracker) Allow() (bool, error) {
	consecutive, err := t.store.GetCounter(CounterInferenceFailures)
	if err != nil {
		return false, err
	}
	return !CircuitOpen(consecutive, t.thresholds.CircuitFailures), nil
}

// RecordInferenceFailure increments the consecutive-failure counter and logs
// when the circuit trips.
func (t *Tracker) RecordInferenceFailure() error {
	value, err := t.store.IncrCounter(CounterInferenceFailures, 1)
	if err != nil {
		return err
	}
	if CircuitOpen(value, t.thresholds.CircuitFailures) {
		log.Printf("[GUARD] inference circuit open after %d consecutive failures", value)
	}
	return nil
}

// RecordInferenceSuccess closes the circuit immediately.
func (t *Tracker) RecordInferenceSuccess() error {
	return t.store.ResetCounter(CounterInferenceFailures)
}

// RecordArtifactFailure tracks downstream artifact generation failures.
func (t *Tracker) RecordArtifactFailure() error {
	_, err := t.store.IncrCounter(CounterArtifactFailures, 1)
	return err
}

// RecordArtifactSuccess clears the artifact failure streak.
func (t *Tracker) RecordArtifactSuccess() error {
	return t.store.ResetCounter(CounterArtifactFailures)
}

// RecordOutcome tallies a per-topic total and, for refusals, the refusal count.
func (t *Tracker) RecordOutcome(topic string, refused bool) error {
	if _, err := t.store.IncrCounter(topicTotalPrefix+topic, 1); err != nil {
		return err
	}
	if refused {
		if _, err := t.store.IncrCounter(topicRefusalPrefix+topic, 1); err != nil {
			return err
		}
	}
	return nil
}

// Reset zeroes one counter by name. Operator action; nothing resets
// automatically beyond the success-clears-streak rule.
func (t *Tracker) Reset(name string) error {
	return t.store.ResetCounter(name)
}

// TopicAlert describes a topic whose refusal rate spiked.
type TopicAlert struct {
	Topic    string  `json:"topic"`
	Refusals int64   `json:"refusals"`
	Total    int64   `json:"total"`
	Rate     float64 `json:"rate"`
}

// State is the read-only guardrail snapshot for health reporting.
type State struct {
	CircuitOpen         bool         `json:"circuit_open"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	ArtifactFailures    int64        `json:"artifact_failures"`
	Alerts              []TopicAlert `json:"alerts"`
}

// Snapshot builds the current guardrail state.
func (t *Tracker) Snapshot() (State, error) {
	counters, err := t.store.ListCounters()
	if err != nil {
		return State{}, err
	}

	st := State{
		ConsecutiveFailures: counters[CounterInferenceFailures],
		ArtifactFailures:    counters[CounterArtifactFailures],
	}
	st.CircuitOpen = CircuitOpen(st.ConsecutiveFailures, t.thresholds.CircuitFailures)

	for name, total := range counters {
		topic, ok := strings.CutPrefix(name, topicTotalPrefix)
		if !ok {
			continue
		}
		refusals := counters[topicRefusalPrefix+topic]
		if RefusalSpike(refusals, total, t.thresholds.RefusalMinSamples, t.thresholds.RefusalRate) {
			st.Alerts = append(st.Alerts, TopicAlert{
				Topic:    topic,
				Refusals: refusals,
				Total:    total,
				Rate:     float64(refusals) / float64(total),
			})
		}
	}
	return st, nil
}

// Describe renders a short operator-facing summary.
func (s State) Describe() string {
	circuit := "closed"
	if s.CircuitOpen {
		circuit = "open"
	}
	return fmt.Sprintf("circuit=%s consecutive_failures=%d alerts=%d", circuit, s.ConsecutiveFailures, len(s.Alerts))
}
