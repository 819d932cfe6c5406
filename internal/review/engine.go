// Package review turns ledger and event history into review records. The
// evaluators are pure; only the engine writes.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tripverdict/internal/config"
	"tripverdict/internal/store"
)

// Engine runs the trigger evaluators over recent history.
type Engine struct {
	store      *store.Store
	thresholds config.Thresholds
}

// NewEngine creates a review engine.
func NewEngine(s *store.Store, t config.Thresholds) *Engine {
	return &Engine{store: s, thresholds: t}
}

// sweepScanLimit bounds how much history one sweep considers per topic.
const sweepScanLimit = 200

// Sweep evaluates every topic with recent decisions and raises review
// records for positive signals. Returns the number of reviews created.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	topics, err := e.recentTopics()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		n, err := e.sweepTopic(topic)
		if err != nil {
			return created, fmt.Errorf("sweep topic %s: %w", topic, err)
		}
		created += n
	}
	log.Printf("[REVIEW] sweep complete: %d topics, %d reviews raised", len(topics), created)
	return created, nil
}

func (e *Engine) sweepTopic(topic string) (int, error) {
	decisions, err := e.store.ListDecisionsByTopic(topic, sweepScanLimit)
	if err != nil {
		return 0, err
	}
	if len(decisions) == 0 {
		return 0, nil
	}

	var signals []*Signal
	signals = append(signals, OutcomeChange(decisions, e.thresholds.OutcomeChangeWindow.Std()))
	signals = append(signals, RefusalRate(decisions, e.thresholds.RefusalMinSamples, e.thresholds.RefusalRate))
	signals = append(signals, ConfidenceDrift(decisions, e.thresholds.ConfidenceDrift))

	for travelerID, history := range byTraveler(decisions) {
		if travelerID == "" {
			continue
		}
		signals = append(signals, RepeatedVisit(history, e.thresholds.RepeatVisits))
	}

	created := 0
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		raised, err := e.raise(*sig)
		if err != nil {
			return created, err
		}
		if raised {
			created++
		}
	}
	return created, nil
}

// raise persists one signal, skipping topics that already have an open
// review for the same reason.
func (e *Engine) raise(sig Signal) (bool, error) {
	open, err := e.store.HasOpenReview(sig.Topic, sig.Reason)
	if err != nil {
		return false, err
	}
	if open {
		return false, nil
	}

	contextJSON, err := json.Marshal(sig.Context)
	if err != nil {
		return false, fmt.Errorf("marshal review context: %w", err)
	}
	rec := store.ReviewRecord{
		ReviewID:    uuid.New().String(),
		Topic:       sig.Topic,
		DecisionID:  sig.DecisionID,
		Reason:      sig.Reason,
		Explanation: sig.Explanation,
		ContextJSON: string(contextJSON),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateReview(rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	if sig.DecisionID != "" {
		if err := e.store.MarkDecisionForReview(sig.DecisionID, sig.Reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			return true, err
		}
	}
	log.Printf("[REVIEW] raised %s for topic %s", sig.Reason, sig.Topic)
	return true, nil
}

// recentTopics collects distinct topics from recent decision activity via
// the issued/refused event streams.
func (e *Engine) recentTopics() ([]string, error) {
	seen := make(map[string]struct{})
	var topics []string
	for _, eventType := range []string{store.EventDecisionIssued, store.EventDecisionRefused} {
		events, err := e.store.ListEventsByType(eventType, sweepScanLimit)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			var payload struct {
				Topic string `json:"topic"`
			}
			if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil || payload.Topic == "" {
				continue
			}
			if _, ok := seen[payload.Topic]; ok {
				continue
			}
			seen[payload.Topic] = struct{}{}
			topics = append(topics, payload.Topic)
		}
	}
	return topics, nil
}

func byTraveler(decisions []store.DecisionRecord) map[string][]store.DecisionRecord {
	out := make(map[string][]store.DecisionRecord)
	for _, d := range decisions {
		out[d.TravelerID] = append(out[d.TravelerID], d)
	}
	return out
}
