// Package pipeline is the decision orchestration core: policy gate, dedup
// lock, guarded inference, output enforcement, and the ledger/event writes
// that make every verdict auditable.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tripverdict/internal/envelope"
	"tripverdict/internal/guardrail"
	"tripverdict/internal/inference"
	"tripverdict/internal/policy"
	"tripverdict/internal/snapshot"
	"tripverdict/internal/store"
	"tripverdict/internal/verdict"
)

// LogicVersion tags every decision with the pipeline logic that produced it.
const LogicVersion = "tv-logic-1"

// Meta describes how a result was produced.
type Meta struct {
	LogicVersion string `json:"logic_version"`
	AIUsed       bool   `json:"ai_used"`
	RetryCount   int    `json:"retry_count"`
	Persisted    bool   `json:"persisted"`
	CacheHit     bool   `json:"cache_hit"`
	Deferred     bool   `json:"deferred"`
}

// Result is the evaluate response envelope shared by decisions and refusals.
type Result struct {
	DecisionID string         `json:"decision_id,omitempty"`
	Output     verdict.Output `json:"output"`
	Meta       Meta           `json:"metadata"`
}

// Pipeline wires the stages together. Each Evaluate call is independent;
// the store is the only shared mutable resource.
type Pipeline struct {
	gate    *policy.Gate
	locks   *snapshot.Manager
	client  *inference.Client
	tracker *guardrail.Tracker
	store   *store.Store
}

// New creates a pipeline.
func New(gate *policy.Gate, locks *snapshot.Manager, client *inference.Client, tracker *guardrail.Tracker, s *store.Store) *Pipeline {
	return &Pipeline{gate: gate, locks: locks, client: client, tracker: tracker, store: s}
}

// Evaluate runs one envelope through the full control flow. Refusals are
// normal terminal outcomes, not errors; the error return covers validation
// failures, transport faults, and store faults only.
func (p *Pipeline) Evaluate(ctx context.Context, env envelope.Envelope) (Result, error) {
	if err := env.Validate(); err != nil {
		return Result{}, err
	}

	p.logEngagement(env)

	// Policy gate: a must-refuse match never reaches inference.
	if out, match := p.gate.Evaluate(env); out != nil {
		log.Printf("[PIPE] policy refusal rule=%s", match.Rule)
		return p.persist(env, *out, Meta{LogicVersion: LogicVersion})
	}

	fp := env.Fingerprint()
	acq, err := p.locks.Acquire(ctx, fp)
	if err != nil {
		if errors.Is(err, snapshot.ErrLockHeld) {
			log.Printf("[PIPE] fingerprint %s deferred (lock held)", fp[:12])
			return Result{Meta: Meta{LogicVersion: LogicVersion, Deferred: true}}, nil
		}
		return Result{}, fmt.Errorf("acquire fingerprint: %w", err)
	}
	if acq.HitDecisionID != "" {
		return p.cachedResult(acq.HitDecisionID)
	}
	lease := acq.Lease

	infRes, err := p.client.InvokeWithRetry(ctx, env)
	if err != nil {
		// No decision was produced; free the fingerprint for the next caller.
		if relErr := p.locks.Release(lease); relErr != nil {
			log.Printf("[PIPE] release lease: %v", relErr)
		}
		if errors.Is(err, inference.ErrCircuitOpen) {
			log.Printf("[PIPE] guardrail short-circuit, no inference call made")
			out := verdict.NewRefusal(verdict.ReasonGuardrailOpen,
				"Try again shortly; the decision engine is recovering from repeated failures.")
			return Result{Output: out, Meta: Meta{LogicVersion: LogicVersion}}, nil
		}
		return Result{}, err
	}

	res, err := p.persist(env, infRes.Output, Meta{
		LogicVersion: LogicVersion,
		AIUsed:       true,
		RetryCount:   infRes.RetryCount,
	}, withTrace(infRes.Trace))
	if err != nil {
		if relErr := p.locks.Release(lease); relErr != nil {
			log.Printf("[PIPE] release lease: %v", relErr)
		}
		return Result{}, err
	}
	p.logToolEvent(env, res.DecisionID, infRes)

	if err := p.locks.Complete(lease, res.DecisionID); err != nil {
		log.Printf("[PIPE] complete snapshot: %v", err)
	}
	return res, nil
}

type persistOption func(*store.DecisionRecord)

func withTrace(trace inference.Trace) persistOption {
	return func(rec *store.DecisionRecord) {
		data, err := json.Marshal(trace)
		if err == nil {
			rec.AITraceJSON = string(data)
		}
		rec.PromptVersion = trace.PromptVersion
	}
}

// persist writes the decision record and its event, feeds the per-topic
// tally, and assembles the caller result.
func (p *Pipeline) persist(env envelope.Envelope, out verdict.Output, meta Meta, opts ...persistOption) (Result, error) {
	if err := out.Check(); err != nil {
		return Result{}, fmt.Errorf("output contract: %w", err)
	}

	verdictJSON, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("marshal verdict: %w", err)
	}
	inputJSON, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("marshal input snapshot: %w", err)
	}

	rec := store.DecisionRecord{
		DecisionID:        uuid.New().String(),
		SessionID:         env.Tracking.SessionID,
		TravelerID:        env.Tracking.TravelerID,
		LeadID:            env.Tracking.LeadID,
		Fingerprint:       env.Fingerprint(),
		Topic:             env.Topic(),
		DecisionType:      string(env.Task),
		VerdictJSON:       string(verdictJSON),
		InputSnapshotJSON: string(inputJSON),
		LogicVersion:      meta.LogicVersion,
		AIUsed:            meta.AIUsed,
		CreatedAt:         time.Now().UTC(),
	}

	refused := out.Kind == verdict.KindRefusal
	if refused {
		rec.State = store.StateRefused
		rec.Outcome = "refused"
		rec.Headline = out.Refusal.Reason
		rec.Summary = out.Refusal.SafeNextStep
	} else {
		rec.State = store.StateIssued
		rec.Outcome = string(out.Decision.Outcome)
		rec.Headline = out.Decision.Headline
		rec.Summary = out.Decision.Summary
		rec.Confidence = out.Decision.Confidence
	}
	for _, opt := range opts {
		opt(&rec)
	}

	if err := p.store.CreateDecision(rec); err != nil {
		return Result{}, fmt.Errorf("persist decision: %w", err)
	}
	meta.Persisted = true

	p.logDecisionEvent(env, rec, refused)

	if err := p.tracker.RecordOutcome(rec.Topic, refused); err != nil {
		log.Printf("[PIPE] record topic outcome: %v", err)
	}
	if refused {
		if err := p.tracker.RecordArtifactFailure(); err != nil {
			log.Printf("[PIPE] record artifact failure: %v", err)
		}
	} else {
		if err := p.tracker.RecordArtifactSuccess(); err != nil {
			log.Printf("[PIPE] record artifact success: %v", err)
		}
	}

	return Result{DecisionID: rec.DecisionID, Output: out, Meta: meta}, nil
}

// cachedResult rebuilds the caller response from a snapshot hit.
func (p *Pipeline) cachedResult(decisionID string) (Result, error) {
	rec, err := p.store.GetDecision(decisionID)
	if err != nil {
		return Result{}, fmt.Errorf("load cached decision: %w", err)
	}
	var out verdict.Output
	if err := json.Unmarshal([]byte(rec.VerdictJSON), &out); err != nil {
		return Result{}, fmt.Errorf("decode cached verdict: %w", err)
	}
	return Result{
		DecisionID: rec.DecisionID,
		Output:     out,
		Meta: Meta{
			LogicVersion: rec.LogicVersion,
			AIUsed:       rec.AIUsed,
			Persisted:    true,
			CacheHit:     true,
		},
	}, nil
}

// logEngagement records the evaluate attempt itself. Best effort: an audit
// gap must not fail the request. The first engagement of a session also
// writes its session_start marker; the id is derived from the session id so
// every later engagement collapses into the uniqueness guard.
func (p *Pipeline) logEngagement(env envelope.Envelope) {
	err := p.store.AppendEvent(store.EventRecord{
		EventID:     store.EventSessionStart + ":" + env.Tracking.SessionID,
		EventType:   store.EventSessionStart,
		SessionID:   env.Tracking.SessionID,
		TravelerID:  env.Tracking.TravelerID,
		PayloadJSON: mustJSON(map[string]any{"task": env.Task}),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("[PIPE] append session start event: %v", err)
	}

	err = p.store.AppendEvent(store.EventRecord{
		EventID:    uuid.New().String(),
		EventType:  store.EventEngagement,
		SessionID:  env.Tracking.SessionID,
		TravelerID: env.Tracking.TravelerID,
		PayloadJSON: mustJSON(map[string]any{
			"topic": env.Topic(),
			"task":  env.Task,
		}),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("[PIPE] append engagement event: %v", err)
	}
}

// logDecisionEvent writes exactly one issued/refused event per decision.
// The event id is derived from the decision id so a retried write is
// rejected by the uniqueness guard instead of duplicated.
func (p *Pipeline) logDecisionEvent(env envelope.Envelope, rec store.DecisionRecord, refused bool) {
	eventType := store.EventDecisionIssued
	payload := map[string]any{
		"topic":      rec.Topic,
		"outcome":    rec.Outcome,
		"confidence": rec.Confidence,
	}
	if refused {
		eventType = store.EventDecisionRefused
		payload = map[string]any{
			"topic":  rec.Topic,
			"reason": rec.Headline,
		}
	}
	err := p.store.AppendEvent(store.EventRecord{
		EventID:     eventType + ":" + rec.DecisionID,
		EventType:   eventType,
		SessionID:   env.Tracking.SessionID,
		TravelerID:  env.Tracking.TravelerID,
		DecisionID:  rec.DecisionID,
		PayloadJSON: mustJSON(payload),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("[PIPE] append decision event: %v", err)
	}
}

// logToolEvent records the completed inference call against its decision.
// The inference provider is the only external tool the pipeline invokes.
func (p *Pipeline) logToolEvent(env envelope.Envelope, decisionID string, infRes inference.Result) {
	err := p.store.AppendEvent(store.EventRecord{
		EventID:    store.EventToolCompleted + ":" + decisionID,
		EventType:  store.EventToolCompleted,
		SessionID:  env.Tracking.SessionID,
		TravelerID: env.Tracking.TravelerID,
		DecisionID: decisionID,
		PayloadJSON: mustJSON(map[string]any{
			"tool":        "inference",
			"model_id":    infRes.Trace.ModelID,
			"retry_count": infRes.RetryCount,
		}),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Printf("[PIPE] append tool event: %v", err)
	}
}

func mustJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
