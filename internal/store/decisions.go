package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Decision states. A record is created as StateIssued or StateRefused and
// only ever changes state, updated_at, and review metadata afterwards.
const (
	StateIssued           = "ISSUED"
	StateRefused          = "REFUSED"
	StateRevised          = "REVISED"
	StateSuperseded       = "SUPERSEDED"
	StateFlaggedForReview = "FLAGGED_FOR_REVIEW"
	StateReviewed         = "REVIEWED"
	StateCorrected        = "CORRECTED"
	StateClosed           = "CLOSED"
)

// allowedTransitions is the decision state machine. REFUSED is terminal
// except for explicit supersession.
var allowedTransitions = map[string]map[string]bool{
	StateIssued:           {StateRevised: true, StateSuperseded: true, StateFlaggedForReview: true, StateClosed: true},
	StateRefused:          {StateSuperseded: true},
	StateRevised:          {StateSuperseded: true, StateFlaggedForReview: true, StateClosed: true},
	StateFlaggedForReview: {StateReviewed: true, StateSuperseded: true},
	StateReviewed:         {StateCorrected: true, StateClosed: true},
	StateCorrected:        {StateSuperseded: true, StateClosed: true},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to string) bool {
	return allowedTransitions[from][to]
}

// DecisionRecord is the persisted decision. Verdict fields (outcome,
// headline, summary, confidence, VerdictJSON) are write-once.
type DecisionRecord struct {
	DecisionID        string
	SessionID         string
	TravelerID        string
	LeadID            string
	Fingerprint       string
	Topic             string
	DecisionType      string
	State             string
	Outcome           string // book/wait/switch/discard, or "refused"
	Headline          string
	Summary           string
	Confidence        float64
	VerdictJSON       string
	InputSnapshotJSON string
	LogicVersion      string
	PromptVersion     string
	AIUsed            bool
	AITraceJSON       string
	NeedsReview       bool
	ReviewReason      string
	ReviewStatus      string
	SupersedesID      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const decisionColumns = `decision_id, session_id, traveler_id, lead_id, fingerprint, topic,
	decision_type, state, outcome, headline, summary, confidence, verdict_json,
	input_snapshot_json, logic_version, prompt_version, ai_used, ai_trace_json,
	needs_review, review_reason, review_status, supersedes_decision_id, created_at, updated_at`

// CreateDecision inserts a decision record. A duplicate decision id returns
// ErrConflict without touching the existing row.
func (s *Store) CreateDecision(rec DecisionRecord) error {
	if rec.State != StateIssued && rec.State != StateRefused {
		return fmt.Errorf("initial state must be %s or %s, got %s", StateIssued, StateRefused, rec.State)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	res, err := s.db.Exec(`
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id) DO NOTHING
	`, rec.DecisionID, rec.SessionID, rec.TravelerID, rec.LeadID, rec.Fingerprint, rec.Topic,
		rec.DecisionType, rec.State, rec.Outcome, rec.Headline, rec.Summary, rec.Confidence, rec.VerdictJSON,
		rec.InputSnapshotJSON, rec.LogicVersion, rec.PromptVersion, boolInt(rec.AIUsed), rec.AITraceJSON,
		boolInt(rec.NeedsReview), rec.ReviewReason, rec.ReviewStatus, rec.SupersedesID,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert decision rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// GetDecision retrieves a decision by id.
func (s *Store) GetDecision(decisionID string) (*DecisionRecord, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	rec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return rec, nil
}

// ListDecisionsByTraveler returns a traveler's decisions, newest first.
func (s *Store) ListDecisionsByTraveler(travelerID string, limit int) ([]DecisionRecord, error) {
	return s.listDecisions(`traveler_id = ?`, limit, travelerID)
}

// ListDecisionsByTopic returns decisions on a topic, newest first.
func (s *Store) ListDecisionsByTopic(topic string, limit int) ([]DecisionRecord, error) {
	return s.listDecisions(`topic = ?`, limit, topic)
}

// ListDecisionsNeedingReview returns decisions flagged for review, newest first.
func (s *Store) ListDecisionsNeedingReview(limit int) ([]DecisionRecord, error) {
	return s.listDecisions(`needs_review = 1`, limit)
}

func (s *Store) listDecisions(where string, limit int, args ...any) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.Query(`
		SELECT `+decisionColumns+` FROM decisions
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var recs []DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return recs, nil
}

// TransitionDecision advances the state machine. Only state, updated_at, and
// review metadata are touched; verdict columns are left as written.
func (s *Store) TransitionDecision(decisionID, next string) error {
	rec, err := s.GetDecision(decisionID)
	if err != nil {
		return err
	}
	if !CanTransition(rec.State, next) {
		return fmt.Errorf("transition %s → %s not allowed for decision %s", rec.State, next, decisionID)
	}
	_, err = s.db.Exec(`
		UPDATE decisions SET state = ?, updated_at = ? WHERE decision_id = ? AND state = ?
	`, next, time.Now().UTC().Format(time.RFC3339Nano), decisionID, rec.State)
	if err != nil {
		return fmt.Errorf("transition decision: %w", err)
	}
	return nil
}

// MarkDecisionForReview flags a decision and moves it to FLAGGED_FOR_REVIEW
// when its current state allows it.
func (s *Store) MarkDecisionForReview(decisionID, reason string) error {
	rec, err := s.GetDecision(decisionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	state := rec.State
	if CanTransition(rec.State, StateFlaggedForReview) {
		state = StateFlaggedForReview
	}
	_, err = s.db.Exec(`
		UPDATE decisions
		SET needs_review = 1, review_reason = ?, review_status = 'open', state = ?, updated_at = ?
		WHERE decision_id = ?
	`, reason, state, now, decisionID)
	if err != nil {
		return fmt.Errorf("mark decision for review: %w", err)
	}
	return nil
}

// SupersedeDecision inserts the replacement record (with SupersedesID set)
// and marks the old record SUPERSEDED. The old verdict is never edited.
func (s *Store) SupersedeDecision(oldID string, replacement DecisionRecord) error {
	old, err := s.GetDecision(oldID)
	if err != nil {
		return err
	}
	if !CanTransition(old.State, StateSuperseded) {
		return fmt.Errorf("decision %s in state %s cannot be superseded", oldID, old.State)
	}
	replacement.SupersedesID = oldID
	if err := s.CreateDecision(replacement); err != nil {
		return err
	}
	return s.TransitionDecision(oldID, StateSuperseded)
}

func scanDecision(row interface{ Scan(...any) error }) (*DecisionRecord, error) {
	var rec DecisionRecord
	var travelerID, leadID, headline, summary sql.NullString
	var promptVersion, aiTrace, reviewReason, reviewStatus, supersedes sql.NullString
	var confidence sql.NullFloat64
	var aiUsed, needsReview int
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.DecisionID, &rec.SessionID, &travelerID, &leadID, &rec.Fingerprint, &rec.Topic,
		&rec.DecisionType, &rec.State, &rec.Outcome, &headline, &summary, &confidence, &rec.VerdictJSON,
		&rec.InputSnapshotJSON, &rec.LogicVersion, &promptVersion, &aiUsed, &aiTrace,
		&needsReview, &reviewReason, &reviewStatus, &supersedes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TravelerID = travelerID.String
	rec.LeadID = leadID.String
	rec.Headline = headline.String
	rec.Summary = summary.String
	rec.Confidence = confidence.Float64
	rec.PromptVersion = promptVersion.String
	rec.AITraceJSON = aiTrace.String
	rec.ReviewReason = reviewReason.String
	rec.ReviewStatus = reviewStatus.String
	rec.SupersedesID = supersedes.String
	rec.AIUsed = aiUsed != 0
	rec.NeedsReview = needsReview != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
