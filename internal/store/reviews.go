package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Review reason codes raised by the trigger engine.
const (
	ReviewRepeatedVisit   = "repeated_visit"
	ReviewOutcomeChange   = "outcome_change"
	ReviewRefusalRate     = "refusal_rate"
	ReviewConfidenceDrift = "confidence_drift"
)

// ReviewRecord flags a topic or decision for human inspection. Append-mostly;
// only status is progressed by reviewers.
type ReviewRecord struct {
	ReviewID    string
	Topic       string
	DecisionID  string
	Reason      string
	Explanation string
	ContextJSON string
	Status      string
	CreatedAt   time.Time
}

// CreateReview inserts a review record. Duplicate ids return ErrConflict.
func (s *Store) CreateReview(rec ReviewRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "open"
	}
	if rec.ContextJSON == "" {
		rec.ContextJSON = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO reviews (review_id, topic, decision_id, reason, explanation, context_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO NOTHING
	`, rec.ReviewID, rec.Topic, rec.DecisionID, rec.Reason, rec.Explanation, rec.ContextJSON,
		rec.Status, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert review rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// HasOpenReview reports whether an open review already exists for the topic
// and reason, so a sweep does not re-raise the same signal every run.
func (s *Store) HasOpenReview(topic, reason string) (bool, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT review_id FROM reviews
		WHERE topic = ? AND reason = ? AND status = 'open'
		LIMIT 1`, topic, reason).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check open review: %w", err)
	}
	return true, nil
}

// ListReviews returns recent reviews, newest first.
func (s *Store) ListReviews(limit int) ([]ReviewRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT review_id, topic, decision_id, reason, explanation, context_json, status, created_at
		FROM reviews
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var recs []ReviewRecord
	for rows.Next() {
		var rec ReviewRecord
		var decisionID sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ReviewID, &rec.Topic, &decisionID, &rec.Reason,
			&rec.Explanation, &rec.ContextJSON, &rec.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		rec.DecisionID = decisionID.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return recs, nil
}

// SetReviewStatus progresses a review's status field.
func (s *Store) SetReviewStatus(reviewID, status string) error {
	_, err := s.db.Exec(`UPDATE reviews SET status = ? WHERE review_id = ?`, status, reviewID)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	return nil
}
