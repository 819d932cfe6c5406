package store

import (
	"fmt"
	"time"
)

// Event types recorded by the pipeline.
const (
	EventSessionStart    = "session_start"
	EventEngagement      = "engagement"
	EventDecisionIssued  = "decision_issued"
	EventDecisionRefused = "decision_refused"
	EventToolCompleted   = "tool_completed"
)

// EventRecord is a write-once audit fact. No update or delete exists.
type EventRecord struct {
	EventID     string
	EventType   string
	SessionID   string
	TravelerID  string
	DecisionID  string
	PayloadJSON string
	CreatedAt   time.Time
}

// AppendEvent writes an event. A duplicate event id returns ErrConflict and
// leaves the original record untouched; under retry storms callers treat
// that as successful idempotent replay.
func (s *Store) AppendEvent(ev EventRecord) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.PayloadJSON == "" {
		ev.PayloadJSON = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO events (event_id, event_type, session_id, traveler_id, decision_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, ev.EventID, ev.EventType, ev.SessionID, ev.TravelerID, ev.DecisionID, ev.PayloadJSON,
		ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// ListEventsByTraveler returns a traveler's events in chronological order.
func (s *Store) ListEventsByTraveler(travelerID string, limit int) ([]EventRecord, error) {
	return s.listEvents(`traveler_id = ?`, limit, travelerID)
}

// ListEventsByType returns events of one type in chronological order.
func (s *Store) ListEventsByType(eventType string, limit int) ([]EventRecord, error) {
	return s.listEvents(`event_type = ?`, limit, eventType)
}

// ListEventsBySession reconstructs a session chronologically.
func (s *Store) ListEventsBySession(sessionID string, limit int) ([]EventRecord, error) {
	return s.listEvents(`session_id = ?`, limit, sessionID)
}

func (s *Store) listEvents(where string, limit int, args ...any) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	rows, err := s.db.Query(`
		SELECT event_id, event_type, session_id, traveler_id, decision_id, payload_json, created_at
		FROM events
		WHERE `+where+`
		ORDER BY created_at ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var evs []EventRecord
	for rows.Next() {
		var ev EventRecord
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.SessionID, &ev.TravelerID,
			&ev.DecisionID, &ev.PayloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}
