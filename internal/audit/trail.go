// Package audit reconstructs what happened for a session or traveler from
// the write-once event log and the decision ledger.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"tripverdict/internal/store"
)

// Entry is one line of a trail: an event, annotated with the decision it
// produced when one exists.
type Entry struct {
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	DecisionID string    `json:"decision_id,omitempty"`
	Detail     string    `json:"detail"`
}

// SessionTrail returns the chronological trail for a session.
func SessionTrail(s *store.Store, sessionID string, limit int) ([]Entry, error) {
	events, err := s.ListEventsBySession(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session trail: %w", err)
	}
	return buildTrail(s, events)
}

// TravelerTrail returns the chronological trail across a traveler's sessions.
func TravelerTrail(s *store.Store, travelerID string, limit int) ([]Entry, error) {
	events, err := s.ListEventsByTraveler(travelerID, limit)
	if err != nil {
		return nil, fmt.Errorf("traveler trail: %w", err)
	}
	return buildTrail(s, events)
}

func buildTrail(s *store.Store, events []store.EventRecord) ([]Entry, error) {
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		entry := Entry{
			At:         ev.CreatedAt,
			Type:       ev.EventType,
			DecisionID: ev.DecisionID,
			Detail:     compactPayload(ev.PayloadJSON),
		}
		if ev.DecisionID != "" {
			rec, err := s.GetDecision(ev.DecisionID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("trail decision %s: %w", ev.DecisionID, err)
			}
			if rec != nil {
				entry.Detail = describeDecision(rec)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func describeDecision(rec *store.DecisionRecord) string {
	if rec.Outcome == "refused" {
		return fmt.Sprintf("state=%s reason=%s", rec.State, rec.Headline)
	}
	return fmt.Sprintf("state=%s outcome=%s confidence=%.2f %q", rec.State, rec.Outcome, rec.Confidence, rec.Headline)
}

// compactPayload flattens a payload object to key=value pairs for one-line
// rendering. Non-object payloads pass through verbatim.
func compactPayload(payloadJSON string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return payloadJSON
	}
	out := ""
	for _, key := range sortedKeys(payload) {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", key, payload[key])
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render writes the trail as aligned text lines.
func Render(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-18s", e.At.Format(time.RFC3339), e.Type)
		if e.DecisionID != "" {
			line += "  " + e.DecisionID
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
