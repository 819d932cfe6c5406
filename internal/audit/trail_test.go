package audit

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tripverdict/internal/store"
)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec := store.DecisionRecord{
		DecisionID:        "d1",
		SessionID:         "sess-1",
		TravelerID:        "trav-1",
		Fingerprint:       "fp-1",
		Topic:             "kenya",
		DecisionType:      "decision",
		State:             store.StateIssued,
		Outcome:           "book",
		Headline:          "Book the November window now.",
		Summary:           "Availability is thinning.",
		Confidence:        0.8,
		VerdictJSON:       "{}",
		InputSnapshotJSON: "{}",
	}
	if err := s.CreateDecision(rec); err != nil {
		t.Fatalf("seed decision: %v", err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	events := []store.EventRecord{
		{
			EventID:     "ev-1",
			EventType:   store.EventEngagement,
			SessionID:   "sess-1",
			TravelerID:  "trav-1",
			PayloadJSON: `{"topic":"kenya","task":"decision"}`,
			CreatedAt:   base,
		},
		{
			EventID:    "ev-2",
			EventType:  store.EventDecisionIssued,
			SessionID:  "sess-1",
			TravelerID: "trav-1",
			DecisionID: "d1",
			CreatedAt:  base.Add(time.Second),
		},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ev); err != nil {
			t.Fatalf("seed event %s: %v", ev.EventID, err)
		}
	}
	return s
}

func TestSessionTrail(t *testing.T) {
	s := seedStore(t)

	entries, err := SessionTrail(s, "sess-1", 10)
	if err != nil {
		t.Fatalf("session trail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	if entries[0].Type != store.EventEngagement || entries[1].Type != store.EventDecisionIssued {
		t.Fatalf("trail out of order: %+v", entries)
	}
	if entries[0].Detail != "task=decision topic=kenya" {
		t.Fatalf("payload detail = %q", entries[0].Detail)
	}
	// The issued entry carries the ledger record, not the raw payload.
	if !strings.Contains(entries[1].Detail, "outcome=book") || entries[1].DecisionID != "d1" {
		t.Fatalf("decision detail = %+v", entries[1])
	}
}

func TestTravelerTrail(t *testing.T) {
	s := seedStore(t)

	entries, err := TravelerTrail(s, "trav-1", 10)
	if err != nil {
		t.Fatalf("traveler trail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
}

func TestRender(t *testing.T) {
	s := seedStore(t)
	entries, err := SessionTrail(s, "sess-1", 10)
	if err != nil {
		t.Fatalf("session trail: %v", err)
	}

	var buf bytes.Buffer
	if err := Render(&buf, entries); err != nil {
		t.Fatalf("render: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("rendered %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "d1") {
		t.Fatalf("decision line missing id: %q", lines[1])
	}
}
