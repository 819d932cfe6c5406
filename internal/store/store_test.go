package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDecision(id string) DecisionRecord {
	return DecisionRecord{
		DecisionID:        id,
		SessionID:         "sess-1",
		TravelerID:        "trav-1",
		Fingerprint:       "fp-abc",
		Topic:             "kenya",
		DecisionType:      "decision",
		State:             StateIssued,
		Outcome:           "book",
		Headline:          "Book the November window now.",
		Summary:           "Availability is thinning.",
		Confidence:        0.8,
		VerdictJSON:       `{"kind":"decision"}`,
		InputSnapshotJSON: `{"task":"decision"}`,
		LogicVersion:      "tv-logic-1",
		AIUsed:            true,
	}
}

func TestCreateAndGetDecision(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateDecision(sampleDecision("d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := s.GetDecision("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Outcome != "book" || rec.Confidence != 0.8 || !rec.AIUsed {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.State != StateIssued {
		t.Fatalf("state = %q, want ISSUED", rec.State)
	}
}

func TestCreateDecisionDuplicateIDConflicts(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateDecision(sampleDecision("d1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	second := sampleDecision("d1")
	second.Outcome = "wait"
	err := s.CreateDecision(second)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	rec, err := s.GetDecision("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Outcome != "book" {
		t.Fatalf("original record was overwritten: %+v", rec)
	}
}

func TestCreateDecisionRejectsBadInitialState(t *testing.T) {
	s := openTestStore(t)
	rec := sampleDecision("d1")
	rec.State = StateReviewed
	if err := s.CreateDecision(rec); err == nil {
		t.Fatal("expected error for non-initial state")
	}
}

func TestTransitionPreservesVerdictFields(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDecision(sampleDecision("d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := s.GetDecision("d1")

	if err := s.TransitionDecision("d1", StateFlaggedForReview); err != nil {
		t.Fatalf("transition: %v", err)
	}
	after, err := s.GetDecision("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != StateFlaggedForReview {
		t.Fatalf("state = %q", after.State)
	}
	if after.Outcome != before.Outcome || after.Headline != before.Headline ||
		after.Summary != before.Summary || after.Confidence != before.Confidence ||
		after.VerdictJSON != before.VerdictJSON {
		t.Fatal("verdict fields changed during transition")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	s := openTestStore(t)
	rec := sampleDecision("d1")
	rec.State = StateRefused
	rec.Outcome = "refused"
	if err := s.CreateDecision(rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	// REFUSED is terminal except for supersession.
	if err := s.TransitionDecision("d1", StateClosed); err == nil {
		t.Fatal("expected illegal transition error")
	}
	if err := s.TransitionDecision("d1", StateSuperseded); err != nil {
		t.Fatalf("supersede transition: %v", err)
	}
}

func TestSupersedeDecision(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDecision(sampleDecision("d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	replacement := sampleDecision("d2")
	replacement.Outcome = "wait"
	if err := s.SupersedeDecision("d1", replacement); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	old, _ := s.GetDecision("d1")
	if old.State != StateSuperseded {
		t.Fatalf("old state = %q, want SUPERSEDED", old.State)
	}
	if old.Outcome != "book" {
		t.Fatal("old verdict was edited")
	}
	repl, _ := s.GetDecision("d2")
	if repl.SupersedesID != "d1" {
		t.Fatalf("supersedes id = %q, want d1", repl.SupersedesID)
	}
}

func TestListDecisionsByTravelerAndReview(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"d1", "d2"} {
		rec := sampleDecision(id)
		if err := s.CreateDecision(rec); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	other := sampleDecision("d3")
	other.TravelerID = "trav-2"
	if err := s.CreateDecision(other); err != nil {
		t.Fatalf("create d3: %v", err)
	}

	mine, err := s.ListDecisionsByTraveler("trav-1", 10)
	if err != nil {
		t.Fatalf("list by traveler: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("got %d decisions, want 2", len(mine))
	}

	if err := s.MarkDecisionForReview("d1", ReviewOutcomeChange); err != nil {
		t.Fatalf("mark for review: %v", err)
	}
	flagged, err := s.ListDecisionsNeedingReview(10)
	if err != nil {
		t.Fatalf("list needing review: %v", err)
	}
	if len(flagged) != 1 || flagged[0].DecisionID != "d1" {
		t.Fatalf("flagged = %+v", flagged)
	}
	if flagged[0].State != StateFlaggedForReview || flagged[0].ReviewStatus != "open" {
		t.Fatalf("review metadata not set: %+v", flagged[0])
	}
}

func TestAppendEventRejectsDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ev := EventRecord{
		EventID:     "ev-1",
		EventType:   EventDecisionIssued,
		SessionID:   "sess-1",
		TravelerID:  "trav-1",
		PayloadJSON: `{"topic":"kenya"}`,
	}
	if err := s.AppendEvent(ev); err != nil {
		t.Fatalf("first append: %v", err)
	}
	ev.PayloadJSON = `{"topic":"tampered"}`
	if err := s.AppendEvent(ev); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	evs, err := s.ListEventsByType(EventDecisionIssued, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(evs))
	}
	if evs[0].PayloadJSON != `{"topic":"kenya"}` {
		t.Fatal("original event was overwritten")
	}
}

func TestEventQueriesChronological(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		ev := EventRecord{
			EventID:   id,
			EventType: EventEngagement,
			SessionID: "sess-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendEvent(ev); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	evs, err := s.ListEventsBySession("sess-1", 10)
	if err != nil {
		t.Fatalf("list by session: %v", err)
	}
	if len(evs) != 3 || evs[0].EventID != "ev-1" || evs[2].EventID != "ev-3" {
		t.Fatalf("events out of order: %+v", evs)
	}
}

func TestSnapshotLockLifecycle(t *testing.T) {
	s := openTestStore(t)
	cutoff := time.Now().Add(-time.Hour)

	if err := s.TryLockSnapshot("fp-1", "owner-a", time.Minute, cutoff); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := s.TryLockSnapshot("fp-1", "owner-b", time.Minute, cutoff); !errors.Is(err, ErrConflict) {
		t.Fatalf("second lock err = %v, want ErrConflict", err)
	}

	if err := s.CompleteSnapshot("fp-1", "d1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := s.GetSnapshot("fp-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !rec.Completed() || rec.DecisionID != "d1" {
		t.Fatalf("snapshot not completed: %+v", rec)
	}
	if rec.LockOwner != "" {
		t.Fatalf("lock not cleared: %+v", rec)
	}

	// Late duplicate completion with the same decision id is a no-op.
	if err := s.CompleteSnapshot("fp-1", "d1"); err != nil {
		t.Fatalf("idempotent complete: %v", err)
	}
}

func TestSnapshotExpiredLockIsReclaimable(t *testing.T) {
	s := openTestStore(t)
	cutoff := time.Now().Add(-time.Hour)

	if err := s.TryLockSnapshot("fp-1", "owner-a", -time.Second, cutoff); err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}
	if err := s.TryLockSnapshot("fp-1", "owner-b", time.Minute, cutoff); err != nil {
		t.Fatalf("reclaim expired lock: %v", err)
	}
	rec, _ := s.GetSnapshot("fp-1")
	if rec.LockOwner != "owner-b" {
		t.Fatalf("lock owner = %q, want owner-b", rec.LockOwner)
	}
}

func TestSnapshotStaleCompletionIsReclaimable(t *testing.T) {
	s := openTestStore(t)

	if err := s.CompleteSnapshot("fp-1", "old-decision"); err != nil {
		t.Fatalf("seed completed snapshot: %v", err)
	}

	// Fresh completion resists takeover.
	if err := s.TryLockSnapshot("fp-1", "owner-a", time.Minute, time.Now().Add(-time.Hour)); !errors.Is(err, ErrConflict) {
		t.Fatalf("fresh takeover err = %v, want ErrConflict", err)
	}

	// A cutoff past the completion time marks it stale and grants the lock,
	// clearing the old decision reference so pollers wait for the rebuild.
	if err := s.TryLockSnapshot("fp-1", "owner-a", time.Minute, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("stale takeover: %v", err)
	}
	rec, err := s.GetSnapshot("fp-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if rec.Completed() || rec.DecisionID != "" {
		t.Fatalf("stale decision reference not cleared: %+v", rec)
	}
	if rec.LockOwner != "owner-a" {
		t.Fatalf("lock owner = %q, want owner-a", rec.LockOwner)
	}

	// The rebuild completes over the cleared row.
	if err := s.CompleteSnapshot("fp-1", "new-decision"); err != nil {
		t.Fatalf("complete rebuild: %v", err)
	}
	rec, _ = s.GetSnapshot("fp-1")
	if rec.DecisionID != "new-decision" {
		t.Fatalf("decision id = %q, want new-decision", rec.DecisionID)
	}
}

func TestReleaseSnapshotLockOnlyForOwner(t *testing.T) {
	s := openTestStore(t)
	if err := s.TryLockSnapshot("fp-1", "owner-a", time.Minute, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := s.ReleaseSnapshotLock("fp-1", "owner-b"); err != nil {
		t.Fatalf("release wrong owner: %v", err)
	}
	if _, err := s.GetSnapshot("fp-1"); err != nil {
		t.Fatal("lock released by non-owner")
	}
	if err := s.ReleaseSnapshotLock("fp-1", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.GetSnapshot("fp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after release", err)
	}
}

func TestCountersAtomicOps(t *testing.T) {
	s := openTestStore(t)

	v, err := s.IncrCounter("c1", 1)
	if err != nil || v != 1 {
		t.Fatalf("incr = %d, %v", v, err)
	}
	v, err = s.IncrCounter("c1", 2)
	if err != nil || v != 3 {
		t.Fatalf("incr = %d, %v", v, err)
	}
	if err := s.ResetCounter("c1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	v, err = s.GetCounter("c1")
	if err != nil || v != 0 {
		t.Fatalf("get after reset = %d, %v", v, err)
	}
	if v, err := s.GetCounter("missing"); err != nil || v != 0 {
		t.Fatalf("missing counter = %d, %v", v, err)
	}
}

func TestCreateReviewAndOpenCheck(t *testing.T) {
	s := openTestStore(t)
	rec := ReviewRecord{
		ReviewID:    "r1",
		Topic:       "kenya",
		Reason:      ReviewRefusalRate,
		Explanation: "refusal rate 0.6 over 12 decisions",
	}
	if err := s.CreateReview(rec); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if err := s.CreateReview(rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate review err = %v, want ErrConflict", err)
	}

	open, err := s.HasOpenReview("kenya", ReviewRefusalRate)
	if err != nil || !open {
		t.Fatalf("open = %v, %v", open, err)
	}
	if err := s.SetReviewStatus("r1", "resolved"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	open, err = s.HasOpenReview("kenya", ReviewRefusalRate)
	if err != nil || open {
		t.Fatalf("open after resolve = %v, %v", open, err)
	}
}

func TestConcurrentWritersDoNotContend(t *testing.T) {
	// Every pooled connection must carry the busy timeout, or parallel
	// writers surface raw SQLITE_BUSY instead of waiting their turn.
	s := openTestStore(t)

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := EventRecord{
				EventID:   fmt.Sprintf("ev-%d", i),
				EventType: EventEngagement,
				SessionID: "sess-1",
			}
			if err := s.AppendEvent(ev); err != nil {
				errs[i] = err
				return
			}
			if _, err := s.IncrCounter("busy", 1); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	if v, err := s.GetCounter("busy"); err != nil || v != n {
		t.Fatalf("counter = %d, %v, want %d", v, err, n)
	}
}
