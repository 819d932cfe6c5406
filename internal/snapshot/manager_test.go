package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tripverdict/internal/store"
)

func testManager(t *testing.T, pollBudget time.Duration) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, time.Minute, time.Hour, 5*time.Millisecond, pollBudget), s
}

func TestAcquireGrantsLeaseWhenUnseen(t *testing.T) {
	m, _ := testManager(t, 50*time.Millisecond)

	acq, err := m.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.Lease == nil || acq.HitDecisionID != "" {
		t.Fatalf("expected lease, got %+v", acq)
	}
	if acq.Lease.Fingerprint != "fp-1" || acq.Lease.Owner == "" {
		t.Fatalf("bad lease: %+v", acq.Lease)
	}
}

func TestAcquireReturnsHitForFreshSnapshot(t *testing.T) {
	m, s := testManager(t, 50*time.Millisecond)
	if err := s.CompleteSnapshot("fp-1", "d1"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	acq, err := m.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.HitDecisionID != "d1" || acq.Lease != nil {
		t.Fatalf("expected cache hit, got %+v", acq)
	}
}

func TestAcquireRebuildsStaleSnapshot(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := NewManager(s, time.Minute, 10*time.Millisecond, 5*time.Millisecond, 50*time.Millisecond)

	if err := s.CompleteSnapshot("fp-1", "old-decision"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	acq, err := m.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.Lease == nil {
		t.Fatalf("stale snapshot must yield a rebuild lease, got %+v", acq)
	}
	if err := m.Complete(acq.Lease, "new-decision"); err != nil {
		t.Fatalf("complete rebuild: %v", err)
	}

	second, err := m.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.HitDecisionID != "new-decision" {
		t.Fatalf("second = %+v, want hit on the rebuilt decision", second)
	}
}

func TestAcquireLoserGetsWinnerResult(t *testing.T) {
	m, _ := testManager(t, time.Second)

	winner, err := m.Acquire(context.Background(), "fp-1")
	if err != nil || winner.Lease == nil {
		t.Fatalf("winner acquire: %+v, %v", winner, err)
	}

	done := make(chan Acquisition, 1)
	go func() {
		acq, err := m.Acquire(context.Background(), "fp-1")
		if err != nil {
			t.Errorf("loser acquire: %v", err)
		}
		done <- acq
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Complete(winner.Lease, "d1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case acq := <-done:
		if acq.HitDecisionID != "d1" {
			t.Fatalf("loser got %+v, want hit d1", acq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loser never observed winner result")
	}
}

func TestAcquireDefersWhenBudgetSpent(t *testing.T) {
	m, _ := testManager(t, 30*time.Millisecond)

	winner, err := m.Acquire(context.Background(), "fp-1")
	if err != nil || winner.Lease == nil {
		t.Fatalf("winner acquire: %+v, %v", winner, err)
	}

	// Winner never completes within the budget.
	_, err = m.Acquire(context.Background(), "fp-1")
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestAwaitResultHonorsContext(t *testing.T) {
	m, _ := testManager(t, time.Minute)

	if _, err := m.Acquire(context.Background(), "fp-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.AwaitResult(ctx, "fp-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestReleaseFreesFingerprint(t *testing.T) {
	m, _ := testManager(t, 30*time.Millisecond)

	first, err := m.Acquire(context.Background(), "fp-1")
	if err != nil || first.Lease == nil {
		t.Fatalf("first acquire: %+v, %v", first, err)
	}
	if err := m.Release(first.Lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := m.Acquire(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Lease == nil {
		t.Fatalf("expected fresh lease after release, got %+v", second)
	}
}
