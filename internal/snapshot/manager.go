// Package snapshot arbitrates concurrent duplicate work: at most one builder
// computes a decision per fingerprint, everyone else gets the cached result
// or a deferred outcome.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tripverdict/internal/store"
)

// ErrLockHeld indicates another builder owns the fingerprint and its result
// did not appear within the polling budget. Callers defer, they do not fail.
var ErrLockHeld = errors.New("fingerprint locked by another builder")

// Manager wraps the store's snapshot table with freshness and TTL policy.
type Manager struct {
	store        *store.Store
	lockTTL      time.Duration
	freshness    time.Duration
	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewManager creates a manager with the given bounds.
func NewManager(s *store.Store, lockTTL, freshness, pollInterval, pollBudget time.Duration) *Manager {
	return &Manager{
		store:        s,
		lockTTL:      lockTTL,
		freshness:    freshness,
		pollInterval: pollInterval,
		pollBudget:   pollBudget,
	}
}

// Acquisition is the result of Acquire: exactly one of HitDecisionID or
// Lease is set.
type Acquisition struct {
	// HitDecisionID is the cached decision for a fresh snapshot.
	HitDecisionID string
	// Lease is held by the caller, who must Complete or Release it.
	Lease *Lease
}

// Lease records lock ownership for a fingerprint.
type Lease struct {
	Fingerprint string
	Owner       string
}

// Acquire returns a cache hit when a fresh snapshot exists, otherwise
// attempts the conditional lock create. Losing the race returns ErrLockHeld
// after AwaitResult's polling budget runs out without a winner result.
func (m *Manager) Acquire(ctx context.Context, fingerprint string) (Acquisition, error) {
	rec, err := m.store.GetSnapshot(fingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Acquisition{}, err
	}
	if rec != nil && rec.Completed() && time.Since(*rec.CompletedAt) < m.freshness {
		return Acquisition{HitDecisionID: rec.DecisionID}, nil
	}

	// A stale completion is lock takeover territory, not a hit; the store
	// clears the old decision reference when the takeover wins.
	owner := uuid.New().String()
	err = m.store.TryLockSnapshot(fingerprint, owner, m.lockTTL, time.Now().Add(-m.freshness))
	if err == nil {
		return Acquisition{Lease: &Lease{Fingerprint: fingerprint, Owner: owner}}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return Acquisition{}, err
	}

	// Lost the race: the winner's snapshot is a cache-hit-to-be.
	decisionID, err := m.AwaitResult(ctx, fingerprint)
	if err != nil {
		return Acquisition{}, err
	}
	return Acquisition{HitDecisionID: decisionID}, nil
}

// AwaitResult polls for the winning builder's snapshot until the budget is
// spent, then reports ErrLockHeld so the caller can defer.
func (m *Manager) AwaitResult(ctx context.Context, fingerprint string) (string, error) {
	deadline := time.Now().Add(m.pollBudget)
	for {
		rec, err := m.store.GetSnapshot(fingerprint)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if rec != nil && rec.Completed() {
			return rec.DecisionID, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Complete writes the finished decision reference for the lease's
// fingerprint. Idempotent for the same decision id.
func (m *Manager) Complete(lease *Lease, decisionID string) error {
	return m.store.CompleteSnapshot(lease.Fingerprint, decisionID)
}

// Release drops the lease without a result, e.g. after a transport failure
// that produced no decision record.
func (m *Manager) Release(lease *Lease) error {
	return m.store.ReleaseSnapshotLock(lease.Fingerprint, lease.Owner)
}
