package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SnapshotRecord is keyed by fingerprint and holds either a completed
// decision reference with a freshness timestamp, or an in-flight lock.
type SnapshotRecord struct {
	Fingerprint    string
	DecisionID     string
	CompletedAt    *time.Time
	LockOwner      string
	LockAcquiredAt *time.Time
	LockExpiresAt  *time.Time
}

// Completed reports whether the snapshot carries a finished decision.
func (r SnapshotRecord) Completed() bool {
	return r.DecisionID != "" && r.CompletedAt != nil
}

// LockExpired reports whether the lock half has passed its TTL.
func (r SnapshotRecord) LockExpired(now time.Time) bool {
	return r.LockExpiresAt != nil && now.After(*r.LockExpiresAt)
}

// GetSnapshot reads the snapshot row for a fingerprint.
func (s *Store) GetSnapshot(fingerprint string) (*SnapshotRecord, error) {
	row := s.db.QueryRow(`
		SELECT fingerprint, decision_id, completed_at, lock_owner, lock_acquired_at, lock_expires_at
		FROM snapshots WHERE fingerprint = ?`, fingerprint)

	var rec SnapshotRecord
	var decisionID, completedAt, lockOwner, lockAcquiredAt, lockExpiresAt sql.NullString
	err := row.Scan(&rec.Fingerprint, &decisionID, &completedAt, &lockOwner, &lockAcquiredAt, &lockExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	rec.DecisionID = decisionID.String
	rec.LockOwner = lockOwner.String
	rec.CompletedAt = parseTimePtr(completedAt)
	rec.LockAcquiredAt = parseTimePtr(lockAcquiredAt)
	rec.LockExpiresAt = parseTimePtr(lockExpiresAt)
	return &rec, nil
}

// TryLockSnapshot attempts the conditional create of a lock row for the
// fingerprint. It succeeds when no row exists, when the existing row is an
// expired lock with no completed decision, or when the completed decision
// predates staleBefore and must be rebuilt. Taking over a stale completion
// clears its decision reference so pollers wait for the rebuild instead of
// reading the old result. ErrConflict means another builder holds the
// fingerprint or a fresh decision already exists.
func (s *Store) TryLockSnapshot(fingerprint, owner string, ttl time.Duration, staleBefore time.Time) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.Exec(`
		INSERT INTO snapshots (fingerprint, lock_owner, lock_acquired_at, lock_expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			decision_id = NULL,
			completed_at = NULL,
			lock_owner = excluded.lock_owner,
			lock_acquired_at = excluded.lock_acquired_at,
			lock_expires_at = excluded.lock_expires_at
		WHERE (snapshots.decision_id IS NULL
				AND snapshots.lock_expires_at IS NOT NULL
				AND snapshots.lock_expires_at < ?)
			OR (snapshots.decision_id IS NOT NULL
				AND snapshots.completed_at < ?)
	`, fingerprint, owner, now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), staleBefore.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("lock snapshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock snapshot rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteSnapshot records the finished decision for a fingerprint and clears
// the lock. Writing the same decision id twice is a no-op, so a late
// duplicate completion from a retried builder is harmless.
func (s *Store) CompleteSnapshot(fingerprint, decisionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO snapshots (fingerprint, decision_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			decision_id = excluded.decision_id,
			completed_at = excluded.completed_at,
			lock_owner = NULL,
			lock_acquired_at = NULL,
			lock_expires_at = NULL
		WHERE snapshots.decision_id IS NULL OR snapshots.decision_id = excluded.decision_id
	`, fingerprint, decisionID, now)
	if err != nil {
		return fmt.Errorf("complete snapshot: %w", err)
	}
	return nil
}

// ReleaseSnapshotLock deletes a lock held by owner without writing a result.
// Used when a builder fails before producing any decision record.
func (s *Store) ReleaseSnapshotLock(fingerprint, owner string) error {
	_, err := s.db.Exec(`
		DELETE FROM snapshots
		WHERE fingerprint = ? AND lock_owner = ? AND decision_id IS NULL
	`, fingerprint, owner)
	if err != nil {
		return fmt.Errorf("release snapshot lock: %w", err)
	}
	return nil
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
