package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Guardrail counters are promoted to the shared store so circuit state stays
// consistent across concurrently running hosts. Each operation is a single
// atomic statement; threshold decisions happen in the guardrail package over
// a read snapshot.

// IncrCounter atomically adds delta to a named counter and returns the new value.
func (s *Store) IncrCounter(name string, delta int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO guard_counters (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at
	`, name, delta, now)
	if err != nil {
		return 0, fmt.Errorf("incr counter %s: %w", name, err)
	}
	return s.GetCounter(name)
}

// SetCounter forces a counter to an exact value.
func (s *Store) SetCounter(name string, value int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO guard_counters (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, value, now)
	if err != nil {
		return fmt.Errorf("set counter %s: %w", name, err)
	}
	return nil
}

// ResetCounter zeroes a counter. Explicit operator/success action only.
func (s *Store) ResetCounter(name string) error {
	return s.SetCounter(name, 0)
}

// GetCounter reads a counter; missing counters read as zero.
func (s *Store) GetCounter(name string) (int64, error) {
	var value int64
	err := s.db.QueryRow(`SELECT value FROM guard_counters WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", name, err)
	}
	return value, nil
}

// ListCounters returns all counters by name.
func (s *Store) ListCounters() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT name, value FROM guard_counters`)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return out, nil
}
