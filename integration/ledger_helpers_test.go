package integration_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func loadEventTypes(t *testing.T, dbPath string) map[string]int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open store db: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.Query("SELECT event_type, COUNT(*) FROM events GROUP BY event_type")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	types := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		types[eventType] = count
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate events: %v", err)
	}
	return types
}

func requireEvents(t *testing.T, dbPath string, want []string) {
	t.Helper()
	types := loadEventTypes(t, dbPath)
	for _, eventType := range want {
		if types[eventType] == 0 {
			t.Fatalf("missing event %s in %s", eventType, dbPath)
		}
	}
}

func requireDecisionState(t *testing.T, dbPath, decisionID, want string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open store db: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	var state string
	err = db.QueryRow("SELECT state FROM decisions WHERE decision_id = ?", decisionID).Scan(&state)
	if err != nil {
		t.Fatalf("query decision %s: %v", decisionID, err)
	}
	if state != want {
		t.Fatalf("decision %s state = %s, want %s", decisionID, state, want)
	}
}
