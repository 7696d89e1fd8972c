package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Journal records engine lifecycle transitions and gap-fill outcomes in a
// local SQLite file so a restarted operator can see what the previous run
// did without touching the target database. Write failures are logged and
// never fatal.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (and if needed creates) the journal database.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		log.Printf("Warning: Failed to set WAL mode: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sim_run_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TIMESTAMP NOT NULL,
		tenant_id TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT,
		records_generated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sim_run_log_time ON sim_run_log(occurred_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends one journal row. Errors are logged, not returned; the
// journal must never take the simulator down.
func (j *Journal) Record(tenantID, event, detail string, records int64) {
	if j == nil {
		return
	}
	_, err := j.db.Exec(
		`INSERT INTO sim_run_log (occurred_at, tenant_id, event, detail, records_generated)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), tenantID, event, detail, records)
	if err != nil {
		log.Printf("[Journal] write failed: %v", err)
	}
}

// RecentRuns returns the latest n journal rows, newest first.
func (j *Journal) RecentRuns(n int) ([]RunLogEntry, error) {
	rows, err := j.db.Query(
		`SELECT occurred_at, tenant_id, event, detail, records_generated
		 FROM sim_run_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	var entries []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		if err := rows.Scan(&e.OccurredAt, &e.TenantID, &e.Event, &e.Detail, &e.RecordsGenerated); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RunLogEntry is one row of the local run journal.
type RunLogEntry struct {
	OccurredAt       time.Time `json:"occurred_at"`
	TenantID         string    `json:"tenant_id"`
	Event            string    `json:"event"`
	Detail           string    `json:"detail"`
	RecordsGenerated int64     `json:"records_generated"`
}

// Close shuts the journal down.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
