package main

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Journal is a small sqlite event log: loop starts/stops, fetch errors,
// backoffs, memory warnings and restart requests. It survives the daily
// process restarts, which is the whole point. Best-effort: a nil Journal or a
// failed insert never affects the loop.
type Journal struct {
	db    *sql.DB
	runID string
}

// Event is one journalled occurrence.
type Event struct {
	ID     int64     `json:"id"`
	RunID  string    `json:"run_id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	at     TEXT NOT NULL,
	kind   TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
`

func OpenJournal(path, runID string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite tolerates a single writer; the loop goroutine and the odd
	// control request are the only writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db, runID: runID}, nil
}

// Record inserts one event. Safe on a nil receiver.
func (j *Journal) Record(kind, detail string) {
	if j == nil {
		return
	}
	_, err := j.db.Exec(
		"INSERT INTO events (run_id, at, kind, detail) VALUES (?, ?, ?, ?)",
		j.runID, time.Now().UTC().Format(time.RFC3339Nano), kind, detail,
	)
	if err != nil {
		log.Printf("journal: record %s: %v", kind, err)
	}
}

// Recent returns the newest n events, newest first.
func (j *Journal) Recent(n int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query(
		"SELECT id, run_id, at, kind, detail FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.ID, &e.RunID, &at, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
