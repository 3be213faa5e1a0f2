package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region schema
const journalSchema = `
CREATE TABLE IF NOT EXISTS transition_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id  TEXT,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	reason      TEXT,
	trust       REAL NOT NULL,
	created_at  TEXT NOT NULL
);
`

// #endregion schema

// #region journal
// Journal appends coordinator state transitions to the transition_log table.
type Journal struct {
	db *sql.DB
}

// NewJournal creates the transition_log table if needed.
func NewJournal(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("migrate transition_log: %w", err)
	}
	return &Journal{db: db}, nil
}

// #endregion journal

// #region record
// Record writes one transition entry.
func (j *Journal) Record(entry TransitionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.Exec(
		`INSERT INTO transition_log (version_id, from_state, to_state, trigger, reason, trust, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(entry.VersionID),
		entry.FromState,
		entry.ToState,
		entry.Trigger,
		nullIfEmpty(entry.Reason),
		entry.Trust,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// #endregion record

// #region list
// List returns up to limit entries, newest first.
func (j *Journal) List(limit int) ([]TransitionEntry, error) {
	rows, err := j.db.Query(
		`SELECT version_id, from_state, to_state, trigger, reason, trust, created_at
		 FROM transition_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionEntry
	for rows.Next() {
		var e TransitionEntry
		var versionID, reason sql.NullString
		var created string
		if err := rows.Scan(&versionID, &e.FromState, &e.ToState, &e.Trigger, &reason, &e.Trust, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
