package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS coordinator_snapshots (
	version_id        TEXT PRIMARY KEY,
	parent_id         TEXT,
	loop_state        TEXT NOT NULL,
	trust             REAL NOT NULL,
	trust_mod         REAL NOT NULL,
	classifier_epochs INTEGER NOT NULL DEFAULT 0,
	training_steps    INTEGER NOT NULL DEFAULT 0,
	reason            TEXT,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES coordinator_snapshots(version_id)
);

CREATE TABLE IF NOT EXISTS active_snapshot (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES coordinator_snapshots(version_id)
);
`

// #endregion schema

// #region store-struct
// Store manages versioned coordinator snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (data, logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region create-initial
// CreateInitialSnapshot commits a root snapshot in the loading state.
func (s *Store) CreateInitialSnapshot(trust, trustMod float64) (Snapshot, error) {
	snap := Snapshot{
		VersionID: uuid.New().String(),
		LoopState: "loading",
		Trust:     trust,
		TrustMod:  trustMod,
		Reason:    "initial",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitSnapshot(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// #endregion create-initial

// #region get-current
// GetCurrent reads the active snapshot. It returns ErrNoSnapshot when none
// has been committed.
func (s *Store) GetCurrent() (Snapshot, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
// GetVersion retrieves a specific snapshot by ID.
func (s *Store) GetVersion(id string) (Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, loop_state, trust, trust_mod, classifier_epochs,
		        training_steps, reason, created_at
		 FROM coordinator_snapshots WHERE version_id = ?`, id,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return snap, nil
}

// #endregion get-version

// #region commit
// CommitSnapshot inserts a new snapshot and moves the active pointer to it
// atomically.
func (s *Store) CommitSnapshot(snap Snapshot) error {
	if snap.VersionID == "" {
		snap.VersionID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO coordinator_snapshots
		 (version_id, parent_id, loop_state, trust, trust_mod, classifier_epochs, training_steps, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.VersionID, nullIfEmpty(snap.ParentID), snap.LoopState, snap.Trust, snap.TrustMod,
		snap.ClassifierEpochs, snap.TrainingSteps, nullIfEmpty(snap.Reason),
		snap.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		snap.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return tx.Commit()
}

// #endregion commit

// #region rollback
// Rollback points the active snapshot at a previous version. The coordinator
// reads it on its next start.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM coordinator_snapshots WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", targetVersionID)
	}

	_, err = s.db.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		targetVersionID,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list
// ListSnapshots returns the most recent snapshots, newest first.
func (s *Store) ListSnapshots(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, loop_state, trust, trust_mod, classifier_epochs,
		        training_steps, reason, created_at
		 FROM coordinator_snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// #endregion list

// #region scan
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var snap Snapshot
	var parentID, reason sql.NullString
	var createdStr string
	err := row.Scan(&snap.VersionID, &parentID, &snap.LoopState, &snap.Trust, &snap.TrustMod,
		&snap.ClassifierEpochs, &snap.TrainingSteps, &reason, &createdStr)
	if err != nil {
		return Snapshot{}, err
	}
	snap.ParentID = parentID.String
	snap.Reason = reason.String
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return snap, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion scan
