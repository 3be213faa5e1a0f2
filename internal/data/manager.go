package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp         TEXT NOT NULL,
	convo_id          INTEGER NOT NULL,
	message_id        INTEGER NOT NULL,
	context           TEXT NOT NULL DEFAULT '',
	input             TEXT NOT NULL DEFAULT '',
	response          TEXT NOT NULL DEFAULT '',
	mood              TEXT NOT NULL,
	trust             REAL NOT NULL,
	epochs_classifier INTEGER NOT NULL DEFAULT 0,
	epochs_generator  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_interactions_epochs ON interactions(epochs_classifier, id);
`

// #endregion schema

// #region config
// Config controls slice size and backup rotation.
type Config struct {
	BackupDir  string // empty disables backups
	MaxBackups int
	SliceSize  int
}

// DefaultConfig returns the stock data settings.
func DefaultConfig() Config {
	return Config{MaxBackups: 3, SliceSize: 64}
}

// #endregion config

const backupPrefix = "interactions_"

// #region manager
// Manager buffers interaction records in memory and persists them to the
// interactions table on Save. It also selects classifier training slices.
type Manager struct {
	db  *sql.DB
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	pending []convo.InteractionRecord
}

// NewManager creates the interactions table if needed.
func NewManager(db *sql.DB, cfg Config, log *zap.Logger) (*Manager, error) {
	if cfg.SliceSize <= 0 {
		return nil, fmt.Errorf("slice size must be positive, got %d", cfg.SliceSize)
	}
	if cfg.MaxBackups < 1 {
		cfg.MaxBackups = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate interactions: %w", err)
	}
	return &Manager{db: db, cfg: cfg, log: log.Named("data"), now: time.Now}, nil
}

// #endregion manager

// #region create-record
// CreateRecord starts a record for input. Mood defaults to neutral and the
// inference pipeline fills in the rest.
func (m *Manager) CreateRecord(input convo.ConvoMessage) convo.InteractionRecord {
	ts := input.Timestamp
	if ts == "" {
		ts = convo.Timestamp(m.now())
	}
	return convo.InteractionRecord{
		Timestamp: ts,
		ConvoID:   input.ConvoID,
		MessageID: input.MessageID,
		Input:     input.Text,
		Mood:      convo.MoodNeutral,
	}
}

// #endregion create-record

// #region add
// Add buffers rec until the next Save.
func (m *Manager) Add(rec convo.InteractionRecord) error {
	if !rec.Mood.Valid() {
		return fmt.Errorf("add record %d: invalid mood %d", rec.MessageID, rec.Mood)
	}
	m.mu.Lock()
	m.pending = append(m.pending, rec)
	n := len(m.pending)
	m.mu.Unlock()
	m.log.Debug("record buffered", zap.Int("message_id", rec.MessageID), zap.Int("pending", n))
	return nil
}

// Pending returns the number of records not yet saved.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// #endregion add

// #region save
// Save writes the buffered records in one transaction, then takes a backup of
// the database. Records stay buffered if the write fails.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if err := m.insert(ctx, batch); err != nil {
		m.mu.Lock()
		m.pending = append(batch, m.pending...)
		m.mu.Unlock()
		return err
	}
	m.log.Info("interactions saved", zap.Int("records", len(batch)))

	if m.cfg.BackupDir == "" {
		return nil
	}
	path, err := m.backup(ctx)
	if err != nil {
		return err
	}
	removed, err := m.prune()
	if err != nil {
		return err
	}
	m.log.Debug("backup written", zap.String("path", path), zap.Int("pruned", removed))
	return nil
}

func (m *Manager) insert(ctx context.Context, batch []convo.InteractionRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO interactions
		 (timestamp, convo_id, message_id, context, input, response, mood, trust, epochs_classifier, epochs_generator)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err := stmt.ExecContext(ctx, r.Timestamp, r.ConvoID, r.MessageID, r.Context, r.Input,
			r.Response, r.Mood.String(), r.Trust, r.ClassifierEpochs, r.GeneratorEpochs)
		if err != nil {
			return fmt.Errorf("insert record %d: %w", r.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit interactions: %w", err)
	}
	return nil
}

// #endregion save

// #region backup
func (m *Manager) backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	path := filepath.Join(m.cfg.BackupDir, backupPrefix+convo.Timestamp(m.now())+".db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

// Backups lists backup files oldest first.
func (m *Manager) Backups() ([]string, error) {
	if m.cfg.BackupDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		out = append(out, filepath.Join(m.cfg.BackupDir, e.Name()))
	}
	// Timestamps in the file names sort chronologically.
	sort.Strings(out)
	return out, nil
}

func (m *Manager) prune() (int, error) {
	files, err := m.Backups()
	if err != nil {
		return 0, err
	}
	if len(files) <= m.cfg.MaxBackups {
		return 0, nil
	}
	stale := files[:len(files)-m.cfg.MaxBackups]
	for _, f := range stale {
		if err := os.Remove(f); err != nil {
			return 0, fmt.Errorf("prune backup: %w", err)
		}
	}
	return len(stale), nil
}

// #endregion backup

// #region training-data
// ClassifierTrainingData selects up to SliceSize saved records sharing the
// lowest classifier epoch count and increments that count for each of them.
// An empty table yields an empty dataset.
func (m *Manager) ClassifierTrainingData(ctx context.Context) (convo.Dataset, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return convo.Dataset{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var minEpoch sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MIN(epochs_classifier) FROM interactions`).Scan(&minEpoch); err != nil {
		return convo.Dataset{}, fmt.Errorf("min epoch: %w", err)
	}
	ds := convo.Dataset{ID: uuid.New().String()}
	if !minEpoch.Valid {
		return ds, nil
	}
	ds.Epoch = int(minEpoch.Int64)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, timestamp, convo_id, message_id, context, input, response, mood, trust,
		        epochs_classifier, epochs_generator
		 FROM interactions WHERE epochs_classifier = ? ORDER BY id LIMIT ?`,
		ds.Epoch, m.cfg.SliceSize)
	if err != nil {
		return convo.Dataset{}, fmt.Errorf("select slice: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var r convo.InteractionRecord
		var mood string
		err := rows.Scan(&id, &r.Timestamp, &r.ConvoID, &r.MessageID, &r.Context, &r.Input,
			&r.Response, &mood, &r.Trust, &r.ClassifierEpochs, &r.GeneratorEpochs)
		if err != nil {
			rows.Close()
			return convo.Dataset{}, fmt.Errorf("scan record: %w", err)
		}
		if r.Mood, err = convo.ParseMood(mood); err != nil {
			rows.Close()
			return convo.Dataset{}, fmt.Errorf("record %d: %w", id, err)
		}
		ids = append(ids, id)
		ds.Records = append(ds.Records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return convo.Dataset{}, fmt.Errorf("read slice: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE interactions SET epochs_classifier = epochs_classifier + 1 WHERE id = ?`, id); err != nil {
			return convo.Dataset{}, fmt.Errorf("bump epoch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return convo.Dataset{}, fmt.Errorf("commit slice: %w", err)
	}

	m.log.Debug("training slice selected",
		zap.String("slice_id", ds.ID),
		zap.Int("epoch", ds.Epoch),
		zap.Int("records", ds.Len()))
	return ds, nil
}

// #endregion training-data

// Count returns the number of saved records.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return n, nil
}
