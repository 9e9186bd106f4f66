// Package store provides SQLite-backed persistence for baziunlock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/baziunlock/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the local SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the TUI and a CLI invocation share the file.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_kv (
		session TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session, key)
	);

	CREATE TABLE IF NOT EXISTS theme_content (
		subject_id TEXT NOT NULL,
		theme TEXT NOT NULL,
		content TEXT NOT NULL,
		cached_at INTEGER NOT NULL,
		PRIMARY KEY (subject_id, theme)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_key TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pdr_task_key ON pdr(task_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Session KV Operations ---

// GetValue reads a session-scoped value. The bool is false when absent.
func (s *Store) GetValue(session, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM session_kv WHERE session = ? AND key = ?`,
		session, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query value: %w", err)
	}
	return value, true, nil
}

// SetValue upserts a session-scoped value.
func (s *Store) SetValue(session, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_kv (session, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		session, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert value: %w", err)
	}
	return nil
}

// DeleteValue removes a session-scoped value. Missing keys are not an error.
func (s *Store) DeleteValue(session, key string) error {
	_, err := s.db.Exec(`DELETE FROM session_kv WHERE session = ? AND key = ?`, session, key)
	return err
}

// ClearSession drops every value stored for a session.
func (s *Store) ClearSession(session string) error {
	_, err := s.db.Exec(`DELETE FROM session_kv WHERE session = ?`, session)
	return err
}

// SessionKV is a key/value view bound to one session.
type SessionKV struct {
	store   *Store
	session string
}

// Session returns a key/value view scoped to the named session.
func (s *Store) Session(name string) *SessionKV {
	return &SessionKV{store: s, session: name}
}

// Get reads a value from the session.
func (kv *SessionKV) Get(key string) (string, bool, error) {
	return kv.store.GetValue(kv.session, key)
}

// Set writes a value to the session.
func (kv *SessionKV) Set(key, value string) error {
	return kv.store.SetValue(kv.session, key, value)
}

// Delete removes a value from the session.
func (kv *SessionKV) Delete(key string) error {
	return kv.store.DeleteValue(kv.session, key)
}

// --- Theme Content Operations ---

// PutThemeContent caches unlocked content for a subject's theme.
func (s *Store) PutThemeContent(subjectID string, theme models.Theme, content string) error {
	if subjectID == "" || theme == "" || content == "" {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO theme_content (subject_id, theme, content, cached_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id, theme) DO UPDATE SET content = excluded.content, cached_at = excluded.cached_at`,
		subjectID, string(theme), content, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert theme content: %w", err)
	}
	return nil
}

// PutThemeContentBatch caches several themes for a subject in one transaction.
// Entries with empty content are skipped.
func (s *Store) PutThemeContentBatch(subjectID string, contents map[models.Theme]string) error {
	if subjectID == "" || len(contents) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for theme, content := range contents {
		if theme == "" || content == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO theme_content (subject_id, theme, content, cached_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(subject_id, theme) DO UPDATE SET content = excluded.content, cached_at = excluded.cached_at`,
			subjectID, string(theme), content, now,
		); err != nil {
			return fmt.Errorf("upsert theme content: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSubjectThemeContent returns cached content for a subject, skipping
// entries older than maxAge. A zero maxAge disables expiry.
func (s *Store) GetSubjectThemeContent(subjectID string, maxAge time.Duration) (map[models.Theme]string, error) {
	query := `SELECT theme, content FROM theme_content WHERE subject_id = ?`
	args := []interface{}{subjectID}
	if maxAge > 0 {
		query += ` AND cached_at > ?`
		args = append(args, time.Now().Add(-maxAge).UnixMilli())
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query theme content: %w", err)
	}
	defer rows.Close()

	contents := make(map[models.Theme]string)
	for rows.Next() {
		var theme, content string
		if err := rows.Scan(&theme, &content); err != nil {
			return nil, fmt.Errorf("scan theme content: %w", err)
		}
		contents[models.Theme(theme)] = content
	}
	return contents, rows.Err()
}

// DeleteThemeContent drops cached content for one theme of a subject.
func (s *Store) DeleteThemeContent(subjectID string, theme models.Theme) error {
	_, err := s.db.Exec(`DELETE FROM theme_content WHERE subject_id = ? AND theme = ?`, subjectID, string(theme))
	if err != nil {
		return fmt.Errorf("delete theme content: %w", err)
	}
	return nil
}

// DeleteSubjectContent drops all cached content for a subject.
func (s *Store) DeleteSubjectContent(subjectID string) error {
	_, err := s.db.Exec(`DELETE FROM theme_content WHERE subject_id = ?`, subjectID)
	return err
}

// ContentStats reports how many subjects and themes are cached.
func (s *Store) ContentStats() (subjects, themes int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(DISTINCT subject_id), COUNT(*) FROM theme_content`,
	).Scan(&subjects, &themes)
	if err != nil {
		return 0, 0, fmt.Errorf("query content stats: %w", err)
	}
	return subjects, themes, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskKey, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskKey:    taskKey,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_key, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskKey, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns records for a task key, oldest first.
func (s *Store) ListPDR(taskKey string) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, task_key, details, timestamp FROM pdr WHERE task_key = ? ORDER BY timestamp ASC, rowid ASC`,
		taskKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var key, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &key, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskKey = key.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
