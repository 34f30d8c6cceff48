package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/forms"
)

// timeLayout is how timestamps are written; DATETIME columns read back as time.Time.
const timeLayout = "2006-01-02 15:04:05"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS forms (
        id INTEGER PRIMARY KEY,
        title TEXT NOT NULL DEFAULT '',
        fields_json TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS entries (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        form_id INTEGER NOT NULL,
        values_json TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS entry_meta (
        entry_id INTEGER NOT NULL,
        meta_key TEXT NOT NULL,
        meta_value TEXT NOT NULL,
        PRIMARY KEY (entry_id, meta_key)
    );

    CREATE TABLE IF NOT EXISTS entry_notes (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        entry_id INTEGER NOT NULL,
        title TEXT NOT NULL,
        body TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS ai_logs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL DEFAULT '',
        form_id INTEGER NOT NULL,
        entry_id INTEGER NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('success', 'error')),
        request TEXT,
        response TEXT,
        error_message TEXT,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_ai_logs_form_id ON ai_logs (form_id);
    CREATE INDEX IF NOT EXISTS idx_ai_logs_entry_id ON ai_logs (entry_id);
    CREATE INDEX IF NOT EXISTS idx_ai_logs_created_at ON ai_logs (created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Settings methods
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// DataVersion returns SQLite's data_version for the store's connection. The
// value changes when another connection, usually another process, commits to
// the same database file. Commits made through this store leave it unchanged.
func (s *SQLiteStore) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}

// Form methods
func (s *SQLiteStore) SaveForm(ctx context.Context, form *forms.Form) error {
	fieldsJSON, err := json.Marshal(form.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal form fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO forms (id, title, fields_json, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET title = excluded.title, fields_json = excluded.fields_json, updated_at = excluded.updated_at`,
		form.ID, form.Title, string(fieldsJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save form %d: %w", form.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetForm(ctx context.Context, formID int64) (*forms.Form, error) {
	var form forms.Form
	var fieldsJSON string
	err := s.db.QueryRowContext(ctx, "SELECT id, title, fields_json FROM forms WHERE id = ?", formID).
		Scan(&form.ID, &form.Title, &fieldsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get form: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &form.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of form %d: %w", formID, err)
	}
	return &form, nil
}

func (s *SQLiteStore) ListForms(ctx context.Context) ([]forms.Form, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, fields_json FROM forms ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	var out []forms.Form
	for rows.Next() {
		var form forms.Form
		var fieldsJSON string
		if err := rows.Scan(&form.ID, &form.Title, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan form row: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &form.Fields); err != nil {
			logrus.WithField("form_id", form.ID).Warnf("Skipping form with undecodable fields: %v", err)
			continue
		}
		out = append(out, form)
	}
	return out, rows.Err()
}

// Entry methods
func (s *SQLiteStore) CreateEntry(ctx context.Context, entry *forms.Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	valuesJSON, err := json.Marshal(entry.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal entry values: %w", err)
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO entries (form_id, values_json, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, entry.FormID, string(valuesJSON), formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to execute entry insert: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, entryID int64) (*forms.Entry, error) {
	var entry forms.Entry
	var valuesJSON string
	err := s.db.QueryRowContext(ctx, "SELECT id, form_id, values_json, created_at FROM entries WHERE id = ?", entryID).
		Scan(&entry.ID, &entry.FormID, &valuesJSON, &entry.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	if err := json.Unmarshal([]byte(valuesJSON), &entry.Values); err != nil {
		return nil, fmt.Errorf("failed to decode values of entry %d: %w", entryID, err)
	}
	return &entry, nil
}

// Annotation methods
func (s *SQLiteStore) GetAnnotation(ctx context.Context, entryID int64, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT meta_value FROM entry_meta WHERE entry_id = ? AND meta_key = ?", entryID, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query annotation %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetAnnotation(ctx context.Context, entryID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_meta (entry_id, meta_key, meta_value) VALUES (?, ?, ?)
         ON CONFLICT(entry_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		entryID, key, value)
	if err != nil {
		return fmt.Errorf("failed to save annotation %s: %w", key, err)
	}
	return nil
}

// DeleteAnnotations removes keys from one entry in a single transaction.
// Missing keys are not an error.
func (s *SQLiteStore) DeleteAnnotations(ctx context.Context, entryID int64, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin annotation delete: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entry_meta WHERE entry_id = ? AND meta_key = ?", entryID, key); err != nil {
			return fmt.Errorf("failed to delete annotation %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Note methods
func (s *SQLiteStore) AddNote(ctx context.Context, entryID int64, title, body string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entry_notes (entry_id, title, body, created_at) VALUES (?, ?, ?, ?)",
		entryID, title, body, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNotes(ctx context.Context, entryID int64) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, entry_id, title, body, created_at FROM entry_notes WHERE entry_id = ? ORDER BY id", entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.EntryID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Audit log methods
const logColumns = "id, request_id, form_id, entry_id, status, request, response, error_message, created_at"

func (s *SQLiteStore) InsertLog(ctx context.Context, row *LogRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	stmt, err := s.db.PrepareContext(ctx,
		`INSERT INTO ai_logs (request_id, form_id, entry_id, status, request, response, error_message, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, row.RequestID, row.FormID, row.EntryID, string(row.Status),
		row.Request, row.Response, row.ErrorMessage, formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to execute log insert: %w", err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) CountLogs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ai_logs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return n, nil
}

// ListLogs returns a page of rows, newest first.
func (s *SQLiteStore) ListLogs(ctx context.Context, limit, offset int) ([]LogRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+logColumns+" FROM ai_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var logs []LogRow
	for rows.Next() {
		row, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *row)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) GetLog(ctx context.Context, id int64) (*LogRow, error) {
	row, err := scanLog(s.db.QueryRowContext(ctx, "SELECT "+logColumns+" FROM ai_logs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(sc rowScanner) (*LogRow, error) {
	var row LogRow
	var status string
	var request, response, errMsg sql.NullString
	if err := sc.Scan(&row.ID, &row.RequestID, &row.FormID, &row.EntryID, &status,
		&request, &response, &errMsg, &row.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan log row: %w", err)
	}
	row.Status = LogStatus(status)
	row.Request = request.String
	row.Response = response.String
	row.ErrorMessage = errMsg.String
	return &row, nil
}

// DeleteLogsBefore removes rows created strictly before cutoff.
func (s *SQLiteStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM ai_logs WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) TruncateLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM ai_logs"); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name='ai_logs'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		logrus.Warnf("Could not reset sequence for ai_logs: %v", err)
	}
	return nil
}

// PurgeAnalysisData removes every audit log row and the given annotation keys
// from all entries. Forms, entries and settings are left in place.
func (s *SQLiteStore) PurgeAnalysisData(ctx context.Context, annotationKeys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM ai_logs"); err != nil {
		return fmt.Errorf("failed to purge logs: %w", err)
	}
	for _, key := range annotationKeys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entry_meta WHERE meta_key = ?", key); err != nil {
			return fmt.Errorf("failed to purge annotation %s: %w", key, err)
		}
	}
	return tx.Commit()
}
