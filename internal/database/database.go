// Package database persists scan history and user settings in SQLite.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Database handles SQLite operations.
type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

// ScanRecord is one successful analysis.
type ScanRecord struct {
	ID          string    `json:"id" yaml:"id"`
	SessionID   string    `json:"session_id" yaml:"session_id"`
	Mode        string    `json:"mode" yaml:"mode"`
	Fingerprint string    `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	ItemCount   int       `json:"item_count" yaml:"item_count"`
	RequestID   string    `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Labels      []string  `json:"labels" yaml:"labels"`
	Repeats     int       `json:"repeats" yaml:"repeats"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// ScanFilter narrows ListScans. Zero fields do not filter.
type ScanFilter struct {
	SessionID string
	Mode      string
	Since     time.Time
	Limit     int
}

// New opens the database at path. Use ":memory:" only with a single connection.
func New(path string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: logger.With("component", "database")}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate creates the schema if it does not exist.
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			fingerprint TEXT,
			item_count INTEGER NOT NULL DEFAULT 0,
			request_id TEXT,
			labels TEXT NOT NULL DEFAULT '[]',
			repeats INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_time ON scans(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_session_time ON scans(session_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug("migrations completed")
	return nil
}

// SaveScan inserts rec, assigning an id and timestamp when missing.
func (d *Database) SaveScan(ctx context.Context, rec *ScanRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Labels == nil {
		rec.Labels = []string{}
	}
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	query := `INSERT INTO scans
		(id, session_id, mode, fingerprint, item_count, request_id, labels, repeats, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.SessionID, rec.Mode, rec.Fingerprint,
		rec.ItemCount, rec.RequestID, string(labels), rec.Repeats, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

const scanColumns = `id, session_id, mode, fingerprint, item_count, request_id, labels, repeats, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ScanRecord, error) {
	var (
		rec         ScanRecord
		fingerprint sql.NullString
		requestID   sql.NullString
		labels      string
		createdAt   int64
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Mode, &fingerprint, &rec.ItemCount,
		&requestID, &labels, &rec.Repeats, &createdAt); err != nil {
		return nil, err
	}
	rec.Fingerprint = fingerprint.String
	rec.RequestID = requestID.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	return &rec, nil
}

// GetScan returns the scan with id, or nil if there is none.
func (d *Database) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return rec, nil
}

// ListScans returns scans newest first.
func (d *Database) ListScans(ctx context.Context, f ScanFilter) ([]*ScanRecord, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE 1=1`
	args := []any{}

	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Mode != "" {
		query += " AND mode = ?"
		args = append(args, f.Mode)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var out []*ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteScansBefore removes scans older than before and returns how many.
func (d *Database) DeleteScansBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM scans WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scans: %w", err)
	}
	return result.RowsAffected()
}

// SaveSetting upserts a setting.
func (d *Database) SaveSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := d.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// GetSetting returns the value for key and whether it exists.
func (d *Database) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting: %w", err)
	}
	return value, true, nil
}

// ListSettings returns every stored setting.
func (d *Database) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// DeleteSetting removes key.
func (d *Database) DeleteSetting(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
