// Package storage persists the history of files received by the virtual
// printer so the orchestrator can feed them into archive ingestion.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// UploadRecord is one completed upload as seen by the FTPS server's
// callback.
type UploadRecord struct {
	ID         int64
	Filename   string
	Path       string
	SourceIP   string
	SizeBytes  int64
	ReceivedAt time.Time
}

// UploadStore records received uploads in SQLite.
type UploadStore struct {
	db *sql.DB
}

// NewUploadStore opens (or creates) the upload-history database.
// An empty path uses an in-memory database.
func NewUploadStore(dbPath string) (*UploadStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer (the upload callback) plus occasional reads; a small
	// pool with WAL covers it.
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &UploadStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *UploadStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			path TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			received_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_received_at ON uploads(received_at);
	`)
	return err
}

// Record inserts one completed upload.
func (s *UploadStore) Record(rec UploadRecord) (int64, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	result, err := s.db.Exec(
		`INSERT INTO uploads (filename, path, source_ip, size_bytes, received_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Filename, rec.Path, rec.SourceIP, rec.SizeBytes, rec.ReceivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record upload: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns up to limit uploads, newest first.
func (s *UploadStore) Recent(limit int) ([]UploadRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, filename, path, source_ip, size_bytes, received_at
		 FROM uploads ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var records []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.Path, &rec.SourceIP, &rec.SizeBytes, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of recorded uploads.
func (s *UploadStore) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM uploads`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *UploadStore) Close() error {
	return s.db.Close()
}
