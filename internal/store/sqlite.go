package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createFilesTable = `
CREATE TABLE IF NOT EXISTS synced_files (
    path        TEXT PRIMARY KEY,
    size        INTEGER NOT NULL,
    mod_time    INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    remote_id   INTEGER NOT NULL DEFAULT 0,
    face_count  INTEGER NOT NULL DEFAULT 0,
    synced_at   INTEGER NOT NULL
)`

const createFailuresTable = `
CREATE TABLE IF NOT EXISTS failed_files (
    path        TEXT PRIMARY KEY,
    size        INTEGER NOT NULL,
    mod_time    INTEGER NOT NULL,
    attempts    INTEGER NOT NULL,
    last_error  TEXT NOT NULL DEFAULT '',
    retry_after INTEGER NOT NULL
)`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath, creating it and its directory if
// needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serialises writers and keeps an in-memory database alive
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	for _, ddl := range []string{createFilesTable, createFailuresTable} {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetFile returns the record for path
func (s *SQLiteStore) GetFile(ctx context.Context, path string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, size, mod_time, fingerprint, remote_id, face_count, synced_at
		FROM synced_files WHERE path = ?`, path)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}
	return rec, nil
}

// ListFiles returns every record ordered by path
func (s *SQLiteStore) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, mod_time, fingerprint, remote_id, face_count, synced_at
		FROM synced_files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return records, nil
}

// CountFiles returns the number of records
func (s *SQLiteStore) CountFiles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM synced_files").Scan(&n); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// MarkSynced upserts rec. A zero SyncedAt is replaced with the current time.
func (s *SQLiteStore) MarkSynced(ctx context.Context, rec *FileRecord) error {
	if rec == nil || rec.Path == "" {
		return errors.New("record path is required")
	}

	syncedAt := rec.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", rec.Path, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO synced_files (path, size, mod_time, fingerprint, remote_id, face_count, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			fingerprint = excluded.fingerprint,
			remote_id = CASE WHEN excluded.remote_id != 0 THEN excluded.remote_id ELSE synced_files.remote_id END,
			face_count = excluded.face_count,
			synced_at = excluded.synced_at`,
		rec.Path, rec.Size, rec.ModTime.UnixNano(), rec.Fingerprint, rec.RemoteID, rec.FaceCount, syncedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", rec.Path, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM failed_files WHERE path = ?", rec.Path); err != nil {
		return fmt.Errorf("forget failure of %s: %w", rec.Path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark %s synced: %w", rec.Path, err)
	}
	return nil
}

// GetFailure returns the failure recorded for path
func (s *SQLiteStore) GetFailure(ctx context.Context, path string) (*FailureRecord, error) {
	var (
		rec        FailureRecord
		modTime    int64
		retryAfter int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, size, mod_time, attempts, last_error, retry_after
		FROM failed_files WHERE path = ?`, path).
		Scan(&rec.Path, &rec.Size, &modTime, &rec.Attempts, &rec.LastError, &retryAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure %s: %w", path, err)
	}
	rec.ModTime = time.Unix(0, modTime)
	rec.RetryAfter = time.Unix(0, retryAfter)
	return &rec, nil
}

// MarkFailed upserts rec
func (s *SQLiteStore) MarkFailed(ctx context.Context, rec *FailureRecord) error {
	if rec == nil || rec.Path == "" {
		return errors.New("failure path is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_files (path, size, mod_time, attempts, last_error, retry_after)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			retry_after = excluded.retry_after`,
		rec.Path, rec.Size, rec.ModTime.UnixNano(), rec.Attempts, rec.LastError, rec.RetryAfter.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", rec.Path, err)
	}
	return nil
}

// ClearAll removes every record and every failure
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	for _, table := range []string{"synced_files", "failed_files"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*FileRecord, error) {
	var (
		rec      FileRecord
		modTime  int64
		syncedAt int64
	)
	if err := row.Scan(&rec.Path, &rec.Size, &modTime, &rec.Fingerprint, &rec.RemoteID, &rec.FaceCount, &syncedAt); err != nil {
		return nil, err
	}
	rec.ModTime = time.Unix(0, modTime)
	rec.SyncedAt = time.Unix(0, syncedAt)
	return &rec, nil
}
