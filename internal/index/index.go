// Package index persists cache entry metadata in SQLite. Each row maps a
// (function, rendered args, rendered kwargs) triple to a payload filename
// plus bookkeeping: max age, creation time, last access and hit count.
// SQLite's own locking makes the index safe to share across processes.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one cached result.
type Entry struct {
	Function     string
	ArgsRepr     string
	KwargsRepr   string
	FileName     string
	MaxAge       time.Duration // 0 keeps the entry forever
	CreatedAt    time.Time
	LastAccessed time.Time
	Hits         int64
}

// Stale reports whether the entry has outlived its max age at now.
func (e Entry) Stale(now time.Time) bool {
	if e.MaxAge == 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.MaxAge
}

// FunctionStats summarizes one function's rows.
type FunctionStats struct {
	Function string
	Entries  int
	Hits     int64
}

// Index wraps the SQLite handle.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string, busyTimeout time.Duration) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: set journal_mode: %w", err)
	}

	ix := &Index{db: db}
	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		function TEXT NOT NULL,
		args_repr TEXT NOT NULL,
		kwargs_repr TEXT NOT NULL,
		file_name TEXT NOT NULL,
		max_age_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0,
		UNIQUE(function, args_repr, kwargs_repr)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_function ON entries(function);
	CREATE INDEX IF NOT EXISTS idx_entries_file_name ON entries(file_name);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("index: create schema: %w", err)
	}
	return nil
}

// Put inserts or replaces the entry for its key triple.
func (ix *Index) Put(e Entry) error {
	_, err := ix.db.Exec(`
		INSERT INTO entries (function, args_repr, kwargs_repr, file_name, max_age_ms, created_at, last_accessed, hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(function, args_repr, kwargs_repr) DO UPDATE SET
			file_name = excluded.file_name,
			max_age_ms = excluded.max_age_ms,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed`,
		e.Function, e.ArgsRepr, e.KwargsRepr, e.FileName,
		e.MaxAge.Milliseconds(), e.CreatedAt.UnixMilli(), e.LastAccessed.UnixMilli())
	if err != nil {
		return fmt.Errorf("index: put %s: %w", e.Function, err)
	}
	return nil
}

// Lookup fetches the entry for the key triple and, when found, records the
// access (last_accessed, hits).
func (ix *Index) Lookup(function, argsRepr, kwargsRepr string, now time.Time) (Entry, bool, error) {
	row := ix.db.QueryRow(`
		SELECT function, args_repr, kwargs_repr, file_name, max_age_ms, created_at, last_accessed, hits
		FROM entries WHERE function = ? AND args_repr = ? AND kwargs_repr = ?`,
		function, argsRepr, kwargsRepr)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("index: lookup %s: %w", function, err)
	}

	if _, err := ix.db.Exec(`
		UPDATE entries SET last_accessed = ?, hits = hits + 1
		WHERE function = ? AND args_repr = ? AND kwargs_repr = ?`,
		now.UnixMilli(), function, argsRepr, kwargsRepr); err != nil {
		return Entry{}, false, fmt.Errorf("index: touch %s: %w", function, err)
	}
	return e, true, nil
}

// Delete removes the entry for the key triple.
func (ix *Index) Delete(function, argsRepr, kwargsRepr string) error {
	if _, err := ix.db.Exec(
		`DELETE FROM entries WHERE function = ? AND args_repr = ? AND kwargs_repr = ?`,
		function, argsRepr, kwargsRepr); err != nil {
		return fmt.Errorf("index: delete %s: %w", function, err)
	}
	return nil
}

// DeleteFunction removes every entry for the function and returns the
// payload filenames the caller should remove from disk.
func (ix *Index) DeleteFunction(function string) ([]string, error) {
	rows, err := ix.db.Query(`SELECT file_name FROM entries WHERE function = ?`, function)
	if err != nil {
		return nil, fmt.Errorf("index: list %s: %w", function, err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("index: scan %s: %w", function, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: list %s: %w", function, err)
	}

	if _, err := ix.db.Exec(`DELETE FROM entries WHERE function = ?`, function); err != nil {
		return nil, fmt.Errorf("index: delete %s: %w", function, err)
	}
	return files, nil
}

// DeleteByFileName removes any entry whose payload file matches name.
// Used by the directory watcher when files vanish externally.
func (ix *Index) DeleteByFileName(name string) (int, error) {
	res, err := ix.db.Exec(`DELETE FROM entries WHERE file_name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("index: delete by file %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RenameFile points entries at a new payload filename.
func (ix *Index) RenameFile(oldName, newName string) error {
	if _, err := ix.db.Exec(`UPDATE entries SET file_name = ? WHERE file_name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("index: rename %s: %w", oldName, err)
	}
	return nil
}

// CountFunction returns the number of entries for the function.
func (ix *Index) CountFunction(function string) (int, error) {
	var n int
	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE function = ?`, function).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count %s: %w", function, err)
	}
	return n, nil
}

// Functions returns per-function entry and hit totals.
func (ix *Index) Functions() ([]FunctionStats, error) {
	rows, err := ix.db.Query(`
		SELECT function, COUNT(*), COALESCE(SUM(hits), 0)
		FROM entries GROUP BY function ORDER BY function`)
	if err != nil {
		return nil, fmt.Errorf("index: functions: %w", err)
	}
	defer rows.Close()

	var out []FunctionStats
	for rows.Next() {
		var fs FunctionStats
		if err := rows.Scan(&fs.Function, &fs.Entries, &fs.Hits); err != nil {
			return nil, fmt.Errorf("index: scan functions: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// Stale returns entries that have outlived their max age at now.
func (ix *Index) Stale(now time.Time) ([]Entry, error) {
	rows, err := ix.db.Query(`
		SELECT function, args_repr, kwargs_repr, file_name, max_age_ms, created_at, last_accessed, hits
		FROM entries
		WHERE max_age_ms > 0 AND created_at + max_age_ms < ?`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("index: stale: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// All returns every entry.
func (ix *Index) All() ([]Entry, error) {
	rows, err := ix.db.Query(`
		SELECT function, args_repr, kwargs_repr, file_name, max_age_ms, created_at, last_accessed, hits
		FROM entries ORDER BY function, created_at`)
	if err != nil {
		return nil, fmt.Errorf("index: all: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var maxAge, created, accessed int64
	if err := s.Scan(&e.Function, &e.ArgsRepr, &e.KwargsRepr, &e.FileName,
		&maxAge, &created, &accessed, &e.Hits); err != nil {
		return Entry{}, err
	}
	e.MaxAge = time.Duration(maxAge) * time.Millisecond
	e.CreatedAt = time.UnixMilli(created)
	e.LastAccessed = time.UnixMilli(accessed)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
