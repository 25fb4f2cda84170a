// Package persistence mirrors terminal metadata into SQLite so names,
// geometry and tab placement survive a server restart. The mirror is
// advisory: whether a session is still alive is always decided by probing
// the session host.
package persistence

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

// ErrNotFound is returned by Get when no record has the requested id.
var ErrNotFound = errors.New("terminal record not found")

// Record is one mirrored terminal.
type Record struct {
	ID            string
	Name          string
	Cwd           string
	Cols          int
	Rows          int
	Status        string
	ExitCode      *int
	CreatedAt     time.Time
	TabID         string
	PositionInTab *int
}

// SQLiteStore persists Records in a single table.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS terminals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cwd TEXT NOT NULL,
			cols INTEGER NOT NULL,
			rows INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			created_at INTEGER NOT NULL,
			tab_id TEXT NOT NULL DEFAULT '',
			position_in_tab INTEGER,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_terminals_created_at ON terminals(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert inserts or replaces the record with rec.ID.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (id, name, cwd, cols, rows, status, exit_code, created_at, tab_id, position_in_tab, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cols = excluded.cols,
			rows = excluded.rows,
			status = excluded.status,
			exit_code = excluded.exit_code,
			tab_id = excluded.tab_id,
			position_in_tab = excluded.position_in_tab,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Name, rec.Cwd, rec.Cols, rec.Rows, rec.Status,
		nullInt(rec.ExitCode), rec.CreatedAt.UnixMilli(), rec.TabID, nullInt(rec.PositionInTab))
	if err != nil {
		return fmt.Errorf("failed to upsert terminal %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record with id. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM terminals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete terminal %s: %w", id, err)
	}
	return nil
}

// Get returns the record with id or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load terminal %s: %w", id, err)
	}
	return rec, nil
}

// List returns every record, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan terminal row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, name, cwd, cols, rows, status, exit_code, created_at, tab_id, position_in_tab FROM terminals`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		exitCode  sql.NullInt64
		position  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Cwd, &rec.Cols, &rec.Rows, &rec.Status,
		&exitCode, &createdAt, &rec.TabID, &position)
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExitCode = intPtr(exitCode)
	rec.PositionInTab = intPtr(position)
	return rec, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
