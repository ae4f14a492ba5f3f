package cellstore

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

// SQLite is a Store backed by a local SQLite file, for single-node deployments.
// Unlike Postgres it owns its *sql.DB and closes it in Close.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS grid_cells (
		     row_id      INTEGER NOT NULL,
		     column_key  TEXT    NOT NULL,
		     value       TEXT    NOT NULL,
		     updated_by  INTEGER NOT NULL,
		     updated_at  DATETIME NOT NULL,
		     PRIMARY KEY (row_id, column_key)
		 )`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create grid_cells: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteCellValue upserts one cell value.
func (s *SQLite) WriteCellValue(ctx context.Context, in WriteInput) error {
	if err := in.Validate(); err != nil {
		return err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO grid_cells (row_id, column_key, value, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (row_id, column_key) DO UPDATE
		    SET value = excluded.value,
		        updated_by = excluded.updated_by,
		        updated_at = excluded.updated_at`,
		in.RowID, in.ColumnKey, in.Value, in.AuthorID, now.UTC(),
	); err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	return nil
}

// ReadCell returns the stored value for one cell.
func (s *SQLite) ReadCell(ctx context.Context, rowID int64, columnKey string) (StoredCell, error) {
	var c StoredCell
	err := s.db.QueryRowContext(ctx,
		`SELECT row_id, column_key, value, updated_by, updated_at
		   FROM grid_cells
		  WHERE row_id = ? AND column_key = ?`,
		rowID, columnKey,
	).Scan(&c.RowID, &c.ColumnKey, &c.Value, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredCell{}, ErrNotFound
	}
	if err != nil {
		return StoredCell{}, err
	}
	return c, nil
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
