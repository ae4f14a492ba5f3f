package cellstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by PostgreSQL.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "grid").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("cellstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("cellstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Store.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: "grid",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("cellstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

// Migrate creates the schema and cell table if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	cells := pgIdent(s.schema, "grid_cells")

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+cells+` (
		     row_id      BIGINT      NOT NULL,
		     column_key  TEXT        NOT NULL,
		     value       TEXT        NOT NULL,
		     updated_by  BIGINT      NOT NULL,
		     updated_at  TIMESTAMPTZ NOT NULL,
		     PRIMARY KEY (row_id, column_key)
		 )`,
	); err != nil {
		return fmt.Errorf("create grid_cells: %w", err)
	}
	return nil
}

// WriteCellValue upserts one cell value.
func (s *Postgres) WriteCellValue(ctx context.Context, in WriteInput) error {
	if s == nil || s.pool == nil {
		return errors.New("cellstore: nil store")
	}
	if err := in.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	cells := pgIdent(s.schema, "grid_cells")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+cells+` (row_id, column_key, value, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (row_id, column_key) DO UPDATE
		    SET value = EXCLUDED.value,
		        updated_by = EXCLUDED.updated_by,
		        updated_at = EXCLUDED.updated_at`,
		in.RowID, in.ColumnKey, in.Value, in.AuthorID, now,
	); err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	return nil
}

// ReadCell returns the stored value for one cell.
func (s *Postgres) ReadCell(ctx context.Context, rowID int64, columnKey string) (StoredCell, error) {
	if s == nil || s.pool == nil {
		return StoredCell{}, errors.New("cellstore: nil store")
	}

	cells := pgIdent(s.schema, "grid_cells")

	var c StoredCell
	err := s.pool.QueryRow(ctx,
		`SELECT row_id, column_key, value, updated_by, updated_at
		   FROM `+cells+`
		  WHERE row_id = $1 AND column_key = $2`,
		rowID, columnKey,
	).Scan(&c.RowID, &c.ColumnKey, &c.Value, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredCell{}, ErrNotFound
	}
	if err != nil {
		return StoredCell{}, err
	}
	return c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
