// Package cellstore persists committed grid cell values.
//
// The collaboration core treats a Writer as a black box with success/failure semantics only.
// Implementations: Memory (dev/tests), Postgres (pgx) and SQLite (modernc.org/sqlite).
package cellstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidInput is returned for writes that cannot address a cell.
	ErrInvalidInput = errors.New("cellstore: invalid input")

	// ErrUnknownColumn is returned when a column is not in the configured allowlist.
	ErrUnknownColumn = errors.New("cellstore: unknown column")

	// ErrNotFound is returned by ReadCell for a cell that was never written.
	ErrNotFound = errors.New("cellstore: not found")
)

// WriteInput describes one committed cell value.
type WriteInput struct {
	RowID     int64
	ColumnKey string
	Value     string
	AuthorID  int64
	Now       time.Time
}

// Validate checks the addressing fields.
func (in WriteInput) Validate() error {
	if in.RowID <= 0 || strings.TrimSpace(in.ColumnKey) == "" {
		return ErrInvalidInput
	}
	return nil
}

// StoredCell is the persisted representation of one cell.
type StoredCell struct {
	RowID     int64
	ColumnKey string
	Value     string
	UpdatedBy int64
	UpdatedAt time.Time
}

// Writer persists cell values.
type Writer interface {
	WriteCellValue(ctx context.Context, in WriteInput) error
}

// Store is a Writer that can also read back and release resources.
type Store interface {
	Writer
	ReadCell(ctx context.Context, rowID int64, columnKey string) (StoredCell, error)
	Close() error
}

// ColumnGuard rejects writes to columns outside an allowlist before they reach the store.
type ColumnGuard struct {
	next    Writer
	allowed map[string]struct{}
}

// NewColumnGuard wraps next. An empty allowlist allows every column.
func NewColumnGuard(next Writer, columns []string) Writer {
	if len(columns) == 0 {
		return next
	}
	g := &ColumnGuard{next: next, allowed: make(map[string]struct{}, len(columns))}
	for _, c := range columns {
		c = strings.TrimSpace(c)
		if c != "" {
			g.allowed[c] = struct{}{}
		}
	}
	return g
}

// WriteCellValue forwards allowed writes.
func (g *ColumnGuard) WriteCellValue(ctx context.Context, in WriteInput) error {
	if _, ok := g.allowed[in.ColumnKey]; !ok {
		return ErrUnknownColumn
	}
	return g.next.WriteCellValue(ctx, in)
}
