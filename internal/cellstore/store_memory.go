package cellstore

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	row int64
	col string
}

// Memory is a dev-only Store used when no database is configured.
// FailNext and Block exist so tests can drive persistence failures and in-flight writes.
type Memory struct {
	mu     sync.Mutex
	cells  map[memKey]StoredCell
	fail   []error
	gate   chan struct{}
	writes int
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{cells: make(map[memKey]StoredCell)}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// FailNext makes the next write return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.fail = append(m.fail, err)
	m.mu.Unlock()
}

// Block holds every subsequent write until the returned func is called.
func (m *Memory) Block() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// WriteCellValue stores the value, honoring injected failures and gates.
func (m *Memory) WriteCellValue(ctx context.Context, in WriteInput) error {
	if err := in.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return err
	}

	m.cells[memKey{row: in.RowID, col: in.ColumnKey}] = StoredCell{
		RowID:     in.RowID,
		ColumnKey: in.ColumnKey,
		Value:     in.Value,
		UpdatedBy: in.AuthorID,
		UpdatedAt: now,
	}
	m.writes++
	return nil
}

// ReadCell returns the last written value.
func (m *Memory) ReadCell(ctx context.Context, rowID int64, columnKey string) (StoredCell, error) {
	if err := ctx.Err(); err != nil {
		return StoredCell{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[memKey{row: rowID, col: columnKey}]
	if !ok {
		return StoredCell{}, ErrNotFound
	}
	return c, nil
}
