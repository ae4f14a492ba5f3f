package collab

import (
	"sort"
	"sync"
	"time"
)

// LockOutcome is the result kind of TryAcquire.
type LockOutcome uint8

const (
	// LockGranted means a new lock entry was recorded.
	LockGranted LockOutcome = iota + 1
	// LockAlreadyHeld means the requester already holds the cell (idempotent grant).
	LockAlreadyHeld
	// LockRefused means a different participant holds the cell.
	LockRefused
)

func (o LockOutcome) String() string {
	switch o {
	case LockGranted:
		return "granted"
	case LockAlreadyHeld:
		return "already_held"
	case LockRefused:
		return "denied"
	default:
		return "unknown"
	}
}

// LockResult is returned by TryAcquire. Entry is the current entry for the cell,
// whoever holds it.
type LockResult struct {
	Outcome LockOutcome
	Entry   LockEntry
}

// Granted reports whether the requester holds the cell after the call.
func (r LockResult) Granted() bool {
	return r.Outcome == LockGranted || r.Outcome == LockAlreadyHeld
}

// LockTable maps cells to the participant editing them. At most one entry exists per cell.
// Holders are compared by session id, so two tabs of the same user contend like strangers.
type LockTable struct {
	mu    sync.RWMutex
	locks map[CellID]LockEntry
}

// NewLockTable constructs an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[CellID]LockEntry)}
}

// TryAcquire grants the cell if it is free, is idempotent for the current holder,
// and otherwise denies with the holder. No preemption, no expiry.
func (t *LockTable) TryAcquire(cell CellID, p Participant, now time.Time) LockResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.locks[cell]; ok {
		if existing.Holder.SessionID == p.SessionID {
			return LockResult{Outcome: LockAlreadyHeld, Entry: existing}
		}
		return LockResult{Outcome: LockRefused, Entry: existing}
	}

	e := LockEntry{Cell: cell, Holder: p, AcquiredAt: now}
	t.locks[cell] = e
	return LockResult{Outcome: LockGranted, Entry: e}
}

// Release frees the cell only when sessionID is the holder. Anything else is a silent no-op.
func (t *LockTable) Release(cell CellID, sessionID string) (LockEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.locks[cell]
	if !ok || existing.Holder.SessionID != sessionID {
		return LockEntry{}, false
	}
	delete(t.locks, cell)
	return existing, true
}

// ReleaseAllFor frees every cell held by sessionID in one pass, ordered by cell.
func (t *LockTable) ReleaseAllFor(sessionID string) []LockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []LockEntry
	for cell, e := range t.locks {
		if e.Holder.SessionID == sessionID {
			released = append(released, e)
			delete(t.locks, cell)
		}
	}
	sortEntries(released)
	return released
}

// Holder returns the entry for cell, if locked.
func (t *LockTable) Holder(cell CellID) (LockEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.locks[cell]
	return e, ok
}

// HeldBy returns the cells held by sessionID, ordered.
func (t *LockTable) HeldBy(sessionID string) []CellID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []CellID
	for cell, e := range t.locks {
		if e.Holder.SessionID == sessionID {
			out = append(out, cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Entries returns every lock entry, ordered by cell.
func (t *LockTable) Entries() []LockEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]LockEntry, 0, len(t.locks))
	for _, e := range t.locks {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Len returns the number of held locks.
func (t *LockTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.locks)
}

func sortEntries(es []LockEntry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Cell.less(es[j].Cell) })
}
