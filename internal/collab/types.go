package collab

import (
	"strconv"
	"strings"
	"time"
)

// CellID addresses one grid cell. It is comparable and used directly as a map key.
type CellID struct {
	RowID  int64
	Column string
}

// Valid reports whether the cell can address a record.
func (c CellID) Valid() bool {
	return c.RowID > 0 && strings.TrimSpace(c.Column) != ""
}

func (c CellID) String() string {
	return strconv.FormatInt(c.RowID, 10) + ":" + c.Column
}

// less orders cells by row, then column.
func (c CellID) less(o CellID) bool {
	if c.RowID != o.RowID {
		return c.RowID < o.RowID
	}
	return c.Column < o.Column
}

// Identity is a resolved, authenticated user.
type Identity struct {
	UserID      int64
	DisplayName string
}

// Participant is one admitted connection. The same user connected twice is two participants.
type Participant struct {
	UserID    int64
	Name      string
	SessionID string
	JoinedAt  time.Time
}

// LockEntry records who is editing a cell and since when.
type LockEntry struct {
	Cell       CellID
	Holder     Participant
	AcquiredAt time.Time
}

// Cursor is the cell a participant has selected. Cell is nil when nothing is selected.
type Cursor struct {
	Participant Participant
	Cell        *CellID
}

// Snapshot is the full presence and lock state handed to a newly joined connection.
type Snapshot struct {
	Participants []Participant
	Locks        []LockEntry
	Cursors      []Cursor
}

// ConnState is the per-connection protocol state.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateJoined
	StateEditing
	StateLeft
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateEditing:
		return "editing"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}
