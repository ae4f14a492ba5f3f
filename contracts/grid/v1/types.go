// Package v1 defines the gridsync collaboration protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and the Go client so the wire protocol stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by both sides.
const Subprotocol = "gridsync.v1"

// Client -> server command types (wire-stable).
const (
	TypeJoin       = "join"
	TypeStartEdit  = "start_edit"
	TypeCancelEdit = "cancel_edit"
	TypeCommitEdit = "commit_edit"
	TypeDraftEdit  = "draft_edit"
	TypeMoveCursor = "move_cursor"
	TypeLeave      = "leave"
	TypePing       = "ping"
)

// Server -> client event types (wire-stable).
const (
	TypeWorkspaceSnapshot = "workspace_snapshot"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeCellLockAcquired  = "cell_lock_acquired"
	TypeCellLockDenied    = "cell_lock_denied"
	TypeCellLockReleased  = "cell_lock_released"
	TypeCellValueChanged  = "cell_value_changed"
	TypeCellDraft         = "cell_draft"
	TypeCursorMoved       = "cursor_moved"
	TypeCommitAck         = "commit_ack"
	TypeCommitFailed      = "commit_failed"
	TypePong              = "pong"
	TypeError             = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeUnauthorized      = "unauthorized"
	CodeBadJSON           = "bad_json"
	CodeBadEnvelope       = "bad_envelope"
	CodeNotJoined         = "not_joined"
	CodeAlreadyJoined     = "already_joined"
	CodeProtocolViolation = "protocol_violation"
	CodeRateLimited       = "rate_limited"
	CodeUnsupported       = "unsupported"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsCommandType(e.Type) && !IsEventType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsCommandType reports whether typ is a client -> server type.
func IsCommandType(typ string) bool {
	switch typ {
	case TypeJoin,
		TypeStartEdit,
		TypeCancelEdit,
		TypeCommitEdit,
		TypeDraftEdit,
		TypeMoveCursor,
		TypeLeave,
		TypePing:
		return true
	default:
		return false
	}
}

// IsEventType reports whether typ is a server -> client type.
func IsEventType(typ string) bool {
	switch typ {
	case TypeWorkspaceSnapshot,
		TypeParticipantJoined,
		TypeParticipantLeft,
		TypeCellLockAcquired,
		TypeCellLockDenied,
		TypeCellLockReleased,
		TypeCellValueChanged,
		TypeCellDraft,
		TypeCursorMoved,
		TypeCommitAck,
		TypeCommitFailed,
		TypePong,
		TypeError:
		return true
	default:
		return false
	}
}

// ---- Shared shapes ----

// Cell addresses one grid cell by row id and column key.
type Cell struct {
	RowID  int64  `json:"row_id"`
	Column string `json:"column"`
}

// Validate rejects cells that cannot address a record.
func (c Cell) Validate() error {
	if c.RowID <= 0 {
		return errors.New("invalid row_id")
	}
	if strings.TrimSpace(c.Column) == "" {
		return errors.New("missing column")
	}
	return nil
}

// Participant identifies one connected session.
type Participant struct {
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
}

// LockEntry is one held cell lock.
type LockEntry struct {
	Cell       Cell        `json:"cell"`
	Holder     Participant `json:"holder"`
	AcquiredAt time.Time   `json:"acquired_at"`
}

// Cursor is the cell a participant currently has selected (nil when none).
type Cursor struct {
	Participant Participant `json:"participant"`
	Cell        *Cell       `json:"cell,omitempty"`
}

// ---- Command payloads (client -> server) ----

// JoinPayload admits a connection into the workspace.
type JoinPayload struct {
	Token string `json:"token"`
}

// StartEditPayload requests the lock on a cell.
type StartEditPayload struct {
	Cell Cell `json:"cell"`
}

// CancelEditPayload abandons an edit and releases the lock.
type CancelEditPayload struct {
	Cell Cell `json:"cell"`
}

// CommitEditPayload persists a new value for a held cell.
type CommitEditPayload struct {
	Cell  Cell   `json:"cell"`
	Value string `json:"value"`
}

// DraftEditPayload relays in-progress typing for a held cell.
type DraftEditPayload struct {
	Cell  Cell   `json:"cell"`
	Value string `json:"value"`
}

// MoveCursorPayload moves the sender's selection (nil clears it).
type MoveCursorPayload struct {
	Cell *Cell `json:"cell,omitempty"`
}

// LeavePayload ends the session explicitly.
type LeavePayload struct{}

// PingPayload requests a pong.
type PingPayload struct{}

// ---- Event payloads (server -> client) ----

// WorkspaceSnapshotPayload is sent once to a newly joined connection.
type WorkspaceSnapshotPayload struct {
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
	Locks        []LockEntry   `json:"locks"`
	Cursors      []Cursor      `json:"cursors,omitempty"`
}

// ParticipantJoinedPayload announces a new participant.
type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
}

// ParticipantLeftPayload announces a departed participant.
type ParticipantLeftPayload struct {
	Participant Participant `json:"participant"`
}

// CellLockAcquiredPayload announces a granted lock.
type CellLockAcquiredPayload struct {
	Lock LockEntry `json:"lock"`
}

// CellLockDeniedPayload tells a requester who holds the cell.
type CellLockDeniedPayload struct {
	Cell   Cell        `json:"cell"`
	Holder Participant `json:"holder"`
}

// CellLockReleasedPayload announces a released lock.
type CellLockReleasedPayload struct {
	Cell   Cell        `json:"cell"`
	Holder Participant `json:"holder"`
}

// CellValueChangedPayload announces a committed value.
type CellValueChangedPayload struct {
	Cell   Cell        `json:"cell"`
	Value  string      `json:"value"`
	Author Participant `json:"author"`
}

// CellDraftPayload relays the holder's in-progress value.
type CellDraftPayload struct {
	Cell   Cell        `json:"cell"`
	Value  string      `json:"value"`
	Author Participant `json:"author"`
}

// CursorMovedPayload announces a selection change.
type CursorMovedPayload struct {
	Cursor Cursor `json:"cursor"`
}

// CommitAckPayload confirms a persisted commit to the committer.
type CommitAckPayload struct {
	Cell  Cell   `json:"cell"`
	Value string `json:"value"`
}

// CommitFailedPayload reports a failed write; the lock is still held.
type CommitFailedPayload struct {
	Cell      Cell   `json:"cell"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// PongPayload answers a ping.
type PongPayload struct{}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cell    *Cell  `json:"cell,omitempty"`
}
