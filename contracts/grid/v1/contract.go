package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command is the closed set of client -> server payloads.
// Handlers switch over the concrete types; adding a kind means adding a case.
type Command interface {
	CommandType() string
	isCommand()
}

// Event is the closed set of server -> client payloads.
type Event interface {
	EventType() string
	isEvent()
}

func (JoinPayload) CommandType() string       { return TypeJoin }
func (StartEditPayload) CommandType() string  { return TypeStartEdit }
func (CancelEditPayload) CommandType() string { return TypeCancelEdit }
func (CommitEditPayload) CommandType() string { return TypeCommitEdit }
func (DraftEditPayload) CommandType() string  { return TypeDraftEdit }
func (MoveCursorPayload) CommandType() string { return TypeMoveCursor }
func (LeavePayload) CommandType() string      { return TypeLeave }
func (PingPayload) CommandType() string       { return TypePing }

func (JoinPayload) isCommand()       {}
func (StartEditPayload) isCommand()  {}
func (CancelEditPayload) isCommand() {}
func (CommitEditPayload) isCommand() {}
func (DraftEditPayload) isCommand()  {}
func (MoveCursorPayload) isCommand() {}
func (LeavePayload) isCommand()      {}
func (PingPayload) isCommand()       {}

func (WorkspaceSnapshotPayload) EventType() string { return TypeWorkspaceSnapshot }
func (ParticipantJoinedPayload) EventType() string { return TypeParticipantJoined }
func (ParticipantLeftPayload) EventType() string   { return TypeParticipantLeft }
func (CellLockAcquiredPayload) EventType() string  { return TypeCellLockAcquired }
func (CellLockDeniedPayload) EventType() string    { return TypeCellLockDenied }
func (CellLockReleasedPayload) EventType() string  { return TypeCellLockReleased }
func (CellValueChangedPayload) EventType() string  { return TypeCellValueChanged }
func (CellDraftPayload) EventType() string         { return TypeCellDraft }
func (CursorMovedPayload) EventType() string       { return TypeCursorMoved }
func (CommitAckPayload) EventType() string         { return TypeCommitAck }
func (CommitFailedPayload) EventType() string      { return TypeCommitFailed }
func (PongPayload) EventType() string              { return TypePong }
func (ErrorPayload) EventType() string             { return TypeError }

func (WorkspaceSnapshotPayload) isEvent() {}
func (ParticipantJoinedPayload) isEvent() {}
func (ParticipantLeftPayload) isEvent()   {}
func (CellLockAcquiredPayload) isEvent()  {}
func (CellLockDeniedPayload) isEvent()    {}
func (CellLockReleasedPayload) isEvent()  {}
func (CellValueChangedPayload) isEvent()  {}
func (CellDraftPayload) isEvent()         {}
func (CursorMovedPayload) isEvent()       {}
func (CommitAckPayload) isEvent()         {}
func (CommitFailedPayload) isEvent()      {}
func (PongPayload) isEvent()              {}
func (ErrorPayload) isEvent()             {}

// ErrWrongDirection is returned when an envelope is decoded by the wrong side.
var ErrWrongDirection = errors.New("envelope type not valid in this direction")

// DecodeCommand validates env and decodes its payload into the matching Command.
func DecodeCommand(env Envelope) (Command, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	var cmd Command
	switch env.Type {
	case TypeJoin:
		var p JoinPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		cmd = p
	case TypeStartEdit:
		var p StartEditPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if err := p.Cell.Validate(); err != nil {
			return nil, err
		}
		cmd = p
	case TypeCancelEdit:
		var p CancelEditPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if err := p.Cell.Validate(); err != nil {
			return nil, err
		}
		cmd = p
	case TypeCommitEdit:
		var p CommitEditPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if err := p.Cell.Validate(); err != nil {
			return nil, err
		}
		cmd = p
	case TypeDraftEdit:
		var p DraftEditPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if err := p.Cell.Validate(); err != nil {
			return nil, err
		}
		cmd = p
	case TypeMoveCursor:
		var p MoveCursorPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.Cell != nil {
			if err := p.Cell.Validate(); err != nil {
				return nil, err
			}
		}
		cmd = p
	case TypeLeave:
		cmd = LeavePayload{}
	case TypePing:
		cmd = PingPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, env.Type)
	}
	return cmd, nil
}

// DecodeEvent validates env and decodes its payload into the matching Event.
func DecodeEvent(env Envelope) (Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeWorkspaceSnapshot:
		return decodeEvent[WorkspaceSnapshotPayload](env)
	case TypeParticipantJoined:
		return decodeEvent[ParticipantJoinedPayload](env)
	case TypeParticipantLeft:
		return decodeEvent[ParticipantLeftPayload](env)
	case TypeCellLockAcquired:
		return decodeEvent[CellLockAcquiredPayload](env)
	case TypeCellLockDenied:
		return decodeEvent[CellLockDeniedPayload](env)
	case TypeCellLockReleased:
		return decodeEvent[CellLockReleasedPayload](env)
	case TypeCellValueChanged:
		return decodeEvent[CellValueChangedPayload](env)
	case TypeCellDraft:
		return decodeEvent[CellDraftPayload](env)
	case TypeCursorMoved:
		return decodeEvent[CursorMovedPayload](env)
	case TypeCommitAck:
		return decodeEvent[CommitAckPayload](env)
	case TypeCommitFailed:
		return decodeEvent[CommitFailedPayload](env)
	case TypePong:
		return PongPayload{}, nil
	case TypeError:
		return decodeEvent[ErrorPayload](env)
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, env.Type)
	}
}

// NewEnvelope marshals payload into an envelope of its own type.
func NewEnvelope(payload any, id string, ts time.Time) (Envelope, error) {
	var typ string
	switch p := payload.(type) {
	case Command:
		typ = p.CommandType()
	case Event:
		typ = p.EventType()
	default:
		return Envelope{}, fmt.Errorf("unsupported payload %T", payload)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: b}, nil
}

func decodeEvent[T Event](env Envelope) (Event, error) {
	var p T
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
