package realtime

import (
	"errors"
	"fmt"
	"time"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/collab"
)

// encodeEvent maps a workspace event onto its wire envelope.
func encodeEvent(ev collab.Event, now time.Time) (v1.Envelope, error) {
	var payload v1.Event

	switch e := ev.(type) {
	case collab.SnapshotEvent:
		p := snapshotPayload(e.Snapshot)
		p.Self = wireParticipant(e.Self)
		payload = p
	case collab.ParticipantJoined:
		payload = v1.ParticipantJoinedPayload{Participant: wireParticipant(e.Participant)}
	case collab.ParticipantLeft:
		payload = v1.ParticipantLeftPayload{Participant: wireParticipant(e.Participant)}
	case collab.LockAcquired:
		payload = v1.CellLockAcquiredPayload{Lock: wireLock(e.Lock)}
	case collab.LockDenied:
		payload = v1.CellLockDeniedPayload{Cell: wireCell(e.Cell), Holder: wireParticipant(e.Holder)}
	case collab.LockReleased:
		payload = v1.CellLockReleasedPayload{Cell: wireCell(e.Cell), Holder: wireParticipant(e.Holder)}
	case collab.ValueChanged:
		payload = v1.CellValueChangedPayload{Cell: wireCell(e.Cell), Value: e.Value, Author: wireParticipant(e.Author)}
	case collab.DraftChanged:
		payload = v1.CellDraftPayload{Cell: wireCell(e.Cell), Value: e.Value, Author: wireParticipant(e.Author)}
	case collab.CursorMoved:
		payload = v1.CursorMovedPayload{Cursor: wireCursor(e.Cursor)}
	case collab.CommitAcked:
		payload = v1.CommitAckPayload{Cell: wireCell(e.Cell), Value: e.Value}
	case collab.CommitFailed:
		payload = v1.CommitFailedPayload{Cell: wireCell(e.Cell), Reason: e.Reason, Retryable: e.Retryable}
	case collab.Pong:
		payload = v1.PongPayload{}
	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unsupported event %T", ev)
	}

	return v1.NewEnvelope(payload, NewEnvelopeID(), now)
}

// snapshotPayload renders a snapshot without Self (used by the HTTP endpoint too).
func snapshotPayload(s collab.Snapshot) v1.WorkspaceSnapshotPayload {
	out := v1.WorkspaceSnapshotPayload{
		Participants: make([]v1.Participant, 0, len(s.Participants)),
		Locks:        make([]v1.LockEntry, 0, len(s.Locks)),
	}
	for _, p := range s.Participants {
		out.Participants = append(out.Participants, wireParticipant(p))
	}
	for _, l := range s.Locks {
		out.Locks = append(out.Locks, wireLock(l))
	}
	for _, c := range s.Cursors {
		out.Cursors = append(out.Cursors, wireCursor(c))
	}
	return out
}

// errorPayload maps a workspace/identity error onto a wire error.
func errorPayload(err error) v1.ErrorPayload {
	var perr *collab.ProtocolError

	switch {
	case errors.As(err, &perr):
		out := v1.ErrorPayload{Code: v1.CodeProtocolViolation, Message: perr.Error()}
		if perr.Cell != nil {
			c := wireCell(*perr.Cell)
			out.Cell = &c
		}
		return out
	case errors.Is(err, collab.ErrNotJoined):
		return v1.ErrorPayload{Code: v1.CodeNotJoined, Message: "join first"}
	case errors.Is(err, collab.ErrUnauthorized):
		return v1.ErrorPayload{Code: v1.CodeUnauthorized, Message: "unauthorized"}
	case errors.Is(err, collab.ErrWorkspaceClosed):
		return v1.ErrorPayload{Code: v1.CodeUnavailable, Message: "workspace closed"}
	default:
		return v1.ErrorPayload{Code: v1.CodeInternal, Message: "internal error"}
	}
}

func cellFromWire(c v1.Cell) collab.CellID {
	return collab.CellID{RowID: c.RowID, Column: c.Column}
}

func wireCell(c collab.CellID) v1.Cell {
	return v1.Cell{RowID: c.RowID, Column: c.Column}
}

func wireParticipant(p collab.Participant) v1.Participant {
	return v1.Participant{UserID: p.UserID, Name: p.Name, SessionID: p.SessionID}
}

func wireLock(l collab.LockEntry) v1.LockEntry {
	return v1.LockEntry{Cell: wireCell(l.Cell), Holder: wireParticipant(l.Holder), AcquiredAt: l.AcquiredAt}
}

func wireCursor(c collab.Cursor) v1.Cursor {
	out := v1.Cursor{Participant: wireParticipant(c.Participant)}
	if c.Cell != nil {
		cell := wireCell(*c.Cell)
		out.Cell = &cell
	}
	return out
}
