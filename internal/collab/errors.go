package collab

import (
	"errors"
	"fmt"

	"gridsync/internal/identity"
)

var (
	// ErrUnauthorized is returned when a join carries no valid identity.
	// It is the identity package's sentinel, so either name matches.
	ErrUnauthorized = identity.ErrUnauthorized

	// ErrLockConflict is returned when another participant holds the requested cell.
	ErrLockConflict = errors.New("cell locked by another participant")

	// ErrProtocolViolation is returned for out-of-state or malformed commands.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPersistenceFailure wraps a failed cell write.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNotJoined is returned for commands from an unknown or departed session.
	ErrNotJoined = errors.New("session not joined")

	// ErrWorkspaceClosed is returned once the event loop has stopped.
	ErrWorkspaceClosed = errors.New("workspace closed")
)

// LockConflictError carries the current holder so callers can show who is editing.
type LockConflictError struct {
	Cell   CellID
	Holder Participant
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%v: %s held by %s (%s)", ErrLockConflict, e.Cell, e.Holder.Name, e.Holder.SessionID)
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// ProtocolError describes a rejected command. It never changes lock state.
type ProtocolError struct {
	Op     string
	Cell   *CellID
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Cell == nil {
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrProtocolViolation, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s: %s", e.Op, ErrProtocolViolation, e.Cell, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

// PersistenceError reports a failed write for a cell whose lock is still held.
type PersistenceError struct {
	Cell CellID
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrPersistenceFailure, e.Cell, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistenceFailure, e.Err} }

func violation(op string, cell *CellID, reason string) error {
	return &ProtocolError{Op: op, Cell: cell, Reason: reason}
}
