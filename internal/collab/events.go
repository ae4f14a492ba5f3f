package collab

// Event is the closed set of state changes the workspace emits to participants.
// Transports encode them with an exhaustive type switch.
type Event interface {
	Name() string
	isEvent()
}

// SnapshotEvent is addressed only to a newly joined participant.
type SnapshotEvent struct {
	Self     Participant
	Snapshot Snapshot
}

type ParticipantJoined struct{ Participant Participant }

type ParticipantLeft struct{ Participant Participant }

type LockAcquired struct{ Lock LockEntry }

// LockDenied is addressed only to the requester.
type LockDenied struct {
	Cell   CellID
	Holder Participant
}

type LockReleased struct {
	Cell   CellID
	Holder Participant
}

type ValueChanged struct {
	Cell   CellID
	Value  string
	Author Participant
}

// DraftChanged relays the holder's uncommitted typing.
type DraftChanged struct {
	Cell   CellID
	Value  string
	Author Participant
}

type CursorMoved struct{ Cursor Cursor }

// CommitAcked is addressed only to the committer once the write succeeded.
type CommitAcked struct {
	Cell  CellID
	Value string
}

// CommitFailed is addressed only to the committer; the lock is still held.
type CommitFailed struct {
	Cell      CellID
	Reason    string
	Retryable bool
}

type Pong struct{}

func (SnapshotEvent) Name() string     { return "workspace_snapshot" }
func (ParticipantJoined) Name() string { return "participant_joined" }
func (ParticipantLeft) Name() string   { return "participant_left" }
func (LockAcquired) Name() string      { return "cell_lock_acquired" }
func (LockDenied) Name() string        { return "cell_lock_denied" }
func (LockReleased) Name() string      { return "cell_lock_released" }
func (ValueChanged) Name() string      { return "cell_value_changed" }
func (DraftChanged) Name() string      { return "cell_draft" }
func (CursorMoved) Name() string       { return "cursor_moved" }
func (CommitAcked) Name() string       { return "commit_ack" }
func (CommitFailed) Name() string      { return "commit_failed" }
func (Pong) Name() string              { return "pong" }

func (SnapshotEvent) isEvent()     {}
func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (LockAcquired) isEvent()      {}
func (LockDenied) isEvent()        {}
func (LockReleased) isEvent()      {}
func (ValueChanged) isEvent()      {}
func (DraftChanged) isEvent()      {}
func (CursorMoved) isEvent()       {}
func (CommitAcked) isEvent()       {}
func (CommitFailed) isEvent()      {}
func (Pong) isEvent()              {}
