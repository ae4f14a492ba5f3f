// Package gridclient is the participant side of the grid protocol.
//
// A Controller keeps a local mirror of the workspace (participants, locks, cursors and
// known cell values) and drives one local edit through Requesting, Editing and
// Committing. It never decides lock ownership itself; it only mirrors what the server
// announced. Conn connects a Controller to a server over WebSocket.
package gridclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	v1 "gridsync/contracts/grid/v1"
)

var (
	ErrNotJoined      = errors.New("gridclient: not joined")
	ErrEditInProgress = errors.New("gridclient: another edit is in progress")
	ErrNotEditing     = errors.New("gridclient: no cell in edit mode")
	ErrCommitPending  = errors.New("gridclient: commit pending")
)

// LockedError is returned by Begin when the mirror shows the cell held by someone else.
type LockedError struct {
	Cell   v1.Cell
	Holder v1.Participant
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("gridclient: row %d %q is being edited by %s", e.Cell.RowID, e.Cell.Column, e.Holder.Name)
}

// Sender delivers one command to the server.
type Sender interface {
	Send(ctx context.Context, cmd v1.Command) error
}

// EditState is the phase of the local edit.
type EditState uint8

const (
	Idle EditState = iota
	Requesting
	Editing
	Committing
)

func (s EditState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Editing:
		return "editing"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// CellView is what a UI renders for one cell.
type CellView struct {
	Value string
	// Draft is the local in-progress text while editing, otherwise the holder's live draft.
	Draft     string
	LockedBy  *v1.Participant
	Editable  bool
	Badge     string
	SaveError string
	State     EditState
}

type localEdit struct {
	cell      v1.Cell
	state     EditState
	draft     string
	saveErr   string
	abandoned bool
}

// Controller mirrors workspace state for one participant. It is safe for concurrent use:
// Apply runs on the connection's read goroutine while UI code calls the edit methods.
type Controller struct {
	send Sender

	mu           sync.Mutex
	joined       bool
	self         v1.Participant
	participants map[string]v1.Participant
	locks        map[v1.Cell]v1.LockEntry
	cursors      map[string]v1.Cell
	values       map[v1.Cell]string
	peerDrafts   map[v1.Cell]string
	edit         *localEdit
	lastErr      *v1.ErrorPayload

	onChange func(v1.Event)
	joinedCh chan struct{}
}

// NewController constructs a Controller that sends commands through send.
func NewController(send Sender) *Controller {
	c := &Controller{send: send, joinedCh: make(chan struct{})}
	c.reset()
	return c
}

// OnChange registers fn to run after every applied event, outside the controller lock.
func (c *Controller) OnChange(fn func(v1.Event)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) reset() {
	c.participants = make(map[string]v1.Participant)
	c.locks = make(map[v1.Cell]v1.LockEntry)
	c.cursors = make(map[string]v1.Cell)
	c.values = make(map[v1.Cell]string)
	c.peerDrafts = make(map[v1.Cell]string)
	c.edit = nil
}

// ---- local intents ----

// Begin asks for the lock on cell. It fails locally, without a round trip, when the
// mirror already shows another session holding the cell.
func (c *Controller) Begin(ctx context.Context, cell v1.Cell) error {
	if err := cell.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if c.edit != nil {
		same := c.edit.cell == cell
		if same {
			// A cancelled request for the same cell is still in flight; take it back.
			c.edit.abandoned = false
		}
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrEditInProgress
	}
	if l, ok := c.locks[cell]; ok && l.Holder.SessionID != c.self.SessionID {
		c.mu.Unlock()
		return &LockedError{Cell: cell, Holder: l.Holder}
	}
	c.edit = &localEdit{cell: cell, state: Requesting, draft: c.values[cell]}
	c.mu.Unlock()

	if err := c.send.Send(ctx, v1.StartEditPayload{Cell: cell}); err != nil {
		c.mu.Lock()
		if c.edit != nil && c.edit.cell == cell && c.edit.state == Requesting {
			c.edit = nil
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Draft relays the in-progress text of the cell being edited.
func (c *Controller) Draft(ctx context.Context, value string) error {
	c.mu.Lock()
	if c.edit == nil || c.edit.state != Editing {
		c.mu.Unlock()
		return ErrNotEditing
	}
	c.edit.draft = value
	cell := c.edit.cell
	c.mu.Unlock()

	return c.send.Send(ctx, v1.DraftEditPayload{Cell: cell, Value: value})
}

// Save commits value. Edit mode ends only when the server acknowledges the write.
func (c *Controller) Save(ctx context.Context, value string) error {
	c.mu.Lock()
	if c.edit == nil {
		c.mu.Unlock()
		return ErrNotEditing
	}
	switch c.edit.state {
	case Committing:
		c.mu.Unlock()
		return ErrCommitPending
	case Editing:
	default:
		c.mu.Unlock()
		return ErrNotEditing
	}
	c.edit.state = Committing
	c.edit.draft = value
	c.edit.saveErr = ""
	cell := c.edit.cell
	c.mu.Unlock()

	if err := c.send.Send(ctx, v1.CommitEditPayload{Cell: cell, Value: value}); err != nil {
		c.mu.Lock()
		if c.edit != nil && c.edit.cell == cell && c.edit.state == Committing {
			c.edit.state = Editing
			c.edit.saveErr = err.Error()
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Cancel abandons the local edit. A request still in flight is cancelled as soon as
// the server answers it.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.edit == nil {
		c.mu.Unlock()
		return nil
	}
	switch c.edit.state {
	case Committing:
		c.mu.Unlock()
		return ErrCommitPending
	case Requesting:
		c.edit.abandoned = true
		c.mu.Unlock()
		return nil
	}
	cell := c.edit.cell
	c.edit = nil
	c.mu.Unlock()

	return c.send.Send(ctx, v1.CancelEditPayload{Cell: cell})
}

// MoveCursor publishes the local selection; nil clears it.
func (c *Controller) MoveCursor(ctx context.Context, cell *v1.Cell) error {
	return c.send.Send(ctx, v1.MoveCursorPayload{Cell: cell})
}

// ---- server events ----

// Apply folds one server envelope into the mirror.
func (c *Controller) Apply(ctx context.Context, env v1.Envelope) error {
	ev, err := v1.DecodeEvent(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	followUp := c.applyLocked(ev)
	fn := c.onChange
	c.mu.Unlock()

	if followUp != nil {
		if err := c.send.Send(ctx, followUp); err != nil {
			return err
		}
	}
	if fn != nil {
		fn(ev)
	}
	return nil
}

// applyLocked mutates the mirror and returns a command to send afterwards, if any.
func (c *Controller) applyLocked(ev v1.Event) v1.Command {
	switch e := ev.(type) {
	case v1.WorkspaceSnapshotPayload:
		values := c.values
		c.reset()
		c.values = values
		if !c.joined {
			close(c.joinedCh)
		}
		c.joined = true
		c.self = e.Self
		for _, p := range e.Participants {
			c.participants[p.SessionID] = p
		}
		for _, l := range e.Locks {
			c.locks[l.Cell] = l
		}
		for _, cur := range e.Cursors {
			if cur.Cell != nil {
				c.cursors[cur.Participant.SessionID] = *cur.Cell
			}
		}

	case v1.ParticipantJoinedPayload:
		c.participants[e.Participant.SessionID] = e.Participant

	case v1.ParticipantLeftPayload:
		delete(c.participants, e.Participant.SessionID)
		delete(c.cursors, e.Participant.SessionID)

	case v1.CellLockAcquiredPayload:
		c.locks[e.Lock.Cell] = e.Lock
		if e.Lock.Holder.SessionID != c.self.SessionID {
			break
		}
		if c.edit == nil || c.edit.cell != e.Lock.Cell {
			return v1.CancelEditPayload{Cell: e.Lock.Cell}
		}
		if c.edit.abandoned {
			c.edit = nil
			return v1.CancelEditPayload{Cell: e.Lock.Cell}
		}
		if c.edit.state == Requesting {
			c.edit.state = Editing
		}

	case v1.CellLockDeniedPayload:
		c.locks[e.Cell] = v1.LockEntry{Cell: e.Cell, Holder: e.Holder}
		if c.edit != nil && c.edit.cell == e.Cell && c.edit.state == Requesting {
			c.edit = nil
		}

	case v1.CellLockReleasedPayload:
		if l, ok := c.locks[e.Cell]; ok && l.Holder.SessionID == e.Holder.SessionID {
			delete(c.locks, e.Cell)
		}
		delete(c.peerDrafts, e.Cell)
		if e.Holder.SessionID == c.self.SessionID && c.edit != nil && c.edit.cell == e.Cell && c.edit.state != Requesting {
			c.edit = nil
		}

	case v1.CellValueChangedPayload:
		c.values[e.Cell] = e.Value
		delete(c.peerDrafts, e.Cell)

	case v1.CellDraftPayload:
		if e.Author.SessionID != c.self.SessionID {
			c.peerDrafts[e.Cell] = e.Value
		}

	case v1.CursorMovedPayload:
		if e.Cursor.Cell == nil {
			delete(c.cursors, e.Cursor.Participant.SessionID)
		} else {
			c.cursors[e.Cursor.Participant.SessionID] = *e.Cursor.Cell
		}

	case v1.CommitAckPayload:
		c.values[e.Cell] = e.Value
		delete(c.locks, e.Cell)
		if c.edit != nil && c.edit.cell == e.Cell {
			c.edit = nil
		}

	case v1.CommitFailedPayload:
		if c.edit != nil && c.edit.cell == e.Cell && c.edit.state == Committing {
			c.edit.state = Editing
			c.edit.saveErr = e.Reason
		}

	case v1.PongPayload:

	case v1.ErrorPayload:
		p := e
		c.lastErr = &p
		if c.edit == nil || e.Cell == nil || *e.Cell != c.edit.cell {
			break
		}
		switch c.edit.state {
		case Requesting:
			c.edit = nil
		case Committing:
			c.edit.state = Editing
			c.edit.saveErr = e.Message
		}
	}
	return nil
}

// ---- render model ----

// View returns the render model for cell.
func (c *Controller) View(cell v1.Cell) CellView {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := CellView{Value: c.values[cell]}

	if l, ok := c.locks[cell]; ok && l.Holder.SessionID != c.self.SessionID {
		h := l.Holder
		v.LockedBy = &h
		v.Badge = "✎ " + h.Name
		v.Draft = c.peerDrafts[cell]
	}

	if c.edit != nil && c.edit.cell == cell {
		v.State = c.edit.state
		v.Editable = c.edit.state == Editing
		v.Draft = c.edit.draft
		v.SaveError = c.edit.saveErr
	}
	return v
}

// WaitJoined blocks until the first workspace snapshot has been applied.
func (c *Controller) WaitJoined(ctx context.Context) error {
	select {
	case <-c.joinedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Self returns the local participant once joined.
func (c *Controller) Self() (v1.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.joined
}

// State returns the local edit phase and its cell.
func (c *Controller) State() (EditState, v1.Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.edit == nil {
		return Idle, v1.Cell{}
	}
	return c.edit.state, c.edit.cell
}

// Participants returns the mirrored participants sorted by session id.
func (c *Controller) Participants() []v1.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]v1.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Locks returns the mirrored lock entries ordered by row, then column.
func (c *Controller) Locks() []v1.LockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]v1.LockEntry, 0, len(c.locks))
	for _, l := range c.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cell.RowID != out[j].Cell.RowID {
			return out[i].Cell.RowID < out[j].Cell.RowID
		}
		return out[i].Cell.Column < out[j].Cell.Column
	})
	return out
}

// Cursor returns the selected cell of the session sid.
func (c *Controller) Cursor(sid string) (v1.Cell, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cursors[sid]
	return cell, ok
}

// LastError returns the most recent error envelope from the server.
func (c *Controller) LastError() (v1.ErrorPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return v1.ErrorPayload{}, false
	}
	return *c.lastErr, true
}
