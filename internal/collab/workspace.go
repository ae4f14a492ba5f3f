package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridsync/internal/cellstore"

	"golang.org/x/sync/semaphore"
)

const (
	defaultCommitTimeout     = 10 * time.Second
	defaultCommitConcurrency = 16
	defaultInboxSize         = 256
)

// Config tunes the workspace loop.
type Config struct {
	// CommitTimeout bounds a single cell write.
	CommitTimeout time.Duration
	// CommitConcurrency bounds writes in flight across all participants.
	CommitConcurrency int
	// InboxSize is the command queue depth in front of the loop.
	InboxSize int
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		CommitTimeout:     defaultCommitTimeout,
		CommitConcurrency: defaultCommitConcurrency,
		InboxSize:         defaultInboxSize,
	}
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithConfig overrides loop tuning; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(w *Workspace) {
		if cfg.CommitTimeout > 0 {
			w.cfg.CommitTimeout = cfg.CommitTimeout
		}
		if cfg.CommitConcurrency > 0 {
			w.cfg.CommitConcurrency = cfg.CommitConcurrency
		}
		if cfg.InboxSize > 0 {
			w.cfg.InboxSize = cfg.InboxSize
		}
	}
}

// WithObserver installs a metrics observer.
func WithObserver(obs Observer) Option {
	return func(w *Workspace) {
		if obs != nil {
			w.obs = obs
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(w *Workspace) {
		if now != nil {
			w.now = now
		}
	}
}

// Workspace is one shared grid: its participants, its locks and the loop that arbitrates them.
// It is constructed once at startup and handed to every connection handler.
type Workspace struct {
	log   *slog.Logger
	cfg   Config
	store cellstore.Writer
	obs   Observer
	now   func() time.Time

	registry *Registry
	locks    *LockTable
	router   *Router

	inbox   chan command
	stopped chan struct{}
	runOnce sync.Once

	writeSem *semaphore.Weighted
	writes   sync.WaitGroup

	// Loop-owned.
	writeCtx context.Context
	sessions map[string]*sessionState
}

type sessionState struct {
	p            Participant
	inflight     map[CellID]string
	disconnected bool
}

// NewWorkspace constructs a Workspace writing committed values to store.
func NewWorkspace(log *slog.Logger, store cellstore.Writer, opts ...Option) *Workspace {
	if log == nil {
		log = slog.Default()
	}
	w := &Workspace{
		log:      log,
		cfg:      DefaultConfig(),
		store:    store,
		obs:      NopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		stopped:  make(chan struct{}),
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	w.registry = NewRegistry(log)
	w.locks = NewLockTable()
	w.router = NewRouter(log, w.registry, w.obs)
	w.inbox = make(chan command, w.cfg.InboxSize)
	w.writeSem = semaphore.NewWeighted(int64(w.cfg.CommitConcurrency))
	return w
}

// Registry exposes the session registry for read-only use.
func (w *Workspace) Registry() *Registry { return w.registry }

// Locks exposes the lock table for read-only use.
func (w *Workspace) Locks() *LockTable { return w.locks }

// Run executes the event loop until ctx is done. In-flight writes are allowed to finish
// before Run returns.
func (w *Workspace) Run(ctx context.Context) error {
	started := false
	w.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("collab: workspace already running")
	}

	// Writes outlive the connection that asked for them, and shutdown waits for them.
	w.writeCtx = context.WithoutCancel(ctx)

	w.log.Info("workspace.start")
	defer func() {
		close(w.stopped)
		w.writes.Wait()
		w.log.Info("workspace.stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.inbox:
			w.dispatch(cmd)
		}
	}
}

// ---- public API: each call is one atomic step on the loop ----

// Join admits a connection. The snapshot and peer notifications are delivered through sink.
func (w *Workspace) Join(ctx context.Context, id Identity, sink Sink) (Participant, error) {
	reply := make(chan joinResult, 1)
	if err := w.submit(ctx, joinCmd{id: id, sink: sink, reply: reply}); err != nil {
		return Participant{}, err
	}
	select {
	case r := <-reply:
		return r.p, r.err
	case <-w.stopped:
		return Participant{}, ErrWorkspaceClosed
	}
}

// StartEdit requests the lock on cell. A denial returns *LockConflictError after the
// requester has been sent LockDenied.
func (w *Workspace) StartEdit(ctx context.Context, sessionID string, cell CellID) error {
	return w.do(ctx, func(reply chan error) command {
		return startEditCmd{sessionID: sessionID, cell: cell, reply: reply}
	})
}

// CancelEdit releases a held cell without writing.
func (w *Workspace) CancelEdit(ctx context.Context, sessionID string, cell CellID) error {
	return w.do(ctx, func(reply chan error) command {
		return cancelEditCmd{sessionID: sessionID, cell: cell, reply: reply}
	})
}

// CommitEdit starts writing value for a held cell. It returns once the write is accepted;
// the outcome arrives later as CommitAcked or CommitFailed.
func (w *Workspace) CommitEdit(ctx context.Context, sessionID string, cell CellID, value string) error {
	return w.do(ctx, func(reply chan error) command {
		return commitEditCmd{sessionID: sessionID, cell: cell, value: value, reply: reply}
	})
}

// DraftEdit relays uncommitted typing for a held cell to peers.
func (w *Workspace) DraftEdit(ctx context.Context, sessionID string, cell CellID, value string) error {
	return w.do(ctx, func(reply chan error) command {
		return draftEditCmd{sessionID: sessionID, cell: cell, value: value, reply: reply}
	})
}

// MoveCursor records the sender's selection (nil clears it) and tells peers.
func (w *Workspace) MoveCursor(ctx context.Context, sessionID string, cell *CellID) error {
	return w.do(ctx, func(reply chan error) command {
		return moveCursorCmd{sessionID: sessionID, cell: cell, reply: reply}
	})
}

// Ping answers with Pong through the session's sink.
func (w *Workspace) Ping(ctx context.Context, sessionID string) error {
	return w.do(ctx, func(reply chan error) command {
		return pingCmd{sessionID: sessionID, reply: reply}
	})
}

// Leave runs the leave transition. It is idempotent and is used for both explicit leave
// and transport disconnect.
func (w *Workspace) Leave(ctx context.Context, sessionID string) error {
	return w.do(ctx, func(reply chan error) command {
		return leaveCmd{sessionID: sessionID, reply: reply}
	})
}

// Snapshot returns the current participants, locks and cursors.
func (w *Workspace) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := w.submit(ctx, snapshotCmd{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-w.stopped:
		return Snapshot{}, ErrWorkspaceClosed
	}
}

// State returns the protocol state of a session.
func (w *Workspace) State(ctx context.Context, sessionID string) (ConnState, error) {
	reply := make(chan ConnState, 1)
	if err := w.submit(ctx, stateCmd{sessionID: sessionID, reply: reply}); err != nil {
		return StateLeft, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-w.stopped:
		return StateLeft, ErrWorkspaceClosed
	}
}

func (w *Workspace) do(ctx context.Context, build func(reply chan error) command) error {
	reply := make(chan error, 1)
	if err := w.submit(ctx, build(reply)); err != nil {
		return err
	}
	// Once accepted, the step runs to completion; wait for it regardless of ctx.
	select {
	case err := <-reply:
		return err
	case <-w.stopped:
		return ErrWorkspaceClosed
	}
}

func (w *Workspace) submit(ctx context.Context, cmd command) error {
	select {
	case <-w.stopped:
		return ErrWorkspaceClosed
	default:
	}
	select {
	case w.inbox <- cmd:
		return nil
	case <-w.stopped:
		return ErrWorkspaceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- commands ----

type command interface{ op() string }

type joinResult struct {
	p   Participant
	err error
}

type joinCmd struct {
	id    Identity
	sink  Sink
	reply chan joinResult
}

type startEditCmd struct {
	sessionID string
	cell      CellID
	reply     chan error
}

type cancelEditCmd struct {
	sessionID string
	cell      CellID
	reply     chan error
}

type commitEditCmd struct {
	sessionID string
	cell      CellID
	value     string
	reply     chan error
}

type draftEditCmd struct {
	sessionID string
	cell      CellID
	value     string
	reply     chan error
}

type moveCursorCmd struct {
	sessionID string
	cell      *CellID
	reply     chan error
}

type pingCmd struct {
	sessionID string
	reply     chan error
}

type leaveCmd struct {
	sessionID string
	reply     chan error
}

type commitDoneCmd struct {
	sessionID string
	cell      CellID
	value     string
	err       error
	elapsed   time.Duration
}

type snapshotCmd struct{ reply chan Snapshot }

type stateCmd struct {
	sessionID string
	reply     chan ConnState
}

func (joinCmd) op() string       { return "join" }
func (startEditCmd) op() string  { return "start_edit" }
func (cancelEditCmd) op() string { return "cancel_edit" }
func (commitEditCmd) op() string { return "commit_edit" }
func (draftEditCmd) op() string  { return "draft_edit" }
func (moveCursorCmd) op() string { return "move_cursor" }
func (pingCmd) op() string       { return "ping" }
func (leaveCmd) op() string      { return "leave" }
func (commitDoneCmd) op() string { return "commit_done" }
func (snapshotCmd) op() string   { return "snapshot" }
func (stateCmd) op() string      { return "state" }

func (w *Workspace) dispatch(cmd command) {
	switch c := cmd.(type) {
	case joinCmd:
		p, err := w.join(c.id, c.sink)
		c.reply <- joinResult{p: p, err: err}
	case startEditCmd:
		c.reply <- w.startEdit(c.sessionID, c.cell)
	case cancelEditCmd:
		c.reply <- w.cancelEdit(c.sessionID, c.cell)
	case commitEditCmd:
		c.reply <- w.commitEdit(c.sessionID, c.cell, c.value)
	case draftEditCmd:
		c.reply <- w.draftEdit(c.sessionID, c.cell, c.value)
	case moveCursorCmd:
		c.reply <- w.moveCursor(c.sessionID, c.cell)
	case pingCmd:
		c.reply <- w.ping(c.sessionID)
	case leaveCmd:
		w.leave(c.sessionID)
		c.reply <- nil
	case commitDoneCmd:
		w.commitDone(c)
	case snapshotCmd:
		c.reply <- w.snapshot()
	case stateCmd:
		c.reply <- w.state(c.sessionID)
	default:
		w.log.Error("workspace.command.unknown", "type", fmt.Sprintf("%T", cmd))
	}
}

// ---- transitions (loop goroutine only) ----

func (w *Workspace) join(id Identity, sink Sink) (Participant, error) {
	p, err := w.registry.Join(id, sink, w.now())
	if err != nil {
		w.log.Info("workspace.join.reject", "user_id", id.UserID, "err", err)
		return Participant{}, err
	}
	w.sessions[p.SessionID] = &sessionState{p: p, inflight: make(map[CellID]string)}
	w.obs.Participants(w.registry.Len())

	w.router.Send(p.SessionID, SnapshotEvent{Self: p, Snapshot: w.snapshot()})
	w.router.Notify(ParticipantJoined{Participant: p}, p.SessionID)
	return p, nil
}

func (w *Workspace) startEdit(sessionID string, cell CellID) error {
	const op = "start_edit"
	st, err := w.active(sessionID)
	if err != nil {
		return err
	}
	if !cell.Valid() {
		return w.reject(op, sessionID, &cell, "invalid cell")
	}

	res := w.locks.TryAcquire(cell, st.p, w.now())
	w.obs.LockRequest(res.Outcome)

	switch res.Outcome {
	case LockGranted:
		w.obs.LocksHeld(w.locks.Len())
		ev := LockAcquired{Lock: res.Entry}
		w.router.Send(sessionID, ev)
		w.router.Notify(ev, sessionID)
		w.log.Info("workspace.lock.granted", "session_id", sessionID, "row_id", cell.RowID, "column", cell.Column)
		return nil
	case LockAlreadyHeld:
		w.router.Send(sessionID, LockAcquired{Lock: res.Entry})
		return nil
	default:
		holder := res.Entry.Holder
		w.router.Send(sessionID, LockDenied{Cell: cell, Holder: holder})
		w.log.Info("workspace.lock.denied",
			"session_id", sessionID,
			"row_id", cell.RowID,
			"column", cell.Column,
			"holder_session_id", holder.SessionID,
		)
		return &LockConflictError{Cell: cell, Holder: holder}
	}
}

func (w *Workspace) cancelEdit(sessionID string, cell CellID) error {
	const op = "cancel_edit"
	st, err := w.active(sessionID)
	if err != nil {
		return err
	}
	if err := w.requireHolder(op, st, cell); err != nil {
		return err
	}

	if _, ok := w.locks.Release(cell, sessionID); !ok {
		return w.reject(op, sessionID, &cell, "cell not held by sender")
	}
	w.obs.LocksHeld(w.locks.Len())

	ev := LockReleased{Cell: cell, Holder: st.p}
	w.router.Send(sessionID, ev)
	w.router.Notify(ev, sessionID)
	w.log.Info("workspace.lock.cancelled", "session_id", sessionID, "row_id", cell.RowID, "column", cell.Column)
	return nil
}

func (w *Workspace) commitEdit(sessionID string, cell CellID, value string) error {
	const op = "commit_edit"
	st, err := w.active(sessionID)
	if err != nil {
		return err
	}
	if err := w.requireHolder(op, st, cell); err != nil {
		return err
	}

	st.inflight[cell] = value
	w.writes.Add(1)
	go w.write(w.writeCtx, st.p, cell, value)

	w.log.Debug("workspace.commit.start", "session_id", sessionID, "row_id", cell.RowID, "column", cell.Column)
	return nil
}

func (w *Workspace) draftEdit(sessionID string, cell CellID, value string) error {
	const op = "draft_edit"
	st, err := w.active(sessionID)
	if err != nil {
		return err
	}
	if err := w.requireHolder(op, st, cell); err != nil {
		return err
	}

	w.router.Notify(DraftChanged{Cell: cell, Value: value, Author: st.p}, sessionID)
	return nil
}

func (w *Workspace) moveCursor(sessionID string, cell *CellID) error {
	const op = "move_cursor"
	st, err := w.active(sessionID)
	if err != nil {
		return err
	}
	if cell != nil && !cell.Valid() {
		return w.reject(op, sessionID, cell, "invalid cell")
	}

	w.registry.SetCursor(sessionID, cell)

	var c *CellID
	if cell != nil {
		cp := *cell
		c = &cp
	}
	w.router.Notify(CursorMoved{Cursor: Cursor{Participant: st.p, Cell: c}}, sessionID)
	return nil
}

func (w *Workspace) ping(sessionID string) error {
	if _, err := w.active(sessionID); err != nil {
		return err
	}
	w.router.Send(sessionID, Pong{})
	return nil
}

// leave detaches the session at once; the registry/lock release waits for in-flight writes
// so a late write can never land after its lock was handed to someone else.
func (w *Workspace) leave(sessionID string) {
	st, ok := w.sessions[sessionID]
	if !ok || st.disconnected {
		return
	}
	st.disconnected = true
	w.registry.Detach(sessionID)

	if n := len(st.inflight); n > 0 {
		w.log.Info("workspace.leave.deferred", "session_id", sessionID, "inflight", n)
		return
	}
	w.finishLeave(st)
}

func (w *Workspace) finishLeave(st *sessionState) {
	sessionID := st.p.SessionID

	w.registry.Leave(sessionID)
	released := w.locks.ReleaseAllFor(sessionID)
	delete(w.sessions, sessionID)

	w.obs.Participants(w.registry.Len())
	w.obs.LocksHeld(w.locks.Len())

	w.router.Notify(ParticipantLeft{Participant: st.p}, "")
	for _, e := range released {
		w.router.Notify(LockReleased{Cell: e.Cell, Holder: st.p}, "")
	}

	w.log.Info("workspace.leave", "session_id", sessionID, "user_id", st.p.UserID, "released_locks", len(released))
}

func (w *Workspace) write(ctx context.Context, p Participant, cell CellID, value string) {
	defer w.writes.Done()

	start := time.Now()
	err := w.writeSem.Acquire(ctx, 1)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, w.cfg.CommitTimeout)
		err = w.store.WriteCellValue(wctx, cellstore.WriteInput{
			RowID:     cell.RowID,
			ColumnKey: cell.Column,
			Value:     value,
			AuthorID:  p.UserID,
			Now:       w.now(),
		})
		cancel()
		w.writeSem.Release(1)
	}

	done := commitDoneCmd{
		sessionID: p.SessionID,
		cell:      cell,
		value:     value,
		err:       err,
		elapsed:   time.Since(start),
	}
	select {
	case w.inbox <- done:
	case <-w.stopped:
	}
}

func (w *Workspace) commitDone(c commitDoneCmd) {
	st, ok := w.sessions[c.sessionID]
	if !ok {
		w.log.Error("workspace.commit.orphan", "session_id", c.sessionID, "row_id", c.cell.RowID, "column", c.cell.Column)
		return
	}
	delete(st.inflight, c.cell)
	w.obs.Commit(c.err == nil, c.elapsed)

	if c.err != nil {
		perr := &PersistenceError{Cell: c.cell, Err: c.err}
		w.log.Warn("workspace.commit.fail", "session_id", c.sessionID, "err", perr, "duration_ms", c.elapsed.Milliseconds())
		reason, retryable := failureReason(c.err)
		w.router.Send(c.sessionID, CommitFailed{Cell: c.cell, Reason: reason, Retryable: retryable})
	} else {
		w.locks.Release(c.cell, c.sessionID)
		w.obs.LocksHeld(w.locks.Len())

		w.router.Send(c.sessionID, CommitAcked{Cell: c.cell, Value: c.value})
		w.router.Notify(ValueChanged{Cell: c.cell, Value: c.value, Author: st.p}, c.sessionID)
		w.router.Notify(LockReleased{Cell: c.cell, Holder: st.p}, c.sessionID)
		w.log.Info("workspace.commit.ok",
			"session_id", c.sessionID,
			"row_id", c.cell.RowID,
			"column", c.cell.Column,
			"duration_ms", c.elapsed.Milliseconds(),
		)
	}

	if st.disconnected && len(st.inflight) == 0 {
		w.finishLeave(st)
	}
}

func (w *Workspace) snapshot() Snapshot {
	return Snapshot{
		Participants: w.registry.List(),
		Locks:        w.locks.Entries(),
		Cursors:      w.registry.Cursors(),
	}
}

func (w *Workspace) state(sessionID string) ConnState {
	st, ok := w.sessions[sessionID]
	if !ok || st.disconnected {
		return StateLeft
	}
	if len(w.locks.HeldBy(sessionID)) > 0 {
		return StateEditing
	}
	return StateJoined
}

// ---- helpers ----

func (w *Workspace) active(sessionID string) (*sessionState, error) {
	st, ok := w.sessions[sessionID]
	if !ok || st.disconnected {
		return nil, ErrNotJoined
	}
	return st, nil
}

func (w *Workspace) requireHolder(op string, st *sessionState, cell CellID) error {
	sessionID := st.p.SessionID
	if !cell.Valid() {
		return w.reject(op, sessionID, &cell, "invalid cell")
	}
	e, ok := w.locks.Holder(cell)
	if !ok || e.Holder.SessionID != sessionID {
		return w.reject(op, sessionID, &cell, "cell not held by sender")
	}
	if _, busy := st.inflight[cell]; busy {
		return w.reject(op, sessionID, &cell, "commit in flight")
	}
	return nil
}

func (w *Workspace) reject(op, sessionID string, cell *CellID, reason string) error {
	w.obs.ProtocolViolation(op)
	err := violation(op, cell, reason)
	w.log.Warn("workspace.protocol.violation", "session_id", sessionID, "op", op, "err", err)
	return err
}

func failureReason(err error) (reason string, retryable bool) {
	switch {
	case errors.Is(err, cellstore.ErrUnknownColumn):
		return "unknown column", false
	case errors.Is(err, cellstore.ErrInvalidInput):
		return "invalid cell", false
	case errors.Is(err, context.DeadlineExceeded):
		return "write timed out", true
	default:
		return "write failed", true
	}
}
