package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gridsync/internal/cellstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- helpers ----

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) Deliver(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) names() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Name())
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func eventsOf[T Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func waitFor[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	var out T
	require.Eventually(t, func() bool {
		evs := eventsOf[T](r)
		if len(evs) == 0 {
			return false
		}
		out = evs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

type countingObserver struct {
	mu           sync.Mutex
	participants int
	locks        int
	requests     map[LockOutcome]int
	commitsOK    int
	commitsFail  int
	violations   map[string]int
	failures     int
}

func (o *countingObserver) Participants(n int) {
	o.mu.Lock()
	o.participants = n
	o.mu.Unlock()
}

func (o *countingObserver) LocksHeld(n int) {
	o.mu.Lock()
	o.locks = n
	o.mu.Unlock()
}

func (o *countingObserver) LockRequest(outcome LockOutcome) {
	o.mu.Lock()
	if o.requests == nil {
		o.requests = make(map[LockOutcome]int)
	}
	o.requests[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) Commit(ok bool, _ time.Duration) {
	o.mu.Lock()
	if ok {
		o.commitsOK++
	} else {
		o.commitsFail++
	}
	o.mu.Unlock()
}

func (o *countingObserver) ProtocolViolation(op string) {
	o.mu.Lock()
	if o.violations == nil {
		o.violations = make(map[string]int)
	}
	o.violations[op]++
	o.mu.Unlock()
}

func (o *countingObserver) DeliveryFailure() {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *countingObserver) deliveryFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

func (o *countingObserver) violationsFor(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.violations[op]
}

func (o *countingObserver) requestsFor(outcome LockOutcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[outcome]
}

func newTestWorkspace(t *testing.T, store cellstore.Writer, opts ...Option) *Workspace {
	t.Helper()

	ws := NewWorkspace(discardLogger(), store, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("workspace did not stop")
		}
	})
	return ws
}

func joinAs(t *testing.T, ws *Workspace, uid int64, name string) (Participant, *recorder) {
	t.Helper()
	rec := newRecorder()
	p, err := ws.Join(context.Background(), Identity{UserID: uid, DisplayName: name}, rec)
	require.NoError(t, err)
	return p, rec
}

var (
	statusCell   = CellID{RowID: 5, Column: "status"}
	priorityCell = CellID{RowID: 7, Column: "priority"}
)

// ---- scenarios ----

func TestWorkspace_JoinEmptyWorkspace(t *testing.T) {
	t.Parallel()

	ws := newTestWorkspace(t, cellstore.NewMemory())
	a, recA := joinAs(t, ws, 1, "Alice")

	evs := recA.all()
	require.Len(t, evs, 1)
	snap, ok := evs[0].(SnapshotEvent)
	require.True(t, ok, "first event is the snapshot, got %T", evs[0])

	assert.Equal(t, a, snap.Self)
	assert.Equal(t, []Participant{a}, snap.Snapshot.Participants)
	assert.Empty(t, snap.Snapshot.Locks)
}

func TestWorkspace_SnapshotIsComplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())

	a, recA := joinAs(t, ws, 1, "Alice")
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.MoveCursor(ctx, a.SessionID, &statusCell))

	b, recB := joinAs(t, ws, 2, "Bob")

	snap := eventsOf[SnapshotEvent](recB)
	require.Len(t, snap, 1)
	assert.Equal(t, []Participant{a, b}, snap[0].Snapshot.Participants)
	require.Len(t, snap[0].Snapshot.Locks, 1)
	assert.Equal(t, statusCell, snap[0].Snapshot.Locks[0].Cell)
	assert.Equal(t, a.SessionID, snap[0].Snapshot.Locks[0].Holder.SessionID)
	require.Len(t, snap[0].Snapshot.Cursors, 1)
	assert.Equal(t, statusCell, *snap[0].Snapshot.Cursors[0].Cell)

	joined := eventsOf[ParticipantJoined](recA)
	require.Len(t, joined, 1)
	assert.Equal(t, b, joined[0].Participant)
	assert.Empty(t, eventsOf[ParticipantJoined](recB), "joiner is not told about itself")
}

func TestWorkspace_LockDeniedToSecondRequester(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := &countingObserver{}
	ws := newTestWorkspace(t, cellstore.NewMemory(), WithObserver(obs))

	a, recA := joinAs(t, ws, 1, "Alice")
	b, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.Len(t, eventsOf[LockAcquired](recA), 1)
	require.Len(t, eventsOf[LockAcquired](recB), 1)

	err := ws.StartEdit(ctx, b.SessionID, statusCell)
	require.ErrorIs(t, err, ErrLockConflict)
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, a.SessionID, conflict.Holder.SessionID)

	denied := eventsOf[LockDenied](recB)
	require.Len(t, denied, 1)
	assert.Equal(t, statusCell, denied[0].Cell)
	assert.Equal(t, a, denied[0].Holder)
	assert.Empty(t, eventsOf[LockDenied](recA), "denial is addressed to the requester only")

	holder, ok := ws.Locks().Holder(statusCell)
	require.True(t, ok)
	assert.Equal(t, a.SessionID, holder.Holder.SessionID)

	assert.Equal(t, 1, obs.requestsFor(LockGranted))
	assert.Equal(t, 1, obs.requestsFor(LockRefused))
}

func TestWorkspace_DuplicateStartEditIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())
	a, recA := joinAs(t, ws, 1, "Alice")
	_, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))

	assert.Len(t, eventsOf[LockAcquired](recA), 2, "requester is re-confirmed")
	assert.Len(t, eventsOf[LockAcquired](recB), 1, "peers hear about the grant once")
	assert.Equal(t, 1, ws.Locks().Len())
}

func TestWorkspace_ConcurrentStartEditGrantsExactlyOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())

	const n = 16
	sessions := make([]string, n)
	for i := range sessions {
		p, _ := joinAs(t, ws, int64(i+1), "user")
		sessions[i] = p.SessionID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
		denied  int
	)
	for _, sid := range sessions {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			err := ws.StartEdit(ctx, sid, statusCell)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted = append(granted, sid)
			case errors.Is(err, ErrLockConflict):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(sid)
	}
	wg.Wait()

	require.Len(t, granted, 1)
	assert.Equal(t, n-1, denied)
	holder, ok := ws.Locks().Holder(statusCell)
	require.True(t, ok)
	assert.Equal(t, granted[0], holder.Holder.SessionID)
}

func TestWorkspace_CommitBroadcastsValueAndRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cellstore.NewMemory()
	ws := newTestWorkspace(t, store)

	a1, recA1 := joinAs(t, ws, 1, "Alice")
	_, recA2 := joinAs(t, ws, 1, "Alice")
	_, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a1.SessionID, statusCell))
	recA1.reset()
	recA2.reset()
	recB.reset()

	require.NoError(t, ws.CommitEdit(ctx, a1.SessionID, statusCell, "complete"))

	for _, rec := range []*recorder{recB, recA2} {
		waitFor[LockReleased](t, rec)
		assert.Equal(t, []string{"cell_value_changed", "cell_lock_released"}, rec.names())

		changed := eventsOf[ValueChanged](rec)
		require.Len(t, changed, 1)
		assert.Equal(t, statusCell, changed[0].Cell)
		assert.Equal(t, "complete", changed[0].Value)
		assert.Equal(t, a1, changed[0].Author)
	}

	ack := waitFor[CommitAcked](t, recA1)
	assert.Equal(t, CommitAcked{Cell: statusCell, Value: "complete"}, ack)
	assert.Empty(t, eventsOf[ValueChanged](recA1), "committer gets the ack, not the broadcast")

	_, held := ws.Locks().Holder(statusCell)
	assert.False(t, held)

	stored, err := store.ReadCell(ctx, 5, "status")
	require.NoError(t, err)
	assert.Equal(t, "complete", stored.Value)
	assert.Equal(t, int64(1), stored.UpdatedBy)
}

func TestWorkspace_LeaveReleasesAllLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := &countingObserver{}
	ws := newTestWorkspace(t, cellstore.NewMemory(), WithObserver(obs))

	a, _ := joinAs(t, ws, 1, "Alice")
	_, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, priorityCell))
	recB.reset()

	require.NoError(t, ws.Leave(ctx, a.SessionID))

	assert.Equal(t, []string{"participant_left", "cell_lock_released", "cell_lock_released"}, recB.names())
	released := eventsOf[LockReleased](recB)
	assert.ElementsMatch(t, []CellID{statusCell, priorityCell}, []CellID{released[0].Cell, released[1].Cell})

	for _, c := range []CellID{statusCell, priorityCell} {
		_, held := ws.Locks().Holder(c)
		assert.False(t, held, "cell %s", c)
	}
	assert.Equal(t, 1, ws.Registry().Len())

	// Second leave (explicit leave followed by transport close) is a no-op.
	recB.reset()
	require.NoError(t, ws.Leave(ctx, a.SessionID))
	assert.Empty(t, recB.all())
}

func TestWorkspace_CommitFailureKeepsLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cellstore.NewMemory()
	obs := &countingObserver{}
	ws := newTestWorkspace(t, store, WithObserver(obs))

	a, recA := joinAs(t, ws, 1, "Alice")
	b, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	store.FailNext(errors.New("connection reset"))
	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "complete"))

	failed := waitFor[CommitFailed](t, recA)
	assert.Equal(t, statusCell, failed.Cell)
	assert.True(t, failed.Retryable)
	assert.NotEmpty(t, failed.Reason)

	holder, ok := ws.Locks().Holder(statusCell)
	require.True(t, ok, "lock survives a failed write")
	assert.Equal(t, a.SessionID, holder.Holder.SessionID)
	assert.Empty(t, eventsOf[ValueChanged](recB))
	assert.Empty(t, eventsOf[LockReleased](recB))
	require.ErrorIs(t, ws.StartEdit(ctx, b.SessionID, statusCell), ErrLockConflict)

	// Retry succeeds.
	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "complete"))
	waitFor[CommitAcked](t, recA)
	waitFor[LockReleased](t, recB)
	assert.Equal(t, 1, store.Writes())
}

func TestWorkspace_CommitTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cellstore.NewMemory()
	ws := newTestWorkspace(t, store, WithConfig(Config{CommitTimeout: 20 * time.Millisecond}))
	t.Cleanup(store.Block())

	a, recA := joinAs(t, ws, 1, "Alice")
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "x"))

	failed := waitFor[CommitFailed](t, recA)
	assert.Equal(t, "write timed out", failed.Reason)
	assert.True(t, failed.Retryable)
}

func TestWorkspace_UnknownColumnIsNotRetryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewColumnGuard(cellstore.NewMemory(), []string{"status"}))

	a, recA := joinAs(t, ws, 1, "Alice")
	bogus := CellID{RowID: 1, Column: "bogus"}
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, bogus))
	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, bogus, "x"))

	failed := waitFor[CommitFailed](t, recA)
	assert.Equal(t, "unknown column", failed.Reason)
	assert.False(t, failed.Retryable)
}

func TestWorkspace_DisconnectMidCommitDefersLeave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cellstore.NewMemory()
	ws := newTestWorkspace(t, store)

	a, recA := joinAs(t, ws, 1, "Alice")
	b, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, priorityCell))

	release := store.Block()
	t.Cleanup(release)

	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "complete"))
	require.NoError(t, ws.Leave(ctx, a.SessionID))
	recA.reset()
	recB.reset()

	state, err := ws.State(ctx, a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateLeft, state)
	require.ErrorIs(t, ws.CommitEdit(ctx, a.SessionID, priorityCell, "y"), ErrNotJoined)

	// The lock is still held while the write is pending.
	require.ErrorIs(t, ws.StartEdit(ctx, b.SessionID, statusCell), ErrLockConflict)
	assert.Empty(t, eventsOf[ParticipantLeft](recB))

	release()

	require.Eventually(t, func() bool {
		return len(eventsOf[LockReleased](recB)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	left := eventsOf[ParticipantLeft](recB)
	require.Len(t, left, 1)
	assert.Equal(t, a.SessionID, left[0].Participant.SessionID)

	changed := eventsOf[ValueChanged](recB)
	require.Len(t, changed, 1)
	assert.Equal(t, "complete", changed[0].Value)

	var releasedCells []CellID
	for _, ev := range eventsOf[LockReleased](recB) {
		releasedCells = append(releasedCells, ev.Cell)
	}
	assert.ElementsMatch(t, []CellID{statusCell, priorityCell}, releasedCells)

	assert.Zero(t, ws.Locks().Len())
	assert.Equal(t, 1, ws.Registry().Len())
	assert.Empty(t, recA.all(), "detached session receives nothing")
	assert.Equal(t, 1, store.Writes())
}

func TestWorkspace_CancelEditReleases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())

	a, recA := joinAs(t, ws, 1, "Alice")
	b, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.CancelEdit(ctx, a.SessionID, statusCell))

	assert.Len(t, eventsOf[LockReleased](recA), 1)
	assert.Len(t, eventsOf[LockReleased](recB), 1)
	assert.Empty(t, eventsOf[ValueChanged](recB))

	require.NoError(t, ws.StartEdit(ctx, b.SessionID, statusCell))
}

func TestWorkspace_ProtocolViolations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := &countingObserver{}
	store := cellstore.NewMemory()
	ws := newTestWorkspace(t, store, WithObserver(obs))

	a, _ := joinAs(t, ws, 1, "Alice")
	b, _ := joinAs(t, ws, 2, "Bob")
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))

	cases := []struct {
		name string
		op   string
		call func() error
	}{
		{"commit without lock", "commit_edit", func() error { return ws.CommitEdit(ctx, b.SessionID, statusCell, "x") }},
		{"cancel without lock", "cancel_edit", func() error { return ws.CancelEdit(ctx, b.SessionID, statusCell) }},
		{"draft without lock", "draft_edit", func() error { return ws.DraftEdit(ctx, b.SessionID, statusCell, "x") }},
		{"invalid cell", "start_edit", func() error { return ws.StartEdit(ctx, b.SessionID, CellID{RowID: 0, Column: "status"}) }},
		{"invalid cursor", "move_cursor", func() error { return ws.MoveCursor(ctx, b.SessionID, &CellID{RowID: 1}) }},
	}
	for _, tc := range cases {
		err := tc.call()
		require.ErrorIs(t, err, ErrProtocolViolation, tc.name)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr, tc.name)
		assert.Equal(t, tc.op, perr.Op, tc.name)
		assert.Equal(t, 1, obs.violationsFor(tc.op), tc.name)
	}

	holder, ok := ws.Locks().Holder(statusCell)
	require.True(t, ok, "violations never change lock state")
	assert.Equal(t, a.SessionID, holder.Holder.SessionID)
	assert.Zero(t, store.Writes())

	require.ErrorIs(t, ws.StartEdit(ctx, "nobody", statusCell), ErrNotJoined)
	require.ErrorIs(t, ws.Ping(ctx, "nobody"), ErrNotJoined)
}

func TestWorkspace_SecondCommitWhileInFlightIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cellstore.NewMemory()
	ws := newTestWorkspace(t, store)
	release := store.Block()
	t.Cleanup(release)

	a, recA := joinAs(t, ws, 1, "Alice")
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "one"))

	require.ErrorIs(t, ws.CommitEdit(ctx, a.SessionID, statusCell, "two"), ErrProtocolViolation)
	require.ErrorIs(t, ws.CancelEdit(ctx, a.SessionID, statusCell), ErrProtocolViolation)

	release()
	ack := waitFor[CommitAcked](t, recA)
	assert.Equal(t, "one", ack.Value)
}

func TestWorkspace_DraftAndCursorRelay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())

	a, recA := joinAs(t, ws, 1, "Alice")
	_, recB := joinAs(t, ws, 2, "Bob")

	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	require.NoError(t, ws.DraftEdit(ctx, a.SessionID, statusCell, "compl"))

	drafts := eventsOf[DraftChanged](recB)
	require.Len(t, drafts, 1)
	assert.Equal(t, "compl", drafts[0].Value)
	assert.Empty(t, eventsOf[DraftChanged](recA))

	require.NoError(t, ws.MoveCursor(ctx, a.SessionID, &priorityCell))
	moved := eventsOf[CursorMoved](recB)
	require.Len(t, moved, 1)
	assert.Equal(t, priorityCell, *moved[0].Cursor.Cell)

	snap, err := ws.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Cursors, 1)
	assert.Equal(t, a.SessionID, snap.Cursors[0].Participant.SessionID)

	require.NoError(t, ws.MoveCursor(ctx, a.SessionID, nil))
	moved = eventsOf[CursorMoved](recB)
	require.Len(t, moved, 2)
	assert.Nil(t, moved[1].Cursor.Cell)

	snap, err = ws.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Cursors)
}

func TestWorkspace_StateAndPing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ws := newTestWorkspace(t, cellstore.NewMemory())
	a, recA := joinAs(t, ws, 1, "Alice")

	state := func() ConnState {
		s, err := ws.State(ctx, a.SessionID)
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, StateJoined, state())
	require.NoError(t, ws.StartEdit(ctx, a.SessionID, statusCell))
	assert.Equal(t, StateEditing, state())
	require.NoError(t, ws.CancelEdit(ctx, a.SessionID, statusCell))
	assert.Equal(t, StateJoined, state())

	require.NoError(t, ws.Ping(ctx, a.SessionID))
	assert.Len(t, eventsOf[Pong](recA), 1)

	require.NoError(t, ws.Leave(ctx, a.SessionID))
	assert.Equal(t, StateLeft, state())
}

func TestWorkspace_ClosedAfterRunReturns(t *testing.T) {
	t.Parallel()

	ws := NewWorkspace(discardLogger(), cellstore.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx) }()

	_, err := ws.Join(context.Background(), Identity{UserID: 1, DisplayName: "A"}, newRecorder())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	_, err = ws.Join(context.Background(), Identity{UserID: 2, DisplayName: "B"}, newRecorder())
	require.ErrorIs(t, err, ErrWorkspaceClosed)
	require.Error(t, ws.Run(context.Background()), "a workspace runs once")
}
