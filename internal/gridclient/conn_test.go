package gridclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gridsync/internal/cellstore"
	"gridsync/internal/collab"
	"gridsync/internal/identity"
	"gridsync/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, store cellstore.Writer) string {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws := collab.NewWorkspace(log, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ws.Run(ctx)
	}()

	resolver := identity.NewStaticResolver(map[string]identity.Identity{
		"alice": {UserID: 1, DisplayName: "Alice"},
		"bob":   {UserID: 2, DisplayName: "Bob"},
	})
	cfg := realtime.DefaultConfig()
	cfg.OriginRequired = false

	mux := http.NewServeMux()
	mux.Handle("/ws", realtime.NewWSGateway(log, ws, resolver, cfg))
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type participant struct {
	conn *Conn
	ctrl *Controller
	errs chan error
}

func connect(t *testing.T, url, token string, bearer bool) *participant {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, DialConfig{URL: url, Token: token, Bearer: bearer})
	require.NoError(t, err)

	p := &participant{conn: conn, ctrl: NewController(conn), errs: make(chan error, 1)}
	go func() { p.errs <- conn.Run(context.Background(), p.ctrl) }()

	require.NoError(t, conn.Join(ctx))
	require.NoError(t, p.ctrl.WaitJoined(ctx))
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func TestConn_TwoParticipantsEditSameCell(t *testing.T) {
	t.Parallel()

	store := cellstore.NewMemory()
	url := startServer(t, store)
	ctx := context.Background()

	a := connect(t, url, "alice", false)
	b := connect(t, url, "bob", true)

	require.Eventually(t, func() bool { return len(a.ctrl.Participants()) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.ctrl.Begin(ctx, statusCell))
	require.Eventually(t, func() bool { return a.ctrl.View(statusCell).Editable }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return b.ctrl.View(statusCell).LockedBy != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "✎ Alice", b.ctrl.View(statusCell).Badge)

	var locked *LockedError
	require.ErrorAs(t, b.ctrl.Begin(ctx, statusCell), &locked)
	assert.Equal(t, "Alice", locked.Holder.Name)

	require.NoError(t, a.ctrl.Draft(ctx, "compl"))
	require.Eventually(t, func() bool { return b.ctrl.View(statusCell).Draft == "compl" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.ctrl.Save(ctx, "complete"))
	require.Eventually(t, func() bool {
		st, _ := a.ctrl.State()
		return st == Idle
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		v := b.ctrl.View(statusCell)
		return v.Value == "complete" && v.LockedBy == nil
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := store.ReadCell(ctx, 5, "status")
	require.NoError(t, err)
	assert.Equal(t, "complete", stored.Value)

	require.NoError(t, b.ctrl.Begin(ctx, statusCell))
	require.Eventually(t, func() bool { return b.ctrl.View(statusCell).Editable }, 5*time.Second, 10*time.Millisecond)
}

func TestConn_LeaveReleasesLocksForPeers(t *testing.T) {
	t.Parallel()

	url := startServer(t, cellstore.NewMemory())
	ctx := context.Background()

	a := connect(t, url, "alice", false)
	b := connect(t, url, "bob", false)

	require.NoError(t, a.ctrl.Begin(ctx, priorityCell))
	require.Eventually(t, func() bool { return len(b.ctrl.Locks()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.conn.Close())
	select {
	case err := <-a.errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}

	require.Eventually(t, func() bool {
		return len(b.ctrl.Locks()) == 0 && len(b.ctrl.Participants()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDial_RejectsUnknownBearer(t *testing.T) {
	t.Parallel()

	url := startServer(t, cellstore.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, DialConfig{URL: url, Token: "mallory", Bearer: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = Dial(ctx, DialConfig{})
	require.Error(t, err)
}

func TestSession_StopsOnRejection(t *testing.T) {
	t.Parallel()

	url := startServer(t, cellstore.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, dial := range []DialConfig{
		{URL: url, Token: "mallory", Bearer: true},
		{URL: url, Token: "mallory"},
	} {
		s := &Session{Dial: dial}
		err := s.Run(ctx)
		var rej *RejectedError
		require.ErrorAs(t, err, &rej, "bearer=%t", dial.Bearer)
		assert.Equal(t, http.StatusUnauthorized, rej.Status)
	}
}

func TestSession_RunsUntilCancelled(t *testing.T) {
	t.Parallel()

	url := startServer(t, cellstore.NewMemory())
	watcher := connect(t, url, "bob", false)

	ctx, cancel := context.WithCancel(context.Background())
	joined := make(chan *Controller, 1)
	s := &Session{
		Dial:  DialConfig{URL: url, Token: "alice"},
		Setup: func(c *Controller) { joined <- c },
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var ctrl *Controller
	select {
	case ctrl = <-joined:
	case <-time.After(5 * time.Second):
		t.Fatal("session never connected")
	}
	require.NoError(t, ctrl.WaitJoined(ctx))
	require.Eventually(t, func() bool { return len(watcher.ctrl.Participants()) == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	require.Eventually(t, func() bool { return len(watcher.ctrl.Participants()) == 1 }, 5*time.Second, 10*time.Millisecond)
}
