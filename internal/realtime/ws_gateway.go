// Package realtime is the WebSocket transport in front of the collaboration workspace.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/collab"
	"gridsync/internal/identity"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("invalid JSON")

// ConnObserver counts finished connections by reason.
type ConnObserver interface {
	ConnectionClosed(reason string)
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithConnObserver installs a connection counter.
func WithConnObserver(obs ConnObserver) GatewayOption {
	return func(g *WSGateway) { g.obs = obs }
}

// WSGateway is the WebSocket entrypoint for the grid.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// authenticates the join, and turns wire commands into Workspace calls.
type WSGateway struct {
	log      *slog.Logger
	ws       *collab.Workspace
	resolver identity.Resolver
	obs      ConnObserver
	cfg      Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway over ws.
func NewWSGateway(log *slog.Logger, ws *collab.Workspace, resolver identity.Resolver, cfg Config, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	g := &WSGateway{
		log:      log,
		ws:       ws,
		resolver: resolver,
		cfg:      cfg.normalized(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	// websocket.Accept enforces its own origin policy; derive its patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A bearer token at handshake joins immediately; otherwise the first command must be join.
	var preauth *identity.Identity
	if tok := bearerToken(r); tok != "" {
		id, err := g.resolver.ResolveIdentity(r.Context(), tok)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			g.connClosed("unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		preauth = &id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewEnvelopeID(), g.cfg.SendQueueSize)
	log := g.log.With("conn_id", client.ConnID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	closing := make(chan closeAction, 1)

	// shutdown is idempotent. It leaves the workspace before stopping the client so no
	// event is routed to a closed queue, and it does NOT close client.Send.
	// The writer goroutine owns the final conn.Close so queued envelopes are flushed first.
	shutdown := func(code websocket.StatusCode, reason, metric string) {
		closeOnce.Do(func() {
			if sid := client.unbindSession(); sid != "" {
				g.leave(ctx, sid, log)
			}
			closing <- closeAction{code: code, reason: reason, metric: metric}
			client.Close()
			g.connClosed(metric)
			log.Info("ws.close", "reason", reason, "code", code)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		closeConn := func() {
			act := <-closing
			_ = conn.Close(act.code, act.reason)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				g.flush(ctx, conn, client)
				closeConn()
				return
			case <-client.Overflow():
				log.Warn("ws.backpressure", "session_id", client.SessionID(), "queue", cap(client.Send))
				shutdown(websocket.StatusTryAgainLater, "send queue overflow", "backpressure")
				closeConn()
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed", "error")
					closeConn()
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed", "heartbeat")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	if preauth != nil {
		if err := g.join(ctx, client, *preauth, log); err != nil {
			g.sendError(client, errorPayload(err))
			shutdown(websocket.StatusPolicyViolation, "join failed", "unauthorized")
		}
	}

	joinDeadline := time.Now().Add(g.cfg.JoinTimeout)

readLoop:
	for {
		joined := client.SessionID() != ""

		var (
			readCtx    context.Context
			readCancel context.CancelFunc
		)
		if joined {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		} else {
			readCtx, readCancel = context.WithDeadline(ctx, joinDeadline)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed", "normal")
				break readLoop
			case readErrCtxDone:
				if !joined && ctx.Err() == nil {
					shutdown(websocket.StatusPolicyViolation, "join timeout", "unauthorized")
				} else {
					shutdown(websocket.StatusNormalClosure, "context done", "normal")
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed", "error")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, v1.ErrorPayload{Code: v1.CodeBadJSON, Message: "invalid JSON"})
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed", "error")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, v1.ErrorPayload{Code: v1.CodeRateLimited, Message: "too many events"})
			shutdown(websocket.StatusPolicyViolation, "rate limited", "rate_limited")
			break readLoop
		}

		cmd, err := v1.DecodeCommand(env)
		if err != nil {
			code := v1.CodeBadEnvelope
			if errors.Is(err, v1.ErrWrongDirection) {
				code = v1.CodeUnsupported
			}
			g.sendError(client, v1.ErrorPayload{Code: code, Message: err.Error()})
			continue readLoop
		}

		if stop := g.dispatch(ctx, client, cmd, log); stop != nil {
			shutdown(stop.code, stop.reason, stop.metric)
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye", "normal")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- command handling ----

type closeAction struct {
	code   websocket.StatusCode
	reason string
	metric string
}

// dispatch runs one decoded command. A non-nil result closes the connection.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, cmd v1.Command, log *slog.Logger) *closeAction {
	sid := client.SessionID()

	if sid == "" {
		switch c := cmd.(type) {
		case v1.JoinPayload:
			id, err := g.resolver.ResolveIdentity(ctx, c.Token)
			if err == nil {
				err = g.join(ctx, client, id, log)
			}
			if err != nil {
				log.Info("ws.join.fail", "err", err)
				g.sendError(client, errorPayload(err))
				return &closeAction{code: websocket.StatusPolicyViolation, reason: "join failed", metric: "unauthorized"}
			}
		case v1.PingPayload:
			g.enqueue(client, v1.PongPayload{})
		default:
			g.sendError(client, v1.ErrorPayload{Code: v1.CodeNotJoined, Message: "join first"})
		}
		return nil
	}

	var err error
	switch c := cmd.(type) {
	case v1.JoinPayload:
		g.sendError(client, v1.ErrorPayload{Code: v1.CodeAlreadyJoined, Message: "already joined"})
		return nil

	case v1.StartEditPayload:
		err = g.ws.StartEdit(ctx, sid, cellFromWire(c.Cell))
		if errors.Is(err, collab.ErrLockConflict) {
			// The requester already received cell_lock_denied.
			err = nil
		}

	case v1.CancelEditPayload:
		err = g.ws.CancelEdit(ctx, sid, cellFromWire(c.Cell))

	case v1.CommitEditPayload:
		if utf8.RuneCountInString(c.Value) > maxCellValueChars {
			g.sendValueTooLong(client, c.Cell)
			return nil
		}
		err = g.ws.CommitEdit(ctx, sid, cellFromWire(c.Cell), c.Value)

	case v1.DraftEditPayload:
		if utf8.RuneCountInString(c.Value) > maxCellValueChars {
			g.sendValueTooLong(client, c.Cell)
			return nil
		}
		err = g.ws.DraftEdit(ctx, sid, cellFromWire(c.Cell), c.Value)

	case v1.MoveCursorPayload:
		var cell *collab.CellID
		if c.Cell != nil {
			id := cellFromWire(*c.Cell)
			cell = &id
		}
		err = g.ws.MoveCursor(ctx, sid, cell)

	case v1.PingPayload:
		err = g.ws.Ping(ctx, sid)

	case v1.LeavePayload:
		return &closeAction{code: websocket.StatusNormalClosure, reason: "left", metric: "normal"}

	default:
		g.sendError(client, v1.ErrorPayload{Code: v1.CodeUnsupported, Message: fmt.Sprintf("unsupported type: %s", cmd.CommandType())})
		return nil
	}

	if err != nil {
		if errors.Is(err, collab.ErrWorkspaceClosed) {
			g.sendError(client, errorPayload(err))
			return &closeAction{code: websocket.StatusGoingAway, reason: "shutting down", metric: "normal"}
		}
		if !errors.Is(err, collab.ErrProtocolViolation) && !errors.Is(err, collab.ErrNotJoined) {
			log.Error("ws.command.fail", "session_id", sid, "type", cmd.CommandType(), "err", err)
		}
		g.sendError(client, errorPayload(err))
	}
	return nil
}

func (g *WSGateway) join(ctx context.Context, client *Client, id identity.Identity, log *slog.Logger) error {
	p, err := g.ws.Join(ctx, collab.Identity{UserID: id.UserID, DisplayName: id.DisplayName}, client)
	if err != nil {
		return err
	}
	if !client.bindSession(p.SessionID) {
		// The connection died while the join was in flight.
		g.leave(ctx, p.SessionID, log)
		return collab.ErrNotJoined
	}
	log.Info("ws.join", "session_id", p.SessionID, "user_id", p.UserID)
	return nil
}

func (g *WSGateway) leave(ctx context.Context, sid string, log *slog.Logger) {
	// The request context may already be gone; the leave must still run.
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.WriteTimeout)
	defer cancel()
	if err := g.ws.Leave(leaveCtx, sid); err != nil && !errors.Is(err, collab.ErrWorkspaceClosed) {
		log.Error("ws.leave.fail", "session_id", sid, "err", err)
	}
}

func (g *WSGateway) connClosed(reason string) {
	if g.obs != nil {
		g.obs.ConnectionClosed(reason)
	}
}

// ---- send helpers ----

func (g *WSGateway) sendValueTooLong(client *Client, cell v1.Cell) {
	g.sendError(client, v1.ErrorPayload{
		Code:    v1.CodeProtocolViolation,
		Message: fmt.Sprintf("value too long: max=%d chars", maxCellValueChars),
		Cell:    &cell,
	})
}

// flush writes what is still queued, best effort.
func (g *WSGateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *WSGateway) sendError(client *Client, p v1.ErrorPayload) {
	g.enqueue(client, p)
}

func (g *WSGateway) enqueue(client *Client, payload v1.Event) {
	env, err := v1.NewEnvelope(payload, NewEnvelopeID(), time.Now().UTC())
	if err != nil {
		g.log.Error("ws.encode.fail", "type", payload.EventType(), "err", err)
		return
	}
	_ = client.Enqueue(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- auth ----

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		switch {
		case a == "*":
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated hosts of the
// allowlist; websocket.Accept matches them against the Origin host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
