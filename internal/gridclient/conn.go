package gridclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	v1 "gridsync/contracts/grid/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxReadBytes        = 1 << 20 // 1MiB
)

// DialConfig describes how to reach a grid server.
type DialConfig struct {
	URL    string
	Origin string
	// Token is sent as a bearer header at handshake when Bearer is set, otherwise in the join command.
	Token  string
	Bearer bool

	WriteTimeout time.Duration
	Log          *slog.Logger
}

// RejectedError means the server refused the participant: a 401/403 handshake or a
// policy-violation close after join. Retrying with the same credentials will not help.
type RejectedError struct {
	Status int
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gridclient: rejected (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Conn is a WebSocket connection to a grid server. It implements Sender.
type Conn struct {
	log          *slog.Logger
	ws           *websocket.Conn
	writeTimeout time.Duration
	token        string
	bearer       bool
	closed       atomic.Bool
}

var _ Sender = (*Conn)(nil)

// Dial opens the connection and negotiates the grid subprotocol. It does not join.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("gridclient: missing url")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := http.Header{}
	if strings.TrimSpace(cfg.Origin) != "" {
		h.Set("Origin", cfg.Origin)
	}
	if cfg.Bearer && cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}

	ws, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &RejectedError{Status: resp.StatusCode, Err: err}
			}
			return nil, fmt.Errorf("gridclient: dial %s: %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("gridclient: dial %s: %w", cfg.URL, err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("gridclient: server selected subprotocol %q", sp)
	}
	ws.SetReadLimit(maxReadBytes)

	return &Conn{
		log:          cfg.Log,
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		token:        cfg.Token,
		bearer:       cfg.Bearer,
	}, nil
}

// Join sends the join command unless the token already went in the handshake.
func (c *Conn) Join(ctx context.Context) error {
	if c.bearer {
		return nil
	}
	return c.Send(ctx, v1.JoinPayload{Token: c.token})
}

// Send writes one command envelope.
func (c *Conn) Send(ctx context.Context, cmd v1.Command) error {
	env, err := v1.NewEnvelope(cmd, ulid.Make().String(), time.Now().UTC())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("gridclient: send %s: %w", cmd.CommandType(), err)
	}
	return nil
}

// Run pumps inbound envelopes into ctrl until the connection closes or ctx ends.
// A normal closure returns nil.
func (c *Conn) Run(ctx context.Context, ctrl *Controller) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation && strings.HasPrefix(ce.Reason, "join") {
				return &RejectedError{Status: http.StatusUnauthorized, Err: err}
			}
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("gridclient.read.bad_json", "err", err)
			continue
		}
		if err := ctrl.Apply(ctx, env); err != nil {
			c.log.Warn("gridclient.apply.fail", "type", env.Type, "err", err)
		}
	}
}

// Close leaves the workspace and closes the connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	_ = c.Send(ctx, v1.LeavePayload{})
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}
