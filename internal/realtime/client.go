package realtime

import (
	"errors"
	"sync"
	"time"

	v1 "gridsync/contracts/grid/v1"
	"gridsync/internal/collab"
)

// ErrSinkBackpressure is returned by Deliver when the send queue is full.
// The connection is then closed; the client reconnects and receives a fresh snapshot.
var ErrSinkBackpressure = errors.New("realtime: send queue full")

// Client represents one connected websocket session and is its collab.Sink.
//
// Design notes:
// - Send is intentionally NOT closed to avoid panics from concurrent producers.
// - done signals goroutines to stop; overflow signals the writer to drop the connection.
// - Close is idempotent.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	mu        sync.RWMutex
	sessionID string
	closing   bool

	done         chan struct{}
	closeOnce    sync.Once
	overflow     chan struct{}
	overflowOnce sync.Once
}

var _ collab.Sink = (*Client)(nil)

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:   connID,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
		overflow: make(chan struct{}),
	}
}

// SessionID returns the workspace session id once joined.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// bindSession records sid unless the client is already closing.
func (c *Client) bindSession(sid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.sessionID = sid
	return true
}

// unbindSession marks the client closing and returns the bound session id, if any.
// Together with bindSession it guarantees exactly one side issues the workspace leave.
func (c *Client) unbindSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	return c.sessionID
}

// Deliver encodes ev and enqueues it without blocking. Called from the workspace loop.
func (c *Client) Deliver(ev collab.Event) error {
	env, err := encodeEvent(ev, time.Now().UTC())
	if err != nil {
		return err
	}
	if !c.Enqueue(env) {
		return ErrSinkBackpressure
	}
	return nil
}

// Enqueue adds env to the send queue. A full queue trips the overflow signal.
func (c *Client) Enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
		return false
	}
}

// Overflow is closed the first time the send queue rejects an envelope.
func (c *Client) Overflow() <-chan struct{} { return c.overflow }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
