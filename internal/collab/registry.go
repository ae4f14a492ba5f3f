package collab

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry tracks the participants admitted into one workspace.
//
// Mutations happen on the workspace loop; reads (List, Get) are safe from any goroutine.
// A detached member is still listed (its locks are still held) but receives no deliveries.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	members map[string]*member
	seq     uint64

	newID func(time.Time) (string, error)
}

type member struct {
	p        Participant
	sink     Sink
	seq      uint64
	cursor   *CellID
	detached bool
}

type recipient struct {
	sessionID string
	sink      Sink
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		members: make(map[string]*member),
		newID:   NewSessionID,
	}
}

// Join admits a connection and allocates a fresh session id, even if the same user is
// already connected elsewhere.
func (r *Registry) Join(id Identity, sink Sink, now time.Time) (Participant, error) {
	if id.UserID <= 0 || strings.TrimSpace(id.DisplayName) == "" || sink == nil {
		return Participant{}, ErrUnauthorized
	}

	sessionID, err := r.newID(now)
	if err != nil {
		return Participant{}, err
	}

	p := Participant{
		UserID:    id.UserID,
		Name:      strings.TrimSpace(id.DisplayName),
		SessionID: sessionID,
		JoinedAt:  now,
	}

	r.mu.Lock()
	r.seq++
	r.members[sessionID] = &member{p: p, sink: sink, seq: r.seq}
	n := len(r.members)
	r.mu.Unlock()

	r.log.Info("registry.join", "session_id", sessionID, "user_id", p.UserID, "participants", n)
	return p, nil
}

// Leave removes a session. Removing an absent session is a no-op.
func (r *Registry) Leave(sessionID string) (Participant, bool) {
	r.mu.Lock()
	m, ok := r.members[sessionID]
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	if !ok {
		return Participant{}, false
	}
	r.log.Info("registry.leave", "session_id", sessionID, "user_id", m.p.UserID, "participants", n)
	return m.p, true
}

// Detach stops deliveries to a session whose transport is gone while it stays listed.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[sessionID]; ok {
		m.detached = true
	}
}

// Get returns the participant for sessionID.
func (r *Registry) Get(sessionID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[sessionID]
	if !ok {
		return Participant{}, false
	}
	return m.p, true
}

// List returns all participants in join order.
func (r *Registry) List() []Participant {
	r.mu.RLock()
	ms := r.sortedLocked()
	r.mu.RUnlock()

	out := make([]Participant, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.p)
	}
	return out
}

// Len returns the number of listed participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// SetCursor records the selected cell for a session (nil clears it).
func (r *Registry) SetCursor(sessionID string, cell *CellID) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sessionID]
	if !ok {
		return Participant{}, false
	}
	if cell == nil {
		m.cursor = nil
	} else {
		c := *cell
		m.cursor = &c
	}
	return m.p, true
}

// Cursors returns the selection of every participant that has one, in join order.
func (r *Registry) Cursors() []Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Cursor
	for _, m := range r.sortedLocked() {
		if m.cursor == nil {
			continue
		}
		c := *m.cursor
		out = append(out, Cursor{Participant: m.p, Cell: &c})
	}
	return out
}

func (r *Registry) sink(sessionID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[sessionID]
	if !ok || m.detached {
		return nil, false
	}
	return m.sink, true
}

// recipients returns attached members except exclude, in join order.
func (r *Registry) recipients(exclude string) []recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ms := r.sortedLocked()
	out := make([]recipient, 0, len(ms))
	for _, m := range ms {
		if m.detached || m.p.SessionID == exclude {
			continue
		}
		out = append(out, recipient{sessionID: m.p.SessionID, sink: m.sink})
	}
	return out
}

func (r *Registry) sortedLocked() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
