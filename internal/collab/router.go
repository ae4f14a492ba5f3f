package collab

import (
	"log/slog"
)

// Sink receives events for one participant.
//
// Deliver must not block: transports enqueue into a bounded FIFO and report an error
// when they cannot accept the event. Events handed to one Sink arrive in call order.
type Sink interface {
	Deliver(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

// Deliver calls f(ev).
func (f SinkFunc) Deliver(ev Event) error { return f(ev) }

// Router fans events out to the registry's attached participants.
// Delivery is fire-and-forget per recipient: one failing sink never stops the others
// and is never reported to the caller.
type Router struct {
	log *slog.Logger
	reg *Registry
	obs Observer
}

// NewRouter constructs a Router over reg.
func NewRouter(log *slog.Logger, reg *Registry, obs Observer) *Router {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Router{log: log, reg: reg, obs: obs}
}

// Notify delivers ev to every attached participant except exclude (empty excludes nobody).
func (r *Router) Notify(ev Event, exclude string) {
	for _, rc := range r.reg.recipients(exclude) {
		r.deliver(rc.sessionID, rc.sink, ev)
	}
}

// Send delivers ev to a single session.
func (r *Router) Send(sessionID string, ev Event) {
	sink, ok := r.reg.sink(sessionID)
	if !ok {
		return
	}
	r.deliver(sessionID, sink, ev)
}

func (r *Router) deliver(sessionID string, sink Sink, ev Event) {
	if err := sink.Deliver(ev); err != nil {
		r.obs.DeliveryFailure()
		r.log.Warn("router.deliver.fail", "session_id", sessionID, "event", ev.Name(), "err", err)
	}
}
