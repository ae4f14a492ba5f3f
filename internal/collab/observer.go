package collab

import "time"

// Observer receives workspace counters. Implementations must be cheap and non-blocking;
// they are called from the event loop.
type Observer interface {
	Participants(n int)
	LocksHeld(n int)
	LockRequest(outcome LockOutcome)
	Commit(ok bool, elapsed time.Duration)
	ProtocolViolation(op string)
	DeliveryFailure()
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Participants(int)           {}
func (NopObserver) LocksHeld(int)              {}
func (NopObserver) LockRequest(LockOutcome)    {}
func (NopObserver) Commit(bool, time.Duration) {}
func (NopObserver) ProtocolViolation(string)   {}
func (NopObserver) DeliveryFailure()           {}
