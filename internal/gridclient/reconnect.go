package gridclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Session keeps one participant connected across dropped connections. Every successful
// dial gets a fresh Controller, so the server's new snapshot rebuilds the mirror.
type Session struct {
	Dial DialConfig
	// Setup runs on each new controller before join, typically to install OnChange.
	Setup func(*Controller)

	// Backoff paces redials. Nil uses an exponential policy capped at MaxInterval.
	Backoff     backoff.BackOff
	MaxInterval time.Duration
}

// Run connects, joins and pumps events until ctx ends. Transport failures are retried;
// a RejectedError is returned at once.
func (s *Session) Run(ctx context.Context) error {
	b := s.Backoff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 250 * time.Millisecond
		eb.MaxInterval = 30 * time.Second
		if s.MaxInterval > 0 {
			eb.MaxInterval = s.MaxInterval
		}
		eb.MaxElapsedTime = 0
		b = eb
	}
	b.Reset()

	log := s.Dial.Log
	for attempt := 1; ; attempt++ {
		joined, err := s.once(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			return err
		}
		if joined {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if log != nil {
			log.Warn("gridclient.reconnect", "attempt", attempt, "wait_ms", wait.Milliseconds(), "err", err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// once runs a single connection. joined reports whether a snapshot arrived.
func (s *Session) once(ctx context.Context) (joined bool, err error) {
	conn, err := Dial(ctx, s.Dial)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ctrl := NewController(conn)
	if s.Setup != nil {
		s.Setup(ctrl)
	}
	if err := conn.Join(ctx); err != nil {
		return false, err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx, ctrl) }()

	select {
	case <-ctrl.joinedCh:
		joined = true
	case err := <-runErr:
		return false, err
	}

	err = <-runErr
	if err == nil && ctx.Err() == nil {
		err = errors.New("gridclient: connection closed by server")
	}
	return joined, err
}
