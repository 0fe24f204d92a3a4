package socket

import (
	"context"
	"sync/atomic"
)

// Signal is a completion that settles exactly once, with either success (nil)
// or a failure. Every later attempt to settle it is ignored.
type Signal struct {
	settled atomic.Bool
	done    chan struct{}
	err     error
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// settle reports whether this call won the race.
func (s *Signal) settle(err error) bool {
	if !s.settled.CompareAndSwap(false, true) {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// Done is closed once the signal has settled.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Settled reports whether the signal has settled.
func (s *Signal) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the failure the signal settled with. It returns nil both for a
// successful settle and while the signal is still pending.
func (s *Signal) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the signal settles or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
