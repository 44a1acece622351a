package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/silviot/simli_live_avatar_go/pkg/signaling"
)

var (
	// ErrNotReady is returned by sends before START or after shutdown began
	ErrNotReady = signaling.ErrNotReady
	// ErrStreamTimeout is returned when no frame arrived within the frame timeout
	ErrStreamTimeout = errors.New("no frame within timeout")
	// ErrStopped is returned by operations on a stopped session
	ErrStopped = errors.New("session stopped")
)

// ConnectionExhaustedError is returned by Initialize when every connection
// attempt failed
type ConnectionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ConnectionExhaustedError) Unwrap() error {
	return e.Last
}

// State holds the flags shared by every goroutine of a session. Each field
// has a single writer; readers may look at any time.
//
// running goes true on Initialize and false once, on STOP or shutdown.
// stopping goes true once, when Stop begins. The per-attempt ready latch
// lives on the control channel.
type State struct {
	running          atomic.Bool
	stopping         atomic.Bool
	retriesRemaining atomic.Int32
	lastErr          atomic.Pointer[error]
}

func newState(retries int) *State {
	s := &State{}
	s.retriesRemaining.Store(int32(retries))
	return s
}

// Running reports whether the session is live
func (s *State) Running() bool { return s.running.Load() }

// Stopping reports whether shutdown has begun
func (s *State) Stopping() bool { return s.stopping.Load() }

// RetriesRemaining is the number of connection attempts left
func (s *State) RetriesRemaining() int { return int(s.retriesRemaining.Load()) }

// Err returns the last error that ended an attempt or the session
func (s *State) Err() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *State) setErr(err error) {
	if err != nil {
		s.lastErr.Store(&err)
	}
}
