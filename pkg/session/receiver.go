package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/webrtc"
)

// DefaultPollInterval bounds every wait on a track so receivers notice
// teardown promptly
const DefaultPollInterval = 100 * time.Millisecond

// Receiver wraps one transport track as a pull-based frame source
type Receiver struct {
	track   webrtc.Track
	poll    time.Duration
	attempt string
	logger  *slog.Logger

	ended   atomic.Bool
	done    chan struct{}
	endOnce sync.Once
}

func newReceiver(track webrtc.Track, attempt string, poll time.Duration, logger *slog.Logger) *Receiver {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Receiver{
		track:   track,
		poll:    poll,
		attempt: attempt,
		logger:  logger.With("kind", track.Kind().String(), "track", track.ID()),
		done:    make(chan struct{}),
	}
}

// Kind returns the media kind of the underlying track
func (r *Receiver) Kind() media.Kind { return r.track.Kind() }

// Ended reports whether the receiver reached end of stream
func (r *Receiver) Ended() bool { return r.ended.Load() }

func (r *Receiver) end() {
	r.endOnce.Do(func() {
		r.ended.Store(true)
		close(r.done)
	})
}

// Next returns the next frame. Poll expiries are retried locally. Once the
// track ends or fails it returns io.EOF, then keeps returning io.EOF.
func (r *Receiver) Next(ctx context.Context) (media.Frame, error) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()

	for {
		if r.Ended() {
			return nil, io.EOF
		}
		select {
		case f, ok := <-r.track.Frames():
			if !ok {
				if err := r.track.Err(); err != nil {
					r.logger.Warn("track failed", "error", err)
				} else {
					r.logger.Debug("track ended")
				}
				r.end()
				return nil, io.EOF
			}
			return f, nil
		case <-r.done:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			timer.Reset(r.poll)
		}
	}
}

// NextWithin is Next bounded by d. It returns ErrStreamTimeout when d
// elapses first.
func (r *Receiver) NextWithin(ctx context.Context, d time.Duration) (media.Frame, error) {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	f, err := r.Next(wctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrStreamTimeout
	}
	return f, err
}

// receiverSet tracks the active receiver per kind. A new track of a kind
// replaces the previous receiver; the old one keeps draining until its track
// ends.
type receiverSet struct {
	mu      sync.Mutex
	active  map[media.Kind]*Receiver
	all     []*Receiver
	changed chan struct{}
	closed  bool
}

func newReceiverSet() *receiverSet {
	return &receiverSet{
		active:  make(map[media.Kind]*Receiver),
		changed: make(chan struct{}),
	}
}

// add installs r as the active receiver of its kind. It reports false once
// the set is closed.
func (rs *receiverSet) add(r *Receiver) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return false
	}
	rs.active[r.Kind()] = r
	rs.all = append(rs.all, r)
	close(rs.changed)
	rs.changed = make(chan struct{})
	return true
}

// current returns the live receiver of kind, or nil
func (rs *receiverSet) current(kind media.Kind) *Receiver {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r := rs.active[kind]; r != nil && !r.Ended() {
		return r
	}
	return nil
}

// live returns every receiver that has not ended, active or not
func (rs *receiverSet) live() []*Receiver {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []*Receiver
	kept := rs.all[:0]
	for _, r := range rs.all {
		if !r.Ended() {
			out = append(out, r)
			kept = append(kept, r)
		}
	}
	rs.all = kept
	return out
}

// await waits up to d for a live receiver of kind other than stale. It
// returns io.EOF once the set is closed.
func (rs *receiverSet) await(ctx context.Context, kind media.Kind, stale *Receiver, d time.Duration) (*Receiver, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		rs.mu.Lock()
		r, changed, closed := rs.active[kind], rs.changed, rs.closed
		rs.mu.Unlock()

		if r != nil && r != stale && !r.Ended() {
			return r, nil
		}
		if closed {
			return nil, io.EOF
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrStreamTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// closeAll ends every receiver and refuses new ones
func (rs *receiverSet) closeAll() {
	rs.mu.Lock()
	all := rs.all
	rs.all = nil
	if !rs.closed {
		rs.closed = true
		close(rs.changed)
	}
	rs.mu.Unlock()

	for _, r := range all {
		r.end()
	}
}
