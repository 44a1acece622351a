package simlitest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/webrtc"
)

// FakeOffer is the description every fake direct transport offers
const FakeOffer = `{"type":"offer","sdp":"v=0\r\n"}`

// Transport is an in-memory webrtc.Transport. Tests add tracks and push
// frames into them.
type Transport struct {
	mode     webrtc.Mode
	ApplyErr error // returned by Apply when set

	mu      sync.Mutex
	onTrack func(webrtc.Track)
	pending []webrtc.Track
	applied []webrtc.RemoteParams
	tracks  []*Track
	closed  atomic.Bool
	closes  atomic.Int32
}

// NewTransport creates a fake transport for mode
func NewTransport(mode webrtc.Mode) *Transport {
	return &Transport{mode: mode}
}

func (t *Transport) Mode() webrtc.Mode { return t.mode }

func (t *Transport) Offer(context.Context) (string, error) {
	if t.mode == webrtc.ModeRelay {
		return "", nil
	}
	return FakeOffer, nil
}

func (t *Transport) Apply(_ context.Context, params webrtc.RemoteParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return webrtc.ErrClosed
	}
	t.applied = append(t.applied, params)
	return t.ApplyErr
}

func (t *Transport) OnTrack(fn func(webrtc.Track)) {
	t.mu.Lock()
	t.onTrack = fn
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, tr := range pending {
		fn(tr)
	}
}

// Close ends every track, like a peer connection teardown
func (t *Transport) Close() error {
	t.closes.Add(1)
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	tracks := append([]*Track(nil), t.tracks...)
	t.mu.Unlock()
	for _, tr := range tracks {
		tr.End(nil)
	}
	return nil
}

// Closed reports whether Close was called
func (t *Transport) Closed() bool { return t.closed.Load() }

// CloseCalls returns how many times Close was called
func (t *Transport) CloseCalls() int { return int(t.closes.Load()) }

// Applied returns the remote parameters applied so far
func (t *Transport) Applied() []webrtc.RemoteParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.RemoteParams(nil), t.applied...)
}

// AddTrack creates a track of kind and announces it
func (t *Transport) AddTrack(kind media.Kind) *Track {
	t.mu.Lock()
	tr := NewTrack(kind, fmt.Sprintf("%s-%d", kind, len(t.tracks)+1))
	t.tracks = append(t.tracks, tr)
	fn := t.onTrack
	if fn == nil {
		t.pending = append(t.pending, tr)
	}
	t.mu.Unlock()

	if fn != nil {
		fn(tr)
	}
	return tr
}

// Track is an in-memory webrtc.Track
type Track struct {
	kind   media.Kind
	id     string
	frames chan media.Frame
	done   chan struct{}

	mu     sync.Mutex
	err    error
	ended  bool
	sendMu sync.RWMutex // held shared by pushers, exclusively by End
}

// NewTrack creates a track with a small frame buffer
func NewTrack(kind media.Kind, id string) *Track {
	return &Track{
		kind:   kind,
		id:     id,
		frames: make(chan media.Frame, 4),
		done:   make(chan struct{}),
	}
}

func (t *Track) Kind() media.Kind           { return t.kind }
func (t *Track) ID() string                 { return t.id }
func (t *Track) Frames() <-chan media.Frame { return t.frames }

func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Push delivers a frame, blocking while the buffer is full. It returns false
// if the track ended or ctx expired first.
func (t *Track) Push(ctx context.Context, f media.Frame) bool {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.frames <- f:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// End closes the track with err (nil for a normal end)
func (t *Track) End(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.err = err
	close(t.done)
	t.mu.Unlock()

	t.sendMu.Lock()
	close(t.frames)
	t.sendMu.Unlock()
}
