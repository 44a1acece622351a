package webrtc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

// trackBuffer bounds decoded frames waiting for a consumer. A full buffer
// blocks the RTP reader.
const trackBuffer = 8

// decodedTrack is a Track fed by one reader goroutine
type decodedTrack struct {
	kind   media.Kind
	id     string
	frames chan media.Frame

	mu  sync.Mutex
	err error
}

func newDecodedTrack(kind media.Kind, id string) *decodedTrack {
	return &decodedTrack{
		kind:   kind,
		id:     id,
		frames: make(chan media.Frame, trackBuffer),
	}
}

func (t *decodedTrack) Kind() media.Kind           { return t.kind }
func (t *decodedTrack) ID() string                 { return t.id }
func (t *decodedTrack) Frames() <-chan media.Frame { return t.frames }

func (t *decodedTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *decodedTrack) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// run reads packets until the source ends or ctx is cancelled, then closes Frames
func (t *decodedTrack) run(ctx context.Context, read func() (*rtp.Packet, error), dec frameDecoder, logger *slog.Logger) {
	defer close(t.frames)

	packets := 0
	for {
		pkt, err := read()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				logger.Warn("track read failed", "track", t.id, "kind", t.kind.String(), "error", err)
				t.fail(err)
			}
			logger.Debug("track ended", "track", t.id, "kind", t.kind.String(), "packets", packets)
			return
		}
		packets++

		frames, err := dec.Decode(pkt)
		if err != nil {
			// Corrupt packets are dropped, the stream continues
			logger.Debug("decode error", "track", t.id, "seq", pkt.SequenceNumber, "error", err)
		}
		for _, f := range frames {
			select {
			case t.frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// startTrack wires a pion remote track to a decoder and starts its reader
func startTrack(ctx context.Context, wg *sync.WaitGroup, remote *webrtc.TrackRemote, logger *slog.Logger) (*decodedTrack, error) {
	codec := remote.Codec()
	logger.Info("track received",
		"track", remote.ID(),
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
		"kind", remote.Kind().String(),
	)

	var (
		kind media.Kind
		dec  frameDecoder
	)
	switch codec.MimeType {
	case webrtc.MimeTypeOpus:
		od, err := newOpusDecoder(int(codec.Channels))
		if err != nil {
			return nil, err
		}
		kind, dec = media.KindAudio, od
	case webrtc.MimeTypeVP8:
		kind, dec = media.KindVideo, newVP8Decoder()
	default:
		return nil, errors.New("unsupported codec " + codec.MimeType)
	}

	t := newDecodedTrack(kind, remote.ID())
	read := func() (*rtp.Packet, error) {
		pkt, _, err := remote.ReadRTP()
		return pkt, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.run(ctx, read, dec, logger)
	}()
	return t, nil
}

// trackFanout holds the OnTrack callback and replays tracks that arrived first
type trackFanout struct {
	mu      sync.Mutex
	fn      func(Track)
	pending []Track
}

func (f *trackFanout) set(fn func(Track)) {
	f.mu.Lock()
	f.fn = fn
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, t := range pending {
		fn(t)
	}
}

func (f *trackFanout) emit(t Track) {
	f.mu.Lock()
	fn := f.fn
	if fn == nil {
		f.pending = append(f.pending, t)
	}
	f.mu.Unlock()

	if fn != nil {
		fn(t)
	}
}
