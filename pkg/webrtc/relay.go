package webrtc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

// RelayTransport receives the avatar through a LiveKit room. There is no
// offer; the join parameters arrive on the control channel.
type RelayTransport struct {
	logger *slog.Logger
	tracks trackFanout

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	room *lksdk.Room

	closeOnce sync.Once
}

// NewRelayTransport creates an unconnected relay transport
func NewRelayTransport(logger *slog.Logger) *RelayTransport {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayTransport{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Mode implements Transport
func (t *RelayTransport) Mode() Mode { return ModeRelay }

// OnTrack implements Transport
func (t *RelayTransport) OnTrack(fn func(Track)) { t.tracks.set(fn) }

// Offer implements Transport; relay sessions send no offer
func (t *RelayTransport) Offer(context.Context) (string, error) { return "", nil }

// Apply joins the room and subscribes to the avatar's tracks
func (t *RelayTransport) Apply(ctx context.Context, params RemoteParams) error {
	if params.LiveKitURL == "" || params.LiveKitToken == "" {
		return errors.New("missing livekit join parameters")
	}
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(remote *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if t.ctx.Err() != nil {
					return
				}
				track, err := startTrack(t.ctx, &t.wg, remote, t.logger.With("participant", rp.Identity()))
				if err != nil {
					t.logger.Warn("ignoring track", "track", remote.ID(), "error", err)
					return
				}
				t.tracks.emit(track)
			},
		},
		OnDisconnected: func() {
			t.logger.Info("livekit room disconnected")
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(params.LiveKitURL, params.LiveKitToken, cb)
		done <- result{room, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		r.room.Disconnect()
		return ErrClosed
	}
	t.room = r.room
	t.logger.Info("joined livekit room", "room", r.room.Name())
	return nil
}

// Close leaves the room and waits for the track readers
func (t *RelayTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		room := t.room
		t.room = nil
		t.mu.Unlock()
		if room != nil {
			room.Disconnect()
		}
		t.wg.Wait()
	})
	return nil
}
