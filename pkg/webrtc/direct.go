package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DirectTransport is a receive-only peer connection negotiated over the
// control channel
type DirectTransport struct {
	peerConn *webrtc.PeerConnection
	logger   *slog.Logger
	tracks   trackFanout

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewDirectTransport creates the peer connection with one receive-only audio
// and video transceiver and the data channel the service expects
func NewDirectTransport(cfg ConnectionConfig, logger *slog.Logger) (*DirectTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}
	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	// Larger buffers avoid "mux: failed to read from packetio.Buffer short buffer"
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: logger}}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	peerConn, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &DirectTransport{
		peerConn: peerConn,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := peerConn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	ordered := true
	if _, err := peerConn.CreateDataChannel("datachannel", &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	peerConn.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if t.ctx.Err() != nil {
			return
		}
		track, err := startTrack(t.ctx, &t.wg, remote, logger)
		if err != nil {
			logger.Warn("ignoring track", "track", remote.ID(), "error", err)
			return
		}
		t.tracks.emit(track)
	})
	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Info("ICE connection state changed", "state", state.String())
	})
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state changed", "state", state.String())
	})

	return t, nil
}

// Mode implements Transport
func (t *DirectTransport) Mode() Mode { return ModeDirect }

// OnTrack implements Transport
func (t *DirectTransport) OnTrack(fn func(Track)) { t.tracks.set(fn) }

// Offer creates the local offer and waits for ICE gathering to complete so the
// returned description carries every candidate
func (t *DirectTransport) Offer(ctx context.Context) (string, error) {
	offer, err := t.peerConn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(t.peerConn)
	if err := t.peerConn.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	case <-t.ctx.Done():
		return "", ErrClosed
	}

	data, err := json.Marshal(t.peerConn.LocalDescription())
	if err != nil {
		return "", fmt.Errorf("failed to encode offer: %w", err)
	}
	return string(data), nil
}

// Apply sets the service's answer as the remote description
func (t *DirectTransport) Apply(_ context.Context, params RemoteParams) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(params.AnswerSDP), &answer); err != nil {
		return fmt.Errorf("failed to parse answer: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	if err := t.peerConn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	t.logger.Debug("remote description applied")
	return nil
}

// Close closes the peer connection and waits for the track readers
func (t *DirectTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.peerConn.Close()
		t.wg.Wait()
		t.logger.Info("peer connection closed")
	})
	return t.closeErr
}
