// Package webrtc provides the media transports that carry the avatar's audio
// and video back to the client, and the decoded frame sources built on them.
//
// Audio is decoded with libopus. Video is decoded with golang.org/x/image/vp8,
// which only understands key frames: between key frames the last decoded
// picture is repeated, so motion appears at the key frame rate. Callers that
// need full-rate video should supply their own Transport.
package webrtc

import (
	"context"
	"errors"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

// Mode selects how media reaches the client
type Mode string

const (
	// ModeDirect negotiates a peer connection over the control channel
	ModeDirect Mode = "direct"
	// ModeRelay joins a LiveKit room announced by the control channel
	ModeRelay Mode = "relay"
)

// Endpoint returns the control channel path for the mode
func (m Mode) Endpoint() string {
	if m == ModeRelay {
		return "/StartWebRTCSessionLivekit"
	}
	return "/StartWebRTCSession"
}

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// RemoteParams is what the service sends back to complete the media setup
type RemoteParams struct {
	AnswerSDP    string // direct mode, JSON session description
	LiveKitURL   string // relay mode
	LiveKitToken string // relay mode
}

// Transport is the media session as seen by the client
type Transport interface {
	Mode() Mode
	// Offer returns the local session description to send first, or "" when
	// the mode does not negotiate over the control channel.
	Offer(ctx context.Context) (string, error)
	// Apply completes negotiation with the service's parameters
	Apply(ctx context.Context, params RemoteParams) error
	// OnTrack registers the callback for new tracks. Tracks that arrived
	// before registration are replayed.
	OnTrack(fn func(Track))
	Close() error
}

// Track is a decoded media track. Frames is closed when the track ends; Err
// then reports why, or nil for a normal end.
type Track interface {
	Kind() media.Kind
	ID() string
	Frames() <-chan media.Frame
	Err() error
}
