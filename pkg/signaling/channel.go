// Package signaling implements the websocket control channel of an avatar
// session: the handshake, the inbound message loop, pings and audio upload.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/simli_live_avatar_go/pkg/metrics"
)

const (
	// MaxChunkSize bounds every binary audio message
	MaxChunkSize = 6000
	// MaxImmediateSize is the payload carried by the PLAY_IMMEDIATE message
	MaxImmediateSize = 128000

	DefaultHandshakeTimeout = 15 * time.Second
)

// State of a control channel. A channel only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds control channel configuration
type Config struct {
	URL              string        // ws(s)://host/StartWebRTCSession[Livekit]
	HandshakeTimeout time.Duration // dial and each handshake read
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Handlers are invoked from the message loop, one at a time and in message
// order. The loop does not read the next message until a handler returns.
type Handlers struct {
	Start  func(ctx context.Context)
	Silent func(ctx context.Context)
	Speak  func(ctx context.Context)
}

// Result is what the handshake learned before START
type Result struct {
	Answer string // direct mode session description, unapplied
	Relay  *RelayParams
	Video  *VideoMetadata
}

// Channel is one websocket connection to the service. It is used for exactly
// one connection attempt.
type Channel struct {
	conn             *websocket.Conn
	writeMu          sync.Mutex // gorilla supports one concurrent writer
	logger           *slog.Logger
	metrics          *metrics.Metrics
	handshakeTimeout time.Duration

	state   atomic.Int32
	ready   atomic.Bool
	token   atomic.Pointer[string]
	latency atomic.Int64

	relay     atomic.Pointer[RelayParams]
	relaySet  chan struct{}
	relayOnce sync.Once
	video     atomic.Pointer[VideoMetadata]
	videoSet  chan struct{}
	videoOnce sync.Once

	closeOnce sync.Once
}

// Dial connects to the control endpoint
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		cfg.Logger.Error("failed to connect to control endpoint", "url", cfg.URL, "error", err)
		return nil, &HandshakeError{Stage: StageDial, Err: err}
	}
	cfg.Logger.Info("connected to control endpoint", "url", cfg.URL)

	return newChannel(conn, cfg), nil
}

func newChannel(conn *websocket.Conn, cfg Config) *Channel {
	c := &Channel{
		conn:             conn,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		handshakeTimeout: cfg.HandshakeTimeout,
		relaySet:         make(chan struct{}),
		videoSet:         make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current channel state
func (c *Channel) State() State {
	return State(c.state.Load())
}

// advance moves the state forward, never back
func (c *Channel) advance(to State) {
	for {
		cur := c.state.Load()
		if State(cur) >= to {
			return
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Ready reports whether START was received and draining has not begun
func (c *Channel) Ready() bool {
	return c.ready.Load()
}

func (c *Channel) markReady() {
	if c.State() >= StateDraining {
		return
	}
	c.advance(StateReady)
	c.ready.Store(true)
}

// Latency returns the last measured ping round trip, zero before the first pong
func (c *Channel) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// RelayParams returns the LiveKit join parameters, nil until received
func (c *Channel) RelayParams() *RelayParams {
	return c.relay.Load()
}

// VideoMetadata returns the announced video format, nil until received
func (c *Channel) VideoMetadata() *VideoMetadata {
	return c.video.Load()
}

// WaitRelayParams blocks until relay join parameters arrive
func (c *Channel) WaitRelayParams(ctx context.Context) (*RelayParams, error) {
	select {
	case <-c.relaySet:
		return c.relay.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitVideoMetadata blocks until the video metadata arrives
func (c *Channel) WaitVideoMetadata(ctx context.Context) (*VideoMetadata, error) {
	select {
	case <-c.videoSet:
		return c.video.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) capture(msg Message) {
	switch msg.Type {
	case MsgRelayParams:
		if msg.Relay.URL == "" || msg.Relay.Token == "" {
			c.logger.Warn("incomplete livekit parameters", "has_url", msg.Relay.URL != "", "has_token", msg.Relay.Token != "")
			return
		}
		c.relay.Store(msg.Relay)
		c.relayOnce.Do(func() { close(c.relaySet) })
		c.logger.Debug("captured livekit parameters", "url", msg.Relay.URL)
	case MsgVideoMetadata:
		// first announcement wins
		if c.video.CompareAndSwap(nil, msg.Video) {
			c.videoOnce.Do(func() { close(c.videoSet) })
			c.logger.Info("video metadata", "fps", msg.Video.FPS, "width", msg.Video.Width, "height", msg.Video.Height)
		}
	}
}

// Handshake runs the connection script up to START. offer is empty in relay
// mode. The returned answer is not applied here; ready is set on START.
func (c *Channel) Handshake(ctx context.Context, offer, token string) (Result, error) {
	c.advance(StateHandshaking)
	c.token.Store(&token)

	var res Result
	if offer != "" {
		if err := c.writeText(ctx, offer); err != nil {
			return res, &HandshakeError{Stage: StageOffer, Err: err}
		}
		if err := c.expectAck(ctx); err != nil {
			return res, &HandshakeError{Stage: StageOffer, Err: err}
		}
		answer, err := c.read(ctx)
		if err != nil {
			return res, &HandshakeError{Stage: StageAnswer, Err: err}
		}
		if msg := Classify(answer); msg.Type == MsgError {
			return res, &HandshakeError{Stage: StageAnswer, Err: &ServerError{Message: msg.Text}}
		}
		res.Answer = string(answer)
	}

	if err := c.writeText(ctx, token); err != nil {
		return res, &HandshakeError{Stage: StageToken, Err: err}
	}
	if err := c.expectAck(ctx); err != nil {
		return res, &HandshakeError{Stage: StageToken, Err: err}
	}

	for {
		data, err := c.read(ctx)
		if err != nil {
			return res, &HandshakeError{Stage: StageStart, Err: err}
		}
		msg := Classify(data)
		c.metrics.ControlMessage(msg.Type.String())

		switch msg.Type {
		case MsgStart:
			c.markReady()
			res.Relay = c.RelayParams()
			res.Video = c.VideoMetadata()
			c.logger.Info("control channel ready")
			return res, nil
		case MsgRelayParams, MsgVideoMetadata:
			c.capture(msg)
		case MsgAck:
		case MsgError:
			return res, &HandshakeError{Stage: StageStart, Err: &ServerError{Message: msg.Text}}
		default:
			c.logger.Debug("ignoring message before START", "type", msg.Type.String(), "message", msg.Text)
		}
	}
}

// expectAck reads until ACK, capturing relay and video payloads on the way
func (c *Channel) expectAck(ctx context.Context) error {
	for {
		data, err := c.read(ctx)
		if err != nil {
			return err
		}
		msg := Classify(data)
		switch msg.Type {
		case MsgAck:
			return nil
		case MsgRelayParams, MsgVideoMetadata:
			c.capture(msg)
		case MsgError:
			return &ServerError{Message: msg.Text}
		default:
			return fmt.Errorf("expected ACK, got %q", msg.Text)
		}
	}
}

// read reads one message with the handshake deadline
func (c *Channel) read(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// Run is the message loop and the only reader of the socket after the
// handshake. It returns ErrRemoteStop on STOP, a *ServerError when the
// service reports an error, ctx.Err() or ErrClosed on local shutdown, or the
// read error.
func (c *Channel) Run(ctx context.Context, h Handlers) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.State() >= StateDraining {
				return ErrClosed
			}
			c.logger.Error("control channel read error", "error", err)
			return fmt.Errorf("control channel read: %w", err)
		}

		msg := Classify(data)
		c.metrics.ControlMessage(msg.Type.String())

		switch msg.Type {
		case MsgStart:
			c.markReady()
			if h.Start != nil {
				h.Start(ctx)
			}
		case MsgStop:
			c.logger.Info("closing session: max session length or max idle time reached")
			return ErrRemoteStop
		case MsgError:
			c.logger.Error("server reported error", "message", msg.Text)
			return &ServerError{Message: msg.Text}
		case MsgPong:
			if !msg.SentAt.IsZero() {
				rtt := time.Since(msg.SentAt)
				c.latency.Store(int64(rtt))
				c.metrics.PingLatency(rtt.Seconds())
				c.logger.Debug("ping", "latency", rtt)
			}
		case MsgSilent:
			if h.Silent != nil {
				h.Silent(ctx)
			}
		case MsgSpeak:
			if h.Speak != nil {
				h.Speak(ctx)
			}
		case MsgMissingToken:
			c.logger.Warn("server lost the session token, resending")
			if tok := c.token.Load(); tok != nil {
				if err := c.writeText(ctx, *tok); err != nil {
					c.logger.Error("failed to resend session token", "error", err)
				}
			}
		case MsgRelayParams, MsgVideoMetadata:
			c.capture(msg)
		case MsgAck:
		default:
			c.logger.Debug("unhandled control message", "message", msg.Text)
		}
	}
}

// PingLoop sends a timestamped ping every interval while running reports true
func (c *Channel) PingLoop(ctx context.Context, interval time.Duration, running func() bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for running() {
		if err := c.SendText(ctx, pingText(time.Now())); err != nil && !errors.Is(err, ErrNotReady) {
			c.logger.Warn("failed to send ping", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send uploads audio, split into binary messages of at most MaxChunkSize bytes
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if !c.Ready() {
		return ErrNotReady
	}
	for off := 0; off < len(data); off += MaxChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+MaxChunkSize, len(data))
		if err := c.write(ctx, websocket.BinaryMessage, data[off:end]); err != nil {
			return err
		}
		c.metrics.BytesSent(end - off)
	}
	return nil
}

// SendText sends a text control message
func (c *Channel) SendText(ctx context.Context, text string) error {
	if !c.Ready() {
		return ErrNotReady
	}
	return c.writeText(ctx, text)
}

// SendImmediate asks the service to play audio without queueing. The first
// MaxImmediateSize bytes travel in one message prefixed with PLAY_IMMEDIATE;
// the rest follows as regular chunks.
func (c *Channel) SendImmediate(ctx context.Context, data []byte) error {
	if !c.Ready() {
		return ErrNotReady
	}
	head := data[:min(len(data), MaxImmediateSize)]
	msg := make([]byte, 0, len(msgPlayImmediate)+len(head))
	msg = append(msg, msgPlayImmediate...)
	msg = append(msg, head...)
	if err := c.write(ctx, websocket.BinaryMessage, msg); err != nil {
		return err
	}
	c.metrics.BytesSent(len(head))
	return c.Send(ctx, data[len(head):])
}

// ClearBuffer drops audio queued on the service
func (c *Channel) ClearBuffer(ctx context.Context) error {
	return c.SendText(ctx, msgSkip)
}

func (c *Channel) writeText(ctx context.Context, text string) error {
	return c.write(ctx, websocket.TextMessage, []byte(text))
}

func (c *Channel) write(ctx context.Context, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(d)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(messageType, data)
}

// BeginDrain clears ready so new sends fail; reads continue until Close
func (c *Channel) BeginDrain() {
	c.ready.Store(false)
	c.advance(StateDraining)
}

// Close sends DONE and closes the socket. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.BeginDrain()

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if werr := c.conn.WriteMessage(websocket.TextMessage, []byte(msgDone)); werr != nil {
			c.logger.Debug("failed to send DONE", "error", werr)
		}
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.advance(StateClosed)
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.logger.Info("control channel closed")
	})
	return err
}
