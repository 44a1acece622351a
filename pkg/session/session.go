// Package session runs a live avatar session: it bootstraps and supervises
// connection attempts, relays audio to the service and exposes the avatar's
// audio and video as pull-based streams.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/silviot/simli_live_avatar_go/pkg/audio"
	"github.com/silviot/simli_live_avatar_go/pkg/config"
	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/metrics"
	"github.com/silviot/simli_live_avatar_go/pkg/signaling"
	"github.com/silviot/simli_live_avatar_go/pkg/simliapi"
	"github.com/silviot/simli_live_avatar_go/pkg/webrtc"
)

// drainPullTimeout bounds each pull while draining on Stop
const drainPullTimeout = 30 * time.Millisecond

// Handler is called from the message loop. The next control message is not
// processed until it returns.
type Handler func(ctx context.Context)

// TransportFactory creates the media transport of one attempt
type TransportFactory func(mode webrtc.Mode, cc webrtc.ConnectionConfig) (webrtc.Transport, error)

// Config holds session configuration
type Config struct {
	config.Config

	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	HTTPClient       *http.Client
	NewTransport     TransportFactory // defaults to DirectTransport or RelayTransport
	PollInterval     time.Duration    // receiver poll bound
	HandshakeTimeout time.Duration    // control channel dial and per-message reads
	PaceAudio        bool             // hold StreamAudio to real time
}

// Session is one avatar session. It survives reconnects; Stop ends it for good.
type Session struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	state      *State
	receivers  *receiverSet
	supervisor *Supervisor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started atomic.Bool
	speak   atomic.Pointer[Handler]
	silent  atomic.Pointer[Handler]
}

// New creates a session. Nothing is contacted until Initialize.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIKey == "" || cfg.FaceID == "" {
		return nil, errors.New("api key and face id are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = config.DefaultAPIURL
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = config.DefaultFrameTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = config.DefaultRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = defaultTransport(cfg.Logger)
	}

	api, err := simliapi.NewClient(simliapi.Config{
		BaseURL:       cfg.APIURL,
		UseTURNServer: cfg.UseTURNServer,
		HTTPClient:    cfg.HTTPClient,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("faceId", cfg.FaceID),
		metrics:   cfg.Metrics,
		state:     newState(cfg.Retries),
		receivers: newReceiverSet(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.supervisor = &Supervisor{
		cfg:       cfg,
		api:       api,
		sc:        sessionConfig(cfg.Config),
		state:     s.state,
		receivers: s.receivers,
		logger:    s.logger,
		metrics:   cfg.Metrics,
		parent:    ctx,
		onEnd:     s.attemptEnded,
		onLost:    s.connectionLost,
		handlers: signaling.Handlers{
			Start:  s.onStart,
			Silent: func(ctx context.Context) { s.invoke(ctx, &s.silent) },
			Speak:  func(ctx context.Context) { s.invoke(ctx, &s.speak) },
		},
	}
	return s, nil
}

func sessionConfig(c config.Config) simliapi.SessionConfig {
	return simliapi.SessionConfig{
		APIKey:           c.APIKey,
		FaceID:           c.FaceID,
		SyncAudio:        c.SyncAudio,
		HandleSilence:    c.HandleSilence,
		MaxSessionLength: c.MaxSessionLength,
		MaxIdleTime:      c.MaxIdleTime,
		Model:            c.Model,
	}
}

func defaultTransport(logger *slog.Logger) TransportFactory {
	return func(mode webrtc.Mode, cc webrtc.ConnectionConfig) (webrtc.Transport, error) {
		if mode == webrtc.ModeRelay {
			return webrtc.NewRelayTransport(logger), nil
		}
		return webrtc.NewDirectTransport(cc, logger)
	}
}

// Initialize connects, retrying up to the configured budget. On failure the
// session is stopped and a *ConnectionExhaustedError is returned.
func (s *Session) Initialize(ctx context.Context) error {
	if s.state.Stopping() {
		return ErrStopped
	}
	if s.started.CompareAndSwap(false, true) {
		s.metrics.SessionStarted()
	}
	s.state.running.Store(true)
	s.logger.Info("initializing session", "relay", s.cfg.Relay, "retries", s.cfg.Retries)

	if err := s.supervisor.Connect(ctx); err != nil {
		s.state.setErr(err)
		s.logger.Error("failed to initialize session", "error", err)
		s.Stop(context.Background(), false)
		return err
	}
	return nil
}

// attemptEnded reacts to the message loop of the live attempt finishing
func (s *Session) attemptEnded(a *attempt, err error) {
	switch {
	case errors.Is(err, signaling.ErrRemoteStop):
		s.state.running.Store(false)
		a.logger.Info("session stopped by server")
	case errors.Is(err, context.Canceled), errors.Is(err, signaling.ErrClosed):
		return
	default:
		s.state.setErr(err)
		a.logger.Error("control channel failed, stopping session", "error", err)
	}
	s.Stop(context.Background(), false)
}

// connectionLost ends the session once a reconnect failed for good
func (s *Session) connectionLost(err error) {
	s.state.setErr(err)
	s.logger.Error("reconnect failed, stopping session", "error", err)
	s.Stop(context.Background(), false)
}

func (s *Session) onStart(ctx context.Context) {
	if err := s.SendSilence(ctx, 0); err != nil {
		s.logger.Warn("failed to send bootstrap silence", "error", err)
	}
}

func (s *Session) invoke(ctx context.Context, p *atomic.Pointer[Handler]) {
	if h := p.Load(); h != nil {
		(*h)(ctx)
	}
}

// OnSpeak registers the handler for SPEAK
func (s *Session) OnSpeak(h Handler) { s.speak.Store(&h) }

// OnSilent registers the handler for SILENT
func (s *Session) OnSilent(h Handler) { s.silent.Store(&h) }

// Stop ends the session. It is safe to call more than once and from any
// goroutine, and never fails; every step is best effort. With drain, frames
// still buffered in live receivers are pulled and discarded first.
func (s *Session) Stop(ctx context.Context, drain bool) {
	if !s.state.stopping.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("stopping session", "drain", drain)

	a := s.supervisor.detach()
	if a != nil {
		a.channel.BeginDrain()
		if err := a.channel.Close(); err != nil {
			a.logger.Debug("failed to close control channel", "error", err)
		}
	}

	if drain {
		s.drain(ctx)
	}

	if a != nil {
		a.cancel()
		if err := a.transport.Close(); err != nil {
			a.logger.Debug("failed to close transport", "error", err)
		}
	}

	s.state.running.Store(false)
	s.receivers.closeAll()
	s.cancel()
	if s.started.CompareAndSwap(true, false) {
		s.metrics.SessionStopped()
	}
	close(s.done)
	s.logger.Info("session stopped")
}

func (s *Session) drain(ctx context.Context) {
	for _, r := range s.receivers.live() {
		n := 0
		for {
			if _, err := r.NextWithin(ctx, drainPullTimeout); err != nil {
				break
			}
			n++
		}
		r.logger.Debug("drained receiver", "frames", n)
	}
}

// Done is closed once Stop completed
func (s *Session) Done() <-chan struct{} { return s.done }

// Ready reports whether the live control channel received START
func (s *Session) Ready() bool {
	ch := s.supervisor.channel()
	return ch != nil && ch.Ready()
}

// Running reports whether the session is live
func (s *Session) Running() bool { return s.state.Running() }

// Err returns the error that last ended an attempt or the session
func (s *Session) Err() error { return s.state.Err() }

// Latency returns the last measured round trip, zero when unknown
func (s *Session) Latency() time.Duration {
	if ch := s.supervisor.channel(); ch != nil {
		return ch.Latency()
	}
	return 0
}

// RelayParams returns the LiveKit join parameters of the live attempt
func (s *Session) RelayParams() *signaling.RelayParams {
	if ch := s.supervisor.channel(); ch != nil {
		return ch.RelayParams()
	}
	return nil
}

// VideoMetadata returns the video format announced by the service
func (s *Session) VideoMetadata() *signaling.VideoMetadata {
	if ch := s.supervisor.channel(); ch != nil {
		return ch.VideoMetadata()
	}
	return nil
}

// waitReady blocks until the live channel is ready. It returns ErrStopped
// once the session is done.
func (s *Session) waitReady(ctx context.Context) error {
	if s.Ready() {
		return nil
	}
	ticker := time.NewTicker(s.cfg.PollInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.Ready() {
				return nil
			}
		}
	}
}

// Send uploads PCM16 mono 16kHz audio
func (s *Session) Send(ctx context.Context, data []byte) error {
	return s.write(func(ch *signaling.Channel) error { return ch.Send(ctx, data) })
}

// SendText sends a raw text control message
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.write(func(ch *signaling.Channel) error { return ch.SendText(ctx, text) })
}

// SendImmediate plays audio without waiting for queued audio
func (s *Session) SendImmediate(ctx context.Context, data []byte) error {
	return s.write(func(ch *signaling.Channel) error { return ch.SendImmediate(ctx, data) })
}

// SendSilence sends d of silence, DefaultSilenceDuration when d is zero
func (s *Session) SendSilence(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = audio.DefaultSilenceDuration
	}
	return s.Send(ctx, audio.Silence(audio.InputSampleRate, d))
}

// ClearBuffer drops audio queued on the service, interrupting the avatar
func (s *Session) ClearBuffer(ctx context.Context) error {
	return s.write(func(ch *signaling.Channel) error { return ch.ClearBuffer(ctx) })
}

// write runs fn on the live channel. A socket failure stops the session.
func (s *Session) write(fn func(ch *signaling.Channel) error) error {
	ch := s.supervisor.channel()
	if ch == nil {
		return ErrNotReady
	}
	err := fn(ch)
	switch {
	case err == nil,
		errors.Is(err, ErrNotReady),
		errors.Is(err, signaling.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.logger.Error("control channel write failed, stopping session", "error", err)
	s.state.setErr(err)
	go s.Stop(context.Background(), false)
	return err
}

// StreamAudio sends raw PCM16 mono 16kHz audio read from r until EOF, in
// chunks of signaling.MaxChunkSize. It waits for the session to be ready
// first and returns the number of bytes sent.
func (s *Session) StreamAudio(ctx context.Context, r io.Reader) (int64, error) {
	if err := s.waitReady(ctx); err != nil {
		return 0, err
	}

	var pacer *audio.Pacer
	if s.cfg.PaceAudio {
		p, err := audio.NewPacer(audio.InputSampleRate, signaling.MaxChunkSize)
		if err != nil {
			return 0, err
		}
		pacer = p
	}

	buf := make([]byte, signaling.MaxChunkSize)
	var sent int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if pacer != nil {
				if werr := pacer.Wait(ctx, n); werr != nil {
					return sent, werr
				}
			}
			if serr := s.Send(ctx, buf[:n]); serr != nil {
				return sent, serr
			}
			sent += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.logger.Debug("audio stream finished", "bytes", sent)
			return sent, nil
		default:
			return sent, fmt.Errorf("failed to read audio: %w", err)
		}
	}
}

// VideoFrames returns a stream of avatar video converted to format
func (s *Session) VideoFrames(format media.PixelFormat) (*VideoStream, error) {
	f, err := media.ParsePixelFormat(string(format))
	if err != nil {
		return nil, err
	}
	return &VideoStream{st: newStream(s, media.KindVideo), format: f}, nil
}

// AudioFrames returns a stream of avatar audio resampled to sampleRate
func (s *Session) AudioFrames(sampleRate int) (*AudioStream, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &AudioStream{st: newStream(s, media.KindAudio), rate: sampleRate}, nil
}
