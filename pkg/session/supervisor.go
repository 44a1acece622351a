package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/silviot/simli_live_avatar_go/pkg/audio"
	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/metrics"
	"github.com/silviot/simli_live_avatar_go/pkg/signaling"
	"github.com/silviot/simli_live_avatar_go/pkg/simliapi"
	"github.com/silviot/simli_live_avatar_go/pkg/webrtc"
)

// attempt is one bootstrap + transport + control channel. Everything in it is
// discarded together on reconnect.
type attempt struct {
	id        string
	mode      webrtc.Mode
	channel   *signaling.Channel
	transport webrtc.Transport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	loopDone chan struct{}
	loopErr  error
	endOnce  sync.Once
}

// close tears the attempt down, logging and ignoring every failure
func (a *attempt) close() {
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.logger.Debug("failed to close control channel", "error", err)
		}
	}
	a.cancel()
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Debug("failed to close transport", "error", err)
		}
	}
}

// Supervisor runs connection attempts with a bounded retry budget
type Supervisor struct {
	cfg       Config
	api       *simliapi.Client
	sc        simliapi.SessionConfig
	state     *State
	receivers *receiverSet
	handlers  signaling.Handlers
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// onEnd is called once per installed attempt whose message loop finished
	onEnd func(a *attempt, err error)
	// onLost is called when a reconnect left the session without an attempt
	onLost func(err error)

	parent context.Context // lifetime of the session, parents every attempt
	group  singleflight.Group

	mu      sync.Mutex
	current *attempt
}

// Connect runs attempts until one completes the handshake or the retry
// budget is spent. Concurrent callers share the in-flight attempt.
func (s *Supervisor) Connect(ctx context.Context) error {
	_, err, _ := s.group.Do("connect", func() (any, error) {
		return nil, s.connect(ctx)
	})
	return err
}

// Reconnect discards the live attempt and connects again. running is left
// untouched. The attempts run for the lifetime of the session; ctx only
// bounds how long the caller waits. When no replacement could be made onLost
// is called, since the discarded attempt cannot come back.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	ch := s.group.DoChan("connect", func() (any, error) {
		if s.state.Stopping() {
			return nil, ErrStopped
		}
		s.metrics.Reconnect()
		if old := s.detach(); old != nil {
			old.logger.Info("discarding attempt for reconnect")
			old.close()
		}
		err := s.connect(s.parent)
		if err != nil && !s.state.Stopping() && s.onLost != nil {
			s.onLost(err)
		}
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	var (
		last     error
		attempts int
	)
	for s.state.RetriesRemaining() > 0 {
		if s.state.Stopping() {
			return ErrStopped
		}
		attempts++

		a, err := s.dial(ctx)
		s.metrics.ConnectAttempt(err)
		if err == nil {
			if err := s.install(a); err != nil {
				return err
			}
			return nil
		}

		last = err
		s.state.setErr(err)
		remaining := s.state.retriesRemaining.Add(-1)
		s.logger.Warn("connection attempt failed", "attempt", attempts, "retriesRemaining", remaining, "error", err)

		if ctx.Err() != nil {
			return fmt.Errorf("connect: %w", ctx.Err())
		}
	}
	if last == nil {
		last = errors.New("no retries left")
	}
	return &ConnectionExhaustedError{Attempts: attempts, Last: last}
}

// dial runs one attempt up to a usable session: bootstrap, transport,
// handshake, remote parameters applied, bootstrap silence queued
func (s *Supervisor) dial(ctx context.Context) (a *attempt, err error) {
	id := uuid.NewString()
	logger := s.logger.With("attempt", id)

	start := time.Now()
	cred, err := s.api.Bootstrap(ctx, s.sc)
	s.metrics.Bootstrap(time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	mode := webrtc.ModeDirect
	if s.cfg.Relay {
		mode = webrtc.ModeRelay
	}
	transport, err := s.cfg.NewTransport(mode, connectionConfig(cred.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	actx, cancel := context.WithCancel(s.parent)
	a = &attempt{
		id:        id,
		mode:      mode,
		transport: transport,
		logger:    logger,
		ctx:       actx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	transport.OnTrack(func(t webrtc.Track) { s.register(a, t) })

	offer, err := transport.Offer(ctx)
	if err != nil {
		return a, fmt.Errorf("failed to create offer: %w", err)
	}

	ch, err := signaling.Dial(ctx, signaling.Config{
		URL:              s.cfg.WSURL() + mode.Endpoint(),
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          s.metrics,
	})
	if err != nil {
		return a, err
	}
	a.channel = ch

	res, err := ch.Handshake(ctx, offer, cred.SessionToken)
	if err != nil {
		return a, err
	}

	// the loop must run before relay parameters are awaited, they may
	// arrive after START
	go s.watch(a)
	if s.cfg.LatencyInterval > 0 {
		go ch.PingLoop(a.ctx, s.cfg.LatencyInterval, s.state.Running)
	}

	params := webrtc.RemoteParams{AnswerSDP: res.Answer}
	if mode == webrtc.ModeRelay {
		wctx, wcancel := context.WithTimeout(ctx, s.cfg.FrameTimeout)
		rp, werr := ch.WaitRelayParams(wctx)
		wcancel()
		if werr != nil {
			return a, &signaling.HandshakeError{Stage: signaling.StageApply, Err: fmt.Errorf("waiting for livekit parameters: %w", werr)}
		}
		params.LiveKitURL, params.LiveKitToken = rp.URL, rp.Token
	}
	if err := transport.Apply(ctx, params); err != nil {
		return a, &signaling.HandshakeError{Stage: signaling.StageApply, Err: err}
	}

	if err := ch.Send(ctx, audio.Silence(audio.InputSampleRate, audio.DefaultSilenceDuration)); err != nil {
		logger.Warn("failed to send bootstrap silence", "error", err)
	}

	logger.Info("session attempt connected", "mode", string(mode))
	return a, nil
}

// register turns a new track into the active receiver of its kind. In relay
// mode video waits for the announced metadata first.
func (s *Supervisor) register(a *attempt, t webrtc.Track) {
	r := newReceiver(t, a.id, s.cfg.PollInterval, a.logger)

	if a.mode == webrtc.ModeRelay && t.Kind() == media.KindVideo {
		go func() {
			ch := a.channel
			if ch != nil {
				ctx, cancel := context.WithTimeout(a.ctx, s.cfg.FrameTimeout)
				_, err := ch.WaitVideoMetadata(ctx)
				cancel()
				if err != nil {
					a.logger.Warn("video track registered without metadata", "error", err)
				}
			}
			s.addReceiver(a, r)
		}()
		return
	}
	s.addReceiver(a, r)
}

func (s *Supervisor) addReceiver(a *attempt, r *Receiver) {
	if a.ctx.Err() != nil || !s.receivers.add(r) {
		r.end()
		return
	}
	a.logger.Info("registered track", "kind", r.Kind().String(), "track", r.track.ID())
}

// watch runs the message loop of an attempt
func (s *Supervisor) watch(a *attempt) {
	err := a.channel.Run(a.ctx, s.handlers)
	a.loopErr = err
	close(a.loopDone)

	if s.isCurrent(a) {
		s.finish(a)
	}
}

// install makes a the live attempt. A loop that already ended is handled
// here, since watch saw no current attempt.
func (s *Supervisor) install(a *attempt) error {
	s.mu.Lock()
	if s.state.Stopping() {
		s.mu.Unlock()
		a.close()
		return ErrStopped
	}
	s.current = a
	s.mu.Unlock()

	select {
	case <-a.loopDone:
		s.finish(a)
	default:
	}
	return nil
}

func (s *Supervisor) finish(a *attempt) {
	a.endOnce.Do(func() {
		if s.onEnd != nil {
			go s.onEnd(a, a.loopErr)
		}
	})
}

func (s *Supervisor) isCurrent(a *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == a
}

// channel returns the live attempt's control channel, or nil
func (s *Supervisor) channel() *signaling.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.channel
}

// detach removes and returns the live attempt
func (s *Supervisor) detach() *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.current
	s.current = nil
	return a
}

// connectionConfig splits ICE servers into STUN and credentialed TURN entries
func connectionConfig(servers []simliapi.ICEServer) webrtc.ConnectionConfig {
	var cc webrtc.ConnectionConfig
	for _, srv := range servers {
		if srv.Username == "" && srv.Credential == "" {
			cc.STUN = append(cc.STUN, srv.URLs...)
			continue
		}
		cc.TURN = append(cc.TURN, webrtc.TURNServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	return cc
}
