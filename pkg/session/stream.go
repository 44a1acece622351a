package session

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/silviot/simli_live_avatar_go/pkg/audio"
	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

// stream follows the active receiver of one kind across reconnects and
// track replacements. It is owned by a single consumer goroutine.
type stream struct {
	sess    *Session
	kind    media.Kind
	timeout time.Duration
	logger  *slog.Logger

	recv        *Receiver
	primed      bool // recv produced its first real frame
	warmed      bool // any receiver produced a real frame
	reconnected bool // the warm-up reconnect was used
	finished    bool

	// deadline bounds the wait for the first real frame. Blank frames do
	// not extend it.
	deadline time.Time
}

func newStream(s *Session, kind media.Kind) *stream {
	return &stream{
		sess:    s,
		kind:    kind,
		timeout: s.cfg.FrameTimeout,
		logger:  s.logger.With("stream", kind.String()),
	}
}

// next returns the next real frame, or io.EOF once the stream is over. A
// finished stream never restarts.
func (st *stream) next(ctx context.Context) (media.Frame, error) {
	if st.finished {
		return nil, io.EOF
	}
	f, err := st.pull(ctx)
	if errors.Is(err, io.EOF) {
		st.finished = true
		st.logger.Info("stream ended")
	}
	return f, err
}

func (st *stream) pull(ctx context.Context) (media.Frame, error) {
	if err := st.sess.waitReady(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return nil, io.EOF
		}
		return nil, err
	}
	if st.deadline.IsZero() {
		st.arm()
	}
	for {
		r, err := st.acquire(ctx)
		if err != nil {
			return nil, err
		}

		var f media.Frame
		if wait := st.wait(); wait > 0 {
			f, err = r.NextWithin(ctx, wait)
		} else {
			err = ErrStreamTimeout
		}
		switch {
		case err == nil:
			if !st.primed {
				if blank(f) {
					continue
				}
				st.primed, st.warmed = true, true
				st.logger.Debug("first frame", "track", r.track.ID(), "attempt", r.attempt)
			}
			st.sess.metrics.Frame(st.kind.String())
			return f, nil

		case errors.Is(err, ErrStreamTimeout):
			if st.warmed {
				st.sess.metrics.StreamTimeout(st.kind.String(), false)
				continue
			}
			if err := st.warmupTimeout(ctx); err != nil {
				return nil, err
			}

		case errors.Is(err, io.EOF):
			// acquire decides between replacement and end of stream

		default:
			return nil, err
		}
	}
}

// acquire returns the receiver to read from, switching to a replacement when
// one was registered
func (st *stream) acquire(ctx context.Context) (*Receiver, error) {
	rs := st.sess.receivers

	if cur := rs.current(st.kind); cur != nil && cur != st.recv {
		st.switchTo(cur)
		return cur, nil
	}
	if st.recv != nil && !st.recv.Ended() {
		return st.recv, nil
	}

	if st.recv != nil {
		// stale receiver: tolerated while the session runs and a
		// replacement shows up in time
		if !st.sess.Running() {
			return nil, io.EOF
		}
		r, err := rs.await(ctx, st.kind, st.recv, st.timeout)
		if errors.Is(err, ErrStreamTimeout) {
			st.logger.Info("receiver ended without replacement")
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		st.switchTo(r)
		return r, nil
	}

	for {
		var r *Receiver
		err := ErrStreamTimeout
		if wait := st.wait(); wait > 0 {
			r, err = rs.await(ctx, st.kind, nil, wait)
		}
		if errors.Is(err, ErrStreamTimeout) {
			if err := st.warmupTimeout(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		st.switchTo(r)
		return r, nil
	}
}

func (st *stream) switchTo(r *Receiver) {
	if st.recv != nil {
		st.logger.Info("switching to new receiver", "track", r.track.ID(), "attempt", r.attempt)
	}
	st.recv = r
	st.primed = false
	st.arm()
}

// arm restarts the first-frame budget
func (st *stream) arm() {
	st.deadline = time.Now().Add(st.timeout)
}

// wait returns how long the next pull may block. Until the stream is warm it
// is what is left of the first-frame budget.
func (st *stream) wait() time.Duration {
	if st.warmed {
		return st.timeout
	}
	return time.Until(st.deadline)
}

// warmupTimeout reconnects once when nothing real arrived in time. A second
// warm-up timeout ends the stream.
func (st *stream) warmupTimeout(ctx context.Context) error {
	st.sess.metrics.StreamTimeout(st.kind.String(), true)
	if st.reconnected {
		st.logger.Warn("no frames after reconnect")
		return io.EOF
	}
	st.reconnected = true

	st.logger.Warn("no frames before timeout, reconnecting", "timeout", st.timeout)
	if err := st.sess.supervisor.Reconnect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.logger.Error("reconnect failed", "error", err)
		return io.EOF
	}
	st.arm()
	return nil
}

// blank reports frames that do not count as the first real frame
func blank(f media.Frame) bool {
	if f == nil || f.Empty() {
		return true
	}
	if af, ok := f.(*media.AudioFrame); ok {
		return af.Silent()
	}
	return false
}

// VideoStream yields avatar video in a fixed pixel format
type VideoStream struct {
	st     *stream
	format media.PixelFormat
}

// Format returns the pixel format frames are delivered in
func (v *VideoStream) Format() media.PixelFormat { return v.format }

// Next blocks for the next frame. It returns io.EOF when the stream ended.
// A stream must not be read from more than one goroutine.
func (v *VideoStream) Next(ctx context.Context) (*media.VideoFrame, error) {
	for {
		f, err := v.st.next(ctx)
		if err != nil {
			return nil, err
		}
		vf, ok := f.(*media.VideoFrame)
		if !ok {
			continue
		}
		if v.format == media.NativePixelFormat {
			return vf, nil
		}
		out, err := media.Reformat(vf, v.format)
		if err != nil {
			v.st.logger.Warn("dropping frame", "error", err)
			continue
		}
		return out, nil
	}
}

// All iterates until the stream ends or ctx is done
func (v *VideoStream) All(ctx context.Context) iter.Seq[*media.VideoFrame] {
	return func(yield func(*media.VideoFrame) bool) {
		for {
			f, err := v.Next(ctx)
			if err != nil || !yield(f) {
				return
			}
		}
	}
}

// AudioStream yields avatar audio at a fixed sample rate
type AudioStream struct {
	st   *stream
	rate int

	pipeline   *audio.Pipeline
	pipelineIn int
	pipelineCh int
	source     *Receiver // receiver the pipeline state belongs to
	queue      []*media.AudioFrame
	flushed    bool
}

// SampleRate returns the rate frames are delivered at
func (a *AudioStream) SampleRate() int { return a.rate }

// Next blocks for the next frame. A resampled stream may emit several frames
// for one received frame, or none. It returns io.EOF when the stream ended.
// A stream must not be read from more than one goroutine.
func (a *AudioStream) Next(ctx context.Context) (*media.AudioFrame, error) {
	for len(a.queue) == 0 {
		f, err := a.st.next(ctx)
		if errors.Is(err, io.EOF) {
			if tail := a.flush(); tail != nil {
				return tail, nil
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		af, ok := f.(*media.AudioFrame)
		if !ok {
			continue
		}
		if a.st.recv != a.source {
			a.switchSource(a.st.recv)
		}
		out, err := a.process(af)
		if err != nil {
			a.st.logger.Warn("dropping frame", "error", err)
			continue
		}
		a.queue = append(a.queue, out...)
	}

	f := a.queue[0]
	a.queue = a.queue[1:]
	return f, nil
}

func (a *AudioStream) process(f *media.AudioFrame) ([]*media.AudioFrame, error) {
	if f.SampleRate == a.rate {
		return []*media.AudioFrame{f}, nil
	}
	// a new track may arrive in another format after a reconnect
	if a.pipeline == nil || a.pipelineIn != f.SampleRate || a.pipelineCh != f.Channels {
		p, err := audio.NewPipeline(f.SampleRate, a.rate, f.Channels, a.st.logger)
		if err != nil {
			return nil, err
		}
		a.pipeline, a.pipelineIn, a.pipelineCh = p, f.SampleRate, f.Channels
	}
	return a.pipeline.Process(f)
}

// switchSource emits what is left of the previous track and restarts
// interpolation, so the new track does not blend into the old one
func (a *AudioStream) switchSource(r *Receiver) {
	if a.source != nil && a.pipeline != nil {
		if tail := a.pipeline.Reset(); tail != nil {
			a.queue = append(a.queue, tail)
		}
	}
	a.source = r
}

func (a *AudioStream) flush() *media.AudioFrame {
	if a.flushed || a.pipeline == nil {
		return nil
	}
	a.flushed = true
	return a.pipeline.Flush()
}

// All iterates until the stream ends or ctx is done
func (a *AudioStream) All(ctx context.Context) iter.Seq[*media.AudioFrame] {
	return func(yield func(*media.AudioFrame) bool) {
		for {
			f, err := a.Next(ctx)
			if err != nil || !yield(f) {
				return
			}
		}
	}
}
