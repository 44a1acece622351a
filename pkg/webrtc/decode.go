package webrtc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"golang.org/x/image/vp8"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

const (
	opusClockRate = 48000
	vp8ClockRate  = 90000

	// maxOpusFrame is 120ms at 48kHz, the longest opus packet
	maxOpusFrame = 5760

	// vp8MaxLate is how many packets the sample builder waits for a gap to fill
	vp8MaxLate = 256
)

// frameDecoder turns RTP packets into zero or more frames
type frameDecoder interface {
	Decode(pkt *rtp.Packet) ([]media.Frame, error)
}

// rtpClock converts RTP timestamps into offsets from the first packet
type rtpClock struct {
	rate    uint32
	first   uint32
	started bool
}

func (c *rtpClock) pts(ts uint32) time.Duration {
	if !c.started {
		c.first = ts
		c.started = true
	}
	return time.Duration(ts-c.first) * time.Second / time.Duration(c.rate)
}

// opusDecoder decodes opus payloads into 48kHz interleaved PCM16
type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
	clock    rtpClock
}

func newOpusDecoder(channels int) (*opusDecoder, error) {
	if channels < 1 {
		channels = media.NativeChannels
	}
	dec, err := opus.NewDecoder(opusClockRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, maxOpusFrame*channels),
		clock:    rtpClock{rate: opusClockRate},
	}, nil
}

func (d *opusDecoder) Decode(pkt *rtp.Packet) ([]media.Frame, error) {
	if len(pkt.Payload) == 0 {
		return nil, nil
	}
	n, err := d.dec.Decode(pkt.Payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	samples := make([]int16, n*d.channels)
	copy(samples, d.pcm[:n*d.channels])
	return []media.Frame{&media.AudioFrame{
		Samples:    samples,
		SampleRate: opusClockRate,
		Channels:   d.channels,
		PTS:        d.clock.pts(pkt.Timestamp),
	}}, nil
}

// vp8Decoder reassembles VP8 frames and decodes key frames. golang.org/x/image
// has no inter-frame prediction, so inter frames repeat the last key frame.
type vp8Decoder struct {
	builder *samplebuilder.SampleBuilder
	dec     *vp8.Decoder
	last    *media.VideoFrame
	clock   rtpClock
}

func newVP8Decoder() *vp8Decoder {
	return &vp8Decoder{
		builder: samplebuilder.New(vp8MaxLate, &codecs.VP8Packet{}, vp8ClockRate),
		dec:     vp8.NewDecoder(),
		clock:   rtpClock{rate: vp8ClockRate},
	}
}

func (d *vp8Decoder) Decode(pkt *rtp.Packet) ([]media.Frame, error) {
	d.builder.Push(pkt)

	var out []media.Frame
	for s := d.builder.Pop(); s != nil; s = d.builder.Pop() {
		f, err := d.decodeSample(s)
		if err != nil {
			return out, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (d *vp8Decoder) decodeSample(s *pionmedia.Sample) (*media.VideoFrame, error) {
	if len(s.Data) == 0 {
		return nil, nil
	}
	pts := d.clock.pts(s.PacketTimestamp)

	d.dec.Init(bytes.NewReader(s.Data), len(s.Data))
	fh, err := d.dec.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("vp8 frame header: %w", err)
	}

	if !fh.KeyFrame {
		if d.last == nil {
			return nil, nil
		}
		repeat := *d.last
		repeat.PTS = pts
		return &repeat, nil
	}

	img, err := d.dec.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("vp8 decode: %w", err)
	}
	f, err := media.VideoFrameFromYCbCr(img, pts)
	if err != nil {
		return nil, err
	}
	d.last = f
	return f, nil
}
