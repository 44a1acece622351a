// Package media holds the frame types exchanged between the transport, the
// session and frame consumers.
package media

import (
	"encoding/binary"
	"time"
)

// Kind identifies the media kind of a track or frame
type Kind int

const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Native transport formats. Frames leave the transport in these layouts and
// are only converted when a consumer asks for something else.
const (
	NativeSampleRate  = 48000
	NativeChannels    = 2
	NativePixelFormat = PixelFormatYUV420P
)

// silenceThreshold is the largest absolute sample value still treated as silence.
// Decoders emit low-level noise for digital silence.
const silenceThreshold = 8

// Frame is implemented by AudioFrame and VideoFrame
type Frame interface {
	Kind() Kind
	Timestamp() time.Duration
	Empty() bool
}

// AudioFrame is a block of interleaved signed 16-bit PCM
type AudioFrame struct {
	Samples    []int16       // Interleaved samples, len = frames * Channels
	SampleRate int           // Sample rate in Hz
	Channels   int           // Number of channels (1 = mono, 2 = stereo)
	PTS        time.Duration // Presentation timestamp relative to the track start
}

// Kind implements Frame.
func (f *AudioFrame) Kind() Kind { return KindAudio }

// Timestamp implements Frame.
func (f *AudioFrame) Timestamp() time.Duration { return f.PTS }

// Empty reports whether the frame carries no samples
func (f *AudioFrame) Empty() bool { return f == nil || len(f.Samples) == 0 }

// SamplesPerChannel returns the number of sample frames
func (f *AudioFrame) SamplesPerChannel() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}

// Silent reports whether every sample is within the silence threshold
func (f *AudioFrame) Silent() bool {
	for _, s := range f.Samples {
		if s > silenceThreshold || s < -silenceThreshold {
			return false
		}
	}
	return true
}

// Bytes returns the samples as little-endian PCM16
func (f *AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// VideoFrame is a decoded picture in a planar or packed pixel layout
type VideoFrame struct {
	Format  PixelFormat
	Width   int
	Height  int
	Planes  [][]byte // One entry per plane (packed formats have one)
	Strides []int    // Row stride in bytes for each plane
	PTS     time.Duration
}

// Kind implements Frame.
func (f *VideoFrame) Kind() Kind { return KindVideo }

// Timestamp implements Frame.
func (f *VideoFrame) Timestamp() time.Duration { return f.PTS }

// Empty reports whether the frame has no picture data
func (f *VideoFrame) Empty() bool {
	if f == nil || f.Width == 0 || f.Height == 0 || len(f.Planes) == 0 {
		return true
	}
	return len(f.Planes[0]) == 0
}
