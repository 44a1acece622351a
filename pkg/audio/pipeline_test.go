package audio

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

func constantFrame(samplesPerChannel, channels int, value int16, pts time.Duration) *media.AudioFrame {
	s := make([]int16, samplesPerChannel*channels)
	for i := range s {
		s[i] = value
	}
	return &media.AudioFrame{Samples: s, SampleRate: 48000, Channels: channels, PTS: pts}
}

func TestResampling(t *testing.T) {
	resampler, err := NewResampler(48000, 24000, 1, slog.Default())
	require.NoError(t, err)

	// Input: 4800 samples @ 48kHz (100ms)
	// Output: 2400 samples @ 24kHz (100ms)
	input := make([]int16, 4800)
	for i := range input {
		input[i] = 16000 // Constant signal
	}

	output, err := resampler.Resample(input)
	require.NoError(t, err)
	assert.Len(t, output, 2400)

	for i, val := range output {
		if val != 16000 {
			t.Fatalf("sample %d: got %d, want 16000", i, val)
		}
	}
}

func TestResamplingEmpty(t *testing.T) {
	resampler, _ := NewResampler(48000, 24000, 1, slog.Default())

	output, err := resampler.Resample([]int16{})
	require.NoError(t, err)
	assert.Empty(t, output)
}

func TestResamplingRejectsPartialFrames(t *testing.T) {
	resampler, _ := NewResampler(48000, 16000, 2, slog.Default())
	_, err := resampler.Resample([]int16{1, 2, 3})
	assert.Error(t, err)
}

func TestResamplingIsContinuousAcrossBlocks(t *testing.T) {
	// A ramp resampled in two halves must match the ramp resampled at once
	ramp := make([]int16, 960)
	for i := range ramp {
		ramp[i] = int16(i * 10)
	}

	whole, _ := NewResampler(48000, 16000, 1, slog.Default())
	all, err := whole.Resample(ramp)
	require.NoError(t, err)

	split, _ := NewResampler(48000, 16000, 1, slog.Default())
	a, err := split.Resample(ramp[:480])
	require.NoError(t, err)
	b, err := split.Resample(ramp[480:])
	require.NoError(t, err)

	assert.Equal(t, all, append(a, b...))
}

func TestResamplingUpsampleStereo(t *testing.T) {
	r, _ := NewResampler(24000, 48000, 2, slog.Default())
	// L ramps up, R stays constant
	in := []int16{0, 500, 100, 500, 200, 500, 300, 500}
	out, err := r.Resample(in)
	require.NoError(t, err)
	require.Equal(t, 0, len(out)%2)

	for i := 1; i < len(out); i += 2 {
		assert.Equal(t, int16(500), out[i], "right channel")
	}
	for i := 2; i < len(out); i += 2 {
		assert.GreaterOrEqual(t, out[i], out[i-2], "left channel monotonic")
	}
}

func TestPipelinePassthroughReturnsSameFrame(t *testing.T) {
	p, err := NewPipeline(48000, 48000, 2, slog.Default())
	require.NoError(t, err)

	in := constantFrame(960, 2, 42, 20*time.Millisecond)
	out, err := p.Process(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, in, out[0])
}

func TestPipelineEmitsZeroOrMoreFrames(t *testing.T) {
	p, err := NewPipeline(48000, 16000, 2, slog.Default())
	require.NoError(t, err)

	// 10ms in → 160 samples/ch out, below one 20ms frame (320)
	out, err := p.Process(constantFrame(480, 2, 1000, 0))
	require.NoError(t, err)
	assert.Empty(t, out)

	// 60ms more → enough for several output frames
	out, err = p.Process(constantFrame(2880, 2, 1000, 10*time.Millisecond))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(out), 2)

	var last time.Duration = -1
	for _, f := range out {
		assert.Equal(t, 16000, f.SampleRate)
		assert.Equal(t, 2, f.Channels)
		assert.Len(t, f.Samples, 320*2)
		assert.Greater(t, f.PTS, last, "timestamps are monotonic")
		last = f.PTS
	}
	assert.Equal(t, time.Duration(0), out[0].PTS)
	assert.Equal(t, 20*time.Millisecond, out[1].PTS)

	rest := p.Flush()
	require.NotNil(t, rest)
	assert.Less(t, len(rest.Samples), 320*2)
	assert.Nil(t, p.Flush())
}

func TestPipelineRejectsMismatchedInput(t *testing.T) {
	p, _ := NewPipeline(48000, 16000, 2, slog.Default())
	f := constantFrame(480, 1, 0, 0)
	_, err := p.Process(f)
	assert.Error(t, err)
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(0, 16000, 2, nil)
	assert.Error(t, err)
	_, err = NewPipeline(48000, 16000, 0, nil)
	assert.Error(t, err)
}

func TestChunkBuffer(t *testing.T) {
	// 24kHz, 200ms chunks, mono = 4800 samples
	cb := NewChunkBuffer(24000, 200, 1, slog.Default())

	chunks := cb.Add(make([]int16, 4800))
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 4800)

	// Partial → no complete chunks
	assert.Empty(t, cb.Add(make([]int16, 2400)))

	// Accumulated partial completes one chunk
	assert.Len(t, cb.Add(make([]int16, 2400)), 1)

	assert.Empty(t, cb.Flush())
}

func TestChunkBufferFlush(t *testing.T) {
	cb := NewChunkBuffer(24000, 200, 1, slog.Default())
	cb.Add(make([]int16, 2400))

	assert.Len(t, cb.Flush(), 2400)
	assert.Empty(t, cb.Flush())
}

func TestSilence(t *testing.T) {
	b := Silence(InputSampleRate, DefaultSilenceDuration)
	assert.Len(t, b, 6000)
	for _, v := range b {
		require.Zero(t, v)
	}
	assert.Len(t, Silence(16000, time.Second), 32000)
	assert.Empty(t, Silence(16000, 0))
}

func TestPipelineResetRestartsInterpolation(t *testing.T) {
	// 400 samples at 44.1kHz leave a fractional position and a partial 16kHz frame
	in := make([]int16, 400)
	for i := range in {
		in[i] = int16(i * 50)
	}
	frame := &media.AudioFrame{Samples: in, SampleRate: 44100, Channels: 1}

	p, err := NewPipeline(44100, 16000, 1, slog.Default())
	require.NoError(t, err)

	out, err := p.Process(frame)
	require.NoError(t, err)
	assert.Empty(t, out)
	first := p.Reset()
	require.NotNil(t, first)
	assert.Nil(t, p.Reset(), "nothing left after a reset")

	out, err = p.Process(frame)
	require.NoError(t, err)
	assert.Empty(t, out)
	second := p.Reset()
	require.NotNil(t, second)

	assert.Equal(t, first.Samples, second.Samples, "same input after a reset gives the same output")
	assert.Greater(t, second.PTS, first.PTS)
}

func TestPacerHoldsRealTime(t *testing.T) {
	// 1000 Hz mono = 2000 bytes/s
	p, err := NewPacer(1000, 200)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), 200)) // burst
	require.NoError(t, p.Wait(context.Background(), 200)) // ~100ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPacerHonoursContext(t *testing.T) {
	p, _ := NewPacer(1000, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Wait(ctx, 1000))
}
