package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
)

// DefaultFrameDuration is the duration of each frame emitted by a resampling pipeline
const DefaultFrameDuration = 20 * time.Millisecond

// Pipeline converts avatar audio frames to the sample rate a consumer asked for.
// It is stateful: interpolation state and partially filled output frames carry
// over between calls, so one input frame may produce zero, one or several
// output frames.
type Pipeline struct {
	inputSampleRate  int // Input sample rate (transport native, 48000)
	outputSampleRate int // Requested output sample rate
	channels         int
	logger           *slog.Logger
	resampler        *Resampler
	chunks           *ChunkBuffer
	emitted          int64 // Sample frames emitted so far, drives output PTS
	mu               sync.Mutex
}

// NewPipeline creates a new audio processing pipeline
func NewPipeline(inputSampleRate, outputSampleRate, channels int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Validate sample rates
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputSampleRate, outputSampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	if inputSampleRate == outputSampleRate {
		logger.Debug("input and output sample rates are equal, no resampling needed",
			"sample_rate", inputSampleRate)
	}

	resampler, err := NewResampler(inputSampleRate, outputSampleRate, channels, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &Pipeline{
		inputSampleRate:  inputSampleRate,
		outputSampleRate: outputSampleRate,
		channels:         channels,
		logger:           logger,
		resampler:        resampler,
		chunks:           NewChunkBuffer(outputSampleRate, int(DefaultFrameDuration/time.Millisecond), channels, logger),
	}, nil
}

// Passthrough reports whether frames leave the pipeline untouched
func (p *Pipeline) Passthrough() bool {
	return p.inputSampleRate == p.outputSampleRate
}

// Process resamples one frame. With equal rates the frame itself is returned.
func (p *Pipeline) Process(frame *media.AudioFrame) ([]*media.AudioFrame, error) {
	if frame.Empty() {
		return nil, nil
	}
	if p.Passthrough() {
		return []*media.AudioFrame{frame}, nil
	}
	if frame.SampleRate != p.inputSampleRate || frame.Channels != p.channels {
		return nil, fmt.Errorf("frame format %dHz/%dch does not match pipeline input %dHz/%dch",
			frame.SampleRate, frame.Channels, p.inputSampleRate, p.channels)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	resampled, err := p.resampler.Resample(frame.Samples)
	if err != nil {
		return nil, fmt.Errorf("resampling failed: %w", err)
	}

	var out []*media.AudioFrame
	for _, chunk := range p.chunks.Add(resampled) {
		out = append(out, p.frame(chunk))
	}
	return out, nil
}

// Flush returns any buffered partial frame
func (p *Pipeline) Flush() *media.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	rest := p.chunks.Flush()
	if len(rest) == 0 {
		return nil
	}
	return p.frame(rest)
}

// Reset prepares the pipeline for a new input stream of the same format. The
// partial output frame is returned and interpolation restarts from scratch.
func (p *Pipeline) Reset() *media.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resampler.Reset()
	rest := p.chunks.Flush()
	if len(rest) == 0 {
		return nil
	}
	return p.frame(rest)
}

func (p *Pipeline) frame(samples []int16) *media.AudioFrame {
	f := &media.AudioFrame{
		Samples:    samples,
		SampleRate: p.outputSampleRate,
		Channels:   p.channels,
		PTS:        time.Duration(p.emitted) * time.Second / time.Duration(p.outputSampleRate),
	}
	p.emitted += int64(len(samples) / p.channels)
	return f
}

// Resampler handles streaming sample rate conversion of interleaved PCM16.
// Interpolation position and the last input sample of every channel are kept
// between calls so block boundaries do not click.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	step       float64 // Input samples advanced per output sample
	pos        float64 // Position of the next output sample, relative to the next block
	last       []int16 // Final sample of the previous block, per channel
	primed     bool
	logger     *slog.Logger
}

// NewResampler creates a new resampler
func NewResampler(inputRate, outputRate, channels int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		step:       float64(inputRate) / float64(outputRate),
		last:       make([]int16, channels),
		logger:     logger,
	}, nil
}

// Resample performs linear interpolation resampling of one interleaved block
func (r *Resampler) Resample(input []int16) ([]int16, error) {
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("input length %d is not a multiple of %d channels", len(input), r.channels)
	}
	n := len(input) / r.channels
	if n == 0 {
		return []int16{}, nil
	}

	if r.inputRate == r.outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	if !r.primed {
		copy(r.last, input[:r.channels])
		r.primed = true
	}

	estimate := int(float64(n)/r.step) + 1
	output := make([]int16, 0, estimate*r.channels)

	for r.pos < float64(n-1) {
		idx := int(r.pos)
		if r.pos < 0 {
			idx = -1
		}
		frac := r.pos - float64(idx)

		for ch := 0; ch < r.channels; ch++ {
			var s0 int16
			if idx < 0 {
				s0 = r.last[ch]
			} else {
				s0 = input[idx*r.channels+ch]
			}
			s1 := input[(idx+1)*r.channels+ch]
			output = append(output, int16(float64(s0)+frac*(float64(s1)-float64(s0))))
		}
		r.pos += r.step
	}

	r.pos -= float64(n)
	copy(r.last, input[(n-1)*r.channels:])

	return output, nil
}

// Reset drops the interpolation state
func (r *Resampler) Reset() {
	r.pos = 0
	r.primed = false
	for i := range r.last {
		r.last[i] = 0
	}
}

// ChunkBuffer buffers interleaved audio into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int     // Interleaved samples per chunk
	buffer    []int16 // Accumulated samples
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a new chunk buffer
func NewChunkBuffer(sampleRate, chunkDurationMs, channels int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}

	// chunkDurationMs=20, sampleRate=16000, channels=2 → 640 samples
	chunkSize := (sampleRate * chunkDurationMs) / 1000 * channels

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]int16, 0, chunkSize),
		logger:    logger,
	}
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []int16) [][]int16 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]int16
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]int16, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Flush returns remaining samples as a partial chunk
func (cb *ChunkBuffer) Flush() []int16 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []int16{}
	}

	chunk := make([]int16, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}
