package audio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// InputSampleRate is the rate of the mono PCM16 audio the avatar service consumes
const InputSampleRate = 16000

// DefaultSilenceDuration seeds playback with exactly one 6000-byte chunk at 16kHz
const DefaultSilenceDuration = 187500 * time.Microsecond

// Silence returns 2*rate*duration bytes of zero-valued PCM16
func Silence(sampleRate int, d time.Duration) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	if samples < 0 {
		samples = 0
	}
	return make([]byte, 2*samples)
}

// Pacer holds an audio upload to real time
type Pacer struct {
	limiter *rate.Limiter
	burst   int
}

// NewPacer allows bytesPerSecond with bursts of up to burst bytes
func NewPacer(sampleRate int, burst int) (*Pacer, error) {
	if sampleRate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("invalid pacer settings: rate=%d burst=%d", sampleRate, burst)
	}
	bytesPerSecond := float64(sampleRate * 2)
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}, nil
}

// Wait blocks until n bytes may be sent
func (p *Pacer) Wait(ctx context.Context, n int) error {
	for n > 0 {
		step := n
		if step > p.burst {
			step = p.burst
		}
		if err := p.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
