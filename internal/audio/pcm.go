package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultSampleRate is the session-wide PCM rate used by the realtime agent.
const DefaultSampleRate = 24000

var (
	ErrRateMismatch = errors.New("pcm sample rate mismatch")
	ErrOddLength    = errors.New("pcm16 payload has odd byte length")
)

// Buffer is an immutable run of mono signed 16-bit samples at a fixed rate.
// The zero value is an empty buffer with no rate.
type Buffer struct {
	samples []int16
	rate    int
}

// NewBuffer copies samples into a new buffer.
func NewBuffer(samples []int16, sampleRate int) Buffer {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	return Buffer{samples: cp, rate: sampleRate}
}

// FromBytes decodes little-endian PCM16 bytes.
func FromBytes(pcm []byte, sampleRate int) (Buffer, error) {
	if len(pcm)%2 != 0 {
		return Buffer{}, ErrOddLength
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	return Buffer{samples: out, rate: sampleRate}, nil
}

// FromBase64 decodes base64 encoded little-endian PCM16.
func FromBase64(s string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Buffer{}, fmt.Errorf("decode pcm16 base64: %w", err)
	}
	return FromBytes(raw, sampleRate)
}

func (b Buffer) Len() int        { return len(b.samples) }
func (b Buffer) SampleRate() int { return b.rate }
func (b Buffer) Empty() bool     { return len(b.samples) == 0 }
func (b Buffer) At(i int) int16  { return b.samples[i] }

// Samples returns a copy of the underlying samples.
func (b Buffer) Samples() []int16 {
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out
}

// Duration reports the playback length at the buffer's own rate.
func (b Buffer) Duration() time.Duration {
	if b.rate <= 0 {
		return 0
	}
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.rate)
}

// Slice returns samples [start, end) clamped to the buffer bounds. The result
// shares storage with b, which is safe because neither side is ever mutated.
func (b Buffer) Slice(start, end int) Buffer {
	if start < 0 {
		start = 0
	}
	if end > len(b.samples) {
		end = len(b.samples)
	}
	if start >= end {
		return Buffer{rate: b.rate}
	}
	return Buffer{samples: b.samples[start:end:end], rate: b.rate}
}

// Concat joins buffers that share one sample rate. Empty buffers are skipped
// regardless of their rate.
func Concat(bufs ...Buffer) (Buffer, error) {
	rate := 0
	total := 0
	for _, b := range bufs {
		if b.Empty() {
			continue
		}
		if rate == 0 {
			rate = b.rate
		} else if b.rate != rate {
			return Buffer{}, fmt.Errorf("%w: %d vs %d", ErrRateMismatch, rate, b.rate)
		}
		total += len(b.samples)
	}
	out := make([]int16, 0, total)
	for _, b := range bufs {
		out = append(out, b.samples...)
	}
	return Buffer{samples: out, rate: rate}, nil
}

// Bytes encodes the buffer as little-endian PCM16.
func (b Buffer) Bytes() []byte {
	out := make([]byte, len(b.samples)*2)
	for i, v := range b.samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func (b Buffer) Base64() string {
	return base64.StdEncoding.EncodeToString(b.Bytes())
}

// Resample converts b to rate using linear interpolation.
func Resample(b Buffer, rate int) Buffer {
	if rate <= 0 || b.rate <= 0 || b.rate == rate || b.Empty() {
		if b.rate <= 0 {
			return Buffer{samples: b.samples, rate: rate}
		}
		return b
	}
	n := int(int64(len(b.samples)) * int64(rate) / int64(b.rate))
	if n == 0 {
		return Buffer{rate: rate}
	}
	out := make([]int16, n)
	ratio := float64(b.rate) / float64(rate)
	last := len(b.samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = b.samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(b.samples[idx])*(1-frac) + float64(b.samples[idx+1])*frac
		out[i] = int16(v)
	}
	return Buffer{samples: out, rate: rate}
}

// SamplesToMillis converts a sample count into whole milliseconds, rounding down.
func SamplesToMillis(samples, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return int(int64(samples) * 1000 / int64(sampleRate))
}

// MillisToSamples is the inverse of SamplesToMillis.
func MillisToSamples(ms, sampleRate int) int {
	return int(int64(ms) * int64(sampleRate) / 1000)
}
