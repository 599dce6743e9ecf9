package device

import (
	"context"
	"math"
	"sync"
	"time"
)

// VirtualConfig controls the behaviour of a Virtual provider.
type VirtualConfig struct {
	// Source produces the seq-th capture buffer of n samples. Nil yields silence.
	Source func(seq, n int) []int16
	// Speed scales device time; 2 renders twice as fast as real time. Zero means 1.
	Speed float64
	// OpenDelay simulates slow device negotiation.
	OpenDelay time.Duration

	NoInput  bool
	NoOutput bool
}

// Virtual is an in-process device pair: a paced synthetic microphone and a
// speaker that records what it rendered.
type Virtual struct {
	cfg VirtualConfig
	in  claim
	out claim

	mu       sync.Mutex
	rendered []int16
}

func NewVirtual(cfg VirtualConfig) *Virtual {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Virtual{cfg: cfg}
}

// ToneSource returns a Source generating a continuous sine wave.
func ToneSource(freq float64, sampleRate int, amplitude int16) func(seq, n int) []int16 {
	return func(seq, n int) []int16 {
		out := make([]int16, n)
		base := seq * n
		for i := range out {
			out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(base+i)/float64(sampleRate)))
		}
		return out
	}
}

func (v *Virtual) InputHeld() bool  { return v.in.Held() }
func (v *Virtual) OutputHeld() bool { return v.out.Held() }

// Rendered returns a copy of every sample the virtual speaker has played.
func (v *Virtual) Rendered() []int16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int16, len(v.rendered))
	copy(out, v.rendered)
	return out
}

func (v *Virtual) OpenInput(ctx context.Context, f Format) (Input, error) {
	if v.cfg.NoInput {
		return nil, ErrUnavailable
	}
	if err := v.open(ctx, &v.in); err != nil {
		return nil, err
	}
	return &virtualInput{v: v, f: normalize(f), closed: make(chan struct{})}, nil
}

func (v *Virtual) OpenOutput(ctx context.Context, f Format) (Output, error) {
	if v.cfg.NoOutput {
		return nil, ErrUnavailable
	}
	if err := v.open(ctx, &v.out); err != nil {
		return nil, err
	}
	return &virtualOutput{v: v, f: normalize(f), closed: make(chan struct{})}, nil
}

func (v *Virtual) open(ctx context.Context, c *claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.acquire(); err != nil {
		return err
	}
	if v.cfg.OpenDelay <= 0 {
		return nil
	}
	t := time.NewTimer(v.cfg.OpenDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		c.release()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Virtual) scaled(samples, rate int) time.Duration {
	d := time.Duration(samples) * time.Second / time.Duration(rate)
	return time.Duration(float64(d) / v.cfg.Speed)
}

func normalize(f Format) Format {
	if f.SampleRate <= 0 {
		f.SampleRate = 24000
	}
	if f.FramesPerBuffer <= 0 {
		f.FramesPerBuffer = f.SampleRate / 50
	}
	return f
}

type virtualInput struct {
	v *Virtual
	f Format

	mu        sync.Mutex
	seq       int
	next      time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

// Read paces buffers against the wall clock so the cadence does not depend on
// how quickly the caller comes back. A reader that stalls for more than one
// period loses the missed buffers, like a hardware overrun.
func (in *virtualInput) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-in.closed:
		return nil, ErrClosed
	default:
	}
	period := in.v.scaled(in.f.FramesPerBuffer, in.f.SampleRate)

	in.mu.Lock()
	seq := in.seq
	in.seq++
	now := time.Now()
	if in.next.Before(now.Add(-period)) {
		in.next = now
	}
	in.next = in.next.Add(period)
	due := in.next
	in.mu.Unlock()

	t := time.NewTimer(time.Until(due))
	defer t.Stop()
	select {
	case <-in.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	if in.v.cfg.Source == nil {
		return make([]int16, in.f.FramesPerBuffer), nil
	}
	return in.v.cfg.Source(seq, in.f.FramesPerBuffer), nil
}

func (in *virtualInput) Close() error {
	in.closeOnce.Do(func() {
		close(in.closed)
		in.v.in.release()
	})
	return nil
}

type virtualOutput struct {
	v         *Virtual
	f         Format
	closeOnce sync.Once
	closed    chan struct{}
}

func (out *virtualOutput) Write(ctx context.Context, samples []int16) error {
	select {
	case <-out.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(out.v.scaled(len(samples), out.f.SampleRate))
	defer t.Stop()
	select {
	case <-out.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	out.v.mu.Lock()
	out.v.rendered = append(out.v.rendered, samples...)
	out.v.mu.Unlock()
	return nil
}

func (out *virtualOutput) Close() error {
	out.closeOnce.Do(func() {
		close(out.closed)
		out.v.out.release()
	})
	return nil
}
