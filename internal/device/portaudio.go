//go:build portaudio

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens the host's default microphone and speaker.
type PortAudio struct {
	in  claim
	out claim

	mu    sync.Mutex
	users int
}

func NewPortAudio() *PortAudio { return &PortAudio{} }

// Default returns the hardware provider when built with the portaudio tag.
func Default() (Provider, string) { return NewPortAudio(), "portaudio" }

func (p *PortAudio) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	p.users++
	return nil
}

func (p *PortAudio) terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users--
	if p.users == 0 {
		_ = portaudio.Terminate()
	}
}

func (p *PortAudio) OpenInput(ctx context.Context, f Format) (Input, error) {
	f = normalize(f)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.in.acquire(); err != nil {
		return nil, err
	}
	stream, buf, err := p.openStream(f, 1, 0)
	if err != nil {
		p.in.release()
		return nil, err
	}
	return &paInput{p: p, stream: stream, buf: buf}, nil
}

func (p *PortAudio) OpenOutput(ctx context.Context, f Format) (Output, error) {
	f = normalize(f)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.out.acquire(); err != nil {
		return nil, err
	}
	stream, buf, err := p.openStream(f, 0, 1)
	if err != nil {
		p.out.release()
		return nil, err
	}
	return &paOutput{p: p, stream: stream, buf: buf}, nil
}

func (p *PortAudio) openStream(f Format, inputs, outputs int) (*portaudio.Stream, []int16, error) {
	if err := p.init(); err != nil {
		return nil, nil, err
	}
	var probe func() (*portaudio.DeviceInfo, error) = portaudio.DefaultOutputDevice
	if inputs > 0 {
		probe = portaudio.DefaultInputDevice
	}
	if _, err := probe(); err != nil {
		p.terminate()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	buf := make([]int16, f.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(inputs, outputs, float64(f.SampleRate), len(buf), buf)
	if err != nil {
		p.terminate()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		p.terminate()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return stream, buf, nil
}

type paInput struct {
	p      *PortAudio
	stream *portaudio.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

func (in *paInput) Read(ctx context.Context) ([]int16, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(in.buf))
	copy(out, in.buf)
	return out, nil
}

func (in *paInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	err := closeStream(in.stream)
	in.p.terminate()
	in.p.in.release()
	return err
}

type paOutput struct {
	p      *PortAudio
	stream *portaudio.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

// Write renders samples in device-sized buffers; the tail is zero padded.
func (out *paOutput) Write(ctx context.Context, samples []int16) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	for len(samples) > 0 {
		if out.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(out.buf, samples)
		for i := n; i < len(out.buf); i++ {
			out.buf[i] = 0
		}
		if err := out.stream.Write(); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

func (out *paOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return nil
	}
	out.closed = true
	err := closeStream(out.stream)
	out.p.terminate()
	out.p.out.release()
	return err
}

func closeStream(s *portaudio.Stream) error {
	stopErr := s.Stop()
	closeErr := s.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}
