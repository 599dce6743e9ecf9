package device

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnavailable means no device of the requested kind exists.
	ErrUnavailable = errors.New("audio device unavailable")
	// ErrBusy means the device is already claimed by another session.
	ErrBusy = errors.New("audio device busy")
	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("audio device closed")
)

// Format describes the PCM stream negotiated with a device.
type Format struct {
	SampleRate      int
	FramesPerBuffer int
}

// Input is an acquired capture device. Read blocks for one buffer.
type Input interface {
	Read(ctx context.Context) ([]int16, error)
	Close() error
}

// Output is an acquired playback device. Write returns once every sample has
// been rendered; a cancelled write renders nothing that counts.
type Output interface {
	Write(ctx context.Context, samples []int16) error
	Close() error
}

// Provider opens exclusive handles on the physical devices.
type Provider interface {
	OpenInput(ctx context.Context, f Format) (Input, error)
	OpenOutput(ctx context.Context, f Format) (Output, error)
}

// claim is an exclusive ownership flag for one physical device.
type claim struct {
	mu   sync.Mutex
	held bool
}

func (c *claim) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return ErrBusy
	}
	c.held = true
	return nil
}

func (c *claim) release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()
}

func (c *claim) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
