package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/device"
)

type Status string

const (
	StatusEnded     Status = "ended"
	StatusPaused    Status = "paused"
	StatusRecording Status = "recording"
)

var (
	ErrNotBegun         = errors.New("capture device not acquired: call Begin first")
	ErrAlreadyBegun     = errors.New("capture device already acquired")
	ErrAlreadyRecording = errors.New("already recording: call Pause first")
)

const defaultQueueSize = 64

type Options struct {
	SampleRate  int
	ChunkFrames int
	// QueueSize bounds chunks waiting for delivery; overflow drops the chunk.
	QueueSize int
	Logger    *zap.Logger
	OnDrop    func()
}

// Pipeline owns the capture device. A reader goroutine pulls buffers at the
// device cadence and hands them to a delivery goroutine, so a slow consumer
// never stalls the device.
type Pipeline struct {
	provider  device.Provider
	format    device.Format
	queueSize int
	logger    *zap.Logger
	onDrop    func()

	mu     sync.Mutex
	input  device.Input
	status Status
	stop   context.CancelFunc
	done   chan struct{}

	dropped atomic.Int64
}

func New(provider device.Provider, opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = opts.SampleRate / 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		provider:  provider,
		format:    device.Format{SampleRate: opts.SampleRate, FramesPerBuffer: opts.ChunkFrames},
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
		onDrop:    opts.OnDrop,
		status:    StatusEnded,
	}
}

// Begin acquires the capture device.
func (p *Pipeline) Begin(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input != nil {
		return ErrAlreadyBegun
	}
	in, err := p.provider.OpenInput(ctx, p.format)
	if err != nil {
		return err
	}
	p.input = in
	p.status = StatusPaused
	return nil
}

// Record starts delivering chunks to onChunk in capture order. onChunk runs
// on the delivery goroutine and must not call back into the pipeline.
func (p *Pipeline) Record(onChunk func(audio.Buffer)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.input == nil:
		return ErrNotBegun
	case p.status == StatusRecording:
		return ErrAlreadyRecording
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan audio.Buffer, p.queueSize)
	done := make(chan struct{})

	go p.read(ctx, p.input, queue)
	go func() {
		defer close(done)
		for buf := range queue {
			if ctx.Err() != nil {
				continue
			}
			onChunk(buf)
		}
	}()

	p.stop = cancel
	p.done = done
	p.status = StatusRecording
	return nil
}

func (p *Pipeline) read(ctx context.Context, in device.Input, queue chan<- audio.Buffer) {
	defer close(queue)
	for {
		samples, err := in.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, device.ErrClosed) {
				p.logger.Warn("capture read failed", zap.Error(err))
			}
			return
		}
		select {
		case queue <- audio.NewBuffer(samples, p.format.SampleRate):
		default:
			p.dropped.Add(1)
			if p.onDrop != nil {
				p.onDrop()
			}
		}
	}
}

// Pause stops delivery but keeps the device. When Pause returns no further
// chunk will be delivered.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input == nil {
		return ErrNotBegun
	}
	p.halt()
	p.status = StatusPaused
	return nil
}

// End stops recording and releases the device. Calling End twice is harmless.
func (p *Pipeline) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input == nil {
		return nil
	}
	p.halt()
	err := p.input.Close()
	p.input = nil
	p.status = StatusEnded
	return err
}

func (p *Pipeline) halt() {
	if p.stop == nil {
		return
	}
	p.stop()
	<-p.done
	p.stop = nil
	p.done = nil
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pipeline) Recording() bool { return p.Status() == StatusRecording }

// Dropped counts chunks discarded because delivery fell behind.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }
