package playback

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/device"
)

var (
	ErrNotConnected     = errors.New("playback device not connected")
	ErrAlreadyConnected = errors.New("playback device already connected")
	// ErrTrackInterrupted rejects audio for a track cut off by Interrupt.
	ErrTrackInterrupted = errors.New("track was interrupted")
)

type Options struct {
	SampleRate int
	// FrameSamples is the render granularity and so the interrupt precision.
	FrameSamples int
	Logger       *zap.Logger
}

// Interruption reports where playback of a track stopped.
type Interruption struct {
	TrackID       string
	SamplesPlayed int
}

type track struct {
	id        string
	pending   []audio.Buffer
	head      int
	queued    bool
	played    int
	submitted int
}

// Pipeline renders tagged PCM buffers to the output device, one track at a
// time in submission order, from a single render goroutine.
type Pipeline struct {
	provider device.Provider
	rate     int
	frame    int
	logger   *zap.Logger

	// ctl serializes Connect, Interrupt and Close, which restart the renderer.
	ctl sync.Mutex

	mu          sync.Mutex
	out         device.Output
	order       []*track
	tracks      map[string]*track
	interrupted map[string]struct{}
	last        *track
	history     []int16
	wake        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(provider device.Provider, opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = opts.SampleRate / 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		provider:    provider,
		rate:        opts.SampleRate,
		frame:       opts.FrameSamples,
		logger:      opts.Logger,
		tracks:      make(map[string]*track),
		interrupted: make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
	}
}

// Connect acquires the output device and starts rendering.
func (p *Pipeline) Connect(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	connected := p.out != nil
	p.mu.Unlock()
	if connected {
		return ErrAlreadyConnected
	}

	out, err := p.provider.OpenOutput(ctx, device.Format{SampleRate: p.rate, FramesPerBuffer: p.frame})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.out = out
	p.startLocked()
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out != nil
}

// Add16BitPCM queues buf on the named track, creating the track if needed.
func (p *Pipeline) Add16BitPCM(buf audio.Buffer, trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return ErrNotConnected
	}
	if buf.Empty() {
		return nil
	}
	if buf.SampleRate() != p.rate {
		return audio.ErrRateMismatch
	}
	if _, ok := p.interrupted[trackID]; ok {
		return ErrTrackInterrupted
	}

	t, ok := p.tracks[trackID]
	if !ok {
		t = &track{id: trackID}
		p.tracks[trackID] = t
	}
	t.pending = append(t.pending, buf)
	t.submitted += buf.Len()
	if !t.queued {
		t.queued = true
		p.order = append(p.order, t)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt stops playback immediately and reports how many samples of the
// current track were fully rendered. Every queued track is discarded and
// later audio for those tracks is rejected. ok is false when nothing is
// playing.
func (p *Pipeline) Interrupt() (Interruption, bool) {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.out == nil {
		p.mu.Unlock()
		return Interruption{}, false
	}
	p.stopLocked()

	var (
		res Interruption
		ok  bool
	)
	if p.last != nil {
		res = Interruption{TrackID: p.last.id, SamplesPlayed: p.last.played}
		ok = true
		p.interrupted[p.last.id] = struct{}{}
	}
	for _, t := range p.order {
		p.interrupted[t.id] = struct{}{}
		t.pending = nil
		t.head = 0
		t.queued = false
	}
	p.order = nil
	p.last = nil
	p.history = nil
	p.startLocked()
	p.mu.Unlock()
	return res, ok
}

// Close stops rendering, drops queued audio and releases the device.
func (p *Pipeline) Close() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.out == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopLocked()
	out := p.out
	p.out = nil
	p.order = nil
	p.tracks = make(map[string]*track)
	p.interrupted = make(map[string]struct{})
	p.last = nil
	p.history = nil
	p.mu.Unlock()

	return out.Close()
}

// Frequencies analyses the most recently rendered audio. It has no effect on
// playback.
func (p *Pipeline) Frequencies(kind audio.AnalysisKind) audio.Spectrum {
	p.mu.Lock()
	window := make([]int16, len(p.history))
	copy(window, p.history)
	p.mu.Unlock()
	return audio.Analyze(window, p.rate, kind)
}

// startLocked launches the render goroutine. Caller holds p.mu.
func (p *Pipeline) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.render(ctx, p.out, done)
}

// stopLocked cancels the renderer and waits for it, releasing p.mu while
// waiting so the renderer can finish its bookkeeping. Caller holds p.ctl and p.mu.
func (p *Pipeline) stopLocked() {
	if p.cancel == nil {
		return
	}
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	cancel()
	p.mu.Unlock()
	<-done
	p.mu.Lock()
}

func (p *Pipeline) render(ctx context.Context, out device.Output, done chan struct{}) {
	defer close(done)
	for {
		frame, t, ok := p.nextFrame()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		if err := out.Write(ctx, frame); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("playback write failed", zap.Error(err), zap.String("track_id", t.id))
			}
			return
		}
		p.commit(t, frame)
	}
}

func (p *Pipeline) nextFrame() ([]int16, *track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.order) > 0 {
		t := p.order[0]
		if len(t.pending) == 0 {
			t.queued = false
			p.order = p.order[1:]
			continue
		}
		buf := t.pending[0]
		end := t.head + p.frame
		frame := buf.Slice(t.head, end).Samples()
		if end >= buf.Len() {
			t.pending = t.pending[1:]
			t.head = 0
		} else {
			t.head = end
		}
		p.last = t
		return frame, t, true
	}
	p.last = nil
	p.history = nil
	return nil, nil, false
}

func (p *Pipeline) commit(t *track, frame []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.played += len(frame)
	p.history = append(p.history, frame...)
	if over := len(p.history) - audio.FFTSize; over > 0 {
		p.history = p.history[over:]
	}
}
