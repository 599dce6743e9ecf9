package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
)

type Mode string

const (
	// ModeManual: the operator brackets each turn with StartTurn and EndTurn.
	ModeManual Mode = "manual"
	// ModeContinuous: every captured chunk is forwarded and the agent detects
	// the end of each utterance.
	ModeContinuous Mode = "continuous"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeManual:
		return ModeManual, nil
	case "", ModeContinuous, "vad":
		return ModeContinuous, nil
	default:
		return "", fmt.Errorf("unknown turn mode %q", s)
	}
}

var (
	ErrWrongMode      = errors.New("operation not available in this turn mode")
	ErrTurnInProgress = errors.New("a turn is in progress")
	ErrNoActiveTurn   = errors.New("no turn in progress")
	ErrNotArmed       = errors.New("turn controller not armed")
)

// Recorder is the capture side the controller drives.
type Recorder interface {
	Record(onChunk func(audio.Buffer)) error
	Pause() error
}

// Channel is the agent side the controller drives.
type Channel interface {
	AppendInputAudio(ctx context.Context, buf audio.Buffer) error
	CreateResponse(ctx context.Context) error
	UpdateTurnDetection(ctx context.Context, serverVAD bool) error
}

type Options struct {
	Mode Mode
	// Interrupt stops assistant playback and reconciles the agent's record of
	// what was heard. Manual turns call it before recording.
	Interrupt func(ctx context.Context) error
	// OnForwardError reports chunks that could not be sent.
	OnForwardError func(error)
	Logger         *zap.Logger
}

// Controller decides when captured audio reaches the agent.
type Controller struct {
	rec       Recorder
	ch        Channel
	interrupt func(ctx context.Context) error
	onError   func(error)
	logger    *zap.Logger

	mu     sync.Mutex
	mode   Mode
	armed  bool
	inTurn bool

	// ctxMu is separate from mu: Pause waits for forward while mu is held.
	ctxMu   sync.Mutex
	sendCtx context.Context

	forwarded atomic.Int64
}

func New(rec Recorder, ch Channel, opts Options) *Controller {
	if opts.Mode == "" {
		opts.Mode = ModeContinuous
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		rec:       rec,
		ch:        ch,
		interrupt: opts.Interrupt,
		onError:   opts.OnForwardError,
		logger:    opts.Logger,
		mode:      opts.Mode,
		sendCtx:   context.Background(),
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) InTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTurn
}

// Forwarded counts chunks handed to the channel since New.
func (c *Controller) Forwarded() int64 { return c.forwarded.Load() }

// Arm starts the controller for a connection. In continuous mode recording
// starts immediately. ctx bounds every forwarded chunk.
func (c *Controller) Arm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.inTurn = false
	c.setSendCtx(ctx)
	if c.mode == ModeContinuous {
		return c.rec.Record(c.forward)
	}
	return nil
}

// StartTurn interrupts assistant audio and begins forwarding capture.
func (c *Controller) StartTurn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.armed:
		return ErrNotArmed
	case c.mode != ModeManual:
		return ErrWrongMode
	case c.inTurn:
		return ErrTurnInProgress
	}
	if c.interrupt != nil {
		if err := c.interrupt(ctx); err != nil {
			c.logger.Warn("interrupt before turn failed", zap.Error(err))
		}
	}
	if err := c.rec.Record(c.forward); err != nil {
		return err
	}
	c.inTurn = true
	return nil
}

// EndTurn stops forwarding and asks the agent to respond.
func (c *Controller) EndTurn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.armed:
		return ErrNotArmed
	case c.mode != ModeManual:
		return ErrWrongMode
	case !c.inTurn:
		return ErrNoActiveTurn
	}
	if err := c.rec.Pause(); err != nil {
		return err
	}
	c.inTurn = false
	return c.ch.CreateResponse(ctx)
}

// SetMode switches turn policy. Capture is paused while the agent's turn
// detection is reconfigured and resumed afterwards under the new mode.
// Switching mid-turn is refused.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	if mode != ModeManual && mode != ModeContinuous {
		return fmt.Errorf("unknown turn mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTurn {
		return ErrTurnInProgress
	}
	if c.mode == mode {
		return nil
	}
	if !c.armed {
		c.mode = mode
		return nil
	}

	if err := c.rec.Pause(); err != nil {
		return err
	}
	if err := c.ch.UpdateTurnDetection(ctx, mode == ModeContinuous); err != nil {
		if c.mode == ModeContinuous {
			if rerr := c.rec.Record(c.forward); rerr != nil {
				c.logger.Warn("resume capture after failed mode switch", zap.Error(rerr))
			}
		}
		return err
	}
	c.mode = mode
	if mode == ModeContinuous {
		return c.rec.Record(c.forward)
	}
	return nil
}

// Stop disarms the controller and pauses capture.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return
	}
	c.armed = false
	c.inTurn = false
	c.setSendCtx(context.Background())
	if err := c.rec.Pause(); err != nil {
		c.logger.Debug("pause capture on stop", zap.Error(err))
	}
}

func (c *Controller) setSendCtx(ctx context.Context) {
	c.ctxMu.Lock()
	c.sendCtx = ctx
	c.ctxMu.Unlock()
}

// forward runs on the capture delivery goroutine, in capture order.
func (c *Controller) forward(buf audio.Buffer) {
	c.ctxMu.Lock()
	ctx := c.sendCtx
	c.ctxMu.Unlock()
	if err := c.ch.AppendInputAudio(ctx, buf); err != nil {
		if c.onError != nil {
			c.onError(err)
		}
		return
	}
	c.forwarded.Add(1)
}
