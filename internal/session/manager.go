package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/capture"
	"github.com/ent0n29/ordervoice/internal/conversation"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/observability"
	"github.com/ent0n29/ordervoice/internal/orders"
	"github.com/ent0n29/ordervoice/internal/playback"
	"github.com/ent0n29/ordervoice/internal/policy"
	"github.com/ent0n29/ordervoice/internal/realtime"
	"github.com/ent0n29/ordervoice/internal/tools"
	"github.com/ent0n29/ordervoice/internal/turn"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
)

var (
	ErrConnectionFailed       = errors.New("session connection failed")
	ErrInvalidStateTransition = errors.New("invalid session state transition")
)

const defaultChunkMillis = 100

type Config struct {
	ID           string
	SampleRate   int
	ChunkMillis  int
	Instructions string
	Voice        string
	// Greeting, when set, is sent as the first user message so the agent
	// opens the conversation.
	Greeting           string
	TranscriptionModel string
	TurnMode           turn.Mode
	AssistantMode      tools.Mode
	Orders             orders.Fulfiller
	// Tools are registered after the built-in table and may replace entries in it.
	Tools      []tools.Tool
	EventLimit int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Manager composes capture, playback, the agent channel, turn-taking and tool
// dispatch into one voice session. It exclusively owns the devices and the
// channel; the conversation and event log are exposed as snapshots.
type Manager struct {
	id      string
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics

	capture  *capture.Pipeline
	playback *playback.Pipeline
	client   *realtime.Client
	store    *conversation.Store
	events   *conversation.EventLog

	mu          sync.Mutex
	state       State
	mode        turn.Mode
	lastErr     error
	turns       *turn.Controller
	dispatcher  *tools.Dispatcher
	connCancel  context.CancelFunc
	connectDone chan struct{}
	closeDone   chan struct{}
	loopDone    chan struct{}

	forwardFailed atomic.Bool
	lastActivity  atomic.Int64

	subMu   sync.Mutex
	subs    map[int]chan Notification
	nextSub int
}

func NewManager(provider device.Provider, dialer realtime.Dialer, cfg Config) *Manager {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.ChunkMillis <= 0 {
		cfg.ChunkMillis = defaultChunkMillis
	}
	if cfg.TurnMode == "" {
		cfg.TurnMode = turn.ModeContinuous
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("session_id", cfg.ID))

	m := &Manager{
		id:      cfg.ID,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		state:   StateIdle,
		mode:    cfg.TurnMode,
		events:  conversation.NewEventLog(cfg.EventLimit),
		subs:    make(map[int]chan Notification),
	}
	m.capture = capture.New(provider, capture.Options{
		SampleRate:  cfg.SampleRate,
		ChunkFrames: cfg.SampleRate * cfg.ChunkMillis / 1000,
		Logger:      logger.Named("capture"),
		OnDrop:      cfg.Metrics.CaptureDropped,
	})
	m.playback = playback.New(provider, playback.Options{
		SampleRate: cfg.SampleRate,
		Logger:     logger.Named("playback"),
	})
	m.client = realtime.NewClient(dialer, realtime.Config{
		SampleRate: cfg.SampleRate,
		Logger:     logger.Named("realtime"),
	})
	m.client.SetObserver(m.observe)
	m.store = conversation.NewStore(m.client)
	return m
}

func (m *Manager) ID() string { return m.id }

func (m *Manager) AssistantMode() tools.Mode { return m.cfg.AssistantMode }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Mode() turn.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// LastError is the most recent connect or channel failure, nil once a new
// connection succeeds.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Items() []conversation.Item { return m.store.All() }

func (m *Manager) Item(id string) (conversation.Item, error) { return m.store.Get(id) }

func (m *Manager) Events() []conversation.Entry { return m.events.Entries() }

// DroppedChunks counts microphone chunks lost because delivery fell behind.
func (m *Manager) DroppedChunks() int64 { return m.capture.Dropped() }

// Frequencies analyses what the speaker most recently played.
func (m *Manager) Frequencies(kind audio.AnalysisKind) audio.Spectrum {
	return m.playback.Frequencies(kind)
}

// Connect acquires both devices and the agent channel, configures the agent
// and arms turn-taking. On failure everything acquired is released, the
// session returns to idle and the error wraps ErrConnectionFailed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidStateTransition, state)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.connCancel = cancel
	m.connectDone = done
	m.lastErr = nil
	mode := m.mode
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.forwardFailed.Store(false)
	started := time.Now()
	err := m.connect(ctx, connCtx, mode)
	m.metrics.ObserveConnect(time.Since(started), err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectDone = nil
	close(done)
	if err != nil {
		cancel()
		m.connCancel = nil
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		m.lastErr = err
		m.setStateLocked(StateIdle)
		m.logger.Warn("session connect failed", zap.Error(err))
		m.publish(Notification{Kind: NotifyError, Err: err})
		return err
	}
	m.setStateLocked(StateActive)
	m.metrics.SessionEvent("connected")
	m.logger.Info("session connected", zap.String("turn_mode", string(mode)))
	return nil
}

func (m *Manager) connect(ctx, connCtx context.Context, mode turn.Mode) error {
	// Acquisition ends early on either the caller's ctx or Disconnect.
	acqCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(connCtx, stop)
	defer unhook()

	m.store.Reset()
	m.events.Reset()

	g, gctx := errgroup.WithContext(acqCtx)
	g.Go(func() error {
		if err := m.capture.Begin(gctx); err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.playback.Connect(gctx); err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.client.Connect(gctx); err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		m.teardown()
		return err
	}

	if err := m.configure(acqCtx, connCtx, mode); err != nil {
		m.teardown()
		return err
	}
	if err := connCtx.Err(); err != nil {
		m.teardown()
		return err
	}
	return nil
}

func (m *Manager) configure(ctx, connCtx context.Context, mode turn.Mode) error {
	disp := tools.NewDispatcher(
		tools.WithLogger(m.logger.Named("tools")),
		tools.WithObserver(m.metrics.ToolCall),
	)
	table := tools.BuildTable(tools.Capabilities{
		Mode:      m.cfg.AssistantMode,
		SessionID: m.id,
		Orders:    m.cfg.Orders,
	})
	if err := disp.RegisterAll(append(table, m.cfg.Tools...)); err != nil {
		disp.Close()
		return err
	}
	ctrl := turn.New(m.capture, m.client, turn.Options{
		Mode:           mode,
		Interrupt:      m.interruptAndReconcile,
		OnForwardError: m.onForwardError,
		Logger:         m.logger.Named("turn"),
	})

	loopDone := make(chan struct{})
	m.mu.Lock()
	m.dispatcher = disp
	m.turns = ctrl
	m.loopDone = loopDone
	m.mu.Unlock()
	go m.run(connCtx, m.client.Events(), disp, loopDone)

	if err := m.client.UpdateSession(ctx, realtime.SessionConfig{
		Instructions:       m.cfg.Instructions,
		Voice:              m.cfg.Voice,
		Tools:              toolDefinitions(disp.Definitions()),
		ServerVAD:          mode == turn.ModeContinuous,
		TranscriptionModel: m.cfg.TranscriptionModel,
	}); err != nil {
		return fmt.Errorf("configure agent: %w", err)
	}
	if m.cfg.Greeting != "" {
		if err := m.client.SendUserText(ctx, m.cfg.Greeting); err != nil {
			return fmt.Errorf("send greeting: %w", err)
		}
	}
	return ctrl.Arm(connCtx)
}

func toolDefinitions(defs []tools.Definition) []realtime.ToolDefinition {
	out := make([]realtime.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, realtime.ToolDefinition{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// Disconnect ends the session from any state. From connecting it cancels the
// acquisition in flight; from idle it does nothing.
func (m *Manager) Disconnect() error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateIdle:
			m.mu.Unlock()
			return nil
		case StateConnecting:
			cancel, done := m.connCancel, m.connectDone
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if done != nil {
				<-done
			}
			continue
		case StateClosing:
			done := m.closeDone
			m.mu.Unlock()
			<-done
			continue
		}

		closeDone := make(chan struct{})
		m.closeDone = closeDone
		cancel := m.connCancel
		m.connCancel = nil
		m.setStateLocked(StateClosing)
		m.mu.Unlock()

		m.teardownWith(cancel)
		m.store.Reset()
		m.events.Reset()

		m.mu.Lock()
		m.closeDone = nil
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		close(closeDone)
		m.metrics.SessionEvent("disconnected")
		m.logger.Info("session disconnected")
		return nil
	}
}

func (m *Manager) teardown() { m.teardownWith(nil) }

// teardownWith releases everything a connection holds, in the order that lets
// each stage drain: the connection context is cancelled so in-flight sends
// give up, turns stop feeding the channel, devices go, tool handlers are
// cancelled and awaited, then the channel closes and the inbound loop ends.
func (m *Manager) teardownWith(cancel context.CancelFunc) {
	m.mu.Lock()
	ctrl, disp, loopDone := m.turns, m.dispatcher, m.loopDone
	m.turns, m.dispatcher, m.loopDone = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ctrl != nil {
		ctrl.Stop()
	}
	if err := m.capture.End(); err != nil {
		m.logger.Debug("release capture device", zap.Error(err))
	}
	if err := m.playback.Close(); err != nil {
		m.logger.Debug("release playback device", zap.Error(err))
	}
	if disp != nil {
		disp.Close()
	}
	if err := m.client.Close(); err != nil {
		m.logger.Debug("close agent channel", zap.Error(err))
	}
	if loopDone != nil {
		<-loopDone
	}
}

func (m *Manager) activeTurns() (*turn.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.turns == nil {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidStateTransition, m.state)
	}
	return m.turns, nil
}

// StartTurn begins a manually bracketed user turn, cutting off any assistant
// audio still playing.
func (m *Manager) StartTurn(ctx context.Context) error {
	ctrl, err := m.activeTurns()
	if err != nil {
		return err
	}
	return ctrl.StartTurn(ctx)
}

func (m *Manager) EndTurn(ctx context.Context) error {
	ctrl, err := m.activeTurns()
	if err != nil {
		return err
	}
	return ctrl.EndTurn(ctx)
}

// SetMode changes the turn policy. While idle the mode applies to the next
// connection.
func (m *Manager) SetMode(ctx context.Context, mode turn.Mode) error {
	if mode != turn.ModeManual && mode != turn.ModeContinuous {
		return fmt.Errorf("unknown turn mode %q", mode)
	}
	m.mu.Lock()
	if m.state == StateIdle {
		m.mode = mode
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ctrl, err := m.activeTurns()
	if err != nil {
		return err
	}
	if err := ctrl.SetMode(ctx, mode); err != nil {
		return err
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	m.logger.Info("turn mode changed", zap.String("turn_mode", string(mode)))
	return nil
}

// DeleteItem forgets an item on the agent side and then locally.
func (m *Manager) DeleteItem(ctx context.Context, itemID string) error {
	if _, err := m.activeTurns(); err != nil {
		return err
	}
	if err := m.store.Remove(ctx, itemID); err != nil {
		return err
	}
	m.publish(Notification{Kind: NotifyItemRemoved, ItemID: itemID})
	return nil
}

// interruptAndReconcile stops assistant audio and tells the agent how much of
// it was heard.
func (m *Manager) interruptAndReconcile(ctx context.Context) error {
	cut, ok := m.playback.Interrupt()
	if !ok {
		return nil
	}
	m.metrics.Interruption()
	m.logger.Debug("assistant interrupted",
		zap.String("item_id", cut.TrackID),
		zap.Int("samples_played", cut.SamplesPlayed),
	)
	return m.client.CancelResponse(ctx, cut.TrackID, cut.SamplesPlayed)
}

func (m *Manager) onForwardError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if m.forwardFailed.Swap(true) {
		return
	}
	m.fail(fmt.Errorf("forward microphone audio: %w", err))
}

// run is the single inbound dispatch loop of one connection.
func (m *Manager) run(ctx context.Context, events <-chan realtime.Event, disp *tools.Dispatcher, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		m.handle(ctx, ev, disp)
	}
}

func (m *Manager) handle(ctx context.Context, ev realtime.Event, disp *tools.Dispatcher) {
	switch e := ev.(type) {
	case realtime.SpeechStarted:
		if err := m.interruptAndReconcile(ctx); err != nil && ctx.Err() == nil {
			m.fail(fmt.Errorf("reconcile interruption: %w", err))
		}
	case realtime.AudioDelta:
		if err := m.playback.Add16BitPCM(e.Audio, e.ItemID); err != nil && !errors.Is(err, playback.ErrTrackInterrupted) {
			m.logger.Debug("drop assistant audio", zap.String("item_id", e.ItemID), zap.Error(err))
		}
	case realtime.ServerError:
		m.metrics.ChannelFailure("server")
		m.fail(e)
	case realtime.TransportError:
		m.metrics.ChannelFailure("transport")
		m.fail(e.Err)
	case realtime.ItemDeleted:
		m.store.Apply(ev)
		m.publish(Notification{Kind: NotifyItemRemoved, ItemID: e.ItemID})
		return
	}

	if it, ok := m.store.Apply(ev); ok {
		m.publish(Notification{Kind: NotifyItem, Item: &it})
	}

	if call, ok := ev.(realtime.ToolCallRequested); ok {
		m.dispatch(ctx, disp, call)
	}
}

func (m *Manager) dispatch(ctx context.Context, disp *tools.Dispatcher, req realtime.ToolCallRequested) {
	call := tools.Call{ID: req.Item.CallID, Name: req.Item.Name, Arguments: req.Item.Arguments}
	logger := m.logger.With(zap.String("tool", call.Name), zap.String("call_id", call.ID))
	err := disp.Dispatch(call, func(res tools.Result) {
		m.publish(Notification{Kind: NotifyTool, Tool: &res})
		if err := m.client.SendToolResult(ctx, res.CallID, res.Output); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("return tool result", zap.Error(err))
			m.fail(fmt.Errorf("return result of %s: %w", call.Name, err))
		}
	})
	if err != nil {
		logger.Debug("tool call not dispatched", zap.Error(err))
	}
}

// fail records a mid-session error. The session stays active.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn("session error", zap.Error(err))
	m.publish(Notification{Kind: NotifyError, Err: err})
}

func (m *Manager) observe(source realtime.Source, eventType string, raw []byte) {
	m.lastActivity.Store(time.Now().UnixNano())
	m.metrics.ChannelEvent(string(source), eventType)
	entry := m.events.Record(source, eventType, raw)
	m.publish(Notification{Kind: NotifyEvent, Entry: &entry})
	if ce := m.logger.Check(zap.DebugLevel, "channel event"); ce != nil {
		ce.Write(
			zap.String("direction", string(source)),
			zap.String("type", eventType),
			zap.String("payload", policy.EventPayload(eventType, raw, 512)),
		)
	}
}

// LastActivity is when the agent channel last carried an event in either
// direction. It is zero until the first connection.
func (m *Manager) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// setStateLocked changes state and notifies subscribers. Caller holds m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.logger.Debug("session state", zap.String("state", string(s)))
	m.publish(Notification{Kind: NotifyState, State: s})
}
