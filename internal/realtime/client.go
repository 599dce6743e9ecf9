package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
)

var ErrAlreadyConnected = errors.New("realtime channel already connected")

const defaultEventBuffer = 256

type Config struct {
	SampleRate  int
	EventBuffer int
	Logger      *zap.Logger
}

type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []ToolDefinition
	// ServerVAD lets the agent detect end of utterance. False means the client
	// brackets turns itself.
	ServerVAD          bool
	TranscriptionModel string
}

// Observer sees every event on the channel in wire order, sent and received.
type Observer func(source Source, eventType string, raw []byte)

// Client speaks the realtime event protocol over a Conn. Inbound events are
// decoded into the typed Event set and delivered, in arrival order, on the
// channel returned by Events.
type Client struct {
	dialer Dialer
	rate   int
	buffer int
	logger *zap.Logger

	// writeMu keeps observer order identical to wire order.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       Conn
	events     chan Event
	stop       chan struct{}
	cancelRead context.CancelFunc
	done       chan struct{}
	observer   Observer
	serverVAD  bool
	input      inputLedger
}

func NewClient(dialer Dialer, cfg Config) *Client {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		dialer: dialer,
		rate:   cfg.SampleRate,
		buffer: cfg.EventBuffer,
		logger: cfg.Logger,
		input:  newInputLedger(cfg.SampleRate),
	}
}

func (c *Client) SetObserver(fn Observer) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.events = make(chan Event, c.buffer)
	c.stop = make(chan struct{})
	c.cancelRead = cancel
	c.done = make(chan struct{})
	c.serverVAD = false
	c.input = newInputLedger(c.rate)
	go c.readLoop(readCtx, conn, c.events, c.stop, c.done)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events returns the inbound stream of the current connection. It is closed
// once the connection ends.
func (c *Client) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Close ends the connection and waits for the read loop. Closing a closed
// client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	stop, cancel, done := c.stop, c.cancelRead, c.done
	c.conn = nil
	c.input = newInputLedger(c.rate)
	c.mu.Unlock()

	close(stop)
	cancel()
	err := conn.Close()
	<-done
	return err
}

func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"instructions":        cfg.Instructions,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection":      turnDetection(cfg.ServerVAD),
		"tools":               cfg.Tools,
		"tool_choice":         "auto",
	}
	if cfg.Tools == nil {
		session["tools"] = []ToolDefinition{}
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]any{"model": cfg.TranscriptionModel}
	}
	if err := c.send(ctx, "session.update", map[string]any{"session": session}); err != nil {
		return err
	}
	c.mu.Lock()
	c.serverVAD = cfg.ServerVAD
	c.mu.Unlock()
	return nil
}

// UpdateTurnDetection switches between agent-detected and client-bracketed turns.
func (c *Client) UpdateTurnDetection(ctx context.Context, serverVAD bool) error {
	payload := map[string]any{"session": map[string]any{"turn_detection": turnDetection(serverVAD)}}
	if err := c.send(ctx, "session.update", payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.serverVAD = serverVAD
	c.mu.Unlock()
	return nil
}

func turnDetection(serverVAD bool) any {
	if !serverVAD {
		return nil
	}
	return map[string]any{"type": "server_vad"}
}

func (c *Client) ServerVAD() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVAD
}

// AppendInputAudio streams user audio. Callers must append in capture order.
func (c *Client) AppendInputAudio(ctx context.Context, buf audio.Buffer) error {
	if buf.Empty() {
		return nil
	}
	if buf.SampleRate() != c.rate {
		buf = audio.Resample(buf, c.rate)
	}
	// The ledger is updated before the write so the agent's commit can never
	// overtake the audio it covers.
	c.mu.Lock()
	c.input.append(buf.Samples())
	c.mu.Unlock()
	return c.send(ctx, "input_audio_buffer.append", map[string]any{"audio": buf.Base64()})
}

// CreateResponse asks the agent to respond. With client-bracketed turns any
// pending input audio is committed first.
func (c *Client) CreateResponse(ctx context.Context) error {
	c.mu.Lock()
	commit := !c.serverVAD && c.input.pending() > 0
	if commit {
		c.input.commitLocal()
	}
	c.mu.Unlock()
	if commit {
		if err := c.send(ctx, "input_audio_buffer.commit", map[string]any{}); err != nil {
			return err
		}
	}
	return c.send(ctx, "response.create", map[string]any{})
}

// CancelResponse stops the in-flight response and, when itemID is set,
// truncates that item to the audio the user actually heard.
func (c *Client) CancelResponse(ctx context.Context, itemID string, samplesPlayed int) error {
	if err := c.send(ctx, "response.cancel", map[string]any{}); err != nil {
		return err
	}
	if itemID == "" {
		return nil
	}
	return c.send(ctx, "conversation.item.truncate", map[string]any{
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audio.SamplesToMillis(samplesPlayed, c.rate),
	})
}

// SendUserText adds a user text message and requests a response.
func (c *Client) SendUserText(ctx context.Context, text string) error {
	item := WireItem{
		Type:    ItemMessage,
		Role:    RoleUser,
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
	if err := c.send(ctx, "conversation.item.create", map[string]any{"item": item}); err != nil {
		return err
	}
	return c.CreateResponse(ctx)
}

func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.send(ctx, "conversation.item.delete", map[string]any{"item_id": itemID})
}

// SendToolResult returns a function call output and lets the agent continue.
func (c *Client) SendToolResult(ctx context.Context, callID string, output []byte) error {
	item := WireItem{Type: ItemFunctionCallOutput, CallID: callID, Output: string(output)}
	if err := c.send(ctx, "conversation.item.create", map[string]any{"item": item}); err != nil {
		return err
	}
	return c.send(ctx, "response.create", map[string]any{})
}

func (c *Client) send(ctx context.Context, eventType string, fields map[string]any) error {
	fields["type"] = eventType
	fields["event_id"] = "evt_" + uuid.NewString()
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(ctx, raw); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrChannel, eventType, err)
	}
	c.observe(SourceLocal, eventType, raw)
	return nil
}

func (c *Client) observe(source Source, eventType string, raw []byte) {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn != nil {
		fn(source, eventType, raw)
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, events chan<- Event, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(events)
	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.logger.Warn("realtime read failed", zap.Error(err))
			deliver(events, stop, TransportError{
				Meta: Meta{Type: "transport.error"},
				Err:  fmt.Errorf("%w: %v", ErrChannel, err),
			})
			return
		}

		ev, err := decodeServerEvent(raw, c.rate)
		if err != nil {
			c.logger.Warn("dropping undecodable realtime event", zap.Error(err))
			continue
		}
		c.observe(SourceRemote, ev.EventType(), raw)
		if !deliver(events, stop, c.track(ev)) {
			return
		}
	}
}

func deliver(events chan<- Event, stop <-chan struct{}, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-stop:
		return false
	}
}

// track keeps the local copy of input audio aligned with the agent's commits.
func (c *Client) track(ev Event) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case SpeechStarted:
		c.input.speechStart = e.AudioStartMs
	case SpeechStopped:
		c.input.speechEnd = e.AudioEndMs
	case InputAudioCommitted:
		e.Audio = audio.NewBuffer(c.input.take(), c.rate)
		return e
	}
	return ev
}

// inputLedger retains user audio between commits so a committed user item can
// carry the audio it was built from.
type inputLedger struct {
	rate        int
	uncommitted []int16
	// offset is the stream position, in samples, of uncommitted[0].
	offset      int
	committed   [][]int16
	speechStart int
	speechEnd   int
}

func newInputLedger(rate int) inputLedger {
	return inputLedger{rate: rate, speechStart: -1, speechEnd: -1}
}

func (l *inputLedger) append(samples []int16) { l.uncommitted = append(l.uncommitted, samples...) }
func (l *inputLedger) pending() int           { return len(l.uncommitted) }

func (l *inputLedger) commitLocal() {
	l.committed = append(l.committed, l.uncommitted)
	l.offset += len(l.uncommitted)
	l.uncommitted = nil
}

func (l *inputLedger) take() []int16 {
	if len(l.committed) > 0 {
		out := l.committed[0]
		l.committed = l.committed[1:]
		return out
	}

	start, end := 0, len(l.uncommitted)
	if l.speechStart >= 0 {
		start = clamp(audio.MillisToSamples(l.speechStart, l.rate)-l.offset, 0, end)
	}
	if l.speechEnd >= 0 {
		end = clamp(audio.MillisToSamples(l.speechEnd, l.rate)-l.offset, start, end)
	}
	out := make([]int16, end-start)
	copy(out, l.uncommitted[start:end])

	l.uncommitted = append([]int16(nil), l.uncommitted[end:]...)
	l.offset += end
	l.speechStart, l.speechEnd = -1, -1
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
