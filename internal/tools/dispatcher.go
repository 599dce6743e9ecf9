package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/policy"
)

var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrDispatcherClosed    = errors.New("tool dispatcher closed")
)

// Definition describes a tool to the agent. Parameters is a JSON schema object.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler runs a tool. Its return value is JSON-encoded and forwarded as is.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Call is a tool invocation requested by the agent.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of a call. Output is always valid JSON; on failure it
// is an {"error": "..."} object and Err says why.
type Result struct {
	CallID string
	Name   string
	Output json.RawMessage
	Err    error
}

type Tool struct {
	Definition Definition
	Handler    Handler
}

// Dispatcher maps tool calls to registered handlers. Dispatch runs each
// handler on its own goroutine; Close cancels and waits for them.
type Dispatcher struct {
	logger  *zap.Logger
	observe func(name string, d time.Duration, err error)

	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver is called after every invocation, successful or not.
func WithObserver(fn func(name string, d time.Duration, err error)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

func NewDispatcher(opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger: zap.NewNop(),
		tools:  make(map[string]Tool),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a tool, replacing any tool with the same name.
func (d *Dispatcher) Register(def Definition, h Handler) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	def.Name = name

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; !exists {
		d.order = append(d.order, name)
	}
	d.tools[name] = Tool{Definition: def, Handler: h}
	return nil
}

func (d *Dispatcher) RegisterAll(tools []Tool) error {
	for _, t := range tools {
		if err := d.Register(t.Definition, t.Handler); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) Unregister(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tools[name]; !ok {
		return false
	}
	delete(d.tools, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Definitions lists registered tools in registration order.
func (d *Dispatcher) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name].Definition)
	}
	return out
}

// Invoke runs the call synchronously.
func (d *Dispatcher) Invoke(ctx context.Context, call Call) Result {
	started := time.Now()
	res := d.invoke(ctx, call)
	if d.observe != nil {
		d.observe(call.Name, time.Since(started), res.Err)
	}
	if res.Err != nil {
		args, _ := policy.Redact(call.Arguments)
		d.logger.Warn("tool call failed",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.String("arguments", args),
			zap.Error(res.Err),
		)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, call Call) (res Result) {
	res = Result{CallID: call.ID, Name: call.Name}

	d.mu.RLock()
	tool, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		return failed(res, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name))
	}

	args, err := parseArguments(call.Arguments, tool.Definition.Parameters)
	if err != nil {
		return failed(res, fmt.Errorf("%w: %v", ErrToolExecutionFailed, err))
	}

	defer func() {
		if r := recover(); r != nil {
			res = failed(Result{CallID: call.ID, Name: call.Name}, fmt.Errorf("%w: panic: %v", ErrToolExecutionFailed, r))
		}
	}()
	out, err := tool.Handler(ctx, args)
	if err != nil {
		return failed(res, fmt.Errorf("%w: %w", ErrToolExecutionFailed, err))
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return failed(res, fmt.Errorf("%w: encode output: %v", ErrToolExecutionFailed, err))
	}
	res.Output = encoded
	return res
}

func failed(res Result, err error) Result {
	res.Err = err
	res.Output, _ = json.Marshal(map[string]string{"error": err.Error()})
	return res
}

// Dispatch runs the call on its own goroutine and hands the result to
// respond. The handler context is cancelled by Close.
func (d *Dispatcher) Dispatch(call Call, respond func(Result)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		res := d.Invoke(d.ctx, call)
		if respond != nil {
			respond(res)
		}
	}()
	return nil
}

// Close cancels in-flight handlers, waits for them and drops every tool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.tools = make(map[string]Tool)
	d.order = nil
	d.mu.Unlock()
}

// parseArguments checks that raw is a JSON object carrying every key the
// schema marks as required.
func parseArguments(raw string, schema map[string]any) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	required, _ := schema["required"].([]string)
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("missing required argument %q", key)
		}
	}
	return json.RawMessage(raw), nil
}
