package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrChannel marks a transport fault on an established channel.
	ErrChannel      = errors.New("realtime channel error")
	ErrNotConnected = errors.New("realtime channel not connected")
	ErrConnClosed   = errors.New("realtime connection closed")
)

// Conn is one message-oriented connection to the agent. Implementations must
// allow one concurrent reader alongside one concurrent writer.
type Conn interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

const (
	DefaultURL          = "wss://api.openai.com/v1/realtime"
	DefaultModel        = "gpt-4o-realtime-preview"
	DefaultWriteTimeout = 10 * time.Second
)

type WebSocketDialer struct {
	URL    string
	Model  string
	APIKey string
	// WriteTimeout bounds every write. Zero means DefaultWriteTimeout.
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	base := strings.TrimSpace(d.URL)
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	model := strings.TrimSpace(d.Model)
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: timeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// WriteMessage gives up after the write timeout or at ctx's deadline,
// whichever is sooner. Cancelling ctx interrupts a blocked write.
func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	// The underlying net.Conn accepts deadline changes from any goroutine.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.UnderlyingConn().SetWriteDeadline(time.Now())
	})
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	if !stop() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ReadMessage blocks until a message arrives. Close unblocks it; ctx is only
// checked before reading.
func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run alongside a blocked WriteMessage.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	shared := &pipeState{closed: make(chan struct{})}
	return &pipeConn{in: ba, out: ab, state: shared}, &pipeConn{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (c *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.state.closed:
		return ErrConnClosed
	default:
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case <-c.state.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- msg:
		return nil
	}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-c.state.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-c.in:
		return msg, nil
	}
}

func (c *pipeConn) Close() error {
	c.state.once.Do(func() { close(c.state.closed) })
	return nil
}

// LoopbackDialer connects to an in-process agent. Serve runs on its own
// goroutine with the far end of every dialed connection.
type LoopbackDialer struct {
	Serve func(remote Conn)
	// Delay simulates a slow handshake.
	Delay time.Duration
	// Err, when set, fails every dial.
	Err error
}

func (d LoopbackDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	local, remote := Pipe()
	if d.Serve != nil {
		go d.Serve(remote)
	}
	return local, nil
}
