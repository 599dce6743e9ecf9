package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/conversation"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/orders"
	"github.com/ent0n29/ordervoice/internal/realtime"
	"github.com/ent0n29/ordervoice/internal/tools"
	"github.com/ent0n29/ordervoice/internal/turn"
)

const shawarmaOrder = `{"items":[{"name":"Beef Shawarma","quantity":2,"price":12.99}]}`

func newTestManager(t *testing.T, dev device.Provider, dialer realtime.Dialer, cfg Config) *Manager {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "sess-test"
	}
	m := NewManager(dev, dialer, cfg)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func waitTool(t *testing.T, notes <-chan Notification) tools.Result {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-notes:
			if n.Kind == NotifyTool {
				return *n.Tool
			}
		case <-deadline:
			t.Fatal("no tool result notification")
		}
	}
}

func firstItem(items []conversation.Item, match func(conversation.Item) bool) (conversation.Item, bool) {
	for _, it := range items {
		if match(it) {
			return it, true
		}
	}
	return conversation.Item{}, false
}

func TestOrderPlacedByVoice(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{
		Speed:  10,
		Source: device.ToneSource(300, audio.DefaultSampleRate, 3000),
	})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{
		VADChunks: 5,
		Calls:     []realtime.MockCall{{Name: tools.OrderToolName, Arguments: shawarmaOrder}},
	})
	placed := orders.NewInMemoryStore()
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{
		ID:       "sess-1",
		TurnMode: turn.ModeContinuous,
		Orders:   placed,
	})
	notes, unsubscribe := m.Subscribe(4096)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	require.Equal(t, StateActive, m.State())
	assert.True(t, dev.InputHeld())
	assert.True(t, dev.OutputHeld())

	res := waitTool(t, notes)
	require.NoError(t, res.Err)
	var ack orders.Ack
	require.NoError(t, json.Unmarshal(res.Output, &ack))
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.OrderID)

	got, err := placed.SessionOrders(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2598, orders.Cents(got[0].TotalAmount))
	assert.Equal(t, ack.OrderID, got[0].ID)

	require.Eventually(t, func() bool {
		out, ok := agent.Output(res.CallID)
		return ok && out == string(res.Output)
	}, 2*time.Second, 5*time.Millisecond, "tool output never reached the agent")
	assert.Equal(t, StateActive, m.State())
	assert.NoError(t, m.LastError())

	items := m.Items()
	user, ok := firstItem(items, func(it conversation.Item) bool { return it.Role == conversation.RoleUser })
	require.True(t, ok)
	assert.Equal(t, 500, user.Formatted.AudioMs, "five 100 ms chunks form the first utterance")
	call, ok := firstItem(items, func(it conversation.Item) bool { return it.Formatted.Tool != nil })
	require.True(t, ok)
	assert.Equal(t, tools.OrderToolName, call.Formatted.Tool.Name)
	assert.NotEmpty(t, m.Events())

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, dev.InputHeld())
	assert.False(t, dev.OutputHeld())
	assert.Empty(t, m.Items())
	assert.Empty(t, m.Events())

	require.NoError(t, m.Disconnect(), "disconnecting an idle session is a no-op")
	assert.Equal(t, StateIdle, m.State())
}

func TestUnknownToolKeepsSessionActive(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{Speed: 10})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{
		VADChunks: 2,
		Calls:     []realtime.MockCall{{Name: "brew_coffee", Arguments: `{}`}},
	})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{Orders: orders.NewInMemoryStore()})
	notes, unsubscribe := m.Subscribe(4096)
	defer unsubscribe()
	require.NoError(t, m.Connect(context.Background()))

	res := waitTool(t, notes)
	require.ErrorIs(t, res.Err, tools.ErrUnknownTool)
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &body))
	assert.Contains(t, body["error"], "brew_coffee")

	require.Eventually(t, func() bool {
		_, ok := agent.Output(res.CallID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, m.State())
	assert.NoError(t, m.LastError())
}

func TestConnectFailureReleasesEverything(t *testing.T) {
	ctx := context.Background()

	t.Run("output unavailable", func(t *testing.T) {
		dev := device.NewVirtual(device.VirtualConfig{NoOutput: true})
		m := newTestManager(t, dev, realtime.LoopbackDialer{}, Config{})
		err := m.Connect(ctx)
		require.ErrorIs(t, err, ErrConnectionFailed)
		require.ErrorIs(t, err, device.ErrUnavailable)
		assert.False(t, dev.InputHeld())
		assert.Equal(t, StateIdle, m.State())
		assert.ErrorIs(t, m.LastError(), ErrConnectionFailed)
	})

	t.Run("output busy", func(t *testing.T) {
		dev := device.NewVirtual(device.VirtualConfig{})
		other, err := dev.OpenOutput(ctx, device.Format{})
		require.NoError(t, err)
		defer other.Close()

		m := newTestManager(t, dev, realtime.LoopbackDialer{}, Config{})
		err = m.Connect(ctx)
		require.ErrorIs(t, err, ErrConnectionFailed)
		require.ErrorIs(t, err, device.ErrBusy)
		assert.False(t, dev.InputHeld())
		assert.Equal(t, StateIdle, m.State())
	})

	t.Run("dial refused", func(t *testing.T) {
		boom := errors.New("handshake refused")
		dev := device.NewVirtual(device.VirtualConfig{})
		m := newTestManager(t, dev, realtime.LoopbackDialer{Err: boom}, Config{})
		err := m.Connect(ctx)
		require.ErrorIs(t, err, ErrConnectionFailed)
		require.ErrorIs(t, err, boom)
		assert.False(t, dev.InputHeld())
		assert.False(t, dev.OutputHeld())
	})
}

func TestDisconnectCancelsConnectInFlight(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Delay: 5 * time.Second}, Config{})

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, time.Millisecond)

	started := time.Now()
	require.NoError(t, m.Disconnect())
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, StateIdle, m.State())

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectionFailed)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.False(t, dev.InputHeld())
	assert.False(t, dev.OutputHeld())
}

func TestInterruptionTruncatesToWhatWasHeard(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{ReplyMillis: 3000})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{
		TurnMode: turn.ModeManual,
		Greeting: "Hello",
	})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	// Let the spoken greeting reply play for a moment.
	require.Eventually(t, func() bool { return len(dev.Rendered()) >= 4800 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.StartTurn(ctx))
	heard := len(dev.Rendered())
	heardMs := audio.SamplesToMillis(heard, audio.DefaultSampleRate)
	assert.Less(t, heardMs, 3000)

	require.Eventually(t, func() bool {
		received := agent.Received()
		i := slices.Index(received, "response.cancel")
		return i >= 0 && slices.Contains(received[i:], "conversation.item.truncate")
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		reply, ok := firstItem(m.Items(), func(it conversation.Item) bool { return it.Role == conversation.RoleAssistant })
		return ok && reply.Formatted.AudioMs == heardMs && reply.Formatted.Transcript == ""
	}, time.Second, 5*time.Millisecond, "assistant item not truncated to %d ms", heardMs)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, dev.Rendered(), heard, "interrupted track stays silent")

	require.Eventually(t, func() bool {
		return slices.Contains(agent.Received(), "input_audio_buffer.append")
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.EndTurn(ctx))
	require.Eventually(t, func() bool {
		return slices.Contains(agent.Received(), "input_audio_buffer.commit")
	}, time.Second, 5*time.Millisecond)
}

func TestOperationsRespectState(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{Speed: 10})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{TurnMode: turn.ModeContinuous})
	ctx := context.Background()

	assert.ErrorIs(t, m.StartTurn(ctx), ErrInvalidStateTransition)
	assert.ErrorIs(t, m.EndTurn(ctx), ErrInvalidStateTransition)
	assert.ErrorIs(t, m.DeleteItem(ctx, "x"), ErrInvalidStateTransition)

	require.NoError(t, m.SetMode(ctx, turn.ModeManual), "idle sessions remember the mode")
	assert.Equal(t, turn.ModeManual, m.Mode())
	require.NoError(t, m.SetMode(ctx, turn.ModeContinuous))

	require.NoError(t, m.Connect(ctx))
	assert.ErrorIs(t, m.Connect(ctx), ErrInvalidStateTransition)
	assert.ErrorIs(t, m.StartTurn(ctx), turn.ErrWrongMode)

	require.NoError(t, m.SetMode(ctx, turn.ModeManual))
	assert.Equal(t, turn.ModeManual, m.Mode())
	require.NoError(t, m.StartTurn(ctx))
	assert.ErrorIs(t, m.SetMode(ctx, turn.ModeContinuous), turn.ErrTurnInProgress)
	require.NoError(t, m.EndTurn(ctx))
}

func TestDeleteItemForgetsRemotely(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{
		TurnMode: turn.ModeManual,
		Greeting: "Hi there",
	})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	var greeting conversation.Item
	require.Eventually(t, func() bool {
		it, ok := firstItem(m.Items(), func(it conversation.Item) bool { return it.Formatted.Text == "Hi there" })
		greeting = it
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.DeleteItem(ctx, greeting.ID))
	_, err := m.Item(greeting.ID)
	assert.ErrorIs(t, err, conversation.ErrItemNotFound)
	require.Eventually(t, func() bool {
		return slices.Contains(agent.Received(), "conversation.item.delete")
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.DeleteItem(ctx, greeting.ID), conversation.ErrItemNotFound)
}

// scriptedRemote hands the far end of each dialed connection to the test.
func scriptedRemote() (realtime.LoopbackDialer, <-chan realtime.Conn) {
	remotes := make(chan realtime.Conn, 1)
	return realtime.LoopbackDialer{Serve: func(remote realtime.Conn) { remotes <- remote }}, remotes
}

func TestChannelErrorsAreSurfacedWithoutDisconnecting(t *testing.T) {
	dialer, remotes := scriptedRemote()
	dev := device.NewVirtual(device.VirtualConfig{})
	m := newTestManager(t, dev, dialer, Config{TurnMode: turn.ModeManual})
	notes, unsubscribe := m.Subscribe(256)
	defer unsubscribe()
	require.NoError(t, m.Connect(context.Background()))
	remote := <-remotes

	raw, err := json.Marshal(map[string]any{"type": "error", "error": map[string]any{
		"type": "invalid_request_error", "code": "bad_tool", "message": "tool schema rejected",
	}})
	require.NoError(t, err)
	require.NoError(t, remote.WriteMessage(context.Background(), raw))

	require.Eventually(t, func() bool {
		var serr realtime.ServerError
		return errors.As(m.LastError(), &serr) && serr.Code == "bad_tool"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, m.State())

	require.NoError(t, remote.Close())
	require.Eventually(t, func() bool { return errors.Is(m.LastError(), realtime.ErrChannel) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, m.State(), "no automatic reconnect or teardown")

	var sawError bool
	for len(notes) > 0 {
		if n := <-notes; n.Kind == NotifyError {
			sawError = true
		}
	}
	assert.True(t, sawError)

	require.NoError(t, m.Disconnect())
	assert.False(t, dev.InputHeld())
	assert.False(t, dev.OutputHeld())
}

func TestEventsCollapseAndNotify(t *testing.T) {
	dev := device.NewVirtual(device.VirtualConfig{Speed: 10})
	agent := realtime.NewMockAgent(realtime.MockAgentConfig{VADChunks: 50})
	m := newTestManager(t, dev, realtime.LoopbackDialer{Serve: agent.Serve}, Config{TurnMode: turn.ModeContinuous})
	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		for _, e := range m.Events() {
			if e.Type == "input_audio_buffer.append" && e.Count >= 3 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	entries := m.Events()
	for i := 1; i < len(entries); i++ {
		assert.NotEqual(t, entries[i-1].Type, entries[i].Type)
	}
	assert.Equal(t, "session.update", entries[0].Type)
	assert.Equal(t, realtime.SourceLocal, entries[0].Source)
}
