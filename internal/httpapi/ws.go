package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/protocol"
	"github.com/ent0n29/ordervoice/internal/realtime"
	"github.com/ent0n29/ordervoice/internal/session"
	"github.com/ent0n29/ordervoice/internal/turn"
)

const (
	frequencyInterval = 100 * time.Millisecond
	writeTimeout      = 10 * time.Second
	readTimeout       = 120 * time.Second
)

// handleSessionWS streams session notifications to a UI and applies the
// client_control messages it sends. Closing the socket leaves the session
// running; it ends through POST /end or inactivity.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	sessionID := voice.ID()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	logger := s.logger.With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	notes, unsubscribe := voice.Subscribe(0)
	defer unsubscribe()

	outbound := make(chan any, 256)
	var kind atomic.Value
	kind.Store(audio.KindFrequency)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(frequencyInterval)
		defer ticker.Stop()

		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("ws write failed", zap.Error(err))
				return false
			}
			return true
		}

		for _, msg := range snapshotMessages(voice) {
			if !write(msg) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notes:
				if !ok {
					return
				}
				msg := notificationMessage(sessionID, voice, n)
				if msg == nil {
					continue
				}
				if !write(msg) {
					return
				}
			case msg := <-outbound:
				if !write(msg) {
					return
				}
			case <-ticker.C:
				if voice.State() != session.StateActive {
					continue
				}
				k := kind.Load().(audio.AnalysisKind)
				spec := voice.Frequencies(k)
				if !write(protocol.Frequencies{
					Type:      protocol.TypeFrequencies,
					SessionID: sessionID,
					Kind:      string(k),
					Values:    spec.Values,
					Labels:    spec.Labels,
				}) {
					return
				}
			}
		}
	}()

	queue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			logger.Warn("ws outbound queue full, dropping message")
		}
	}

	var pending sync.WaitGroup
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(sessionID)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(errorEvent(sessionID, "invalid_client_message", "gateway", err))
			continue
		}
		control := parsed.(protocol.ClientControl)
		if control.SessionID != sessionID {
			queue(errorEvent(sessionID, "session_mismatch", "gateway",
				fmt.Errorf("control for %q sent on session %q", control.SessionID, sessionID)))
			continue
		}

		if control.Action == protocol.ActionAnalysis {
			kind.Store(audio.ParseAnalysisKind(control.Kind))
			continue
		}
		if control.Action == protocol.ActionConnect {
			// Connect runs apart from the read loop so a disconnect can cancel it.
			pending.Add(1)
			go func() {
				defer pending.Done()
				if err := s.applyControl(ctx, voice, control); err != nil {
					queue(errorEvent(sessionID, errorCode(err), "session", err))
				}
			}()
			continue
		}
		if err := s.applyControl(ctx, voice, control); err != nil {
			queue(errorEvent(sessionID, errorCode(err), "session", err))
		}
	}

	cancel()
	pending.Wait()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) applyControl(ctx context.Context, voice *session.Manager, control protocol.ClientControl) error {
	switch control.Action {
	case protocol.ActionConnect:
		// The session outlives this socket's context once connected.
		if err := voice.Connect(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
		return nil
	case protocol.ActionDisconnect:
		if err := voice.Disconnect(); err != nil {
			return err
		}
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
		return nil
	case protocol.ActionStartTurn:
		return voice.StartTurn(ctx)
	case protocol.ActionEndTurn:
		return voice.EndTurn(ctx)
	case protocol.ActionSetMode:
		mode, err := turn.ParseMode(control.Mode)
		if err != nil {
			return err
		}
		return voice.SetMode(ctx, mode)
	case protocol.ActionDeleteItem:
		return voice.DeleteItem(ctx, control.ItemID)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrInvalidControl, control.Action)
	}
}

// snapshotMessages is what a UI needs to render a session it just attached to.
func snapshotMessages(voice *session.Manager) []any {
	msgs := []any{stateMessage(voice.ID(), voice)}
	for _, item := range voice.Items() {
		msgs = append(msgs, protocol.ConversationItem{
			Type:      protocol.TypeConversationItem,
			SessionID: voice.ID(),
			Item:      item,
		})
	}
	return msgs
}

func stateMessage(sessionID string, voice *session.Manager) protocol.SessionState {
	msg := protocol.SessionState{
		Type:      protocol.TypeSessionState,
		SessionID: sessionID,
		State:     string(voice.State()),
		TurnMode:  string(voice.Mode()),
	}
	if err := voice.LastError(); err != nil {
		msg.LastError = err.Error()
	}
	return msg
}

func notificationMessage(sessionID string, voice *session.Manager, n session.Notification) any {
	switch n.Kind {
	case session.NotifyState:
		msg := stateMessage(sessionID, voice)
		msg.State = string(n.State)
		return msg
	case session.NotifyItem:
		if n.Item == nil {
			return nil
		}
		return protocol.ConversationItem{Type: protocol.TypeConversationItem, SessionID: sessionID, Item: *n.Item}
	case session.NotifyItemRemoved:
		return protocol.ItemRemoved{Type: protocol.TypeItemRemoved, SessionID: sessionID, ItemID: n.ItemID}
	case session.NotifyEvent:
		if n.Entry == nil {
			return nil
		}
		return protocol.RealtimeEvent{Type: protocol.TypeRealtimeEvent, SessionID: sessionID, Entry: *n.Entry}
	case session.NotifyError:
		return errorEvent(sessionID, errorCode(n.Err), "agent", n.Err)
	case session.NotifyTool:
		if n.Tool == nil {
			return nil
		}
		msg := protocol.ToolResult{
			Type:      protocol.TypeToolResult,
			SessionID: sessionID,
			CallID:    n.Tool.CallID,
			Name:      n.Tool.Name,
			Output:    n.Tool.Output,
		}
		if n.Tool.Err != nil {
			msg.Error = n.Tool.Err.Error()
		}
		return msg
	default:
		return nil
	}
}

func errorEvent(sessionID, code, source string, err error) protocol.ErrorEvent {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	retryable := errors.Is(err, session.ErrConnectionFailed)
	var agentErr realtime.ServerError
	if errors.As(err, &agentErr) {
		retryable = agentErr.Retryable
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, session.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, turn.ErrWrongMode),
		errors.Is(err, turn.ErrTurnInProgress),
		errors.Is(err, turn.ErrNoActiveTurn),
		errors.Is(err, turn.ErrNotArmed):
		return "turn_rejected"
	case errors.Is(err, protocol.ErrInvalidControl):
		return "invalid_client_message"
	case errors.As(err, new(realtime.ServerError)):
		return "agent_error"
	default:
		return "session_error"
	}
}
