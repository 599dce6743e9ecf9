package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/ordervoice/internal/conversation"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"

	TypeSessionState     MessageType = "session_state"
	TypeConversationItem MessageType = "conversation_item"
	TypeItemRemoved      MessageType = "conversation_item_removed"
	TypeRealtimeEvent    MessageType = "realtime_event"
	TypeToolResult       MessageType = "tool_result"
	TypeFrequencies      MessageType = "frequencies"
	TypeErrorEvent       MessageType = "error_event"
)

// Actions accepted in a client_control message.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionStartTurn  = "start_turn"
	ActionEndTurn    = "end_turn"
	ActionSetMode    = "set_mode"
	ActionDeleteItem = "delete_item"
	ActionAnalysis   = "analysis"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidControl  = errors.New("invalid client_control")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl drives a session from the UI. Mode, ItemID and Kind are only
// read by the actions that need them.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Mode      string      `json:"mode,omitempty"`
	ItemID    string      `json:"item_id,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type SessionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	TurnMode  string      `json:"turn_mode"`
	LastError string      `json:"last_error,omitempty"`
}

type ConversationItem struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Item      conversation.Item `json:"item"`
}

type ItemRemoved struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ItemID    string      `json:"item_id"`
}

type RealtimeEvent struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"session_id"`
	Entry     conversation.Entry `json:"entry"`
}

type ToolResult struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error,omitempty"`
}

type Frequencies struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"`
	Values    []float64   `json:"values"`
	Labels    []string    `json:"labels,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateControl(msg ClientControl) error {
	if msg.SessionID == "" || msg.Action == "" {
		return ErrInvalidControl
	}
	switch msg.Action {
	case ActionConnect, ActionDisconnect, ActionStartTurn, ActionEndTurn:
		return nil
	case ActionSetMode:
		if msg.Mode == "" {
			return fmt.Errorf("%w: set_mode needs a mode", ErrInvalidControl)
		}
	case ActionDeleteItem:
		if msg.ItemID == "" {
			return fmt.Errorf("%w: delete_item needs an item_id", ErrInvalidControl)
		}
	case ActionAnalysis:
		if msg.Kind == "" {
			return fmt.Errorf("%w: analysis needs a kind", ErrInvalidControl)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidControl, msg.Action)
	}
	return nil
}
