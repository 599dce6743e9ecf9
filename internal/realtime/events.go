package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/reliability"
)

// Source tells whether an event was sent by this client or received from the agent.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Item types and roles used on the wire.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// WireItem is a conversation item as the agent describes it.
type WireItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// Event is the closed set of inbound events delivered by Client.Events.
type Event interface {
	EventType() string
	isEvent()
}

// Meta carries the envelope fields shared by every inbound event.
type Meta struct {
	Type    string
	EventID string
}

func (m Meta) EventType() string { return m.Type }
func (Meta) isEvent()            {}

type ItemCreated struct {
	Meta
	PreviousItemID string
	Item           WireItem
}

type ItemCompleted struct {
	Meta
	Item WireItem
}

// ToolCallRequested is a completed function_call item; Item carries the call
// id, the tool name and the full argument string.
type ToolCallRequested struct {
	Meta
	Item WireItem
}

type AudioDelta struct {
	Meta
	ItemID       string
	ContentIndex int
	Audio        audio.Buffer
}

type TranscriptDelta struct {
	Meta
	ItemID       string
	ContentIndex int
	Delta        string
}

type TextDelta struct {
	Meta
	ItemID       string
	ContentIndex int
	Delta        string
}

type InputTranscriptCompleted struct {
	Meta
	ItemID       string
	ContentIndex int
	Transcript   string
}

// InputAudioCommitted reports that the agent accepted buffered user audio as
// an item. Audio is the locally retained copy of what was sent.
type InputAudioCommitted struct {
	Meta
	ItemID string
	Audio  audio.Buffer
}

type ArgumentsDelta struct {
	Meta
	ItemID string
	CallID string
	Delta  string
}

// SpeechStarted is the agent's voice activity signal. While assistant audio
// is playing it means the user is talking over it.
type SpeechStarted struct {
	Meta
	ItemID       string
	AudioStartMs int
}

type SpeechStopped struct {
	Meta
	ItemID     string
	AudioEndMs int
}

type ItemTruncated struct {
	Meta
	ItemID       string
	ContentIndex int
	AudioEndMs   int
}

type ItemDeleted struct {
	Meta
	ItemID string
}

type ResponseDone struct {
	Meta
	ResponseID string
	Status     string
}

type ServerError struct {
	Meta
	Code      string
	Kind      string
	Message   string
	Retryable bool
}

func (e ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Kind, e.Message)
}

// TransportError is the last event on a connection whose transport failed.
type TransportError struct {
	Meta
	Err error
}

// Other is any server event without a dedicated variant.
type Other struct {
	Meta
}

func decodeInto[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

type itemRef struct {
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	CallID       string `json:"call_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	AudioStartMs int    `json:"audio_start_ms"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

var itemRefEvents = map[string]struct{}{
	"response.audio.delta":                                  {},
	"response.audio_transcript.delta":                       {},
	"response.text.delta":                                   {},
	"conversation.item.input_audio_transcription.completed": {},
	"input_audio_buffer.committed":                          {},
	"response.function_call_arguments.delta":                {},
	"input_audio_buffer.speech_started":                     {},
	"input_audio_buffer.speech_stopped":                     {},
	"conversation.item.truncated":                           {},
	"conversation.item.deleted":                             {},
}

func decodeServerEvent(raw []byte, sampleRate int) (Event, error) {
	env, err := decodeInto[struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}](raw)
	if err != nil {
		return nil, fmt.Errorf("decode realtime envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode realtime envelope: missing type")
	}
	meta := Meta{Type: env.Type, EventID: env.EventID}

	switch env.Type {
	case "conversation.item.created":
		p, err := decodeInto[struct {
			PreviousItemID string   `json:"previous_item_id"`
			Item           WireItem `json:"item"`
		}](raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ItemCreated{Meta: meta, PreviousItemID: p.PreviousItemID, Item: p.Item}, nil
	case "response.output_item.done":
		p, err := decodeInto[struct {
			Item WireItem `json:"item"`
		}](raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.Item.Type == ItemFunctionCall {
			return ToolCallRequested{Meta: meta, Item: p.Item}, nil
		}
		return ItemCompleted{Meta: meta, Item: p.Item}, nil
	case "response.done":
		p, err := decodeInto[struct {
			Response struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"response"`
		}](raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ResponseDone{Meta: meta, ResponseID: p.Response.ID, Status: p.Response.Status}, nil
	case "error":
		p, err := decodeInto[struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}](raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ServerError{
			Meta:      meta,
			Code:      p.Error.Code,
			Kind:      p.Error.Type,
			Message:   p.Error.Message,
			Retryable: reliability.IsRetryableAgentError(p.Error.Code),
		}, nil
	}

	if _, ok := itemRefEvents[env.Type]; !ok {
		return Other{Meta: meta}, nil
	}

	ref, err := decodeInto[itemRef](raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	switch env.Type {
	case "response.audio.delta":
		buf, err := audio.FromBase64(ref.Delta, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return AudioDelta{Meta: meta, ItemID: ref.ItemID, ContentIndex: ref.ContentIndex, Audio: buf}, nil
	case "response.audio_transcript.delta":
		return TranscriptDelta{Meta: meta, ItemID: ref.ItemID, ContentIndex: ref.ContentIndex, Delta: ref.Delta}, nil
	case "response.text.delta":
		return TextDelta{Meta: meta, ItemID: ref.ItemID, ContentIndex: ref.ContentIndex, Delta: ref.Delta}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptCompleted{Meta: meta, ItemID: ref.ItemID, ContentIndex: ref.ContentIndex, Transcript: ref.Transcript}, nil
	case "input_audio_buffer.committed":
		return InputAudioCommitted{Meta: meta, ItemID: ref.ItemID}, nil
	case "response.function_call_arguments.delta":
		return ArgumentsDelta{Meta: meta, ItemID: ref.ItemID, CallID: ref.CallID, Delta: ref.Delta}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{Meta: meta, ItemID: ref.ItemID, AudioStartMs: ref.AudioStartMs}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{Meta: meta, ItemID: ref.ItemID, AudioEndMs: ref.AudioEndMs}, nil
	case "conversation.item.truncated":
		return ItemTruncated{Meta: meta, ItemID: ref.ItemID, ContentIndex: ref.ContentIndex, AudioEndMs: ref.AudioEndMs}, nil
	case "conversation.item.deleted":
		return ItemDeleted{Meta: meta, ItemID: ref.ItemID}, nil
	}
	return Other{Meta: meta}, nil
}
