package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/ordervoice/internal/audio"
)

// MockCall is a tool call the mock agent makes instead of speaking.
type MockCall struct {
	Name      string
	Arguments string
}

type MockAgentConfig struct {
	SampleRate int
	// Reply is spoken (as a tone with a matching transcript) for every response.
	Reply string
	// ReplyMillis is the length of the spoken reply. Zero means 300.
	ReplyMillis int
	// VADChunks is how many appended chunks form one utterance with server VAD.
	VADChunks int
	// Calls are issued, one per response, before the agent starts speaking.
	Calls []MockCall
}

// MockAgent is a scripted stand-in for the remote agent. It answers the
// client protocol with plausible server events so the service can run
// without network access.
type MockAgent struct {
	cfg MockAgentConfig

	mu        sync.Mutex
	received  []string
	outputs   map[string]string
	calls     []MockCall
	serverVAD bool
	chunks    int
	appended  int
	speechID  string
}

func NewMockAgent(cfg MockAgentConfig) *MockAgent {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Reply == "" {
		cfg.Reply = "Thanks, what else can I get you?"
	}
	if cfg.ReplyMillis <= 0 {
		cfg.ReplyMillis = 300
	}
	if cfg.VADChunks <= 0 {
		cfg.VADChunks = 5
	}
	return &MockAgent{
		cfg:     cfg,
		outputs: make(map[string]string),
		calls:   append([]MockCall(nil), cfg.Calls...),
	}
}

// Received lists the client event types seen so far, in order.
func (a *MockAgent) Received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

// Output returns the function_call_output the client sent for callID.
func (a *MockAgent) Output(callID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.outputs[callID]
	return out, ok
}

// Serve answers conn until it closes.
func (a *MockAgent) Serve(conn Conn) {
	ctx := context.Background()
	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type    string `json:"type"`
			Session struct {
				TurnDetection *struct {
					Type string `json:"type"`
				} `json:"turn_detection"`
			} `json:"session"`
			Item         WireItem `json:"item"`
			ItemID       string   `json:"item_id"`
			ContentIndex int      `json:"content_index"`
			AudioEndMs   int      `json:"audio_end_ms"`
			Audio        string   `json:"audio"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		a.mu.Lock()
		a.received = append(a.received, msg.Type)
		a.mu.Unlock()

		var out []map[string]any
		switch msg.Type {
		case "session.update":
			a.mu.Lock()
			if strings.Contains(string(raw), `"turn_detection"`) {
				a.serverVAD = msg.Session.TurnDetection != nil
			}
			a.mu.Unlock()
			out = append(out, event("session.updated", nil))
		case "input_audio_buffer.append":
			out = a.onAppend(msg.Audio)
		case "input_audio_buffer.commit":
			out = a.userTurn()
		case "conversation.item.create":
			item := msg.Item
			if item.ID == "" {
				item.ID = newItemID()
			}
			item.Status = "completed"
			if item.Type == ItemFunctionCallOutput {
				a.mu.Lock()
				a.outputs[item.CallID] = item.Output
				a.mu.Unlock()
			}
			out = append(out, event("conversation.item.created", map[string]any{"item": item}))
		case "response.create":
			out = a.respond()
		case "response.cancel":
			out = append(out, event("response.done", map[string]any{
				"response": map[string]any{"id": "resp_cancelled", "status": "cancelled"},
			}))
		case "conversation.item.truncate":
			out = append(out, event("conversation.item.truncated", map[string]any{
				"item_id":       msg.ItemID,
				"content_index": msg.ContentIndex,
				"audio_end_ms":  msg.AudioEndMs,
			}))
		case "conversation.item.delete":
			out = append(out, event("conversation.item.deleted", map[string]any{"item_id": msg.ItemID}))
		}

		for _, ev := range out {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(ctx, data); err != nil {
				return
			}
		}
	}
}

func (a *MockAgent) onAppend(b64 string) []map[string]any {
	buf, err := audio.FromBase64(b64, a.cfg.SampleRate)
	if err != nil {
		return []map[string]any{errorEvent("invalid_request_error", "invalid_audio", err.Error())}
	}

	a.mu.Lock()
	start := a.appended
	a.appended += buf.Len()
	a.chunks++
	vad, chunks, id := a.serverVAD, a.chunks, a.speechID
	a.mu.Unlock()
	if !vad {
		return nil
	}

	var out []map[string]any
	if chunks == 1 {
		id = newItemID()
		a.mu.Lock()
		a.speechID = id
		a.mu.Unlock()
		out = append(out, event("input_audio_buffer.speech_started", map[string]any{
			"item_id":        id,
			"audio_start_ms": audio.SamplesToMillis(start, a.cfg.SampleRate),
		}))
	}
	if chunks >= a.cfg.VADChunks {
		out = append(out, event("input_audio_buffer.speech_stopped", map[string]any{
			"item_id":      id,
			"audio_end_ms": audio.SamplesToMillis(start+buf.Len(), a.cfg.SampleRate),
		}))
		out = append(out, a.userTurnWithID(id)...)
		out = append(out, a.respond()...)
	}
	return out
}

func (a *MockAgent) userTurn() []map[string]any {
	return a.userTurnWithID(newItemID())
}

func (a *MockAgent) userTurnWithID(id string) []map[string]any {
	a.mu.Lock()
	a.chunks = 0
	a.speechID = ""
	a.mu.Unlock()
	item := WireItem{
		ID:      id,
		Type:    ItemMessage,
		Status:  "completed",
		Role:    RoleUser,
		Content: []ContentPart{{Type: "input_audio"}},
	}
	return []map[string]any{
		event("input_audio_buffer.committed", map[string]any{"item_id": id}),
		event("conversation.item.created", map[string]any{"item": item}),
		event("conversation.item.input_audio_transcription.completed", map[string]any{
			"item_id":       id,
			"content_index": 0,
			"transcript":    "(user audio)",
		}),
	}
}

func (a *MockAgent) respond() []map[string]any {
	respID := "resp_" + uuid.NewString()
	id := newItemID()

	a.mu.Lock()
	var call *MockCall
	if len(a.calls) > 0 {
		call = &a.calls[0]
		a.calls = a.calls[1:]
	}
	a.mu.Unlock()

	if call != nil {
		callID := "call_" + uuid.NewString()
		item := WireItem{ID: id, Type: ItemFunctionCall, Status: "in_progress", CallID: callID, Name: call.Name}
		done := item
		done.Status = "completed"
		done.Arguments = call.Arguments
		return []map[string]any{
			event("conversation.item.created", map[string]any{"item": item}),
			event("response.function_call_arguments.delta", map[string]any{
				"item_id": id,
				"call_id": callID,
				"delta":   call.Arguments,
			}),
			event("response.output_item.done", map[string]any{"response_id": respID, "item": done}),
			event("response.done", map[string]any{"response": map[string]any{"id": respID, "status": "completed"}}),
		}
	}

	item := WireItem{ID: id, Type: ItemMessage, Status: "in_progress", Role: RoleAssistant}
	out := []map[string]any{event("conversation.item.created", map[string]any{"item": item})}

	total := audio.MillisToSamples(a.cfg.ReplyMillis, a.cfg.SampleRate)
	step := a.cfg.SampleRate / 10
	words := strings.Fields(a.cfg.Reply)
	for i, n := 0, 0; n < total; i, n = i+1, n+step {
		size := min(step, total-n)
		out = append(out, event("response.audio.delta", map[string]any{
			"response_id":   respID,
			"item_id":       id,
			"content_index": 0,
			"delta":         replyTone(n, size, a.cfg.SampleRate).Base64(),
		}))
		if i < len(words) {
			out = append(out, event("response.audio_transcript.delta", map[string]any{
				"response_id":   respID,
				"item_id":       id,
				"content_index": 0,
				"delta":         words[i] + " ",
			}))
		}
	}

	done := item
	done.Status = "completed"
	done.Content = []ContentPart{{Type: "audio", Transcript: a.cfg.Reply}}
	return append(out,
		event("response.output_item.done", map[string]any{"response_id": respID, "item": done}),
		event("response.done", map[string]any{"response": map[string]any{"id": respID, "status": "completed"}}),
	)
}

func replyTone(offset, n, rate int) audio.Buffer {
	samples := make([]int16, n)
	for i := range samples {
		// 440 Hz square wave.
		if ((offset+i)*880/rate)%2 == 0 {
			samples[i] = 4000
		} else {
			samples[i] = -4000
		}
	}
	return audio.NewBuffer(samples, rate)
}

func event(eventType string, fields map[string]any) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = eventType
	fields["event_id"] = "event_" + uuid.NewString()
	return fields
}

func errorEvent(kind, code, message string) map[string]any {
	return event("error", map[string]any{"error": map[string]any{"type": kind, "code": code, "message": message}})
}

func newItemID() string {
	return "item_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
