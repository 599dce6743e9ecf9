package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/realtime"
)

var ErrItemNotFound = errors.New("conversation item not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
)

type ToolCall struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

// Formatted is the derived, display-ready view of an item.
type Formatted struct {
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	AudioMs    int          `json:"audio_ms,omitempty"`
	Tool       *ToolCall    `json:"tool,omitempty"`
	Output     string       `json:"output,omitempty"`
	// Audio is joined from streamed deltas when the item completes or is
	// truncated; AudioMs tracks the deltas as they arrive.
	Audio      audio.Buffer `json:"-"`
	File       *audio.Clip  `json:"-"`
}

type Item struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Role      Role                   `json:"role"`
	Status    Status                 `json:"status"`
	Content   []realtime.ContentPart `json:"content,omitempty"`
	Formatted Formatted              `json:"formatted"`
}

// Forgetter removes an item on the agent side.
type Forgetter interface {
	DeleteItem(ctx context.Context, itemID string) error
}

// Store is the ordered conversation log. Items keep the position of their
// first reference; only Remove and Reset take them out.
type Store struct {
	mu      sync.RWMutex
	order   []string
	items   map[string]*Item
	pending map[string]*pendingAudio
	forget  Forgetter
}

// pendingAudio holds streamed deltas until the item's audio is next read
// whole, so a long response is joined once instead of on every delta.
type pendingAudio struct {
	chunks  []audio.Buffer
	samples int
}

func NewStore(forget Forgetter) *Store {
	return &Store{
		items:   make(map[string]*Item),
		pending: make(map[string]*pendingAudio),
		forget:  forget,
	}
}

// Apply merges one inbound event into the item it refers to, creating the
// item on first reference. ok is false for events that do not touch an item.
func (s *Store) Apply(ev realtime.Event) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var it *Item
	switch e := ev.(type) {
	case realtime.ItemCreated:
		it = s.ensure(e.Item.ID)
		mergeWire(it, e.Item)
		s.inlineAudio(it, e.Item)
	case realtime.ItemCompleted:
		it = s.ensure(e.Item.ID)
		mergeWire(it, e.Item)
		s.inlineAudio(it, e.Item)
		s.finish(it)
	case realtime.ToolCallRequested:
		it = s.ensure(e.Item.ID)
		mergeWire(it, e.Item)
		s.finish(it)
	case realtime.InputAudioCommitted:
		it = s.ensure(e.ItemID)
		if it.Role == "" {
			it.Type, it.Role = realtime.ItemMessage, RoleUser
		}
		delete(s.pending, it.ID)
		setAudio(it, e.Audio)
		if !it.Formatted.Audio.Empty() {
			clip, err := audio.ClipOf(it.Formatted.Audio)
			if err == nil {
				it.Formatted.File = &clip
			}
		}
	case realtime.AudioDelta:
		it = s.ensure(e.ItemID)
		s.appendAudio(it, e.Audio)
	case realtime.TranscriptDelta:
		it = s.ensure(e.ItemID)
		it.Formatted.Transcript += e.Delta
	case realtime.TextDelta:
		it = s.ensure(e.ItemID)
		it.Formatted.Text += e.Delta
	case realtime.InputTranscriptCompleted:
		it = s.ensure(e.ItemID)
		it.Formatted.Transcript = e.Transcript
	case realtime.ArgumentsDelta:
		it = s.ensure(e.ItemID)
		if it.Formatted.Tool == nil {
			it.Formatted.Tool = &ToolCall{CallID: e.CallID}
		}
		it.Formatted.Tool.Arguments += e.Delta
	case realtime.ItemTruncated:
		it = s.items[e.ItemID]
		if it == nil {
			return Item{}, false
		}
		s.flushAudio(it)
		end := audio.MillisToSamples(e.AudioEndMs, it.Formatted.Audio.SampleRate())
		setAudio(it, it.Formatted.Audio.Slice(0, end))
		it.Formatted.Transcript = ""
		if it.Formatted.File != nil {
			s.finish(it)
		}
	case realtime.ItemDeleted:
		s.drop(e.ItemID)
		return Item{}, false
	default:
		return Item{}, false
	}
	return clone(it), true
}

func (s *Store) ensure(id string) *Item {
	if it, ok := s.items[id]; ok {
		return it
	}
	it := &Item{ID: id, Status: StatusInProgress}
	s.items[id] = it
	s.order = append(s.order, id)
	return it
}

func (s *Store) finish(it *Item) {
	if it.Status == StatusInProgress {
		it.Status = StatusCompleted
	}
	s.flushAudio(it)
	if it.Formatted.Audio.Empty() {
		it.Formatted.File = nil
		return
	}
	clip, err := audio.ClipOf(it.Formatted.Audio)
	if err == nil {
		it.Formatted.File = &clip
	}
}

func mergeWire(it *Item, w realtime.WireItem) {
	if w.Type != "" {
		it.Type = w.Type
	}
	switch {
	case w.Role != "":
		it.Role = Role(w.Role)
	case w.Type == realtime.ItemFunctionCall || w.Type == realtime.ItemFunctionCallOutput:
		it.Role = RoleTool
	}
	if w.Status != "" {
		it.Status = Status(w.Status)
	}
	if len(w.Content) > 0 {
		it.Content = append([]realtime.ContentPart(nil), w.Content...)
	}

	switch w.Type {
	case realtime.ItemFunctionCall:
		if it.Formatted.Tool == nil {
			it.Formatted.Tool = &ToolCall{}
		}
		it.Formatted.Tool.Name = w.Name
		it.Formatted.Tool.CallID = w.CallID
		if w.Arguments != "" {
			it.Formatted.Tool.Arguments = w.Arguments
		}
	case realtime.ItemFunctionCallOutput:
		it.Formatted.Output = w.Output
	default:
		var text []string
		for _, part := range w.Content {
			switch part.Type {
			case "input_text", "text":
				text = append(text, part.Text)
			case "audio", "input_audio":
				if part.Transcript != "" && it.Formatted.Transcript == "" {
					it.Formatted.Transcript = part.Transcript
				}
			}
		}
		if len(text) > 0 {
			it.Formatted.Text = strings.Join(text, "")
		}
	}
}

// inlineAudio decodes audio the agent embedded in an item's content, such as
// an input_audio part, when no streamed audio exists for it.
func (s *Store) inlineAudio(it *Item, w realtime.WireItem) {
	if !it.Formatted.Audio.Empty() || s.pending[it.ID] != nil {
		return
	}
	for _, part := range w.Content {
		if part.Audio == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(part.Audio)
		if err != nil {
			continue
		}
		clip, err := audio.Decode(raw, audio.DefaultSampleRate, 0)
		if err != nil || clip.PCM.Empty() {
			continue
		}
		setAudio(it, clip.PCM)
		it.Formatted.File = &clip
		return
	}
}

// appendAudio queues a delta at the rate of the audio already held.
func (s *Store) appendAudio(it *Item, buf audio.Buffer) {
	if buf.Empty() {
		return
	}
	p := s.pending[it.ID]
	if p == nil {
		p = &pendingAudio{}
		s.pending[it.ID] = p
	}
	rate := buf.SampleRate()
	switch {
	case !it.Formatted.Audio.Empty():
		rate = it.Formatted.Audio.SampleRate()
	case len(p.chunks) > 0:
		rate = p.chunks[0].SampleRate()
	}
	if buf.SampleRate() != rate {
		buf = audio.Resample(buf, rate)
	}
	p.chunks = append(p.chunks, buf)
	p.samples += buf.Len()
	it.Formatted.AudioMs = audio.SamplesToMillis(it.Formatted.Audio.Len()+p.samples, rate)
}

// flushAudio joins queued deltas into the item's audio.
func (s *Store) flushAudio(it *Item) {
	p := s.pending[it.ID]
	if p == nil {
		return
	}
	delete(s.pending, it.ID)
	joined, err := audio.Concat(append([]audio.Buffer{it.Formatted.Audio}, p.chunks...)...)
	if err == nil {
		setAudio(it, joined)
	}
}

func setAudio(it *Item, buf audio.Buffer) {
	it.Formatted.Audio = buf
	it.Formatted.AudioMs = audio.SamplesToMillis(buf.Len(), buf.SampleRate())
}

// All returns a snapshot of every item in first-seen order.
func (s *Store) All() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.items[id]))
	}
	return out
}

func (s *Store) Get(id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return clone(it), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Remove asks the agent to forget the item, then drops it locally.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.items[id]
	forget := s.forget
	s.mu.RUnlock()
	if !ok {
		return ErrItemNotFound
	}
	if forget != nil {
		if err := forget.DeleteItem(ctx, id); err != nil {
			return fmt.Errorf("forget item %s: %w", id, err)
		}
	}
	s.mu.Lock()
	s.drop(id)
	s.mu.Unlock()
	return nil
}

func (s *Store) drop(id string) {
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.items = make(map[string]*Item)
	s.pending = make(map[string]*pendingAudio)
}

func clone(it *Item) Item {
	out := *it
	out.Content = append([]realtime.ContentPart(nil), it.Content...)
	if it.Formatted.Tool != nil {
		tool := *it.Formatted.Tool
		out.Formatted.Tool = &tool
	}
	if it.Formatted.File != nil {
		file := *it.Formatted.File
		out.Formatted.File = &file
	}
	return out
}
