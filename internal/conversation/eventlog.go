package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/ordervoice/internal/realtime"
)

type Entry struct {
	Time   time.Time       `json:"time"`
	Source realtime.Source `json:"source"`
	Type   string          `json:"type"`
	Event  json.RawMessage `json:"event"`
	Count  int             `json:"count"`
}

// EventLog is the diagnostic record of channel traffic. Consecutive events of
// the same type collapse into one entry whose Count grows; the entry keeps the
// first payload.
type EventLog struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
	now     func() time.Time
}

// NewEventLog keeps at most limit entries, dropping the oldest. Zero means no limit.
func NewEventLog(limit int) *EventLog {
	return &EventLog{limit: limit, now: time.Now}
}

// Record appends an event, or bumps the count of the last entry when it has
// the same type. It returns the resulting entry.
func (l *EventLog) Record(source realtime.Source, eventType string, raw []byte) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 && l.entries[n-1].Type == eventType {
		l.entries[n-1].Count++
		return l.entries[n-1]
	}

	l.entries = append(l.entries, Entry{
		Time:   l.now(),
		Source: source,
		Type:   eventType,
		Event:  trimAudio(eventType, raw),
		Count:  1,
	})
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	return l.entries[len(l.entries)-1]
}

func (l *EventLog) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// audioFields names the base64 audio field of events that carry one.
var audioFields = map[string]string{
	"input_audio_buffer.append": "audio",
	"response.audio.delta":      "delta",
}

// trimAudio replaces base64 audio with its size so the log stays readable.
func trimAudio(eventType string, raw []byte) json.RawMessage {
	field, ok := audioFields[eventType]
	if !ok {
		return append(json.RawMessage(nil), raw...)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	var b64 string
	if err := json.Unmarshal(fields[field], &b64); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	note, _ := json.Marshal(fmt.Sprintf("[trimmed: %d bytes]", base64Len(b64)))
	fields[field] = note
	out, err := json.Marshal(fields)
	if err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return out
}

// base64Len is the decoded size of a padded base64 string.
func base64Len(b64 string) int {
	trimmed := strings.TrimRight(b64, "=")
	return len(b64)*3/4 - (len(b64) - len(trimmed))
}
