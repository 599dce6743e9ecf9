package session

import (
	"github.com/ent0n29/ordervoice/internal/conversation"
	"github.com/ent0n29/ordervoice/internal/tools"
)

type NotificationKind string

const (
	NotifyState       NotificationKind = "state"
	NotifyItem        NotificationKind = "item"
	NotifyItemRemoved NotificationKind = "item_removed"
	NotifyEvent       NotificationKind = "event"
	NotifyError       NotificationKind = "error"
	NotifyTool        NotificationKind = "tool"
)

// Notification is a change pushed to subscribers. Only the field matching
// Kind is set.
type Notification struct {
	Kind   NotificationKind
	State  State
	Item   *conversation.Item
	ItemID string
	Entry  *conversation.Entry
	Err    error
	Tool   *tools.Result
}

const defaultSubscriberBuffer = 128

// Subscribe returns a stream of notifications and a func that ends it. A
// subscriber that falls behind misses notifications rather than stalling the
// session; snapshots (Items, Events, State) are authoritative.
func (m *Manager) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Notification, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) publish(n Notification) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
