package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore accepts every valid order and keeps it in process, for
// local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	orders map[string][]Order
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{orders: make(map[string][]Order)}
}

func (s *InMemoryStore) Submit(_ context.Context, order Order) (Ack, error) {
	if err := Validate(order.Items); err != nil {
		return Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Items = append([]LineItem(nil), order.Items...)
	s.orders[order.SessionID] = append(s.orders[order.SessionID], order)
	return Ack{Accepted: true, OrderID: order.ID}, nil
}

func (s *InMemoryStore) SessionOrders(_ context.Context, sessionID string) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.orders[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	return append([]Order(nil), arr...), nil
}

func (s *InMemoryStore) Close() error { return nil }
