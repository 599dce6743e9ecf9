package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalidOrder = errors.New("invalid order")

// LineItem is one menu entry in an order. Price is per unit.
type LineItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is the payload handed to the fulfillment collaborator.
type Order struct {
	ID          string     `json:"id,omitempty"`
	SessionID   string     `json:"sessionId"`
	Items       []LineItem `json:"items"`
	TotalAmount float64    `json:"totalAmount"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Ack is the collaborator's answer.
type Ack struct {
	Accepted bool   `json:"accepted"`
	OrderID  string `json:"orderId"`
}

// Fulfiller persists or forwards submitted orders.
type Fulfiller interface {
	Submit(ctx context.Context, order Order) (Ack, error)
	Close() error
}

// Store is a Fulfiller that can list what it accepted.
type Store interface {
	Fulfiller
	SessionOrders(ctx context.Context, sessionID string) ([]Order, error)
}

// Validate checks every line item.
func Validate(items []LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidOrder)
	}
	for i, it := range items {
		switch {
		case strings.TrimSpace(it.Name) == "":
			return fmt.Errorf("%w: item %d has no name", ErrInvalidOrder, i)
		case it.Quantity <= 0:
			return fmt.Errorf("%w: item %q quantity %d", ErrInvalidOrder, it.Name, it.Quantity)
		case it.Price < 0 || math.IsNaN(it.Price) || math.IsInf(it.Price, 0):
			return fmt.Errorf("%w: item %q price %v", ErrInvalidOrder, it.Name, it.Price)
		}
	}
	return nil
}

// Cents converts a currency amount to whole cents, rounding half away from zero.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Total sums quantity times unit price in cents so 2 x 12.99 is exactly 25.98.
func Total(items []LineItem) float64 {
	var cents int64
	for _, it := range items {
		cents += Cents(it.Price) * int64(it.Quantity)
	}
	return float64(cents) / 100
}
