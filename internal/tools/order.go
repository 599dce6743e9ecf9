package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/ordervoice/internal/orders"
)

const OrderToolName = "initiate_order"

var orderSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"items": map[string]any{
			"type":        "array",
			"description": "Every item the customer confirmed, with unit prices from the menu.",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string"},
					"quantity": map[string]any{"type": "integer", "minimum": 1},
					"price":    map[string]any{"type": "number", "description": "Unit price."},
				},
				"required": []string{"name", "quantity", "price"},
			},
		},
	},
	"required": []string{"items"},
}

// OrderTool submits the confirmed order to f, stamped with sessionID and a
// cent-exact total. The fulfiller's acknowledgement is the tool output.
func OrderTool(f orders.Fulfiller, sessionID string) Tool {
	return Tool{
		Definition: Definition{
			Name:        OrderToolName,
			Description: "Place the customer's order once they have confirmed every item.",
			Parameters:  orderSchema,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Items []orders.LineItem `json:"items"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode order arguments: %w", err)
			}
			if err := orders.Validate(args.Items); err != nil {
				return nil, err
			}
			ack, err := f.Submit(ctx, orders.Order{
				SessionID:   sessionID,
				Items:       args.Items,
				TotalAmount: orders.Total(args.Items),
			})
			if err != nil {
				return nil, fmt.Errorf("submit order: %w", err)
			}
			return ack, nil
		},
	}
}
