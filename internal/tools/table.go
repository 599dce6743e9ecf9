package tools

import (
	"fmt"
	"strings"

	"github.com/ent0n29/ordervoice/internal/orders"
)

// Mode selects which tools a session offers to the agent.
type Mode string

const (
	// ModeStandard takes orders.
	ModeStandard Mode = "standard"
	// ModeDiscovery only talks about the menu; the order tool is withheld.
	ModeDiscovery Mode = "discovery"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeDiscovery:
		return ModeDiscovery, nil
	default:
		return "", fmt.Errorf("unknown assistant mode %q", s)
	}
}

// Capabilities is the per-session input to BuildTable.
type Capabilities struct {
	Mode      Mode
	SessionID string
	Orders    orders.Fulfiller
}

// BuildTable returns the tools a session registers at connect time.
func BuildTable(c Capabilities) []Tool {
	var table []Tool
	if c.Mode != ModeDiscovery && c.Orders != nil {
		table = append(table, OrderTool(c.Orders, c.SessionID))
	}
	return table
}
