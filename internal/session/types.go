package session

import "time"

// CreateRequest defines payload for creating a new session. Empty fields fall
// back to the service defaults.
type CreateRequest struct {
	TurnMode      string `json:"turn_mode"`
	AssistantMode string `json:"assistant_mode"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	State           State     `json:"state"`
	TurnMode        string    `json:"turn_mode"`
	AssistantMode   string    `json:"assistant_mode"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
