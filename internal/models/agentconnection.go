package models

import "time"

// AgentConnection is one row per tunnel session, for observability and
// cross-server routing. ServerID identifies the process instance holding
// the live socket.
type AgentConnection struct {
	ID               string     `json:"id"`
	SubscriberID     string     `json:"subscriber_id"`
	ServerID         string     `json:"server_id"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	SignalsDelivered int        `json:"signals_delivered"`
}
