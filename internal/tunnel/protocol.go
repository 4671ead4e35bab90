package tunnel

import (
	"encoding/json"
	"time"

	"github.com/herald-sh/herald/internal/models"
)

// One JSON object per WebSocket text frame, discriminated by "type".
const (
	// client -> server
	TypeAuth = "auth"
	TypeAck  = "ack"
	TypePong = "pong"

	// server -> client
	TypeAuthOK    = "auth_ok"
	TypeAuthError = "auth_error"
	TypeSignal    = "signal"
	TypePing      = "ping"
)

// MaxFrameBytes caps a single tunnel frame.
const MaxFrameBytes = 1 << 20

// Message is the wire envelope for both directions; unused fields are
// omitted per type.
type Message struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// ack: Error turns the ack into a negative ack.
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`

	// auth_ok / auth_error
	ConnectionID string `json:"connection_id,omitempty"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	Message      string `json:"message,omitempty"`

	// signal
	ChannelID   string        `json:"channel_id,omitempty"`
	ChannelSlug string        `json:"channel_slug,omitempty"`
	Signal      *TunnelSignal `json:"signal,omitempty"`
}

// TunnelSignal is the signal payload pushed to an agent.
type TunnelSignal struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Urgency   models.SignalUrgency `json:"urgency"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewSignalMessage builds the push frame for one delivery.
func NewSignalMessage(deliveryID string, channel *models.Channel, signal *models.Signal) Message {
	return Message{
		Type:        TypeSignal,
		DeliveryID:  deliveryID,
		ChannelID:   channel.ID,
		ChannelSlug: channel.Slug,
		Signal: &TunnelSignal{
			ID:        signal.ID,
			Title:     signal.Title,
			Body:      signal.Body,
			Urgency:   signal.Urgency,
			Metadata:  signal.Metadata,
			CreatedAt: signal.CreatedAt,
		},
	}
}
