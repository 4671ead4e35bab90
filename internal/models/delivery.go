package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery records one attempt of one signal to one subscription. The row
// is inserted pending before the side effect and transitions to success or
// failed exactly once. Attempt is 1-based and unique per
// (signal, subscription) pair.
type Delivery struct {
	ID             string         `json:"id"`
	SignalID       string         `json:"signal_id"`
	SubscriptionID string         `json:"subscription_id"`
	WebhookID      string         `json:"webhook_id,omitempty"`
	Mode           DeliveryMode   `json:"mode"`
	Attempt        int            `json:"attempt"`
	Status         DeliveryStatus `json:"status"`
	StatusCode     int            `json:"status_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	LatencyMs      int64          `json:"latency_ms,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

const (
	QueueHigh   = "delivery-high"
	QueueNormal = "delivery-normal"
)

// DeliveryJob is one unit of queued work: deliver a signal to a
// subscription as attempt N, no earlier than NotBefore.
type DeliveryJob struct {
	ID             string    `json:"id"`
	Queue          string    `json:"queue"`
	SignalID       string    `json:"signal_id"`
	SubscriptionID string    `json:"subscription_id"`
	WebhookID      string    `json:"webhook_id,omitempty"`
	Attempt        int       `json:"attempt"`
	NotBefore      time.Time `json:"not_before"`
	CreatedAt      time.Time `json:"created_at"`
}
