package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription links one subscriber to one channel, unique per pair.
// WebhookID optionally pins deliveries to a specific endpoint; when empty
// the worker falls back to the subscriber's single active webhook.
type Subscription struct {
	ID           string             `json:"id"`
	SubscriberID string             `json:"subscriber_id"`
	ChannelID    string             `json:"channel_id"`
	WebhookID    string             `json:"webhook_id,omitempty"`
	Status       SubscriptionStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
