package models

import "time"

type WebhookStatus string

const (
	WebhookActive WebhookStatus = "active"
	WebhookPaused WebhookStatus = "paused"
	// Set automatically after repeated consecutive failures.
	WebhookDisabled WebhookStatus = "disabled"
)

type Webhook struct {
	ID           string        `json:"id"`
	SubscriberID string        `json:"subscriber_id"`
	URL          string        `json:"url"`
	Name         string        `json:"name"`
	// Optional bearer token sent verbatim on outbound requests.
	Token         string        `json:"-"`
	Status        WebhookStatus `json:"status"`
	FailureCount  int           `json:"failure_count"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
