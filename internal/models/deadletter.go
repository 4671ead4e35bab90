package models

import (
	"encoding/json"
	"time"
)

// AttemptError is one entry of a dead-letter entry's error history, in
// attempt order.
type AttemptError struct {
	Attempt   int       `json:"attempt"`
	Code      int       `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterEntry freezes a (signal, subscription) pair that exhausted the
// retry schedule: the payload that was attempted plus one error per failed
// attempt.
type DeadLetterEntry struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	SignalID       string          `json:"signal_id"`
	SubscriptionID string          `json:"subscription_id"`
	Payload        json.RawMessage `json:"payload"`
	ErrorHistory   []AttemptError  `json:"error_history"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
