package models

import "time"

type ChannelStatus string

const (
	ChannelActive  ChannelStatus = "active"
	ChannelPaused  ChannelStatus = "paused"
	ChannelDeleted ChannelStatus = "deleted"
)

type Channel struct {
	ID          string        `json:"id"`
	PublisherID string        `json:"publisher_id"`
	Slug        string        `json:"slug"`
	DisplayName string        `json:"display_name"`
	Status      ChannelStatus `json:"status"`
	// Denormalized summaries, recomputed by the stats job.
	SignalCount     int       `json:"signal_count"`
	SubscriberCount int       `json:"subscriber_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
