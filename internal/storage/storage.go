package storage

import (
	"context"
	"errors"
	"time"

	"github.com/herald-sh/herald/internal/models"
)

// ErrDuplicate reports a unique-constraint conflict, e.g. inserting a
// second delivery row for the same (signal, subscription, attempt).
var ErrDuplicate = errors.New("storage: duplicate row")

type Storage interface {
	// API keys
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	// Accounts
	CreatePublisher(ctx context.Context, p *models.Publisher) error
	GetPublisher(ctx context.Context, id string) (*models.Publisher, error)
	CreateSubscriber(ctx context.Context, s *models.Subscriber) error
	GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error)
	GetAccountTier(ctx context.Context, owner models.APIKeyOwner, ownerID string) (models.AccountTier, error)
	SetAgentLastConnected(ctx context.Context, subscriberID string, at time.Time) error
	SetSubscriberDeliveryMode(ctx context.Context, subscriberID string, mode models.DeliveryMode) error

	// Channels
	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	GetChannelStats(ctx context.Context, id string) (*ChannelStats, error)

	// Signals
	CreateSignalWithFanout(ctx context.Context, sig *models.Signal, jobs []models.DeliveryJob) error
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListSignalsByChannel(ctx context.Context, channelID string, limit int, cursor string) ([]models.Signal, error)

	// Webhooks
	CreateWebhook(ctx context.Context, wh *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	GetActiveWebhookBySubscriber(ctx context.Context, subscriberID string) (*models.Webhook, error)
	RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error
	// RecordWebhookFailure bumps the consecutive failure counter and
	// disables the webhook once it reaches disableAfter (0 = never).
	RecordWebhookFailure(ctx context.Context, id string, at time.Time, disableAfter int) error

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListActiveSubscriptionsByChannel(ctx context.Context, channelID string) ([]models.Subscription, error)
	// SetSubscriptionStatus applies a lifecycle change from the CRUD
	// surface; cancellation affects future signals only.
	SetSubscriptionStatus(ctx context.Context, id string, status models.SubscriptionStatus) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	GetDeliveryByAttempt(ctx context.Context, signalID, subscriptionID string, attempt int) (*models.Delivery, error)
	MarkDelivery(ctx context.Context, id string, status models.DeliveryStatus, statusCode int, errMsg string, latencyMs int64) error
	// SetDeliveryTransport rewrites the transport actually used once the
	// worker resolves it at dispatch time.
	SetDeliveryTransport(ctx context.Context, id string, mode models.DeliveryMode, webhookID string) error
	ListDeliveriesBySignal(ctx context.Context, signalID string) ([]models.Delivery, error)
	ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int, cursor string) ([]models.Delivery, error)
	// ListFailedAttempts returns the failed rows for one (signal,
	// subscription) pair in attempt order, for the DLQ error history.
	ListFailedAttempts(ctx context.Context, signalID, subscriptionID string) ([]models.Delivery, error)

	// Dead letter queue
	CreateDeadLetter(ctx context.Context, e *models.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	ListUnresolvedDeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error)
	ResolveDeadLetter(ctx context.Context, id string, at time.Time) error

	// Agent connections
	CreateAgentConnection(ctx context.Context, c *models.AgentConnection) error
	CloseAgentConnection(ctx context.Context, id, reason string, at time.Time) error
	IncrementConnectionDelivered(ctx context.Context, id string) error

	// Job queue
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) error
	// ClaimJob locks and returns the oldest eligible job on a queue, or
	// nil when none is due. Claims older than visibility are considered
	// abandoned and may be re-claimed.
	ClaimJob(ctx context.Context, queue, workerID string, visibility time.Duration) (*models.DeliveryJob, error)
	DeleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, attempt int, notBefore time.Time) error
	ReleaseJob(ctx context.Context, id string) error

	// Denormalized counters, recomputed off the hot path.
	RecomputeCounters(ctx context.Context) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type ChannelStats struct {
	SignalCount         int64   `json:"signalCount"`
	SubscriberCount     int64   `json:"subscriberCount"`
	DeliverySuccessRate float64 `json:"deliverySuccessRate"`
}
