package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/herald-sh/herald/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS publishers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			webhook_secret TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			delivery_mode TEXT NOT NULL DEFAULT 'webhook',
			agent_last_connected_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			publisher_id TEXT NOT NULL REFERENCES publishers(id) ON DELETE CASCADE,
			slug TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			signal_count INTEGER NOT NULL DEFAULT 0,
			subscriber_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			urgency TEXT NOT NULL DEFAULT 'normal',
			metadata TEXT NOT NULL DEFAULT '{}',
			delivery_count INTEGER NOT NULL DEFAULT 0,
			delivered_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_success_at DATETIME,
			last_failure_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			webhook_id TEXT REFERENCES webhooks(id) ON DELETE SET NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			webhook_id TEXT,
			mode TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			status_code INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			owner_type TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			last_used_at DATETIME,
			expires_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			error_history TEXT NOT NULL DEFAULT '[]',
			resolved_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_connections (
			id TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			connected_at DATETIME NOT NULL,
			disconnected_at DATETIME,
			disconnect_reason TEXT NOT NULL DEFAULT '',
			signals_delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			webhook_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL,
			not_before DATETIME NOT NULL,
			locked_at DATETIME,
			locked_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_slug ON channels(slug)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_pair ON subscriptions(subscriber_id, channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_fanout ON subscriptions(channel_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_signals_channel ON signals(channel_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_signal ON deliveries(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries(webhook_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_attempt ON deliveries(signal_id, subscription_id, attempt)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON delivery_jobs(queue, not_before, locked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letter_queue(created_at) WHERE resolved_at IS NULL`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if se, ok := err.(sqlite3.Error); ok {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// --- API keys ---

func (s *SQLiteStorage) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, owner_type, owner_id, name, status, last_used_at, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.OwnerType, key.OwnerID, key.Name, key.Status, key.LastUsedAt, key.ExpiresAt, key.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, owner_type, owner_id, name, status, last_used_at, expires_at, created_at
		 FROM api_keys WHERE key_hash = ? AND status = 'active' LIMIT 1`, hash,
	).Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.OwnerType, &k.OwnerID, &k.Name, &k.Status, &k.LastUsedAt, &k.ExpiresAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &k, err
}

func (s *SQLiteStorage) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}

// --- Accounts ---

func (s *SQLiteStorage) CreatePublisher(ctx context.Context, p *models.Publisher) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publishers (id, name, email, tier, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, p.Tier, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetPublisher(ctx context.Context, id string) (*models.Publisher, error) {
	var p models.Publisher
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, tier, status, created_at, updated_at FROM publishers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.Tier, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *SQLiteStorage) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, name, email, webhook_secret, tier, status, delivery_mode, agent_last_connected_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.Email, sub.WebhookSecret, sub.Tier, sub.Status, sub.DeliveryMode, sub.AgentLastConnectedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, webhook_secret, tier, status, delivery_mode, agent_last_connected_at, created_at, updated_at
		 FROM subscribers WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Name, &sub.Email, &sub.WebhookSecret, &sub.Tier, &sub.Status, &sub.DeliveryMode, &sub.AgentLastConnectedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStorage) GetAccountTier(ctx context.Context, owner models.APIKeyOwner, ownerID string) (models.AccountTier, error) {
	table := "subscribers"
	if owner == models.OwnerPublisher {
		table = "publishers"
	}
	var tier models.AccountTier
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM `+table+` WHERE id = ?`, ownerID).Scan(&tier)
	if err == sql.ErrNoRows {
		return models.TierFree, nil
	}
	return tier, err
}

func (s *SQLiteStorage) SetAgentLastConnected(ctx context.Context, subscriberID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET agent_last_connected_at = ?, updated_at = ? WHERE id = ?`,
		at, at, subscriberID,
	)
	return err
}

func (s *SQLiteStorage) SetSubscriberDeliveryMode(ctx context.Context, subscriberID string, mode models.DeliveryMode) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET delivery_mode = ?, updated_at = ? WHERE id = ?`,
		mode, time.Now().UTC(), subscriberID,
	)
	return err
}

// --- Channels ---

func (s *SQLiteStorage) CreateChannel(ctx context.Context, ch *models.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, publisher_id, slug, display_name, status, signal_count, subscriber_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.PublisherID, ch.Slug, ch.DisplayName, ch.Status, ch.SignalCount, ch.SubscriberCount, ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStorage) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, publisher_id, slug, display_name, status, signal_count, subscriber_count, created_at, updated_at
		 FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.PublisherID, &ch.Slug, &ch.DisplayName, &ch.Status, &ch.SignalCount, &ch.SubscriberCount, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ch, err
}

func (s *SQLiteStorage) GetChannelStats(ctx context.Context, id string) (*ChannelStats, error) {
	stats := &ChannelStats{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE channel_id = ?`, id).Scan(&stats.SignalCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE channel_id = ? AND status = 'active'`, id).Scan(&stats.SubscriberCount); err != nil {
		return nil, err
	}

	var total, succeeded int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN d.status = 'success' THEN 1 ELSE 0 END), 0)
		 FROM deliveries d JOIN signals sg ON d.signal_id = sg.id
		 WHERE sg.channel_id = ?`, id).Scan(&total, &succeeded); err != nil {
		return nil, err
	}
	if total > 0 {
		stats.DeliverySuccessRate = float64(succeeded) / float64(total)
	}
	return stats, nil
}

// --- Signals ---

// CreateSignalWithFanout inserts the signal row and its fan-out jobs in one
// transaction, so a signal is never visible without its delivery jobs.
func (s *SQLiteStorage) CreateSignalWithFanout(ctx context.Context, sig *models.Signal, jobs []models.DeliveryJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	metadata := sig.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO signals (id, channel_id, title, body, urgency, metadata, delivery_count, delivered_count, failed_count, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.ChannelID, sig.Title, sig.Body, sig.Urgency, string(metadata), sig.DeliveryCount, sig.DeliveredCount, sig.FailedCount, sig.Status, sig.CreatedAt,
	); err != nil {
		return err
	}

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_jobs (id, queue, signal_id, subscription_id, webhook_id, attempt, not_before, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Queue, job.SignalID, job.SubscriptionID, job.WebhookID, job.Attempt, job.NotBefore, job.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) scanSignal(row interface{ Scan(...interface{}) error }) (*models.Signal, error) {
	var sig models.Signal
	var metadata string
	err := row.Scan(&sig.ID, &sig.ChannelID, &sig.Title, &sig.Body, &sig.Urgency, &metadata,
		&sig.DeliveryCount, &sig.DeliveredCount, &sig.FailedCount, &sig.Status, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}
	sig.Metadata = json.RawMessage(metadata)
	return &sig, nil
}

const signalCols = `id, channel_id, title, body, urgency, metadata, delivery_count, delivered_count, failed_count, status, created_at`

func (s *SQLiteStorage) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalCols+` FROM signals WHERE id = ?`, id)
	sig, err := s.scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sig, err
}

// ListSignalsByChannel pages newest-first; cursor is the id of the last
// item from the previous page (ULIDs order by creation time).
func (s *SQLiteStorage) ListSignalsByChannel(ctx context.Context, channelID string, limit int, cursor string) ([]models.Signal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalCols+` FROM signals
		 WHERE channel_id = ? AND (? = '' OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		channelID, cursor, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		sig, err := s.scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

// --- Webhooks ---

func (s *SQLiteStorage) CreateWebhook(ctx context.Context, wh *models.Webhook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, subscriber_id, url, name, token, status, failure_count, last_success_at, last_failure_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.SubscriberID, wh.URL, wh.Name, wh.Token, wh.Status, wh.FailureCount, wh.LastSuccessAt, wh.LastFailureAt, wh.CreatedAt, wh.UpdatedAt,
	)
	return err
}

const webhookCols = `id, subscriber_id, url, name, token, status, failure_count, last_success_at, last_failure_at, created_at, updated_at`

func (s *SQLiteStorage) scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var wh models.Webhook
	err := row.Scan(&wh.ID, &wh.SubscriberID, &wh.URL, &wh.Name, &wh.Token, &wh.Status,
		&wh.FailureCount, &wh.LastSuccessAt, &wh.LastFailureAt, &wh.CreatedAt, &wh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

func (s *SQLiteStorage) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id = ?`, id)
	wh, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wh, err
}

func (s *SQLiteStorage) GetActiveWebhookBySubscriber(ctx context.Context, subscriberID string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks
		 WHERE subscriber_id = ? AND status = 'active'
		 ORDER BY created_at ASC LIMIT 1`, subscriberID)
	wh, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wh, err
}

func (s *SQLiteStorage) RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = 0, last_success_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	)
	return err
}

func (s *SQLiteStorage) RecordWebhookFailure(ctx context.Context, id string, at time.Time, disableAfter int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = failure_count + 1, last_failure_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	)
	if err != nil || disableAfter <= 0 {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE webhooks SET status = 'disabled', updated_at = ? WHERE id = ? AND status = 'active' AND failure_count >= ?`,
		at, id, disableAfter,
	)
	return err
}

// --- Subscriptions ---

func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	webhookID := sql.NullString{String: sub.WebhookID, Valid: sub.WebhookID != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, subscriber_id, channel_id, webhook_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.SubscriberID, sub.ChannelID, webhookID, sub.Status, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStorage) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var webhookID sql.NullString
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.ChannelID, &webhookID, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.WebhookID = webhookID.String
	return &sub, nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subscriber_id, channel_id, webhook_id, status, created_at, updated_at FROM subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStorage) SetSubscriptionStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) ListActiveSubscriptionsByChannel(ctx context.Context, channelID string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, channel_id, webhook_id, status, created_at, updated_at
		 FROM subscriptions WHERE channel_id = ? AND status = 'active'`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
