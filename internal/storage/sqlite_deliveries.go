package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/herald-sh/herald/internal/models"
)

// --- Deliveries ---

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	webhookID := sql.NullString{String: d.WebhookID, Valid: d.WebhookID != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, signal_id, subscription_id, webhook_id, mode, attempt, status, status_code, error_message, latency_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SignalID, d.SubscriptionID, webhookID, d.Mode, d.Attempt, d.Status, d.StatusCode, d.ErrorMessage, d.LatencyMs, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const deliveryCols = `id, signal_id, subscription_id, webhook_id, mode, attempt, status, status_code, error_message, latency_ms, created_at, updated_at`

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	var webhookID sql.NullString
	err := row.Scan(&d.ID, &d.SignalID, &d.SubscriptionID, &webhookID, &d.Mode, &d.Attempt,
		&d.Status, &d.StatusCode, &d.ErrorMessage, &d.LatencyMs, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.WebhookID = webhookID.String
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) GetDeliveryByAttempt(ctx context.Context, signalID, subscriptionID string, attempt int) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE signal_id = ? AND subscription_id = ? AND attempt = ?`,
		signalID, subscriptionID, attempt)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) MarkDelivery(ctx context.Context, id string, status models.DeliveryStatus, statusCode int, errMsg string, latencyMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, status_code = ?, error_message = ?, latency_ms = ?, updated_at = ? WHERE id = ?`,
		status, statusCode, errMsg, latencyMs, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) SetDeliveryTransport(ctx context.Context, id string, mode models.DeliveryMode, webhookID string) error {
	wh := sql.NullString{String: webhookID, Valid: webhookID != ""}
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET mode = ?, webhook_id = ?, updated_at = ? WHERE id = ?`,
		mode, wh, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) ListDeliveriesBySignal(ctx context.Context, signalID string) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE signal_id = ? ORDER BY subscription_id, attempt`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDeliveries(rows)
}

func (s *SQLiteStorage) ListDeliveriesByWebhook(ctx context.Context, webhookID string, limit int, cursor string) ([]models.Delivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE webhook_id = ? AND (? = '' OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		webhookID, cursor, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDeliveries(rows)
}

func (s *SQLiteStorage) ListFailedAttempts(ctx context.Context, signalID, subscriptionID string) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE signal_id = ? AND subscription_id = ? AND status = 'failed'
		 ORDER BY attempt`, signalID, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDeliveries(rows)
}

func (s *SQLiteStorage) collectDeliveries(rows *sql.Rows) ([]models.Delivery, error) {
	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// --- Dead letter queue ---

func (s *SQLiteStorage) CreateDeadLetter(ctx context.Context, e *models.DeadLetterEntry) error {
	history, err := json.Marshal(e.ErrorHistory)
	if err != nil {
		return err
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, delivery_id, signal_id, subscription_id, payload, error_history, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeliveryID, e.SignalID, e.SubscriptionID, string(payload), string(history), e.ResolvedAt, e.CreatedAt,
	)
	return err
}

const dlqCols = `id, delivery_id, signal_id, subscription_id, payload, error_history, resolved_at, created_at`

func (s *SQLiteStorage) scanDeadLetter(row interface{ Scan(...interface{}) error }) (*models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	var payload, history string
	err := row.Scan(&e.ID, &e.DeliveryID, &e.SignalID, &e.SubscriptionID, &payload, &history, &e.ResolvedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	json.Unmarshal([]byte(history), &e.ErrorHistory)
	return &e, nil
}

func (s *SQLiteStorage) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqCols+` FROM dead_letter_queue WHERE id = ?`, id)
	e, err := s.scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStorage) ListUnresolvedDeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dlqCols+` FROM dead_letter_queue WHERE resolved_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DeadLetterEntry
	for rows.Next() {
		e, err := s.scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStorage) ResolveDeadLetter(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, at, id)
	return err
}

// --- Agent connections ---

func (s *SQLiteStorage) CreateAgentConnection(ctx context.Context, c *models.AgentConnection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_connections (id, subscriber_id, server_id, connected_at, disconnected_at, disconnect_reason, signals_delivered)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubscriberID, c.ServerID, c.ConnectedAt, c.DisconnectedAt, c.DisconnectReason, c.SignalsDelivered,
	)
	return err
}

func (s *SQLiteStorage) CloseAgentConnection(ctx context.Context, id, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_connections SET disconnected_at = ?, disconnect_reason = ? WHERE id = ? AND disconnected_at IS NULL`,
		at, reason, id,
	)
	return err
}

func (s *SQLiteStorage) IncrementConnectionDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_connections SET signals_delivered = signals_delivered + 1 WHERE id = ?`, id)
	return err
}

// --- Denormalized counters ---

// RecomputeCounters refreshes the advisory counters on signals and
// channels from the authoritative delivery and subscription rows.
func (s *SQLiteStorage) RecomputeCounters(ctx context.Context) error {
	queries := []string{
		`UPDATE signals SET
			delivery_count = (SELECT COUNT(*) FROM deliveries d WHERE d.signal_id = signals.id),
			delivered_count = (SELECT COUNT(*) FROM deliveries d WHERE d.signal_id = signals.id AND d.status = 'success'),
			failed_count = (SELECT COUNT(*) FROM deliveries d WHERE d.signal_id = signals.id AND d.status = 'failed')`,
		`UPDATE channels SET
			signal_count = (SELECT COUNT(*) FROM signals sg WHERE sg.channel_id = channels.id),
			subscriber_count = (SELECT COUNT(*) FROM subscriptions sb WHERE sb.channel_id = channels.id AND sb.status = 'active')`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
