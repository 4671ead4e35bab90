package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/herald-sh/herald/internal/models"
)

// The job queue shares the signals database so fan-out commits atomically
// with the signal row. A claim sets locked_at/locked_by; claims older than
// the visibility window count as abandoned and are handed to the next
// worker with the same attempt number.

func (s *SQLiteStorage) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_jobs (id, queue, signal_id, subscription_id, webhook_id, attempt, not_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.SignalID, job.SubscriptionID, job.WebhookID, job.Attempt, job.NotBefore, job.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) ClaimJob(ctx context.Context, queue, workerID string, visibility time.Duration) (*models.DeliveryJob, error) {
	now := time.Now().UTC()
	stale := now.Add(-visibility)

	row := s.db.QueryRowContext(ctx,
		`UPDATE delivery_jobs SET locked_at = ?, locked_by = ?
		 WHERE id = (
			SELECT id FROM delivery_jobs
			WHERE queue = ? AND not_before <= ? AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY not_before ASC LIMIT 1
		 )
		 RETURNING id, queue, signal_id, subscription_id, webhook_id, attempt, not_before, created_at`,
		now, workerID, queue, now, stale,
	)

	var job models.DeliveryJob
	err := row.Scan(&job.ID, &job.Queue, &job.SignalID, &job.SubscriptionID, &job.WebhookID, &job.Attempt, &job.NotBefore, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteStorage) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = ?`, id)
	return err
}

// RescheduleJob bumps a claimed job to its next attempt and releases the
// claim, keeping the job in its original priority lane.
func (s *SQLiteStorage) RescheduleJob(ctx context.Context, id string, attempt int, notBefore time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET attempt = ?, not_before = ?, locked_at = NULL, locked_by = '' WHERE id = ?`,
		attempt, notBefore, id,
	)
	return err
}

// ReleaseJob unlocks a claim without changing the job, so another worker
// retries the same attempt after an internal error.
func (s *SQLiteStorage) ReleaseJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET locked_at = NULL, locked_by = '' WHERE id = ?`, id)
	return err
}
