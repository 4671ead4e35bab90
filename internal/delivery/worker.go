package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
	"github.com/herald-sh/herald/internal/tunnel"
)

// Worker processes one claimed job at a time: it records the attempt row,
// resolves the transport at dispatch time, performs the delivery, and
// schedules the retry or dead-letters the pair.
type Worker struct {
	store          storage.Storage
	sender         *Sender
	router         *tunnel.Router
	ladder         []time.Duration
	env            string
	fallbackSecret string
	log            zerolog.Logger
}

func NewWorker(store storage.Storage, sender *Sender, router *tunnel.Router, ladder []time.Duration, env, fallbackSecret string, log zerolog.Logger) *Worker {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	return &Worker{
		store:          store,
		sender:         sender,
		router:         router,
		ladder:         ladder,
		env:            env,
		fallbackSecret: fallbackSecret,
		log:            log,
	}
}

func (w *Worker) maxAttempts() int { return len(w.ladder) }

// Process handles one claimed job. Storage errors release the claim at
// once, so the same attempt can be claimed again right away.
func (w *Worker) Process(ctx context.Context, job *models.DeliveryJob) {
	if err := w.process(ctx, job); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("delivery job failed, releasing claim")
		if relErr := w.store.ReleaseJob(context.WithoutCancel(ctx), job.ID); relErr != nil {
			w.log.Error().Err(relErr).Str("job_id", job.ID).Msg("release claim failed")
		}
	}
}

func (w *Worker) process(ctx context.Context, job *models.DeliveryJob) error {
	signal, err := w.store.GetSignal(ctx, job.SignalID)
	if err != nil {
		return err
	}
	subscription, err := w.store.GetSubscription(ctx, job.SubscriptionID)
	if err != nil {
		return err
	}
	if signal == nil || subscription == nil || subscription.Status != models.SubscriptionActive {
		// Canceled subscriptions keep their queued jobs; the drop happens
		// here, silently, without a delivery row.
		w.log.Debug().Str("job_id", job.ID).Msg("dropping job for inactive subscription")
		return w.store.DeleteJob(ctx, job.ID)
	}

	channel, err := w.store.GetChannel(ctx, signal.ChannelID)
	if err != nil {
		return err
	}
	subscriber, err := w.store.GetSubscriber(ctx, subscription.SubscriberID)
	if err != nil {
		return err
	}
	if channel == nil || subscriber == nil {
		w.log.Warn().Str("job_id", job.ID).Msg("dropping job with missing channel or subscriber")
		return w.store.DeleteJob(ctx, job.ID)
	}

	delivery, err := w.claimAttemptRow(ctx, job)
	if err != nil {
		return err
	}
	if delivery == nil {
		// The attempt already reached a terminal status under a previous
		// claim; nothing left to do.
		return w.store.DeleteJob(ctx, job.ID)
	}

	outcome := w.dispatch(ctx, delivery, signal, subscription, channel, subscriber)
	return w.recordOutcome(ctx, job, delivery, signal, channel, outcome)
}

// claimAttemptRow inserts the pending delivery row for this attempt, or
// re-claims a pending row left behind by a crashed worker so the attempt
// budget is preserved. Returns nil when the attempt is already terminal.
func (w *Worker) claimAttemptRow(ctx context.Context, job *models.DeliveryJob) (*models.Delivery, error) {
	existing, err := w.store.GetDeliveryByAttempt(ctx, job.SignalID, job.SubscriptionID, job.Attempt)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != models.DeliveryPending {
			return nil, nil
		}
		return existing, nil
	}

	now := time.Now().UTC()
	delivery := &models.Delivery{
		ID:             models.NewID("del"),
		SignalID:       job.SignalID,
		SubscriptionID: job.SubscriptionID,
		WebhookID:      job.WebhookID,
		Mode:           models.ModeWebhook,
		Attempt:        job.Attempt,
		Status:         models.DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.CreateDelivery(ctx, delivery); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost the race to a concurrent claim of the same job.
			return w.store.GetDeliveryByAttempt(ctx, job.SignalID, job.SubscriptionID, job.Attempt)
		}
		return nil, err
	}
	return delivery, nil
}

type outcome struct {
	mode       models.DeliveryMode
	webhookID  string
	success    bool
	statusCode int
	errMsg     string
	latencyMs  int64
}

// dispatch resolves the effective transport and performs the attempt.
func (w *Worker) dispatch(ctx context.Context, delivery *models.Delivery, signal *models.Signal, subscription *models.Subscription, channel *models.Channel, subscriber *models.Subscriber) outcome {
	if subscriber.DeliveryMode == models.ModeAgent && w.router.HasAgent(ctx, subscriber.ID) {
		return w.deliverTunnel(ctx, delivery, signal, channel, subscriber)
	}

	webhook := w.resolveWebhook(ctx, subscription, subscriber)
	if webhook == nil {
		return outcome{mode: models.ModeWebhook, errMsg: "no_transport"}
	}
	return w.deliverWebhook(ctx, delivery, signal, channel, subscriber, webhook)
}

func (w *Worker) resolveWebhook(ctx context.Context, subscription *models.Subscription, subscriber *models.Subscriber) *models.Webhook {
	if subscription.WebhookID != "" {
		webhook, err := w.store.GetWebhook(ctx, subscription.WebhookID)
		if err != nil {
			w.log.Error().Err(err).Str("webhook_id", subscription.WebhookID).Msg("webhook lookup failed")
			return nil
		}
		if webhook != nil && webhook.Status == models.WebhookActive {
			return webhook
		}
		return nil
	}

	webhook, err := w.store.GetActiveWebhookBySubscriber(ctx, subscriber.ID)
	if err != nil {
		w.log.Error().Err(err).Str("subscriber_id", subscriber.ID).Msg("webhook lookup failed")
		return nil
	}
	return webhook
}

// deliverTunnel enqueues the signal frame onto the agent's outbound
// channel. Success is the enqueue being accepted; a later negative ack can
// still downgrade the delivery.
func (w *Worker) deliverTunnel(ctx context.Context, delivery *models.Delivery, signal *models.Signal, channel *models.Channel, subscriber *models.Subscriber) outcome {
	start := time.Now()
	msg := tunnel.NewSignalMessage(delivery.ID, channel, signal)

	if err := w.router.Push(ctx, subscriber.ID, msg); err != nil {
		return outcome{
			mode:      models.ModeAgent,
			errMsg:    err.Error(),
			latencyMs: time.Since(start).Milliseconds(),
		}
	}
	return outcome{
		mode:      models.ModeAgent,
		success:   true,
		latencyMs: time.Since(start).Milliseconds(),
	}
}

func (w *Worker) deliverWebhook(ctx context.Context, delivery *models.Delivery, signal *models.Signal, channel *models.Channel, subscriber *models.Subscriber, webhook *models.Webhook) outcome {
	if err := ValidateWebhookURL(w.env, webhook.URL); err != nil {
		return outcome{mode: models.ModeWebhook, webhookID: webhook.ID, errMsg: err.Error()}
	}

	body, err := BuildEnvelope(channel, signal).Marshal()
	if err != nil {
		return outcome{mode: models.ModeWebhook, webhookID: webhook.ID, errMsg: fmt.Sprintf("encode payload: %v", err)}
	}

	secret := subscriber.WebhookSecret
	if secret == "" {
		secret = w.fallbackSecret
	}

	result := w.sender.Send(ctx, webhook.URL, secret, webhook.Token, delivery.ID, body)
	return outcome{
		mode:       models.ModeWebhook,
		webhookID:  webhook.ID,
		success:    result.Error == "" && IsSuccess(result.StatusCode),
		statusCode: result.StatusCode,
		errMsg:     result.Error,
		latencyMs:  result.LatencyMs,
	}
}

// webhookDisableAfter is the consecutive-failure count at which a webhook
// is automatically disabled.
const webhookDisableAfter = 20

func (w *Worker) recordOutcome(ctx context.Context, job *models.DeliveryJob, delivery *models.Delivery, signal *models.Signal, channel *models.Channel, out outcome) error {
	// Outcome bookkeeping survives the per-job deadline.
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()

	if out.mode != delivery.Mode || out.webhookID != delivery.WebhookID {
		delivery.Mode = out.mode
		delivery.WebhookID = out.webhookID
		// The mode column reflects the transport actually used.
		if err := w.updateDeliveryTransport(ctx, delivery); err != nil {
			w.log.Warn().Err(err).Str("delivery_id", delivery.ID).Msg("update transport failed")
		}
	}

	if out.success {
		if err := w.store.MarkDelivery(ctx, delivery.ID, models.DeliverySuccess, out.statusCode, "", out.latencyMs); err != nil {
			return err
		}
		if out.mode == models.ModeWebhook && out.webhookID != "" {
			if err := w.store.RecordWebhookSuccess(ctx, out.webhookID, now); err != nil {
				w.log.Warn().Err(err).Str("webhook_id", out.webhookID).Msg("webhook success bookkeeping failed")
			}
		}
		w.log.Info().
			Str("delivery_id", delivery.ID).
			Str("mode", string(out.mode)).
			Int("attempt", job.Attempt).
			Int64("latency_ms", out.latencyMs).
			Msg("delivery succeeded")
		return w.store.DeleteJob(ctx, job.ID)
	}

	if err := w.store.MarkDelivery(ctx, delivery.ID, models.DeliveryFailed, out.statusCode, out.errMsg, out.latencyMs); err != nil {
		return err
	}
	if out.mode == models.ModeWebhook && out.webhookID != "" {
		if err := w.store.RecordWebhookFailure(ctx, out.webhookID, now, webhookDisableAfter); err != nil {
			w.log.Warn().Err(err).Str("webhook_id", out.webhookID).Msg("webhook failure bookkeeping failed")
		}
	}

	if job.Attempt >= w.maxAttempts() {
		w.log.Warn().
			Str("delivery_id", delivery.ID).
			Int("attempts", job.Attempt).
			Str("error", out.errMsg).
			Msg("delivery permanently failed, dead-lettering")
		if err := w.deadLetter(ctx, delivery, signal, channel); err != nil {
			return err
		}
		return w.store.DeleteJob(ctx, job.ID)
	}

	nextAttempt := job.Attempt + 1
	notBefore := now.Add(DelayFor(w.ladder, nextAttempt))
	w.log.Info().
		Str("delivery_id", delivery.ID).
		Int("attempt", job.Attempt).
		Time("next_attempt_at", notBefore).
		Str("error", out.errMsg).
		Msg("delivery scheduled for retry")
	return w.store.RescheduleJob(ctx, job.ID, nextAttempt, notBefore)
}

// deadLetter freezes the payload and the per-attempt error history once
// the retry schedule is exhausted.
func (w *Worker) deadLetter(ctx context.Context, delivery *models.Delivery, signal *models.Signal, channel *models.Channel) error {
	attempts, err := w.store.ListFailedAttempts(ctx, delivery.SignalID, delivery.SubscriptionID)
	if err != nil {
		return err
	}

	history := make([]models.AttemptError, 0, len(attempts))
	for _, a := range attempts {
		history = append(history, models.AttemptError{
			Attempt:   a.Attempt,
			Code:      a.StatusCode,
			Message:   a.ErrorMessage,
			Timestamp: a.UpdatedAt,
		})
	}

	payload, err := BuildEnvelope(channel, signal).Marshal()
	if err != nil {
		return err
	}

	return w.store.CreateDeadLetter(ctx, &models.DeadLetterEntry{
		ID:             models.NewID("dlq"),
		DeliveryID:     delivery.ID,
		SignalID:       delivery.SignalID,
		SubscriptionID: delivery.SubscriptionID,
		Payload:        payload,
		ErrorHistory:   history,
		CreatedAt:      time.Now().UTC(),
	})
}

func (w *Worker) updateDeliveryTransport(ctx context.Context, d *models.Delivery) error {
	return w.store.SetDeliveryTransport(ctx, d.ID, d.Mode, d.WebhookID)
}

// HandleNack downgrades a tunnel delivery after the agent reports a local
// forward failure and re-enters the retry ladder with the next attempt.
func (w *Worker) HandleNack(ctx context.Context, deliveryID, reason string) {
	ctx = context.WithoutCancel(ctx)

	delivery, err := w.store.GetDelivery(ctx, deliveryID)
	if err != nil || delivery == nil {
		w.log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("nack for unknown delivery")
		return
	}
	if delivery.Status == models.DeliveryFailed {
		return
	}

	if reason == "" {
		reason = "agent nack"
	}
	if err := w.store.MarkDelivery(ctx, delivery.ID, models.DeliveryFailed, 0, reason, delivery.LatencyMs); err != nil {
		w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("nack downgrade failed")
		return
	}

	signal, err := w.store.GetSignal(ctx, delivery.SignalID)
	if err != nil || signal == nil {
		w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("nack signal lookup failed")
		return
	}

	if delivery.Attempt >= w.maxAttempts() {
		channel, err := w.store.GetChannel(ctx, signal.ChannelID)
		if err != nil || channel == nil {
			w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("nack channel lookup failed")
			return
		}
		if err := w.deadLetter(ctx, delivery, signal, channel); err != nil {
			w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("nack dead-letter failed")
		}
		return
	}

	nextAttempt := delivery.Attempt + 1
	job := &models.DeliveryJob{
		ID:             models.NewID("job"),
		Queue:          signal.Urgency.Queue(),
		SignalID:       delivery.SignalID,
		SubscriptionID: delivery.SubscriptionID,
		WebhookID:      delivery.WebhookID,
		Attempt:        nextAttempt,
		NotBefore:      time.Now().UTC().Add(DelayFor(w.ladder, nextAttempt)),
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.store.EnqueueJob(ctx, job); err != nil {
		w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("nack re-enqueue failed")
	}
}
