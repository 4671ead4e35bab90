package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
)

const maxSignalBodyBytes = 1 << 20

type SignalHandler struct {
	store         storage.Storage
	ingestTimeout time.Duration
}

func NewSignalHandler(store storage.Storage, ingestTimeout time.Duration) *SignalHandler {
	if ingestTimeout <= 0 {
		ingestTimeout = 10 * time.Second
	}
	return &SignalHandler{store: store, ingestTimeout: ingestTimeout}
}

type pushSignalRequest struct {
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Urgency  string          `json:"urgency"`
	Metadata json.RawMessage `json:"metadata"`
}

type pushSignalResponse struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Push ingests one signal: validate, persist, and fan out one delivery job
// per active subscription, all in one transaction. The publisher only ever
// learns "accepted" or an input error.
func (h *SignalHandler) Push(w http.ResponseWriter, r *http.Request) {
	ac := requirePublisher(w, r)
	if ac == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.ingestTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxSignalBodyBytes+64*1024)
	var req pushSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "title is required")
		return
	}
	if len(req.Body) > maxSignalBodyBytes {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "body exceeds 1 MiB")
		return
	}
	urgency := models.SignalUrgency(req.Urgency)
	if req.Urgency == "" {
		urgency = models.UrgencyNormal
	}
	if !urgency.Valid() {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "urgency must be one of low, normal, high, critical")
		return
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "metadata must be valid JSON")
		return
	}

	channelID := chi.URLParam(r, "id")
	channel, err := h.store.GetChannel(ctx, channelID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if channel == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "channel not found")
		return
	}
	if channel.PublisherID != ac.OwnerID {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not channel owner")
		return
	}
	if channel.Status != models.ChannelActive {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "channel is not active")
		return
	}

	subs, err := h.store.ListActiveSubscriptionsByChannel(ctx, channelID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	now := time.Now().UTC()
	signal := &models.Signal{
		ID:        models.NewID("sig"),
		ChannelID: channelID,
		Title:     req.Title,
		Body:      req.Body,
		Urgency:   urgency,
		Metadata:  req.Metadata,
		Status:    models.SignalActive,
		CreatedAt: now,
	}

	queue := urgency.Queue()
	jobs := make([]models.DeliveryJob, 0, len(subs))
	for _, sub := range subs {
		jobs = append(jobs, models.DeliveryJob{
			ID:             models.NewID("job"),
			Queue:          queue,
			SignalID:       signal.ID,
			SubscriptionID: sub.ID,
			WebhookID:      sub.WebhookID,
			Attempt:        1,
			NotBefore:      now,
			CreatedAt:      now,
		})
	}

	if err := h.store.CreateSignalWithFanout(ctx, signal, jobs); err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, pushSignalResponse{
		ID:        signal.ID,
		ChannelID: signal.ChannelID,
		Status:    string(signal.Status),
		CreatedAt: signal.CreatedAt,
	})
}

type signalListItem struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Urgency   models.SignalUrgency `json:"urgency"`
	CreatedAt time.Time            `json:"createdAt"`
}

type listSignalsResponse struct {
	Items      []signalListItem `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func (h *SignalHandler) List(w http.ResponseWriter, r *http.Request) {
	ac := requirePublisher(w, r)
	if ac == nil {
		return
	}

	channelID := chi.URLParam(r, "id")
	channel, err := h.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if channel == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "channel not found")
		return
	}
	if channel.PublisherID != ac.OwnerID {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not channel owner")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")

	signals, err := h.store.ListSignalsByChannel(r.Context(), channelID, limit, cursor)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	resp := listSignalsResponse{Items: make([]signalListItem, 0, len(signals))}
	for _, sig := range signals {
		resp.Items = append(resp.Items, signalListItem{
			ID:        sig.ID,
			Title:     sig.Title,
			Urgency:   sig.Urgency,
			CreatedAt: sig.CreatedAt,
		})
	}
	if len(signals) > 0 {
		resp.NextCursor = signals[len(signals)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type channelStatsResponse struct {
	SignalCount         int64   `json:"signalCount"`
	SubscriberCount     int64   `json:"subscriberCount"`
	DeliverySuccessRate float64 `json:"deliverySuccessRate"`
}

func (h *SignalHandler) ChannelStats(w http.ResponseWriter, r *http.Request) {
	ac := requirePublisher(w, r)
	if ac == nil {
		return
	}

	channelID := chi.URLParam(r, "id")
	channel, err := h.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if channel == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "channel not found")
		return
	}
	if channel.PublisherID != ac.OwnerID {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not channel owner")
		return
	}

	stats, err := h.store.GetChannelStats(r.Context(), channelID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, channelStatsResponse{
		SignalCount:         stats.SignalCount,
		SubscriberCount:     stats.SubscriberCount,
		DeliverySuccessRate: stats.DeliverySuccessRate,
	})
}
