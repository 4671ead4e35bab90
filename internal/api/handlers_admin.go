package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
)

type AdminHandler struct {
	store storage.Storage
}

func NewAdminHandler(store storage.Storage) *AdminHandler {
	return &AdminHandler{store: store}
}

type dlqItem struct {
	ID             string                `json:"id"`
	DeliveryID     string                `json:"deliveryId"`
	SignalID       string                `json:"signalId"`
	SubscriptionID string                `json:"subscriptionId"`
	ErrorHistory   []models.AttemptError `json:"errorHistory"`
	CreatedAt      time.Time             `json:"createdAt"`
}

type dlqListResponse struct {
	Items []dlqItem `json:"items"`
}

func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if requirePublisher(w, r) == nil {
		return
	}

	entries, err := h.store.ListUnresolvedDeadLetters(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	resp := dlqListResponse{Items: make([]dlqItem, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, dlqItem{
			ID:             e.ID,
			DeliveryID:     e.DeliveryID,
			SignalID:       e.SignalID,
			SubscriptionID: e.SubscriptionID,
			ErrorHistory:   e.ErrorHistory,
			CreatedAt:      e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type dlqRetryResponse struct {
	Status string `json:"status"`
}

// RetryDLQ re-enters the ladder for a dead-lettered pair with one fresh
// attempt. Resolving the entry first makes a double submit a no-op.
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	if requirePublisher(w, r) == nil {
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if entry == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "dlq entry not found")
		return
	}
	if entry.ResolvedAt != nil {
		writeJSON(w, http.StatusOK, dlqRetryResponse{Status: "queued"})
		return
	}

	final, err := h.store.GetDelivery(r.Context(), entry.DeliveryID)
	if err != nil || final == nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	signal, err := h.store.GetSignal(r.Context(), entry.SignalID)
	if err != nil || signal == nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	now := time.Now().UTC()
	if err := h.store.ResolveDeadLetter(r.Context(), entry.ID, now); err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	job := &models.DeliveryJob{
		ID:             models.NewID("job"),
		Queue:          signal.Urgency.Queue(),
		SignalID:       entry.SignalID,
		SubscriptionID: entry.SubscriptionID,
		WebhookID:      final.WebhookID,
		Attempt:        final.Attempt + 1,
		NotBefore:      now,
		CreatedAt:      now,
	}
	if err := h.store.EnqueueJob(r.Context(), job); err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, dlqRetryResponse{Status: "queued"})
}

type adminSignalResponse struct {
	Signal     signalListItem     `json:"signal"`
	Deliveries []deliveryListItem `json:"deliveries"`
}

// InspectSignal returns a signal with its full delivery history.
func (h *AdminHandler) InspectSignal(w http.ResponseWriter, r *http.Request) {
	if requirePublisher(w, r) == nil {
		return
	}

	id := chi.URLParam(r, "id")
	signal, err := h.store.GetSignal(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if signal == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "signal not found")
		return
	}

	deliveries, err := h.store.ListDeliveriesBySignal(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	resp := adminSignalResponse{
		Signal: signalListItem{
			ID:        signal.ID,
			Title:     signal.Title,
			Urgency:   signal.Urgency,
			CreatedAt: signal.CreatedAt,
		},
		Deliveries: make([]deliveryListItem, 0, len(deliveries)),
	}
	for _, d := range deliveries {
		resp.Deliveries = append(resp.Deliveries, deliveryListItem{
			ID:           d.ID,
			SignalID:     d.SignalID,
			Mode:         d.Mode,
			Attempt:      d.Attempt,
			Status:       d.Status,
			StatusCode:   d.StatusCode,
			ErrorMessage: d.ErrorMessage,
			LatencyMs:    d.LatencyMs,
			CreatedAt:    d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
