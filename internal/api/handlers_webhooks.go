package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
)

type WebhookHandler struct {
	store storage.Storage
}

func NewWebhookHandler(store storage.Storage) *WebhookHandler {
	return &WebhookHandler{store: store}
}

type deliveryListItem struct {
	ID           string                `json:"id"`
	SignalID     string                `json:"signalId"`
	Mode         models.DeliveryMode   `json:"mode"`
	Attempt      int                   `json:"attempt"`
	Status       models.DeliveryStatus `json:"status"`
	StatusCode   int                   `json:"statusCode,omitempty"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
	LatencyMs    int64                 `json:"latencyMs,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
}

type listDeliveriesResponse struct {
	Items      []deliveryListItem `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ListDeliveries shows a subscriber the delivery records for one of its
// webhooks; this is how subscribers observe their own delivery health.
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ac := requireSubscriber(w, r)
	if ac == nil {
		return
	}

	webhookID := chi.URLParam(r, "id")
	webhook, err := h.store.GetWebhook(r.Context(), webhookID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	if webhook == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "webhook not found")
		return
	}
	if webhook.SubscriberID != ac.OwnerID {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not webhook owner")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")

	deliveries, err := h.store.ListDeliveriesByWebhook(r.Context(), webhookID, limit, cursor)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	resp := listDeliveriesResponse{Items: make([]deliveryListItem, 0, len(deliveries))}
	for _, d := range deliveries {
		resp.Items = append(resp.Items, deliveryListItem{
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
	if len(deliveries) > 0 {
		resp.NextCursor = deliveries[len(deliveries)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
