package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/webhook"
)

type registerWebhookRequest struct {
	URL    string             `json:"url"`
	Events []domain.EventType `json:"events"`
	Secret string             `json:"secret"`
}

func (a *App) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req registerWebhookRequest
	if err := decodeJSON(body, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	reg, err := a.Webhooks.RegisterWebhook(req.URL, req.Events, req.Secret)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, reg)
}

func (a *App) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"webhooks": a.Webhooks.ListWebhooks()})
}

func (a *App) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Webhooks.UnregisterWebhook(id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (a *App) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := webhook.DeliveryFilter{
		WebhookID: q.Get("webhookId"),
		JobID:     q.Get("jobId"),
		Status:    webhook.DeliveryStatus(q.Get("status")),
		Limit:     defaultListLimit,
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = min(n, maxListLimit)
	}
	a.json(w, http.StatusOK, map[string]any{"deliveries": a.Webhooks.Deliveries(filter)})
}

func (a *App) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := a.Webhooks.GetDelivery(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, d)
}
