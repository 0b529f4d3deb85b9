package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/middleware"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
	"github.com/aipjn/character-creation-platform-sub000/internal/webhook"
	"github.com/aipjn/character-creation-platform-sub000/internal/worker"
)

const maxBodyBytes = 12 << 20

// App holds the components the HTTP handlers call into.
type App struct {
	Queue    *queue.Service
	Tracker  *tracker.Tracker
	Breakers *breaker.Registry
	Webhooks *webhook.Controller
	Worker   *worker.Worker
	Logger   zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	middleware.WriteError(w, status, code, message)
}

// fail maps err onto the API error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrUnknownJobType):
		a.error(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotCancellable):
		a.error(w, http.StatusBadRequest, "not_cancellable", err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, webhook.ErrWebhookNotFound), errors.Is(err, webhook.ErrDeliveryNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusForbidden, "forbidden", "access denied")
	case errors.Is(err, domain.ErrCapacity):
		a.error(w, http.StatusTooManyRequests, "capacity_exceeded", err.Error())
	case errors.Is(err, webhook.ErrInvalidURL), errors.Is(err, webhook.ErrUnknownEvent):
		a.error(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("read body: %v", err))
	}
	return body, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewValidationError("invalid JSON payload")
	}
	return nil
}
