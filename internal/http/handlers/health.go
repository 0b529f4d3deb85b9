package handlers

import (
	"net/http"

	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
)

// Healthz is the liveness probe.
func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports the tracker's last aggregated health check.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	report := a.Tracker.GetHealth()
	code := http.StatusOK
	if report.Status == tracker.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	a.json(w, code, report)
}

func (a *App) QueueHealth(w http.ResponseWriter, r *http.Request) {
	h, err := a.Queue.GetHealthStatus(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if h.Status != queue.HealthHealthy {
		code = http.StatusServiceUnavailable
	}
	a.json(w, code, h)
}

func (a *App) BreakerHealth(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Breakers.Health())
}
