package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
	"github.com/aipjn/character-creation-platform-sub000/internal/worker"
)

func (a *App) probes() []tracker.Probe {
	return []tracker.Probe{
		{Name: "provider_api", Check: a.checkProvider},
		{Name: "database", Check: a.checkDatabase},
		{Name: "storage", Check: a.checkStorage},
		{Name: "cache", Check: a.checkCache},
		{Name: "queue", Check: a.checkQueue},
	}
}

// checkProvider reads the provider breaker instead of calling the API.
func (a *App) checkProvider(context.Context) (tracker.HealthStatus, error) {
	switch a.Breakers.Get(worker.ProviderBreaker).State() {
	case breaker.StateOpen:
		return tracker.HealthUnhealthy, breaker.ErrOpen
	case breaker.StateHalfOpen:
		return tracker.HealthDegraded, nil
	default:
		return tracker.HealthHealthy, nil
	}
}

func (a *App) checkDatabase(ctx context.Context) (tracker.HealthStatus, error) {
	if err := a.Store.Ping(ctx); err != nil {
		return tracker.HealthUnhealthy, err
	}
	return tracker.HealthHealthy, nil
}

func (a *App) checkStorage(ctx context.Context) (tracker.HealthStatus, error) {
	if a.cfg.StorageHealthURL == "" {
		return tracker.HealthHealthy, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.StorageHealthURL, nil)
	if err != nil {
		return tracker.HealthUnhealthy, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return tracker.HealthUnhealthy, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return tracker.HealthUnhealthy, fmt.Errorf("storage returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return tracker.HealthDegraded, fmt.Errorf("storage returned %d", resp.StatusCode)
	}
	return tracker.HealthHealthy, nil
}

// checkCache never reports unhealthy; an unreachable cache only degrades.
func (a *App) checkCache(ctx context.Context) (tracker.HealthStatus, error) {
	if a.Cache == nil {
		return tracker.HealthHealthy, nil
	}
	if err := a.Cache.Ping(ctx); err != nil {
		return tracker.HealthDegraded, err
	}
	return tracker.HealthHealthy, nil
}

func (a *App) checkQueue(ctx context.Context) (tracker.HealthStatus, error) {
	h, err := a.Queue.GetHealthStatus(ctx)
	if err != nil {
		return tracker.HealthUnhealthy, err
	}
	if h.Status != queue.HealthHealthy {
		return tracker.HealthDegraded, nil
	}
	return tracker.HealthHealthy, nil
}
