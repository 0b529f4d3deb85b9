package tracker

import (
	"context"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (h HealthStatus) level() int {
	switch h {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Probe checks one dependent service.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (HealthStatus, error)
}

type ServiceHealth struct {
	Status    HealthStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checkedAt"`
	Took      int64        `json:"latencyMs"`
}

// HealthReport is the aggregated view. Overall status is the worst service
// status.
type HealthReport struct {
	Status    HealthStatus             `json:"status"`
	Services  map[string]ServiceHealth `json:"services"`
	CheckedAt time.Time                `json:"checkedAt"`
}

// GetHealth returns the last computed report.
func (t *Tracker) GetHealth() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyReport(t.health)
}

// CheckHealth runs every probe, stores the report and emits health_changed
// when the overall status moved.
func (t *Tracker) CheckHealth(ctx context.Context) HealthReport {
	now := t.clock.Now().UTC()
	report := HealthReport{Status: HealthHealthy, Services: make(map[string]ServiceHealth, len(t.probes)), CheckedAt: now}
	for _, p := range t.probes {
		sh := t.runProbe(ctx, p)
		report.Services[p.Name] = sh
		t.metrics.SetServiceHealth(p.Name, sh.Status.level())
		if sh.Status.level() < report.Status.level() {
			report.Status = sh.Status
		}
	}

	t.mu.Lock()
	prev := t.health.Status
	first := !t.healthSeen
	t.health = report
	t.healthSeen = true
	t.mu.Unlock()

	if !first && prev != report.Status {
		t.logger.Warn().
			Str("from", string(prev)).
			Str("to", string(report.Status)).
			Msg("tracker: health changed")
		t.publish(ctx, events.Event{
			Type:      domain.EventHealthChanged,
			Timestamp: now,
			Metadata: map[string]any{
				"previous": string(prev),
				"current":  string(report.Status),
				"services": copyReport(report).Services,
			},
		})
	}
	return copyReport(report)
}

func (t *Tracker) runProbe(ctx context.Context, p Probe) ServiceHealth {
	start := t.clock.Now()
	pctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	status, err := p.Check(pctx)
	sh := ServiceHealth{Status: status, CheckedAt: t.clock.Now().UTC(), Took: t.clock.Since(start).Milliseconds()}
	if err != nil {
		sh.Error = err.Error()
		if status == "" || status == HealthHealthy {
			sh.Status = HealthUnhealthy
		}
	}
	if sh.Status == "" {
		sh.Status = HealthHealthy
	}
	return sh
}

func copyReport(r HealthReport) HealthReport {
	out := r
	out.Services = make(map[string]ServiceHealth, len(r.Services))
	for k, v := range r.Services {
		out.Services[k] = v
	}
	return out
}
