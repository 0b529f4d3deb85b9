package handlers

import (
	"net/http"

	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
	"github.com/aipjn/character-creation-platform-sub000/internal/worker"
)

type queueMetricsResponse struct {
	Queue   queue.Metrics    `json:"queue"`
	Tracker *tracker.Metrics `json:"tracker,omitempty"`
	Worker  *worker.Stats    `json:"worker,omitempty"`
}

func (a *App) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.Queue.GetMetrics(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res := queueMetricsResponse{Queue: m}
	if a.Tracker != nil {
		tm := a.Tracker.GetMetrics()
		res.Tracker = &tm
	}
	if a.Worker != nil {
		ws := a.Worker.Stats()
		res.Worker = &ws
	}
	a.json(w, http.StatusOK, res)
}
