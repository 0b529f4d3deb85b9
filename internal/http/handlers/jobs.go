package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type characterGenerateRequest struct {
	CharacterID      string                  `json:"characterId"`
	CharacterSpecs   domain.CharacterSpecs   `json:"characterSpecs"`
	GenerationParams domain.GenerationParams `json:"generationParams"`
	Priority         domain.Priority         `json:"priority"`
	ScheduledAt      *time.Time              `json:"scheduledAt"`
}

// jobEnvelope carries the admission fields shared by every job type; the
// rest of the body is decoded into the payload for Type.
type jobEnvelope struct {
	Type        domain.JobType  `json:"type"`
	Priority    domain.Priority `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduledAt"`
}

type jobCreatedResponse struct {
	JobID  string           `json:"jobId"`
	Status domain.JobStatus `json:"status"`
}

type jobResponse struct {
	Job      json.RawMessage            `json:"job"`
	Progress *domain.GenerationProgress `json:"progress,omitempty"`
	Timeline []tracker.TimelineEntry    `json:"timeline,omitempty"`
}

func (a *App) GenerateCharacter(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req characterGenerateRequest
	if err := decodeJSON(body, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	a.enqueue(w, r, queue.Request{
		UserID:      a.currentUserID(r),
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		Payload: queue.CharacterPayload{
			CharacterID: req.CharacterID,
			Specs:       req.CharacterSpecs,
			Params:      req.GenerationParams,
		},
	})
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var env jobEnvelope
	if err := decodeJSON(body, &env); err != nil {
		a.fail(w, r, err)
		return
	}
	var payload queue.Payload
	switch env.Type {
	case domain.JobTypeCharacter:
		var p queue.CharacterPayload
		err = decodeJSON(body, &p)
		payload = p
	case domain.JobTypeBatch:
		var p queue.BatchPayload
		err = decodeJSON(body, &p)
		payload = p
	case domain.JobTypeSingle:
		var p queue.SinglePayload
		err = decodeJSON(body, &p)
		payload = p
	default:
		a.fail(w, r, domain.NewValidationError("type must be one of character, batch, single"))
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.enqueue(w, r, queue.Request{
		UserID:      a.currentUserID(r),
		Priority:    env.Priority,
		ScheduledAt: env.ScheduledAt,
		Payload:     payload,
	})
}

func (a *App) enqueue(w http.ResponseWriter, r *http.Request, req queue.Request) {
	id, err := a.Queue.Enqueue(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := domain.JobStatusPending
	if job, err := a.Queue.GetJob(r.Context(), id, ""); err == nil {
		status = job.Meta().Status
	}
	a.json(w, http.StatusCreated, jobCreatedResponse{JobID: id, Status: status})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Queue.GetJob(r.Context(), id, a.currentUserID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	doc, err := domain.MarshalJob(job)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res := jobResponse{Job: doc, Progress: domain.JobProgress(job)}
	if wantTimeline, _ := strconv.ParseBool(r.URL.Query().Get("timeline")); wantTimeline && a.Tracker != nil {
		res.Timeline = a.Tracker.Timeline(id)
	}
	a.json(w, http.StatusOK, res)
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Queue.CancelJob(r.Context(), id, a.currentUserID(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"jobId": id, "cancelled": true})
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{UserID: a.currentUserID(r), Limit: defaultListLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, r, domain.NewValidationError("limit must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	for _, s := range splitList(q.Get("status")) {
		st := domain.JobStatus(s)
		if !st.Valid() {
			a.fail(w, r, domain.NewValidationError("unknown status "+strconv.Quote(s)))
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, s := range splitList(q.Get("type")) {
		jt := domain.JobType(s)
		if !jt.Valid() {
			a.fail(w, r, domain.NewValidationError("unknown type "+strconv.Quote(s)))
			return
		}
		filter.Types = append(filter.Types, jt)
	}

	jobs, err := a.Queue.ListJobs(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]json.RawMessage, 0, len(jobs))
	for _, job := range jobs {
		doc, err := domain.MarshalJob(job)
		if err != nil {
			continue
		}
		items = append(items, doc)
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": items, "count": len(items)})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
