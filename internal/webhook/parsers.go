package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Known inbound sources.
const (
	SourceDashScope = "dashscope"
	SourceReplicate = "replicate"
	SourceInternal  = "internal"
	SourceGeneric   = "generic"
)

// ParseInbound normalizes body according to source. Unknown sources use the
// generic parser.
func ParseInbound(source string, body []byte, now time.Time) (InboundUpdate, error) {
	var (
		u   InboundUpdate
		err error
	)
	switch source {
	case SourceDashScope:
		u, err = parseDashScope(body, now)
	case SourceReplicate:
		u, err = parseReplicate(body, now)
	case SourceInternal:
		u, err = parseInternal(body)
	default:
		source = SourceGeneric
		u, err = parseGeneric(body, now)
	}
	if err != nil {
		return InboundUpdate{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, source, err)
	}
	if u.JobID == "" {
		return InboundUpdate{}, fmt.Errorf("%w: %s: missing job id", ErrMalformedPayload, source)
	}
	u.Source = source
	if u.Progress != nil {
		u.Progress.Clamp()
	}
	return u, nil
}

// NormalizeStatus maps the status vocabularies of external services onto
// job statuses. Unrecognized values return "".
func NormalizeStatus(s string) domain.JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "waiting":
		return domain.JobStatusPending
	case "queued", "starting", "submitted":
		return domain.JobStatusQueued
	case "processing", "running", "in_progress", "started":
		return domain.JobStatusProcessing
	case "completed", "succeeded", "success", "done", "finished":
		return domain.JobStatusCompleted
	case "failed", "failure", "error", "unknown":
		return domain.JobStatusFailed
	case "cancelled", "canceled":
		return domain.JobStatusCancelled
	default:
		return ""
	}
}

func imageResults(urls []string, provider string, now time.Time) []domain.GenerationResult {
	out := make([]domain.GenerationResult, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, domain.GenerationResult{
			ID:        uuid.NewString(),
			ImageURL:  u,
			CreatedAt: now,
			Metadata:  domain.ResultMetadata{Provider: provider},
		})
	}
	return out
}

func failure(code, message string) *domain.GenerationError {
	if code == "" {
		code = domain.ErrCodeUnknown
	}
	return &domain.GenerationError{Code: code, Message: message}
}

// dashscopeCallback is the async task notification shape.
type dashscopeCallback struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

func parseDashScope(body []byte, now time.Time) (InboundUpdate, error) {
	var cb dashscopeCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return InboundUpdate{}, err
	}
	u := InboundUpdate{JobID: cb.RequestID, Status: NormalizeStatus(cb.Output.TaskStatus)}
	var urls []string
	for _, r := range cb.Output.Results {
		urls = append(urls, r.URL)
	}
	u.Results = imageResults(urls, SourceDashScope, now)
	if u.Status == domain.JobStatusFailed {
		u.Error = failure(cb.Output.Code, cb.Output.Message)
	}
	return u, nil
}

// replicateCallback is a prediction webhook. The job id travels in the
// prediction input.
type replicateCallback struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	Input  struct {
		JobID     string `json:"job_id"`
		RequestID string `json:"request_id"`
	} `json:"input"`
}

func parseReplicate(body []byte, now time.Time) (InboundUpdate, error) {
	var cb replicateCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return InboundUpdate{}, err
	}
	u := InboundUpdate{JobID: cb.Input.JobID, Status: NormalizeStatus(cb.Status)}
	if u.JobID == "" {
		u.JobID = cb.Input.RequestID
	}
	if len(cb.Output) > 0 && string(cb.Output) != "null" {
		var many []string
		if err := json.Unmarshal(cb.Output, &many); err != nil {
			var one string
			if err := json.Unmarshal(cb.Output, &one); err != nil {
				return InboundUpdate{}, fmt.Errorf("output: %w", err)
			}
			many = []string{one}
		}
		u.Results = imageResults(many, SourceReplicate, now)
	}
	if cb.Error != nil {
		u.Error = failure("", fmt.Sprint(cb.Error))
		if u.Status == "" {
			u.Status = domain.JobStatusFailed
		}
	}
	return u, nil
}

// parseInternal accepts the shape this service publishes itself.
func parseInternal(body []byte) (InboundUpdate, error) {
	var in struct {
		JobID    string                     `json:"jobId"`
		Status   domain.JobStatus           `json:"status"`
		Progress *domain.GenerationProgress `json:"progress"`
		Error    *domain.GenerationError    `json:"error"`
		Results  []domain.GenerationResult  `json:"results"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return InboundUpdate{}, err
	}
	if in.Status != "" && !in.Status.Valid() {
		return InboundUpdate{}, fmt.Errorf("status %q is not valid", in.Status)
	}
	return InboundUpdate{JobID: in.JobID, Status: in.Status, Progress: in.Progress, Error: in.Error, Results: in.Results}, nil
}

// parseGeneric looks for common field names.
func parseGeneric(body []byte, now time.Time) (InboundUpdate, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return InboundUpdate{}, err
	}
	u := InboundUpdate{JobID: firstString(m, "jobId", "job_id", "id")}
	u.Status = NormalizeStatus(firstString(m, "status", "state"))

	switch p := m["progress"].(type) {
	case float64:
		u.Progress = &domain.GenerationProgress{Percentage: int(p), Stage: domain.StageGenerating}
	case map[string]any:
		pct, _ := p["percentage"].(float64)
		stage, _ := p["stage"].(string)
		msg, _ := p["message"].(string)
		if stage == "" {
			stage = string(domain.StageGenerating)
		}
		u.Progress = &domain.GenerationProgress{Percentage: int(pct), Stage: domain.ProgressStage(stage), Message: msg}
	}

	switch e := m["error"].(type) {
	case string:
		if e != "" {
			u.Error = failure("", e)
		}
	case map[string]any:
		code, _ := e["code"].(string)
		msg, _ := e["message"].(string)
		u.Error = failure(code, msg)
	}

	var urls []string
	for _, key := range []string{"results", "result", "images", "urls", "url"} {
		urls = append(urls, stringsOf(m[key])...)
	}
	u.Results = imageResults(urls, SourceGeneric, now)
	return u, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// stringsOf extracts URLs from a string, a list of strings, or objects with
// a url/imageUrl field.
func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		return []string{firstString(t, "url", "imageUrl", "image_url")}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, stringsOf(item)...)
		}
		return out
	default:
		return nil
	}
}
