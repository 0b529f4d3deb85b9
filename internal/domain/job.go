package domain

import (
	"time"
)

// JobType enumerates supported generation job categories.
type JobType string

const (
	JobTypeCharacter JobType = "character"
	JobTypeBatch     JobType = "batch"
	JobTypeSingle    JobType = "single"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCharacter, JobTypeBatch, JobTypeSingle:
		return true
	default:
		return false
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job still occupies queue capacity.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// ActiveStatuses lists the statuses counted against queue and per-user limits.
func ActiveStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusQueued, JobStatusProcessing}
}

// Priority orders pending jobs at dequeue time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority onto a sortable integer; unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// JobMeta holds the fields shared by every job variant.
type JobMeta struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId,omitempty"`
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	RetryCount  int        `json:"retryCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// Job is the closed sum of the three job variants. Only *CharacterJob,
// *BatchJob and *SingleJob implement it.
type Job interface {
	Meta() *JobMeta
	Type() JobType
	isJob()
}

// CharacterSpecs describes the character to render.
type CharacterSpecs struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description" validate:"required,max=2000"`
	Traits      []string `json:"traits,omitempty" validate:"max=20,dive,max=100"`
	Appearance  string   `json:"appearance,omitempty" validate:"max=1000"`
	Personality string   `json:"personality,omitempty" validate:"max=1000"`
	Background  string   `json:"background,omitempty" validate:"max=1000"`
}

// GenerationParams tunes the provider call.
type GenerationParams struct {
	Quality      string `json:"quality,omitempty" validate:"omitempty,oneof=draft standard high ultra"`
	AspectRatio  string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 4:3 3:4 16:9 9:16"`
	OutputFormat string `json:"outputFormat,omitempty" validate:"omitempty,oneof=png jpeg webp"`
	Style        string `json:"style,omitempty" validate:"max=100"`
	Variations   int    `json:"variations,omitempty" validate:"omitempty,min=1,max=4"`
}

const (
	DefaultQuality      = "standard"
	DefaultAspectRatio  = "1:1"
	DefaultOutputFormat = "png"
	DefaultVariations   = 1
	MaxVariations       = 4
)

// WithDefaults fills unset fields.
func (p GenerationParams) WithDefaults() GenerationParams {
	if p.Quality == "" {
		p.Quality = DefaultQuality
	}
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
	if p.OutputFormat == "" {
		p.OutputFormat = DefaultOutputFormat
	}
	if p.Variations <= 0 {
		p.Variations = DefaultVariations
	}
	return p
}

// CharacterJob renders one or more images of a character.
type CharacterJob struct {
	JobMeta
	CharacterID      string              `json:"characterId,omitempty"`
	CharacterSpecs   CharacterSpecs      `json:"characterSpecs"`
	GenerationParams GenerationParams    `json:"generationParams"`
	Results          []GenerationResult  `json:"results,omitempty"`
	Error            *GenerationError    `json:"error,omitempty"`
	Progress         *GenerationProgress `json:"progress,omitempty"`
}

// BatchJob groups up to MaxBatchSize single requests.
type BatchJob struct {
	JobMeta
	BatchID           string              `json:"batchId"`
	Requests          []*SingleJob        `json:"requests"`
	TotalRequests     int                 `json:"totalRequests"`
	CompletedRequests int                 `json:"completedRequests"`
	FailedRequests    int                 `json:"failedRequests"`
	Results           []GenerationResult  `json:"results,omitempty"`
	Error             *GenerationError    `json:"error,omitempty"`
	Progress          *GenerationProgress `json:"progress,omitempty"`
}

// MaxBatchSize caps the number of embedded requests in a batch.
const MaxBatchSize = 4

// SingleJob is a plain prompt-to-image (or image-to-image) request.
type SingleJob struct {
	JobMeta
	Prompt           string              `json:"prompt"`
	NegativePrompt   string              `json:"negativePrompt,omitempty"`
	GenerationParams GenerationParams    `json:"generationParams"`
	InputImage       string              `json:"inputImage,omitempty"`
	Result           *GenerationResult   `json:"result,omitempty"`
	Error            *GenerationError    `json:"error,omitempty"`
	Progress         *GenerationProgress `json:"progress,omitempty"`
}

func (j *CharacterJob) Meta() *JobMeta { return &j.JobMeta }
func (j *BatchJob) Meta() *JobMeta     { return &j.JobMeta }
func (j *SingleJob) Meta() *JobMeta    { return &j.JobMeta }

func (*CharacterJob) Type() JobType { return JobTypeCharacter }
func (*BatchJob) Type() JobType     { return JobTypeBatch }
func (*SingleJob) Type() JobType    { return JobTypeSingle }

func (*CharacterJob) isJob() {}
func (*BatchJob) isJob()     {}
func (*SingleJob) isJob()    {}

// SetStatus is the only place a job's status changes. It keeps CompletedAt set
// exactly when the status is terminal.
func SetStatus(job Job, status JobStatus, now time.Time) {
	meta := job.Meta()
	meta.Status = status
	meta.UpdatedAt = now
	if status.IsTerminal() {
		if meta.CompletedAt == nil {
			ts := now
			meta.CompletedAt = &ts
		}
		return
	}
	meta.CompletedAt = nil
}

// JobError returns the error recorded on the job, if any.
func JobError(job Job) *GenerationError {
	switch j := job.(type) {
	case *CharacterJob:
		return j.Error
	case *BatchJob:
		return j.Error
	case *SingleJob:
		return j.Error
	default:
		return nil
	}
}

// SetJobError records err on the job.
func SetJobError(job Job, err *GenerationError) {
	switch j := job.(type) {
	case *CharacterJob:
		j.Error = err
	case *BatchJob:
		j.Error = err
	case *SingleJob:
		j.Error = err
	}
}

// JobProgress returns the progress recorded on the job, if any.
func JobProgress(job Job) *GenerationProgress {
	switch j := job.(type) {
	case *CharacterJob:
		return j.Progress
	case *BatchJob:
		return j.Progress
	case *SingleJob:
		return j.Progress
	default:
		return nil
	}
}

// SetJobProgress records progress on the job.
func SetJobProgress(job Job, p *GenerationProgress) {
	switch j := job.(type) {
	case *CharacterJob:
		j.Progress = p
	case *BatchJob:
		j.Progress = p
	case *SingleJob:
		j.Progress = p
	}
}

// JobResults returns every result attached to the job.
func JobResults(job Job) []GenerationResult {
	switch j := job.(type) {
	case *CharacterJob:
		return j.Results
	case *BatchJob:
		return j.Results
	case *SingleJob:
		if j.Result == nil {
			return nil
		}
		return []GenerationResult{*j.Result}
	default:
		return nil
	}
}

// SetJobResults stores results on the job. Single jobs keep the first result.
func SetJobResults(job Job, results []GenerationResult) {
	switch j := job.(type) {
	case *CharacterJob:
		j.Results = results
	case *BatchJob:
		j.Results = results
	case *SingleJob:
		if len(results) == 0 {
			j.Result = nil
			return
		}
		r := results[0]
		j.Result = &r
	}
}

// CloneJob returns a deep copy so cached snapshots are never aliased.
func CloneJob(job Job) Job {
	if job == nil {
		return nil
	}
	data, err := MarshalJob(job)
	if err != nil {
		return nil
	}
	cloned, err := UnmarshalJob(data)
	if err != nil {
		return nil
	}
	return cloned
}
