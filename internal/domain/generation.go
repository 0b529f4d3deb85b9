package domain

import (
	"fmt"
	"time"
)

// ResultMetadata describes a produced image.
type ResultMetadata struct {
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Format         string   `json:"format"`
	FileSize       int64    `json:"fileSize"`
	GenerationTime int64    `json:"generationTimeMs"`
	Seed           int64    `json:"seed,omitempty"`
	Model          string   `json:"model,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Cost           *float64 `json:"cost,omitempty"`
}

// GenerationResult is immutable once produced.
type GenerationResult struct {
	ID           string         `json:"id"`
	ImageURL     string         `json:"imageUrl"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
	Metadata     ResultMetadata `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	StorageKey   string         `json:"storageKey,omitempty"`
}

// Well-known generation error codes.
const (
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeConnectionReset    = "CONNECTION_RESET"
	ErrCodeServerError        = "SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         = "BAD_GATEWAY"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	ErrCodeInvalidPrompt      = "INVALID_PROMPT"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeShutdownTimeout    = "SHUTDOWN_TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeUnknown            = "UNKNOWN_ERROR"
)

// GenerationError is the error recorded on a job. Only Retryable errors are
// eligible for automatic retry and for circuit-breaker failure counting.
type GenerationError struct {
	Code          string     `json:"code"`
	Message       string     `json:"message"`
	Retryable     bool       `json:"retryable"`
	RetryCount    int        `json:"retryCount"`
	LastRetryAt   *time.Time `json:"lastRetryAt,omitempty"`
	OriginalError string     `json:"originalError,omitempty"`
}

func (e *GenerationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ProgressStage names the phase a running job is in.
type ProgressStage string

const (
	StageQueued         ProgressStage = "queued"
	StagePreprocessing  ProgressStage = "preprocessing"
	StageGenerating     ProgressStage = "generating"
	StagePostprocessing ProgressStage = "postprocessing"
	StageUploading      ProgressStage = "uploading"
)

// GenerationProgress reports how far along a job is.
type GenerationProgress struct {
	Percentage int           `json:"percentage"`
	Stage      ProgressStage `json:"stage"`
	Message    string        `json:"message,omitempty"`
	ETA        *time.Time    `json:"eta,omitempty"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
}

// Clamp bounds Percentage to 0..100.
func (p *GenerationProgress) Clamp() {
	if p == nil {
		return
	}
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
}
