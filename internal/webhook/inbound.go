package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
)

// Inbound failures. Each maps to one HTTP status in ServeHTTP.
var (
	ErrPayloadTooLarge    = errors.New("webhook: payload too large")
	ErrContentType        = errors.New("webhook: content type must be application/json")
	ErrMissingSignature   = errors.New("webhook: missing signature headers")
	ErrBadTimestamp       = errors.New("webhook: timestamp outside tolerance")
	ErrBadSignature       = errors.New("webhook: signature mismatch")
	ErrNoSecret           = errors.New("webhook: no secret configured for source")
	ErrMalformedPayload   = errors.New("webhook: malformed payload")
	ErrUnknownJob         = errors.New("webhook: job is not tracked")
	ErrUpdaterUnavailable = errors.New("webhook: no status updater configured")
)

// InboundUpdate is a callback normalized across sources.
type InboundUpdate struct {
	Source   string                     `json:"source"`
	JobID    string                     `json:"jobId"`
	Status   domain.JobStatus           `json:"status,omitempty"`
	Progress *domain.GenerationProgress `json:"progress,omitempty"`
	Error    *domain.GenerationError    `json:"error,omitempty"`
	Results  []domain.GenerationResult  `json:"results,omitempty"`
}

// InboundSignature computes the signature an inbound sender must put in
// X-Signature: hex HMAC-SHA256 over "<timestamp>.<body>".
func InboundSignature(secret, timestamp string, body []byte) string {
	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	return Sign(secret, signed)
}

// VerifyInbound checks the X-Timestamp/X-Signature pair for source.
func (c *Controller) VerifyInbound(source string, header http.Header, body []byte) error {
	secret, ok := c.cfg.InboundSecrets[source]
	if !ok || secret == "" {
		secret = c.cfg.DefaultInboundSecret
	}
	if secret == "" {
		return ErrNoSecret
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header.Get("X-Signature")), "sha256=")
	ts := strings.TrimSpace(header.Get("X-Timestamp"))
	if sig == "" || ts == "" {
		return ErrMissingSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	skew := c.clock.Now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.cfg.TimestampTolerance {
		return ErrBadTimestamp
	}
	expected := InboundSignature(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}
	return nil
}

// HandleInbound verifies, parses and forwards one callback body.
func (c *Controller) HandleInbound(ctx context.Context, source string, header http.Header, body []byte) (InboundUpdate, error) {
	if int64(len(body)) > c.cfg.MaxPayloadSize {
		return InboundUpdate{}, ErrPayloadTooLarge
	}
	if err := c.VerifyInbound(source, header, body); err != nil {
		return InboundUpdate{}, err
	}
	update, err := ParseInbound(source, body, c.clock.Now().UTC())
	if err != nil {
		return InboundUpdate{}, err
	}
	if c.updater == nil {
		return update, ErrUpdaterUnavailable
	}
	ok := c.updater.UpdateJobStatus(ctx, update.JobID, tracker.Change{
		Status:   update.Status,
		Progress: update.Progress,
		Error:    update.Error,
		Results:  update.Results,
		Metadata: map[string]any{"source": update.Source},
	})
	if !ok {
		return update, fmt.Errorf("%w: %s", ErrUnknownJob, update.JobID)
	}
	c.logger.Info().
		Str("source", update.Source).
		Str("job_id", update.JobID).
		Str("status", string(update.Status)).
		Msg("webhook: inbound update applied")
	return update, nil
}

type inboundError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeHTTP is the inbound endpoint. Size and content type are checked
// before the body is parsed.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Source")))
	if source == "" {
		source = r.URL.Query().Get("source")
	}
	if source == "" {
		source = SourceGeneric
	}

	code, err := c.serveInbound(w, r, source)
	c.metrics.InboundWebhook(source, code)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", source).Int("status", code).Msg("webhook: inbound rejected")
		writeJSON(w, code, map[string]any{"error": inboundError{Code: errorCode(code), Message: err.Error()}})
	}
}

func (c *Controller) serveInbound(w http.ResponseWriter, r *http.Request, source string) (int, error) {
	if r.ContentLength > c.cfg.MaxPayloadSize {
		return http.StatusRequestEntityTooLarge, ErrPayloadTooLarge
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return http.StatusBadRequest, ErrContentType
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, c.cfg.MaxPayloadSize+1))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}

	update, err := c.HandleInbound(r.Context(), source, r.Header, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "jobId": update.JobID, "status": update.Status})
		return http.StatusOK, nil
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, err
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrBadTimestamp), errors.Is(err, ErrNoSecret):
		return http.StatusUnauthorized, err
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrUnknownJob):
		return http.StatusBadRequest, err
	default:
		return http.StatusInternalServerError, err
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnauthorized:
		return "invalid_signature"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
