package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("provider: api key is required")

// Error is a classified provider failure.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable lets the circuit breaker count only transient failures.
func (e *Error) IsRetryable() bool { return e.Retryable }

// NewError builds an Error whose retryability follows its code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: RetryableCode(code)}
}

// RetryableCode reports whether code names a transient failure.
func RetryableCode(code string) bool {
	switch code {
	case domain.ErrCodeRateLimited,
		domain.ErrCodeTimeout,
		domain.ErrCodeNetwork,
		domain.ErrCodeConnectionReset,
		domain.ErrCodeServerError,
		domain.ErrCodeServiceUnavailable,
		domain.ErrCodeBadGateway,
		domain.ErrCodeGatewayTimeout:
		return true
	default:
		return false
	}
}

// FromStatus classifies a non-2xx response.
func FromStatus(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	var code string
	switch {
	case status == http.StatusTooManyRequests:
		code = domain.ErrCodeRateLimited
	case status == http.StatusRequestTimeout:
		code = domain.ErrCodeTimeout
	case status == http.StatusGatewayTimeout:
		code = domain.ErrCodeGatewayTimeout
	case status == http.StatusBadGateway:
		code = domain.ErrCodeBadGateway
	case status == http.StatusServiceUnavailable:
		code = domain.ErrCodeServiceUnavailable
	case status >= 500:
		code = domain.ErrCodeServerError
	case status == http.StatusPaymentRequired:
		code = domain.ErrCodeQuotaExceeded
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		code = domain.ErrCodeInvalidPrompt
	default:
		code = domain.ErrCodeUnknown
	}
	e := NewError(code, message)
	e.StatusCode = status
	return e
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	code := domain.ErrCodeNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = domain.ErrCodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = domain.ErrCodeTimeout
	case errors.Is(err, syscall.ECONNRESET), strings.Contains(err.Error(), "connection reset"):
		code = domain.ErrCodeConnectionReset
	}
	e := NewError(code, err.Error())
	e.Cause = err
	return e
}

// ToGenerationError converts any error into the shape recorded on a job.
func ToGenerationError(err error) *domain.GenerationError {
	if err == nil {
		return nil
	}
	var ge *domain.GenerationError
	if errors.As(err, &ge) {
		cp := *ge
		return &cp
	}
	var pe *Error
	if errors.As(err, &pe) {
		out := &domain.GenerationError{Code: pe.Code, Message: pe.Message, Retryable: pe.Retryable}
		if pe.Cause != nil {
			out.OriginalError = pe.Cause.Error()
		}
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.GenerationError{Code: domain.ErrCodeTimeout, Message: err.Error(), Retryable: true, OriginalError: err.Error()}
	}
	return &domain.GenerationError{Code: domain.ErrCodeUnknown, Message: err.Error(), OriginalError: err.Error()}
}
