package agent

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes a model backend failure for retry decisions.
type ErrorReason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429). Retried with a
	// fixed delay inside the loop.
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonTimeout indicates a request timeout.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates backend-side failure (HTTP 5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonAuth indicates authentication or configuration failure
	// (HTTP 401, 403). Never retried.
	ReasonAuth ErrorReason = "auth"

	// ReasonInvalidRequest indicates a client-side problem (HTTP 400).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonUnknown is the fallback for unclassified errors.
	ReasonUnknown ErrorReason = "unknown"
)

// Retryable reports whether retrying the same request may succeed.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured model backend failure.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps a backend error with classification.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool {
	return reasonOf(err) == ReasonRateLimit
}

// IsRetryable reports whether err is worth retrying at all.
func IsRetryable(err error) bool {
	return reasonOf(err).Retryable()
}

func reasonOf(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	if pe, ok := err.(*ProviderError); ok {
		return pe.Reason
	}
	return ClassifyError(err)
}

// ClassifyError inspects an error's text for known backend failure shapes.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "internal server"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return ReasonServerError
	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}
