package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnrecognizedShape is returned when no known response shape matches a payload.
var ErrUnrecognizedShape = errors.New("unrecognized response shape")

// RateLimitError represents a rate limit exceeded error.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// CircuitBreakerError indicates the circuit breaker is open.
type CircuitBreakerError struct{}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker is open, too many recent failures"
}

// Attempt records the outcome of one contact creation strategy.
type Attempt struct {
	Strategy string
	URL      string
	Err      error
}

// ContactCreateError is returned when every contact creation strategy failed.
// Unwrap exposes the last attempt's error.
type ContactCreateError struct {
	Attempts []Attempt
}

func (e *ContactCreateError) Error() string {
	if len(e.Attempts) == 0 {
		return "contact creation failed: no applicable strategy"
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("contact creation failed after %d attempt(s); last (%s %s): %v",
		len(e.Attempts), last.Strategy, last.URL, last.Err)
}

func (e *ContactCreateError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Strategies lists the names of the strategies that were tried, in order.
func (e *ContactCreateError) Strategies() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Strategy)
	}
	return names
}

// IsRateLimitError checks if the error is a rate limit error.
func IsRateLimitError(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsCircuitBreakerError checks if the error is a circuit breaker error.
func IsCircuitBreakerError(err error) bool {
	var e *CircuitBreakerError
	return errors.As(err, &e)
}

// IsNotFoundError checks if the error is an API error with status 404.
func IsNotFoundError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// StatusAndSnippet extracts the remote status code and truncated body from err.
// Both are zero values when err does not carry an API error.
func StatusAndSnippet(err error) (int, string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		snippet := apiErr.Snippet
		if strings.TrimSpace(snippet) == "" {
			snippet = apiErr.Body
		}
		return apiErr.StatusCode, snippet
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, rl.Error()
	}
	return 0, ""
}
