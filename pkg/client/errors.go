package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the transport.
var (
	// ErrRetryExhausted is returned when every attempt failed at the connection level.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends while a request is pending.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// TransportError describes one failed attempt.
type TransportError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Attempt    int
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error on GET %s (attempt %d): %v", e.ErrorClass, e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s error on GET %s (attempt %d): status %d", e.ErrorClass, e.URL, e.Attempt, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status onto an ErrorClass. Success codes map to "".
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
