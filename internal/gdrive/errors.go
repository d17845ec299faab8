// Package gdrive implements the remote drive provider: an HTTP client for
// the Google Drive v3 REST API with automatic retry and error
// classification, OAuth2 credential handling with refresh persistence, and
// the provider behaviors (diff-based sync, search merge, remote move) on
// top of the local index.
package gdrive

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/filebarn/filebarn/internal/drive"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, gdrive.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("gdrive: bad request")
	ErrUnauthorized = errors.New("gdrive: unauthorized")
	ErrForbidden    = errors.New("gdrive: forbidden")
	ErrNotFound     = errors.New("gdrive: not found")
	ErrConflict     = errors.New("gdrive: conflict")
	ErrThrottled    = errors.New("gdrive: throttled")
	ErrServerError  = errors.New("gdrive: server error")
)

// APIError wraps a sentinel error with the HTTP status code and the API
// error message body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gdrive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// asDomainError translates a client error into the storage taxonomy: 404s
// become drive.ErrNotFound, everything else a transient backend error.
func asDomainError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", drive.ErrNotFound, err)
	}

	return fmt.Errorf("%w: %v", drive.ErrTransientBackend, err)
}
