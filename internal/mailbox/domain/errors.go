package domain

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrReauthRequired means the refresh grant is gone. The account stays
// unusable until the owner reconnects it and a fresh credential is written.
var ErrReauthRequired = errors.New("mailbox credential revoked: reconnect account")

// ErrCredentialNotFound is returned by credential stores for unknown accounts.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrTickInProgress is returned when a manual run overlaps a running tick.
var ErrTickInProgress = errors.New("a processing tick is already in progress")

// TransientError wraps a network or server-side failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RemoteAPIError is a non-2xx response from the remote mail API.
type RemoteAPIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteAPIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote API error (%d): %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("remote API error (%d): %s", e.Status, e.Message)
}

// HTTPStatus returns the response status code.
func (e *RemoteAPIError) HTTPStatus() int { return e.Status }

// AuthExpiredError is returned when a call is still rejected with 401 after
// one forced token renewal.
type AuthExpiredError struct {
	AccountID string
	Err       error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("access token for %s rejected after renewal: %v", e.AccountID, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// ExhaustedError is returned by the request gateway after the last retry.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ClassificationServiceError wraps a failure of the external classifier.
type ClassificationServiceError struct {
	Provider string
	Err      error
}

func (e *ClassificationServiceError) Error() string {
	return fmt.Sprintf("classifier %s failed: %v", e.Provider, e.Err)
}

func (e *ClassificationServiceError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// StatusCode extracts an HTTP status from err, or 0 when there is none.
func StatusCode(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return 0
}

// IsUnauthorized reports whether err carries a 401 status.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsRateLimited reports whether err carries a 429 status.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsRetryable reports whether a failed call may be retried: rate limiting,
// server errors, transient errors and network timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
