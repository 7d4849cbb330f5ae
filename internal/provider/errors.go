package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a provider failure by how the pipeline must react to it.
type ErrorKind string

const (
	// KindTransient failures are retried at the chunk level with backoff.
	KindTransient ErrorKind = "transient"
	// KindNotFound means the provider has no record for the identifier.
	KindNotFound ErrorKind = "not_found"
	// KindMalformed means the provider rejected the identifier outright.
	KindMalformed ErrorKind = "malformed"
	// KindUnsupported means the provider does not offer the requested capability.
	KindUnsupported ErrorKind = "unsupported"
	// KindUnauthorized means the provider refused our credentials. Every
	// request fails the same way until the configuration changes.
	KindUnauthorized ErrorKind = "unauthorized"
)

// ErrUnsupported is wrapped by errors of KindUnsupported.
var ErrUnsupported = errors.New("capability not supported by provider")

var errEmptyMatch = errors.New("lookup returned no asin")

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Op         string
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the provider's requested pause, zero if none was sent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (HTTP %d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *Error) Permanent() bool {
	return e.Kind != KindTransient
}

// KindOf returns the classification of err, or KindTransient for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsUnauthorized reports whether err is a credentials failure.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// classifyStatus maps an HTTP status to an error kind. ok is false for 2xx.
func classifyStatus(status int) (kind ErrorKind, ok bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusNotFound:
		return KindNotFound, true
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindMalformed, true
	case status == http.StatusNotImplemented:
		return KindUnsupported, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized, true
	default:
		// 429, 5xx and anything unexpected may succeed later.
		return KindTransient, true
	}
}
