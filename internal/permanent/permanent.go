// Package permanent tags delivery failures that retrying cannot fix, such as
// rejected recipients, missing channels, or broken templates.
package permanent

import (
	"errors"
	"net/http"
)

// ErrPermanent is matched by errors.Is on every marked error.
var ErrPermanent = errors.New("permanent failure")

type markedError struct {
	cause error
}

func (e *markedError) Error() string { return e.cause.Error() }

func (e *markedError) Unwrap() []error { return []error{e.cause, ErrPermanent} }

// Mark tags err as non-retryable; nil stays nil and marked errors are returned as is.
func Mark(err error) error {
	if err == nil || Is(err) {
		return err
	}
	return &markedError{cause: err}
}

// Is reports whether err or anything it wraps was marked.
func Is(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// HTTPStatus reports whether a gateway response status will not change on retry:
// client errors except request timeout and rate limiting.
func HTTPStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
