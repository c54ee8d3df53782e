package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindTransient          Kind = "transient"
	KindRateLimit          Kind = "rate_limit"
	KindAuthentication     Kind = "authentication"
	KindServiceUnavailable Kind = "service_unavailable"
)

var (
	ErrTransient          = errors.New("transient failure")
	ErrRateLimit          = errors.New("rate limited")
	ErrAuthentication     = errors.New("authentication failed")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Error is the typed failure surfaced by Client once retries are exhausted or
// the circuit refuses the call. errors.Is matches both the kind sentinel and
// the wrapped cause.
type Error struct {
	Kind     Kind
	Service  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Service, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := []error{sentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusCoder is implemented by upstream errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps an operation error onto the failure taxonomy and reports
// whether another attempt could succeed.
func Classify(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, typed.Kind == KindTransient || typed.Kind == KindRateLimit
	}

	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication, false
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit, true
	case errors.Is(err, ErrServiceUnavailable):
		return KindServiceUnavailable, false
	case errors.Is(err, context.Canceled):
		return KindTransient, false
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient, true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatusCode()
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return KindAuthentication, false
		case status == http.StatusTooManyRequests:
			return KindRateLimit, true
		case status == http.StatusRequestTimeout || status >= 500:
			return KindTransient, true
		default:
			// Other 4xx responses will fail the same way on every attempt.
			return KindTransient, false
		}
	}

	// Network errors and anything unrecognized are treated as blips.
	return KindTransient, true
}

func sentinel(kind Kind) error {
	switch kind {
	case KindRateLimit:
		return ErrRateLimit
	case KindAuthentication:
		return ErrAuthentication
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	default:
		return ErrTransient
	}
}
