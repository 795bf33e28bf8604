package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure kinds of external model and retrieval calls.
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("timeout")
	ErrInvalidResponse = errors.New("invalid response")
	ErrUnavailable     = errors.New("unavailable")
)

// ProviderError wraps a failed call to an external collaborator with its kind.
type ProviderError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches both the kind sentinel and the wrapped cause.
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps err to a ProviderError. Errors that already are one pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	kind := ErrUnavailable
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = ErrTimeout
	case errors.Is(err, ErrRateLimited):
		kind = ErrRateLimited
	case errors.Is(err, ErrInvalidResponse):
		kind = ErrInvalidResponse
	case errors.Is(err, ErrTimeout):
		kind = ErrTimeout
	}
	return &ProviderError{Op: op, Kind: kind, Err: err}
}

// StatusError maps a non-200 HTTP status to a ProviderError.
func StatusError(op string, status int, body string) error {
	kind := ErrUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = ErrTimeout
	case status >= 400 && status < 500:
		kind = ErrInvalidResponse
	}
	return &ProviderError{Op: op, Kind: kind, Err: fmt.Errorf("status %d: %s", status, body)}
}

// Retryable reports whether a call that failed with err is worth retrying.
// Invalid responses are permanent.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidResponse)
}
