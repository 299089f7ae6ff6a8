package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMalformedQuery      = errors.New("malformed query")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrStreamInterrupted   = errors.New("stream interrupted")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrTemporary           = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorKind maps an error to the wire-level kind carried by the terminal
// stream event.
func ErrorKind(err error) string {
	switch {
	case IsKind(err, ErrMalformedQuery):
		return "malformed_query"
	case IsKind(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case IsKind(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case IsKind(err, ErrStreamInterrupted):
		return "stream_interrupted"
	case IsKind(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case IsKind(err, ErrTemporary):
		return "temporary_failure"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
