package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure so callers and logs can distinguish
// configuration problems from transient ones from non-retryable ones.
type ErrorKind string

// Provider failure kinds.
const (
	KindAuth       ErrorKind = "auth"
	KindQuota      ErrorKind = "quota"
	KindRateLimit  ErrorKind = "rate_limit"
	KindTimeout    ErrorKind = "timeout"
	KindBadRequest ErrorKind = "bad_request"
	KindUnknown    ErrorKind = "unknown"
)

// ProviderError is a classified failure from a single completion provider.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same endpoint is worth retrying. Auth and
// quota problems won't heal on retry against the same provider, and a
// bad_request means the payload itself is malformed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Fatal reports whether the whole fallback chain should be aborted. Only a
// malformed payload qualifies: it will fail identically against every
// provider.
func (e *ProviderError) Fatal() bool {
	return e.Kind == KindBadRequest
}

// ConfigurationError means an endpoint cannot be used at all (missing
// credentials, unknown provider name). Never retried.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s misconfigured: %s", e.Provider, e.Reason)
}

// ErrorKindOf extracts the classified kind from an error chain, returning
// KindUnknown when no ProviderError is present.
func ErrorKindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether the error chain carries a timeout classification.
func IsTimeout(err error) bool {
	return ErrorKindOf(err) == KindTimeout
}
