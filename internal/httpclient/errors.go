// Package httpclient is the authenticated outbound HTTP client: a thin
// wrapper over net/http configured per provider with retry policy,
// provider-specific error classification, and a bearer token fetched from
// internal/token just before each send.
package httpclient

import "fmt"

// Kind is the coarse error taxonomy. Components return their own Kind;
// internal/server/response.go maps Kind to an HTTP status at the edge.
type Kind string

const (
	KindAuth          Kind = "auth_error"
	KindRateLimit     Kind = "rate_limit"
	KindSyncToken     Kind = "sync_token_error"
	KindNetwork       Kind = "network_error"
	KindClient        Kind = "client_error"
	KindServer        Kind = "server_error"
	KindValidation    Kind = "validation_error"
	KindConfiguration Kind = "configuration_error"
	KindDatabase      Kind = "database_error"
)

// Error wraps a classified failure with the HTTP status and provider that
// produced it, when applicable.
type Error struct {
	Kind       Kind
	StatusCode int
	Provider   string
	RetryAfter string // raw Retry-After header value, set only for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (status=%d, provider=%s): %v", e.Kind, httpKindMessage(e.Kind), e.StatusCode, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s (status=%d, provider=%s)", e.Kind, httpKindMessage(e.Kind), e.StatusCode, e.Provider)
}

func (e *Error) Unwrap() error { return e.Err }

func httpKindMessage(k Kind) string {
	switch k {
	case KindAuth:
		return "token rejected after refresh attempt"
	case KindRateLimit:
		return "provider rate-limited the request"
	case KindSyncToken:
		return "incremental cursor rejected by provider"
	case KindNetwork:
		return "transport failure"
	case KindClient:
		return "permanent client error"
	case KindServer:
		return "provider server error"
	case KindValidation:
		return "record failed validation"
	case KindConfiguration:
		return "missing configuration or secret"
	case KindDatabase:
		return "storage failure"
	default:
		return "unknown error"
	}
}

// IsSyncTokenError reports whether err (or a wrapped cause) is a
// KindSyncToken classification, the signal the sync executor uses to fall
// back to a full refresh.
func IsSyncTokenError(err error) bool {
	var e *Error
	if asError(err, &e) {
		return e.Kind == KindSyncToken
	}
	return false
}

// IsAuthError reports whether err is a KindAuth classification.
func IsAuthError(err error) bool {
	var e *Error
	if asError(err, &e) {
		return e.Kind == KindAuth
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
