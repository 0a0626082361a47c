package apiclient

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a logical call failed.
type Kind string

const (
	// KindTimeout means an attempt (or the caller's deadline) elapsed before a response arrived.
	KindTimeout Kind = "timeout"
	// KindNetworkUnreachable covers connection refused/reset, DNS failures and dropped connections.
	KindNetworkUnreachable Kind = "network_unreachable"
	// KindClientError is any 4xx except 429, plus requests rejected before sending.
	KindClientError Kind = "client_error"
	// KindRateLimited is HTTP 429.
	KindRateLimited Kind = "rate_limited"
	// KindServerError is any 5xx.
	KindServerError Kind = "server_error"
	// KindProtocolMismatch means the response came from a dev-server proxy, not the API.
	KindProtocolMismatch Kind = "protocol_mismatch"
	// KindUnknown is anything the client cannot classify. It is never retried.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether a failure of kind k may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetworkUnreachable, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// kindError is the sentinel type matched by APIError.Is.
type kindError Kind

func (e kindError) Error() string {
	return "apiclient: " + strings.ReplaceAll(string(e), "_", " ")
}

// Sentinels for errors.Is. An *APIError matches the sentinel of its Kind.
var (
	ErrTimeout            error = kindError(KindTimeout)
	ErrNetworkUnreachable error = kindError(KindNetworkUnreachable)
	ErrClientError        error = kindError(KindClientError)
	ErrRateLimited        error = kindError(KindRateLimited)
	ErrServerError        error = kindError(KindServerError)
	ErrProtocolMismatch   error = kindError(KindProtocolMismatch)
	ErrUnknown            error = kindError(KindUnknown)
)

// APIError is the only error type returned by Client. Kind reflects the last attempt.
type APIError struct {
	Kind    Kind
	Message string
	// Code is the backend's machine-readable error code, when the error body carried one.
	Code string
	// Status is the HTTP status of the last attempt, 0 when no response arrived.
	Status int
	// Body is the raw response body of the last attempt.
	Body []byte
	// Attempts is the number of network attempts made (0 when rejected before sending).
	Attempts int
	Err      error

	// final marks errors that end the call regardless of Kind (caller cancellation).
	final bool
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apiclient %s: %s", e.Kind, e.Message)
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status: %d", e.Status)
		if e.Code != "" {
			fmt.Fprintf(&b, ", code: %s", e.Code)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the Kind sentinels (ErrTimeout, ErrServerError, ...).
func (e *APIError) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// Retryable reports whether the error's kind is retryable.
func (e *APIError) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind Kind, message string, err error) *APIError {
	return &APIError{Kind: kind, Message: message, Err: err}
}

func newStatusError(kind Kind, status int, message, code string, body []byte) *APIError {
	return &APIError{Kind: kind, Status: status, Message: message, Code: code, Body: body}
}

// KindOf returns the Kind of err, KindUnknown for non-API errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *APIError of kind k.
func IsKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// IsStatus reports whether err is an *APIError for HTTP status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == code
}
