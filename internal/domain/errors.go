// Package domain provides the identity model and typed errors shared by the
// gateway pipeline.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind represents the category of a gateway error.
type Kind int

const (
	// KindInternal is an unexpected failure. It is the zero value so that
	// untyped errors classify as internal.
	KindInternal Kind = iota

	// KindBadRequest indicates a malformed or invalid operation.
	KindBadRequest

	// KindAuthenticationRequired indicates an anonymous caller reached a
	// field that needs an identity.
	KindAuthenticationRequired

	// KindTokenExpired indicates a verified token whose expiry has passed.
	KindTokenExpired

	// KindAccountInactive indicates a verified token for a deactivated account.
	KindAccountInactive

	// KindForbidden indicates the identity lacks the role or permission.
	KindForbidden

	// KindRateLimited indicates the caller exhausted its request window.
	KindRateLimited

	// KindComplexityExceeded indicates the operation scored above budget.
	KindComplexityExceeded

	// KindNotFound indicates a requested entity does not exist upstream.
	KindNotFound

	// KindUpstream indicates a backing service failed.
	KindUpstream
)

var kindNames = map[Kind]string{
	KindInternal:               "internal",
	KindBadRequest:             "bad_request",
	KindAuthenticationRequired: "authentication_required",
	KindTokenExpired:           "token_expired",
	KindAccountInactive:        "account_inactive",
	KindForbidden:              "forbidden",
	KindRateLimited:            "rate_limited",
	KindComplexityExceeded:     "complexity_exceeded",
	KindNotFound:               "not_found",
	KindUpstream:               "upstream",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the GraphQL extensions code reported to clients.
func (k Kind) Code() string {
	switch k {
	case KindBadRequest:
		return "BAD_USER_INPUT"
	case KindAuthenticationRequired, KindTokenExpired, KindAccountInactive:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindComplexityExceeded:
		return "QUERY_TOO_COMPLEX"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// HTTPStatus returns the status used when the error rejects a whole request.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindComplexityExceeded:
		return http.StatusBadRequest
	case KindAuthenticationRequired, KindTokenExpired, KindAccountInactive:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether the kind rejects the operation before resolution.
func (k Kind) Fatal() bool {
	switch k {
	case KindTokenExpired, KindAccountInactive, KindRateLimited, KindComplexityExceeded:
		return true
	}
	return false
}

// Error is a typed gateway error. Key and Params select a localized
// message; Message is the English rendering used for logs.
type Error struct {
	Kind       Kind
	Key        string
	Params     []any
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Key
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error.
func New(kind Kind, key, message string, params ...any) *Error {
	return &Error{Kind: kind, Key: key, Message: message, Params: params}
}

// Wrap creates a typed error around a cause.
func Wrap(kind Kind, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Convenience constructors

// ErrAuthenticationRequired is returned when an anonymous caller touches a
// protected field.
func ErrAuthenticationRequired() *Error {
	return New(KindAuthenticationRequired, "auth.required", "authentication required")
}

// ErrInvalidToken is returned for tokens whose signature does not verify
// under any configured secret.
func ErrInvalidToken() *Error {
	return New(KindAuthenticationRequired, "auth.invalid", "token signature is invalid")
}

// ErrTokenExpired is returned for verified tokens past their expiry.
func ErrTokenExpired(expiredAt time.Time) *Error {
	return New(KindTokenExpired, "auth.expired", "token expired at "+expiredAt.UTC().Format(time.RFC3339))
}

// ErrAccountInactive is returned for verified tokens of deactivated accounts.
func ErrAccountInactive(subject string) *Error {
	return New(KindAccountInactive, "auth.inactive", "account "+subject+" is inactive")
}

// ErrForbidden is returned when a role or permission check fails.
func ErrForbidden(need string) *Error {
	return New(KindForbidden, "auth.forbidden", "insufficient permissions: requires "+need, need)
}

// ErrRateLimited is returned when a request window is exhausted.
func ErrRateLimited(retryAfter time.Duration) *Error {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	e := New(KindRateLimited, "rate.limited", fmt.Sprintf("rate limit exceeded, retry in %ds", secs), secs)
	e.RetryAfter = retryAfter
	return e
}

// ErrComplexityExceeded reports the computed score and the applicable limit.
func ErrComplexityExceeded(score, limit int) *Error {
	return New(KindComplexityExceeded, "complexity.exceeded",
		fmt.Sprintf("Query is too complex: %d. Maximum allowed complexity: %d", score, limit), score, limit)
}

// ErrBadRequest wraps a parse or validation failure.
func ErrBadRequest(message string) *Error {
	return New(KindBadRequest, "request.invalid", message, message)
}

// ErrNotFound reports a missing entity.
func ErrNotFound(entity, id string) *Error {
	return New(KindNotFound, "not.found", entity+" "+id+" not found", entity, id)
}

// ErrUpstream reports a failed backing-service call.
func ErrUpstream(service, message string) *Error {
	return New(KindUpstream, "upstream.failure", service+": "+message, service)
}
