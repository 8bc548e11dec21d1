package notification

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and reporting.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindAuthentication
	KindAuthorization
	KindValidation
	KindDependency
	KindTimeout
	KindRateLimited
	KindCircuitOpen
	KindConnectionLimit
	KindFeatureDisabled
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindAuthentication:
		return "authentication_error"
	case KindAuthorization:
		return "authorization_error"
	case KindValidation:
		return "validation_error"
	case KindDependency:
		return "dependency_error"
	case KindTimeout:
		return "timeout_error"
	case KindRateLimited:
		return "rate_limit_exceeded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConnectionLimit:
		return "connection_limit_exceeded"
	case KindFeatureDisabled:
		return "feature_disabled"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown_error"
	}
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindConnectionLimit:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindFeatureDisabled, KindDependency:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrConnection      = &Error{Kind: KindConnection}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrDependency      = &Error{Kind: KindDependency}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrConnectionLimit = &Error{Kind: KindConnectionLimit}
	ErrFeatureDisabled = &Error{Kind: KindFeatureDisabled}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry guidance carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func NewValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NewDependencyError(op string, err error) *Error {
	return &Error{Kind: KindDependency, Op: op, Message: "dependency unavailable", Err: err}
}

func NewTimeoutError(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "operation timed out", Err: err}
}

func NewRateLimitError(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func NewCircuitOpenError(name string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindCircuitOpen, Op: name, Message: "circuit breaker is open", RetryAfter: retryAfter}
}

func NewConnectionLimitError(userID string, limit int) *Error {
	return &Error{
		Kind:    KindConnectionLimit,
		Op:      "connect",
		Message: fmt.Sprintf("user %s already holds %d connections", userID, limit),
	}
}

func NewFeatureDisabledError(feature, reason string) *Error {
	return &Error{Kind: KindFeatureDisabled, Op: feature, Message: reason}
}

func NewConnectionError(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Message: "transport failure", Err: err}
}

func NewNotFoundError(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func NewAuthenticationError(op, message string) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Message: message}
}

func NewAuthorizationError(op, message string) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: message}
}
