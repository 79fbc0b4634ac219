// Package apperr is the error taxonomy shared by the dispatch engine and its
// transports. Every refusal carries a Kind, a stable Reason code that
// clients branch on, and a human-readable message.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transports and retry decisions.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
	KindInternal       Kind = "internal"
)

// Reason is a stable machine-readable code.
type Reason string

const (
	// Authentication.
	ReasonMissingCredential Reason = "missing-credential"
	ReasonInvalidCredential Reason = "invalid-credential"
	ReasonUnknownSubject    Reason = "unknown-subject"
	ReasonInactiveSubject   Reason = "inactive-subject"

	// Authorization.
	ReasonRoleMismatch Reason = "role-mismatch"
	ReasonNotAssigned  Reason = "not-assigned"
	ReasonNotOwner     Reason = "not-owner"
	ReasonNotMember    Reason = "not-member"

	// Validation.
	ReasonInvalidCoordinates Reason = "invalid-coordinates"
	ReasonMissingField       Reason = "missing-field"
	ReasonInvalidField       Reason = "invalid-field"
	ReasonFrameTooLarge      Reason = "frame-too-large"
	ReasonUnknownFrame       Reason = "unknown-frame"

	// Conflict. The claim reasons are also used on ClaimOutcome.
	ReasonAlreadyAccepted   Reason = "already-accepted"
	ReasonAlreadyAssigned   Reason = "already-assigned"
	ReasonNotPending        Reason = "not-pending"
	ReasonNotVerified       Reason = "not-verified"
	ReasonCapacityExceeded  Reason = "capacity-exceeded"
	ReasonInvalidTransition Reason = "invalid-transition"
	ReasonNotDelivered      Reason = "not-delivered"
	ReasonNotCancelled      Reason = "not-cancelled"
	ReasonNotReassignable   Reason = "not-reassignable"
	ReasonVersionConflict   Reason = "version-conflict"

	// NotFound.
	ReasonOrderNotFound   Reason = "order-not-found"
	ReasonPartnerNotFound Reason = "partner-not-found"

	// Transient.
	ReasonLockTimeout      Reason = "lock-timeout"
	ReasonStoreUnavailable Reason = "store-unavailable"
	ReasonRateLimited      Reason = "rate-limited"

	ReasonInternal Reason = "internal"
)

// Error is the domain error type.
type Error struct {
	Kind     Kind
	Reason   Reason
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on Reason when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates a domain error.
func New(kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap creates a domain error around an underlying cause.
func Wrap(kind Kind, reason Reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// WithMetadata returns a copy of e carrying an extra key.
func (e *Error) WithMetadata(key, value string) *Error {
	c := *e
	c.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	c.Metadata[key] = value
	return &c
}

func Authentication(reason Reason, message string) *Error {
	return New(KindAuthentication, reason, message)
}

func Authorization(reason Reason, message string) *Error {
	return New(KindAuthorization, reason, message)
}

func Validation(reason Reason, message string) *Error {
	return New(KindValidation, reason, message)
}

func Conflict(reason Reason, message string) *Error {
	return New(KindConflict, reason, message)
}

func NotFound(reason Reason, message string) *Error {
	return New(KindNotFound, reason, message)
}

func Transient(reason Reason, message string, cause error) *Error {
	return Wrap(KindTransient, reason, message, cause)
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, ReasonInternal, message, cause)
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of err, or ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	if e, ok := As(err); ok {
		return e.Reason
	}
	return ReasonInternal
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
