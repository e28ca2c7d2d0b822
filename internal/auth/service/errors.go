package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

// Kind classifies every error the auth service returns. Callers switch on
// the kind instead of matching message text.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindInvalidCredentials
	KindMFARequired
	KindMFAEnrollmentRequired
	KindInvalidMFA
	KindConflict
	KindInvalidToken
	KindInvalidRefreshToken
	KindAccountNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindMFARequired:
		return "mfa_required"
	case KindMFAEnrollmentRequired:
		return "mfa_enrollment_required"
	case KindInvalidMFA:
		return "invalid_mfa"
	case KindConflict:
		return "conflict"
	case KindInvalidToken:
		return "invalid_token"
	case KindInvalidRefreshToken:
		return "invalid_refresh_token"
	case KindAccountNotFound:
		return "account_not_found"
	default:
		return "internal"
	}
}

// Error is the service error type. Reason is safe to show to clients; Err
// is the underlying cause and is only for logs and errors.Is.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Kind.String() + ": " + e.Reason
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with a Reason only
// matches that exact reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials}
	ErrMFARequired         = &Error{Kind: KindMFARequired}
	ErrInvalidMFA          = &Error{Kind: KindInvalidMFA}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken}
	ErrInvalidRefreshToken = &Error{Kind: KindInvalidRefreshToken}
	ErrAccountNotFound     = &Error{Kind: KindAccountNotFound}
	ErrInternal            = &Error{Kind: KindInternal}

	// ErrMFAEnrollmentRequired is returned when a second factor is enforced
	// for an account that has not confirmed one yet.
	ErrMFAEnrollmentRequired = &Error{Kind: KindMFAEnrollmentRequired}

	ErrMFANotEnrolled         = &Error{Kind: KindInvalidInput, Reason: "mfa not enrolled"}
	ErrMFAAlreadyEnabled      = &Error{Kind: KindConflict, Reason: "mfa already enabled"}
	ErrMFANotEnabled          = &Error{Kind: KindInvalidInput, Reason: "mfa not enabled"}
	ErrEnrollmentNeedsSession = &Error{Kind: KindInvalidInput, Reason: "sign in to enroll"}
	ErrPasswordTooShort       = &Error{Kind: KindInvalidInput, Reason: "password too short"}
	ErrPasswordTooLong        = &Error{Kind: KindInvalidInput, Reason: "password too long"}
	ErrInvalidUsername        = &Error{Kind: KindInvalidInput, Reason: "invalid username"}
	ErrInvalidEmail           = &Error{Kind: KindInvalidInput, Reason: "invalid email"}
	ErrUsernameOrEmailTaken   = &Error{Kind: KindConflict, Reason: "username or email already registered"}
)

// Causes attached to token errors. They never change the kind a caller sees.
var (
	// ErrReuseDetected marks a refresh token presented after its session had
	// already rotated past it.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrTokenExpired marks a correctly signed token past its expiry, so a
	// client can tell "refresh now" apart from "log in again".
	ErrTokenExpired = errors.New("token expired")
)

func withCause(base *Error, cause error) *Error {
	return &Error{Kind: base.Kind, Reason: base.Reason, Err: cause}
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// internal logs the cause and hides it behind an opaque error.
func internal(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	slogx.FromContext(ctx).Error("auth operation failed", slog.String("op", op), slog.Any("error", err))
	return &Error{Kind: KindInternal, Err: err}
}
