// Package apperr defines the error taxonomy shared by the token manager,
// the transport chain and the scheduler.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested message no longer exists
var ErrNotFound = errors.New("message not found")

// AuthKind separates terminal credential failures from transient ones
type AuthKind int

const (
	// RevokedCredential means the refresh token is dead and a human must re-authorize
	RevokedCredential AuthKind = iota
	// Unavailable means the identity provider could not be reached or failed transiently
	Unavailable
)

func (k AuthKind) String() string {
	if k == RevokedCredential {
		return "revoked_credential"
	}
	return "unavailable"
}

// AuthError is a credential-level failure
type AuthError struct {
	Kind AuthKind
	Code string // provider error code, e.g. invalid_grant
	Err  error
}

func (e *AuthError) Error() string {
	msg := "authentication " + e.Kind.String()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is a connect, handshake, timeout or protocol failure of one transport
type TransportError struct {
	Protocol string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ThrottleError signals provider rate limiting. RetryAfter is zero when the
// provider gave no hint.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the storage collaborator
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Revoked builds a RevokedCredential error
func Revoked(code string, err error) *AuthError {
	return &AuthError{Kind: RevokedCredential, Code: code, Err: err}
}

// Transport builds a TransportError
func Transport(protocol, op string, err error) *TransportError {
	return &TransportError{Protocol: protocol, Op: op, Err: err}
}

// IsRevoked reports whether err carries a RevokedCredential AuthError
func IsRevoked(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == RevokedCredential
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottle returns the throttle error in err's chain, if any
func IsThrottle(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Retryable reports whether err is a transient failure worth another attempt
func Retryable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind == Unavailable
	}
	return false
}
