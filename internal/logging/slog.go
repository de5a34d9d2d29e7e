// Package logging holds shared slog attribute helpers.
package logging

import (
	"fmt"
	"log/slog"
)

// Attribute keys used across components.
const (
	KeyComponent = "component"
	KeyAccount   = "account"
	KeyAccountID = "account_id"
	KeyMethod    = "method"
	KeyProtocol  = "protocol"
	KeyDuration  = "duration"
	KeyError     = "error"
)

// Component returns a logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, name))
}

// Account returns attributes identifying an account.
func Account(id int64, email string) slog.Attr {
	return slog.Group(KeyAccount, slog.Int64("id", id), slog.String("email", email))
}

// Method returns a slog attribute for the transport that served a request.
func Method(method string) slog.Attr {
	return slog.String(KeyMethod, method)
}

// Protocol returns a slog attribute for a transport family.
func Protocol(p string) slog.Attr {
	return slog.String(KeyProtocol, p)
}

// Err returns a slog attribute for an error.
// A nil err yields an empty group, which slog omits.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// SanitizeToken masks a token, keeping only its length.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
