// Package security separates user-facing error text from debug detail and
// redacts local paths before errors are shown.
package security

import (
	"errors"
	"os"
	"strings"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Cause       error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// Classify wraps cause with a user-safe message; the cause text becomes the
// debug detail and stays reachable through errors.Is/As.
func Classify(userSafe string, cause error) error {
	ce := &ClassifiedError{UserSafe: userSafe, Cause: cause}
	if cause != nil {
		ce.DebugDetail = cause.Error()
	}
	return ce
}

// UserMessage returns a message safe to show in CLI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage strips common sensitive path prefixes from user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	if strings.Contains(out, "/.ssh/") {
		out = strings.ReplaceAll(out, "/.ssh/", "/.ssh/[redacted]/")
	}
	return out
}
