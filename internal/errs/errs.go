// Package errs defines the error kinds shared across the chat core.
// Stores and the chat service wrap these sentinels with a human-readable
// reason; the transport boundary matches them with errors.Is and maps
// each kind to an HTTP status code.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a chat, message, user, task or attachment
	// that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates an authenticated principal that is not a
	// participant of the chat or not the sender of the message.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalid indicates a business-rule violation: self-chat, empty
	// content, editing a message that carries an attachment, and so on.
	ErrInvalid = errors.New("invalid operation")

	// ErrTooLarge indicates an attachment exceeding the configured
	// upload size limit.
	ErrTooLarge = errors.New("payload too large")
)

// Wrap annotates an error kind with a reason, keeping the kind
// matchable via errors.Is.
func Wrap(kind error, format string, args ...any) error {
	args = append(args, kind)
	return fmt.Errorf(format+": %w", args...)
}
