// Package apierr carries the small set of client-facing error kinds the
// coordinator and store can raise, so the HTTP layer maps them to status
// codes in one place instead of string-matching error messages.
package apierr

import (
	"errors"
	"fmt"
)

// Kind enumerates the client-visible error categories.
type Kind int

const (
	KindUnsupportedType Kind = iota
	KindTooLarge
	KindNotFound
)

// Error is a Kind carrying a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err's chain using the stdlib errors.As, and
// returns it with a boolean for call sites that prefer that shape.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
