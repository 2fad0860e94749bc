// Package apperrors classifies failures so callers can tell rejected input
// from transient sync trouble and store-side rejections.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind represents the class of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransientSync
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientSync:
		return "transient_sync"
	case KindTerminal:
		return "terminal"
	default:
		return "internal"
	}
}

// Error is an application error with a kind for classification.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// TransientSync wraps err as a recoverable synchronization failure.
func TransientSync(err error, msg string) *Error {
	return &Error{Kind: KindTransientSync, Message: msg, Err: err}
}

// Terminal wraps err as a mutation the store rejected.
func Terminal(err error, msg string) *Error {
	return &Error{Kind: KindTerminal, Message: msg, Err: err}
}

// Wrap wraps err with a kind and message.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return Is(err, KindTransientSync)
}
